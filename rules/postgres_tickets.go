package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresTicketStore implements TicketStore backed by PostgreSQL,
// scoped to a single tenant.
type PostgresTicketStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresTicketStore creates a PostgreSQL-backed TicketStore for a tenant.
func NewPostgresTicketStore(db *sql.DB, tenantID string) *PostgresTicketStore {
	return &PostgresTicketStore{
		db:       db,
		tenantID: tenantID,
	}
}

// Insert adds a new ticket.
func (s *PostgresTicketStore) Insert(ctx context.Context, t *Ticket) error {
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tickets (id, tenant_id, title, description, status, priority, category,
			created_by, assigned_to, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, t.ID, s.tenantID, t.Title, t.Description, string(t.Status), string(t.Priority),
		t.Category, t.CreatedBy, t.AssignedTo, metadata, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}

	return nil
}

// Get retrieves a ticket by ID.
func (s *PostgresTicketStore) Get(ctx context.Context, id string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, priority, category, created_by, assigned_to,
			metadata, created_at, updated_at
		FROM tickets
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)

	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

// List returns tickets matching the filter, newest first.
func (s *PostgresTicketStore) List(ctx context.Context, filter TicketFilter) ([]*Ticket, error) {
	query := `
		SELECT id, title, description, status, priority, category, created_by, assigned_to,
			metadata, created_at, updated_at
		FROM tickets
		WHERE tenant_id = $1`
	args := []any{s.tenantID}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, pq.Array(statuses))
	}

	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	var list []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tickets: %w", err)
	}
	return list, nil
}

// Update applies a patch to a ticket and returns the updated row.
func (s *PostgresTicketStore) Update(ctx context.Context, id string, patch TicketPatch) (*Ticket, error) {
	var sets []string
	var args []any

	if patch.Status != nil {
		args = append(args, string(*patch.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if patch.AssignedTo != nil {
		args = append(args, *patch.AssignedTo)
		sets = append(sets, fmt.Sprintf("assigned_to = $%d", len(args)))
	}
	if len(patch.Metadata) > 0 {
		metadata, err := marshalMetadata(patch.Metadata)
		if err != nil {
			return nil, err
		}
		args = append(args, metadata)
		sets = append(sets, fmt.Sprintf("metadata = COALESCE(metadata, '{}'::jsonb) || $%d", len(args)))
	}

	if len(sets) == 0 {
		return s.Get(ctx, id)
	}

	sets = append(sets, "updated_at = NOW()")
	args = append(args, id, s.tenantID)
	query := fmt.Sprintf(`
		UPDATE tickets SET %s
		WHERE id = $%d AND tenant_id = $%d
	`, strings.Join(sets, ", "), len(args)-1, len(args))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}

	return s.Get(ctx, id)
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	metadata, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return metadata, nil
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var status, priority string
	var metadata []byte
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &t.Category,
		&t.CreatedBy, &t.AssignedTo, &metadata, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = TicketStatus(status)
	t.Priority = TicketPriority(priority)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &t, nil
}

// PostgresUserDirectory implements UserDirectory over the tenant's
// users table.
type PostgresUserDirectory struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresUserDirectory creates a PostgreSQL-backed UserDirectory for a tenant.
func NewPostgresUserDirectory(db *sql.DB, tenantID string) *PostgresUserDirectory {
	return &PostgresUserDirectory{
		db:       db,
		tenantID: tenantID,
	}
}

// FindByRole returns the earliest-created user with the role.
func (d *PostgresUserDirectory) FindByRole(ctx context.Context, role string) (*User, error) {
	var u User
	err := d.db.QueryRowContext(ctx, `
		SELECT id, full_name, email, role, created_at
		FROM users
		WHERE tenant_id = $1 AND role = $2
		ORDER BY created_at ASC
		LIMIT 1
	`, d.tenantID, role).Scan(&u.ID, &u.FullName, &u.Email, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user with role %s: %w", role, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by role: %w", err)
	}
	return &u, nil
}
