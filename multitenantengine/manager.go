package multitenantengine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/credx/ruleengine/rules"
)

// TenantEngine wraps a rules.Engine with tenant metadata.
type TenantEngine struct {
	TenantID string
	Name     string
	Engine   *rules.Engine
}

// Manager keeps one compiled engine per tenant over a shared database
// connection. Each engine sees only its tenant's rules, tickets, users
// and executions.
type Manager struct {
	engines map[string]*TenantEngine
	db      *sql.DB
	mu      sync.RWMutex
}

// NewManager creates a manager over the shared database.
func NewManager(db *sql.DB) *Manager {
	return &Manager{
		engines: make(map[string]*TenantEngine),
		db:      db,
	}
}

// LoadAllTenants reads the tenants table and initializes an engine for
// each, compiling its active rules.
func (m *Manager) LoadAllTenants(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `SELECT id, name FROM tenants ORDER BY created_at ASC`)
	if err != nil {
		return fmt.Errorf("failed to fetch tenants: %w", err)
	}
	defer rows.Close()

	type tenantRow struct{ id, name string }
	var tenants []tenantRow
	for rows.Next() {
		var t tenantRow
		if err := rows.Scan(&t.id, &t.name); err != nil {
			return fmt.Errorf("failed to scan tenant row: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tenant rows: %w", err)
	}

	for _, t := range tenants {
		if err := m.CreateTenant(ctx, t.id, t.name); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", t.id, err)
		}
	}

	return nil
}

// CreateTenant builds tenant-scoped stores and an engine, and registers
// them under the tenant ID.
func (m *Manager) CreateTenant(ctx context.Context, tenantID, name string) error {
	engine, err := rules.NewEngine(ctx, rules.Config{
		Store:      rules.NewPostgresRuleStore(m.db, tenantID),
		Tickets:    rules.NewPostgresTicketStore(m.db, tenantID),
		Users:      rules.NewPostgresUserDirectory(m.db, tenantID),
		Executions: rules.NewPostgresExecutionLog(m.db, tenantID),
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	m.mu.Lock()
	m.engines[tenantID] = &TenantEngine{
		TenantID: tenantID,
		Name:     name,
		Engine:   engine,
	}
	m.mu.Unlock()

	return nil
}

// GetEngine retrieves the engine for a tenant.
func (m *Manager) GetEngine(tenantID string) (*rules.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, rules.ErrNotFound)
	}
	return te.Engine, nil
}

// ListTenants returns all loaded tenant IDs.
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	return ids
}

// RemoveTenant drops a tenant's engine from the manager. Database rows
// are left alone.
func (m *Manager) RemoveTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[tenantID]; !exists {
		return fmt.Errorf("tenant %s: %w", tenantID, rules.ErrNotFound)
	}
	delete(m.engines, tenantID)
	return nil
}
