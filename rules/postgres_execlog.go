package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresExecutionLog implements ExecutionLog backed by PostgreSQL,
// scoped to a single tenant. Rows are append-only; nothing updates or
// deletes them.
type PostgresExecutionLog struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresExecutionLog creates a PostgreSQL-backed ExecutionLog for a tenant.
func NewPostgresExecutionLog(db *sql.DB, tenantID string) *PostgresExecutionLog {
	return &PostgresExecutionLog{
		db:       db,
		tenantID: tenantID,
	}
}

// Append stores an execution record.
func (l *PostgresExecutionLog) Append(ctx context.Context, e *Execution) (*Execution, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now()
	}

	result, err := json.Marshal(e.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution result: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO rule_executions (id, tenant_id, rule_id, fact_id, status, executed_at, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, l.tenantID, e.RuleID, e.FactID, e.Status, e.ExecutedAt, result)
	if err != nil {
		return nil, fmt.Errorf("failed to insert execution: %w", err)
	}

	return e, nil
}

// List returns matching executions, most recent first.
func (l *PostgresExecutionLog) List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `
		SELECT id, rule_id, fact_id, status, executed_at, result
		FROM rule_executions
		WHERE tenant_id = $1`
	args := []any{l.tenantID}

	if filter.RuleID != "" {
		args = append(args, filter.RuleID)
		query += fmt.Sprintf(` AND rule_id = $%d`, len(args))
	}
	if filter.FactID != "" {
		args = append(args, filter.FactID)
		query += fmt.Sprintf(` AND fact_id = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}

	query += ` ORDER BY executed_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var list []*Execution
	for rows.Next() {
		var e Execution
		var result []byte
		if err := rows.Scan(&e.ID, &e.RuleID, &e.FactID, &e.Status, &e.ExecutedAt, &result); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &e.Result); err != nil {
				return nil, fmt.Errorf("failed to unmarshal execution result: %w", err)
			}
		}
		list = append(list, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return list, nil
}

// Stats computes per-rule and aggregate success rates with a single
// grouped query.
func (l *PostgresExecutionLog) Stats(ctx context.Context) (*ExecutionStats, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT rule_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success')
		FROM rule_executions
		WHERE tenant_id = $1
		GROUP BY rule_id
		ORDER BY rule_id
	`, l.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute execution stats: %w", err)
	}
	defer rows.Close()

	stats := &ExecutionStats{}
	for rows.Next() {
		var rs RuleStats
		if err := rows.Scan(&rs.RuleID, &rs.Total, &rs.Succeeded); err != nil {
			return nil, fmt.Errorf("failed to scan execution stats: %w", err)
		}
		rs.Failed = rs.Total - rs.Succeeded
		rs.SuccessRate = SuccessRate(rs.Succeeded, rs.Total)
		stats.PerRule = append(stats.PerRule, rs)
		stats.Total += rs.Total
		stats.Succeeded += rs.Succeeded
		stats.Failed += rs.Failed
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution stats: %w", err)
	}

	stats.SuccessRate = SuccessRate(stats.Succeeded, stats.Total)
	return stats, nil
}
