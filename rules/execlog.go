package rules

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecutionFilter narrows an execution listing.
type ExecutionFilter struct {
	RuleID string
	FactID string
	Status string
	Limit  int
}

// RuleStats aggregates execution outcomes for one rule.
type RuleStats struct {
	RuleID      string `json:"rule_id"`
	Total       int    `json:"total"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	SuccessRate int    `json:"success_rate"`
}

// ExecutionStats aggregates execution outcomes across all rules.
type ExecutionStats struct {
	Total       int         `json:"total"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	SuccessRate int         `json:"success_rate"`
	PerRule     []RuleStats `json:"per_rule"`
}

// ExecutionLog is the append-only audit record of rule executions.
type ExecutionLog interface {
	// Append stores an execution, assigning ID and timestamp if absent.
	Append(ctx context.Context, e *Execution) (*Execution, error)

	// List returns executions matching the filter, most recent first.
	List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Stats computes per-rule and aggregate success rates.
	Stats(ctx context.Context) (*ExecutionStats, error)
}

// SuccessRate converts execution counts to a whole percentage, rounded
// to the nearest integer. Zero total yields zero.
func SuccessRate(succeeded, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(succeeded) / float64(total) * 100))
}

// InMemoryExecutionLog implements ExecutionLog with an in-memory slice.
type InMemoryExecutionLog struct {
	entries []*Execution
	mu      sync.RWMutex
}

// NewInMemoryExecutionLog creates a new in-memory execution log.
func NewInMemoryExecutionLog() *InMemoryExecutionLog {
	return &InMemoryExecutionLog{}
}

// Append stores an execution entry.
func (l *InMemoryExecutionLog) Append(ctx context.Context, e *Execution) (*Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now()
	}
	l.entries = append(l.entries, e)
	return e, nil
}

// List returns matching executions, most recent first.
func (l *InMemoryExecutionLog) List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Execution
	for _, e := range l.entries {
		if filter.RuleID != "" && e.RuleID != filter.RuleID {
			continue
		}
		if filter.FactID != "" && e.FactID != filter.FactID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExecutedAt.After(out[j].ExecutedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Stats computes success rates over the whole log.
func (l *InMemoryExecutionLog) Stats(ctx context.Context) (*ExecutionStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &ExecutionStats{}
	perRule := make(map[string]*RuleStats)
	for _, e := range l.entries {
		stats.Total++
		rs, ok := perRule[e.RuleID]
		if !ok {
			rs = &RuleStats{RuleID: e.RuleID}
			perRule[e.RuleID] = rs
		}
		rs.Total++
		if e.Status == ExecutionSuccess {
			stats.Succeeded++
			rs.Succeeded++
		} else {
			stats.Failed++
			rs.Failed++
		}
	}

	stats.SuccessRate = SuccessRate(stats.Succeeded, stats.Total)
	ruleIDs := make([]string, 0, len(perRule))
	for id := range perRule {
		ruleIDs = append(ruleIDs, id)
	}
	sort.Strings(ruleIDs)
	for _, id := range ruleIDs {
		rs := perRule[id]
		rs.SuccessRate = SuccessRate(rs.Succeeded, rs.Total)
		stats.PerRule = append(stats.PerRule, *rs)
	}
	return stats, nil
}
