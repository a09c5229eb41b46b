package rules

import (
	"encoding/json"
	"time"
)

// TicketStatus enumerates ticket lifecycle states.
type TicketStatus string

const (
	StatusOpen            TicketStatus = "open"
	StatusInProgress      TicketStatus = "in_progress"
	StatusResolved        TicketStatus = "resolved"
	StatusApproved        TicketStatus = "approved"
	StatusRejected        TicketStatus = "rejected"
	StatusPendingApproval TicketStatus = "pending_approval"
	StatusClosed          TicketStatus = "closed"
)

// TicketPriority enumerates ticket urgency levels.
type TicketPriority string

const (
	PriorityLow    TicketPriority = "low"
	PriorityMedium TicketPriority = "medium"
	PriorityHigh   TicketPriority = "high"
	PriorityUrgent TicketPriority = "urgent"
)

// Clause is a single field-equality condition. A rule matches a ticket
// only when every clause in its condition list holds.
type Clause struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// OpEquals is the only comparison operator the evaluator supports.
// Compound boolean logic (OR, NOT) and ordering comparisons are an
// extension point, not implemented.
const OpEquals = "="

// Conditions is the AND-composed clause list of a rule.
type Conditions []Clause

// Action types dispatched by the executor.
const (
	ActionAssignToRole = "assign_to_role"
	ActionNotify       = "notify"
)

// Action is a single effect applied to a matched ticket.
type Action struct {
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
}

// Rule is a named, prioritized condition->action pair. Lower Priority
// values take precedence.
type Rule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Conditions Conditions `json:"conditions"`
	Actions    []Action   `json:"actions"`
	Priority   int        `json:"priority"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Ticket is the fact record rules evaluate against and may mutate.
type Ticket struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      TicketStatus      `json:"status"`
	Priority    TicketPriority    `json:"priority"`
	Category    string            `json:"category"`
	CreatedBy   string            `json:"created_by"`
	AssignedTo  string            `json:"assigned_to"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// User is a member of the tenant's staff directory, looked up by role
// when a rule assigns a ticket.
type User struct {
	ID        string    `json:"id"`
	FullName  string    `json:"full_name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Execution status values.
const (
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
)

// Execution is one audit record of a rule whose condition matched and
// whose actions were attempted. Rules that do not match a ticket leave
// no Execution behind.
type Execution struct {
	ID         string         `json:"id"`
	RuleID     string         `json:"rule_id"`
	FactID     string         `json:"fact_id,omitempty"`
	Status     string         `json:"status"`
	ExecutedAt time.Time      `json:"executed_at"`
	Result     map[string]any `json:"result,omitempty"`
}

// PassResult is what an engine pass over one ticket produced: the
// (possibly mutated) ticket and the executions appended along the way.
type PassResult struct {
	Ticket     *Ticket      `json:"ticket"`
	Executions []*Execution `json:"executions"`
}

// ParseConditions decodes a JSON clause list. Malformed input or
// clauses that fail validation come back as a *ValidationError.
func ParseConditions(raw []byte) (Conditions, error) {
	var conds Conditions
	if err := json.Unmarshal(raw, &conds); err != nil {
		return nil, &ValidationError{Field: "conditions", Reason: "not valid JSON: " + err.Error()}
	}
	if err := ValidateConditions(conds); err != nil {
		return nil, err
	}
	return conds, nil
}

// ParseActions decodes a JSON action list with the same error contract
// as ParseConditions.
func ParseActions(raw []byte) ([]Action, error) {
	var actions []Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, &ValidationError{Field: "actions", Reason: "not valid JSON: " + err.Error()}
	}
	if err := ValidateActions(actions); err != nil {
		return nil, err
	}
	return actions, nil
}
