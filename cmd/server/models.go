package main

import (
	"encoding/json"
	"time"

	"github.com/credx/ruleengine/rules"
)

// API request and response models.

// CreateTenantRequest is the request body for creating a tenant.
type CreateTenantRequest struct {
	Name string `json:"name"`
}

// TenantResponse is a tenant in API responses.
type TenantResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleRequest is the request body for creating or updating a rule.
// Conditions and actions arrive as raw JSON so malformed expressions
// can be rejected with a validation message instead of a decode error.
type RuleRequest struct {
	Name       string          `json:"name"`
	Conditions json.RawMessage `json:"conditions"`
	Actions    json.RawMessage `json:"actions"`
	Priority   int             `json:"priority"`
	Active     bool            `json:"active"`
}

// CreateTicketRequest is the request body for submitting a ticket.
type CreateTicketRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Category    string `json:"category"`
	CreatedBy   string `json:"created_by"`
}

// CreateTicketResponse carries the routed ticket and the executions the
// engine pass produced.
type CreateTicketResponse struct {
	Ticket     *rules.Ticket      `json:"ticket"`
	Executions []*rules.Execution `json:"executions"`
}

// ExecuteRuleRequest is the request body for the manual trigger.
type ExecuteRuleRequest struct {
	Apply bool `json:"apply"`
}
