package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/credx/ruleengine/internal/logger"
)

// ActionExecutor applies a matched rule's effects to a ticket through
// the persistence and notification collaborators.
//
// Effects are not atomic across actions: each one is attempted
// independently and a failure does not roll back earlier effects.
type ActionExecutor struct {
	tickets  TicketStore
	users    UserDirectory
	notifier Notifier
}

// NewActionExecutor creates an executor over the given collaborators.
func NewActionExecutor(tickets TicketStore, users UserDirectory, notifier Notifier) *ActionExecutor {
	return &ActionExecutor{
		tickets:  tickets,
		users:    users,
		notifier: notifier,
	}
}

// Execute runs every action against the ticket, mutating it in place as
// effects land. The result payload describes what each action did. The
// returned error is the first persistence failure encountered, which
// marks the execution failed; remaining actions are still attempted.
func (x *ActionExecutor) Execute(ctx context.Context, r *Rule, t *Ticket) (map[string]any, error) {
	result := make(map[string]any)
	var firstErr error

	for _, act := range r.Actions {
		switch act.Type {
		case ActionAssignToRole:
			if err := x.assignToRole(ctx, r, t, act.Role, result); err != nil && firstErr == nil {
				firstErr = err
			}
		case ActionNotify:
			x.notify(ctx, r, t, result)
		default:
			// Unknown types are rejected at validation time; if one
			// slips through it is skipped rather than failing the rule.
			result["skipped_action"] = act.Type
		}
	}

	return result, firstErr
}

// assignToRole assigns the ticket to the first user carrying the role
// and moves it to in_progress. A role with no users is a silent no-op.
func (x *ActionExecutor) assignToRole(ctx context.Context, r *Rule, t *Ticket, role string, result map[string]any) error {
	user, err := x.users.FindByRole(ctx, role)
	if errors.Is(err, ErrNotFound) {
		result["assign_skipped"] = fmt.Sprintf("no user with role %q", role)
		return nil
	}
	if err != nil {
		perr := &PersistenceError{Op: "user lookup", Err: err}
		result["assign_error"] = perr.Error()
		return perr
	}

	status := StatusInProgress
	assignee := user.ID
	patch := TicketPatch{
		Status:     &status,
		AssignedTo: &assignee,
		Metadata: map[string]string{
			"auto_assigned":      "true",
			"auto_assigned_rule": r.Name,
		},
	}

	if _, err := x.tickets.Update(ctx, t.ID, patch); err != nil {
		perr := &PersistenceError{Op: "ticket update", Err: err}
		result["assign_error"] = perr.Error()
		return perr
	}

	applyPatch(t, patch)
	result["assigned_to"] = user.ID
	result["assigned_role"] = role
	return nil
}

// notify dispatches through the notification collaborator. Failures are
// logged and recorded but never fail the execution.
func (x *ActionExecutor) notify(ctx context.Context, r *Rule, t *Ticket, result map[string]any) {
	if err := x.notifier.Send(ctx, t, r); err != nil {
		logger.Warn("notification dispatch failed",
			"rule_id", r.ID,
			"ticket_id", t.ID,
			"error", err.Error(),
		)
		result["notify_error"] = err.Error()
		return
	}
	result["notified"] = true
}
