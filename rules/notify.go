package rules

import (
	"context"

	"github.com/credx/ruleengine/internal/logger"
)

// Notifier dispatches a notification for a ticket that matched a rule.
// Delivery is fire-and-forget: failures are logged by the caller, never
// propagated into the engine pass.
type Notifier interface {
	Send(ctx context.Context, t *Ticket, r *Rule) error
}

// LogNotifier writes notifications to the structured log. It stands in
// for a real delivery channel (email, webhook) in deployments that have
// none configured.
type LogNotifier struct{}

// Send logs the notification.
func (LogNotifier) Send(ctx context.Context, t *Ticket, r *Rule) error {
	logger.Info("notification dispatched",
		"ticket_id", t.ID,
		"ticket_title", t.Title,
		"rule_id", r.ID,
		"rule_name", r.Name,
	)
	return nil
}
