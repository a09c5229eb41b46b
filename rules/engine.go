package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/credx/ruleengine/internal/logger"
)

// Config wires an Engine to its collaborators. Store, Tickets, Users
// and Executions are required; Notifier defaults to LogNotifier and
// Cache to an in-memory cache when nil.
type Config struct {
	Store      RuleStore
	Tickets    TicketStore
	Users      UserDirectory
	Notifier   Notifier
	Executions ExecutionLog
	Cache      RulesCache
}

// Engine evaluates active rules against tickets and applies matching
// actions. Compiled condition programs are cached per rule; the RWMutex
// makes concurrent evaluation of independent tickets safe.
type Engine struct {
	env      *cel.Env
	store    RuleStore
	tickets  TicketStore
	execLog  ExecutionLog
	actions  *ActionExecutor
	cache    RulesCache
	programs map[string]cel.Program
	mu       sync.RWMutex
}

// NewEngine creates an engine and compiles all active rules.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Tickets == nil || cfg.Users == nil || cfg.Executions == nil {
		return nil, fmt.Errorf("engine config requires Store, Tickets, Users and Executions")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{}
	}
	if cfg.Cache == nil {
		cfg.Cache = NewInMemoryRulesCache(DefaultCacheConfig())
	}

	env, err := NewConditionEnv()
	if err != nil {
		return nil, err
	}

	en := &Engine{
		env:      env,
		store:    cfg.Store,
		tickets:  cfg.Tickets,
		execLog:  cfg.Executions,
		actions:  NewActionExecutor(cfg.Tickets, cfg.Users, cfg.Notifier),
		cache:    cfg.Cache,
		programs: make(map[string]cel.Program),
	}

	if err := en.CompileAllRules(ctx); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	return en, nil
}

// CompileAllRules compiles every active rule and warms the cache.
func (en *Engine) CompileAllRules(ctx context.Context) error {
	active, err := en.store.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, r := range active {
		if err := en.compileRule(r); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", r.ID, err)
		}
	}

	en.cache.Set(active)
	return nil
}

func (en *Engine) compileRule(r *Rule) error {
	prog, err := CompileConditions(en.env, r.Conditions)
	if err != nil {
		return err
	}

	en.mu.Lock()
	en.programs[r.ID] = prog
	en.mu.Unlock()
	return nil
}

// programFor returns the compiled program for a rule, compiling lazily
// when the rule was persisted by another process.
func (en *Engine) programFor(r *Rule) (cel.Program, error) {
	en.mu.RLock()
	prog, ok := en.programs[r.ID]
	en.mu.RUnlock()
	if ok {
		return prog, nil
	}

	if err := en.compileRule(r); err != nil {
		return nil, err
	}

	en.mu.RLock()
	defer en.mu.RUnlock()
	return en.programs[r.ID], nil
}

// AddRule validates, compiles and persists a new rule. An empty ID is
// assigned a UUID. Validation failures surface as *ValidationError and
// leave nothing persisted.
func (en *Engine) AddRule(ctx context.Context, r *Rule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	if err := en.compileRule(r); err != nil {
		return err
	}

	if err := en.store.Add(ctx, r); err != nil {
		en.mu.Lock()
		delete(en.programs, r.ID)
		en.mu.Unlock()
		return err
	}

	en.cache.Invalidate()
	return nil
}

// GetRule retrieves a rule by ID.
func (en *Engine) GetRule(ctx context.Context, id string) (*Rule, error) {
	return en.store.Get(ctx, id)
}

// ListRules lists all rules in evaluation order.
func (en *Engine) ListRules(ctx context.Context) ([]*Rule, error) {
	return en.store.List(ctx)
}

// UpdateRule validates the new definition, recompiles and persists it.
func (en *Engine) UpdateRule(ctx context.Context, r *Rule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}

	if err := en.compileRule(r); err != nil {
		return err
	}

	if err := en.store.Update(ctx, r); err != nil {
		return err
	}

	en.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule and its compiled program.
func (en *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := en.store.Delete(ctx, id); err != nil {
		return err
	}

	en.mu.Lock()
	delete(en.programs, id)
	en.mu.Unlock()

	en.cache.Invalidate()
	return nil
}

// ToggleRule flips a rule's active flag. Inactive rules keep their
// compiled program so re-enabling is cheap.
func (en *Engine) ToggleRule(ctx context.Context, id string) (*Rule, error) {
	r, err := en.store.Toggle(ctx, id)
	if err != nil {
		return nil, err
	}

	en.cache.Invalidate()
	return r, nil
}

// DuplicateRule copies a rule under a new ID with " (Copy)" appended to
// the name. The copy keeps the source's active flag.
func (en *Engine) DuplicateRule(ctx context.Context, id string) (*Rule, error) {
	src, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	dup := &Rule{
		Name:       src.Name + " (Copy)",
		Conditions: append(Conditions(nil), src.Conditions...),
		Actions:    append([]Action(nil), src.Actions...),
		Priority:   src.Priority,
		Active:     src.Active,
	}

	if err := en.AddRule(ctx, dup); err != nil {
		return nil, err
	}
	return dup, nil
}

// OnFactCreated runs one engine pass over a freshly created or updated
// ticket: every active rule is evaluated in priority order, matching
// rules have their actions applied, and each matched rule leaves one
// execution record. A failure inside one rule is recorded as a failed
// execution and never blocks the rules after it.
//
// The returned error is non-nil only when the active-rules list itself
// cannot be fetched; per-rule failures are visible solely through the
// execution log.
func (en *Engine) OnFactCreated(ctx context.Context, t *Ticket) (*PassResult, error) {
	active := en.cache.Get()
	if active == nil {
		var err error
		active, err = en.store.ListActive(ctx)
		if err != nil {
			return nil, &PersistenceError{Op: "list active rules", Err: err}
		}
		en.cache.Set(active)
	}

	result := &PassResult{Ticket: t}
	for _, r := range active {
		exec := en.runRule(ctx, r, t)
		if exec == nil {
			continue
		}
		result.Executions = append(result.Executions, exec)
	}

	return result, nil
}

// runRule evaluates one rule against a ticket. Returns nil when the
// condition did not match, otherwise the appended execution record.
func (en *Engine) runRule(ctx context.Context, r *Rule, t *Ticket) *Execution {
	prog, err := en.programFor(r)
	if err != nil {
		return en.appendExecution(ctx, r.ID, t.ID, ExecutionFailed, map[string]any{
			"error": (&EvaluationError{RuleID: r.ID, Err: err}).Error(),
		})
	}

	matched, err := EvaluateConditions(prog, r.Conditions, t)
	if err != nil {
		return en.appendExecution(ctx, r.ID, t.ID, ExecutionFailed, map[string]any{
			"error": (&EvaluationError{RuleID: r.ID, Err: err}).Error(),
		})
	}
	if !matched {
		return nil
	}

	actionResult, actErr := en.actions.Execute(ctx, r, t)
	status := ExecutionSuccess
	if actErr != nil {
		status = ExecutionFailed
		actionResult["error"] = actErr.Error()
	}
	return en.appendExecution(ctx, r.ID, t.ID, status, actionResult)
}

func (en *Engine) appendExecution(ctx context.Context, ruleID, factID, status string, result map[string]any) *Execution {
	exec := &Execution{
		RuleID: ruleID,
		FactID: factID,
		Status: status,
		Result: result,
	}
	if _, err := en.execLog.Append(ctx, exec); err != nil {
		// The pass result still carries the record even if the log
		// write was lost.
		logger.Error("failed to append execution record",
			"rule_id", ruleID,
			"fact_id", factID,
			"error", err.Error(),
		)
	}
	return exec
}

// ExecuteOptions controls a manual rule trigger.
type ExecuteOptions struct {
	// Apply makes the run apply action effects to matching tickets.
	// When false the run is a dry run: tickets are scanned and counted
	// but left untouched.
	Apply bool
}

// ExecuteRule is the manual trigger behind the admin "play" button. It
// loads the rule regardless of its active flag, scans current open and
// pending tickets, and appends exactly one execution summarizing the
// run. Unknown rule IDs surface as ErrNotFound.
func (en *Engine) ExecuteRule(ctx context.Context, ruleID string, opts ExecuteOptions) (*Execution, error) {
	r, err := en.store.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"manual":  true,
		"dry_run": !opts.Apply,
	}

	prog, err := en.programFor(r)
	if err != nil {
		result["error"] = err.Error()
		return en.appendExecution(ctx, r.ID, "", ExecutionFailed, result), nil
	}

	tickets, err := en.tickets.List(ctx, TicketFilter{
		Statuses: []TicketStatus{StatusOpen, StatusPendingApproval},
	})
	if err != nil {
		result["error"] = (&PersistenceError{Op: "list tickets", Err: err}).Error()
		return en.appendExecution(ctx, r.ID, "", ExecutionFailed, result), nil
	}

	var matched, applied int
	var firstErr error
	for _, t := range tickets {
		ok, evalErr := EvaluateConditions(prog, r.Conditions, t)
		if evalErr != nil {
			if firstErr == nil {
				firstErr = &EvaluationError{RuleID: r.ID, Err: evalErr}
			}
			continue
		}
		if !ok {
			continue
		}
		matched++
		if !opts.Apply {
			continue
		}
		if _, actErr := en.actions.Execute(ctx, r, t); actErr != nil {
			if firstErr == nil {
				firstErr = actErr
			}
			continue
		}
		applied++
	}

	result["tickets_scanned"] = len(tickets)
	result["matched"] = matched
	result["applied"] = applied

	status := ExecutionSuccess
	if firstErr != nil {
		status = ExecutionFailed
		result["error"] = firstErr.Error()
	}
	return en.appendExecution(ctx, r.ID, "", status, result), nil
}

// ListExecutions exposes the execution log for the admin history view.
func (en *Engine) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	return en.execLog.List(ctx, filter)
}

// Stats exposes per-rule and aggregate success rates.
func (en *Engine) Stats(ctx context.Context) (*ExecutionStats, error) {
	return en.execLog.Stats(ctx)
}
