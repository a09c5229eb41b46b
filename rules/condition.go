package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
)

// Conditions compile to a CEL program over a single `fact` variable,
// e.g. `fact.priority == "urgent" && fact.category == "service"`. The
// structured clause list is the source of truth; the expression string
// is an internal artifact and never accepted from callers.

// NewConditionEnv creates the CEL environment condition programs
// compile against.
func NewConditionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(cel.Variable("fact", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// CompileConditions validates the clause list and compiles it to an
// evaluable program.
func CompileConditions(env *cel.Env, conds Conditions) (cel.Program, error) {
	if err := ValidateConditions(conds); err != nil {
		return nil, err
	}

	expr, err := celExpression(conds)
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	// Cost limit guards against pathological expressions; clause counts
	// are already bounded by validation.
	prog, err := env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	return prog, nil
}

// EvaluateConditions reports whether every clause holds against the
// ticket. A clause referencing a field the ticket does not carry never
// matches. The ticket is never mutated.
func EvaluateConditions(prog cel.Program, conds Conditions, t *Ticket) (bool, error) {
	fields := FactValues(t)

	// Fail closed before touching CEL: an unknown field makes the whole
	// rule not match rather than raising an evaluation error.
	for _, c := range conds {
		if _, ok := fields[c.Field]; !ok {
			return false, nil
		}
	}

	out, _, err := prog.Eval(map[string]any{"fact": fields})
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		// Non-boolean results are treated as no match.
		return false, nil
	}
	return matched, nil
}

// FactValues is the evaluable view of a ticket: the fields condition
// clauses may reference.
func FactValues(t *Ticket) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"description": t.Description,
		"status":      string(t.Status),
		"priority":    string(t.Priority),
		"category":    t.Category,
		"created_by":  t.CreatedBy,
		"assigned_to": t.AssignedTo,
	}
}

func celExpression(conds Conditions) (string, error) {
	terms := make([]string, 0, len(conds))
	for _, c := range conds {
		lit, err := celLiteral(c.Value)
		if err != nil {
			return "", err
		}
		terms = append(terms, fmt.Sprintf("fact.%s == %s", c.Field, lit))
	}
	return strings.Join(terms, " && "), nil
}

func celLiteral(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return strconv.Quote(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case nil:
		return "null", nil
	default:
		return "", &ValidationError{Field: "conditions", Reason: fmt.Sprintf("unsupported value type %T", v)}
	}
}
