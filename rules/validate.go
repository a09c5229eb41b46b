package rules

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxClauses    = 20
	maxActions    = 10
	maxNameLength = 200
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateRule checks a full rule definition. Returns a
// *ValidationError describing the first problem found, nil when the
// rule is well formed.
func ValidateRule(r *Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(r.Name) > maxNameLength {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("exceeds %d characters", maxNameLength)}
	}
	if r.Priority < 0 {
		return &ValidationError{Field: "priority", Reason: "must not be negative"}
	}
	if err := ValidateConditions(r.Conditions); err != nil {
		return err
	}
	return ValidateActions(r.Actions)
}

// ValidateConditions checks the clause list of a rule. Clause fields
// become CEL member accesses when the rule compiles, so they must be
// valid identifiers and must not collide with CEL keywords.
func ValidateConditions(conds Conditions) error {
	if len(conds) == 0 {
		return &ValidationError{Field: "conditions", Reason: "must contain at least one clause"}
	}
	if len(conds) > maxClauses {
		return &ValidationError{Field: "conditions", Reason: fmt.Sprintf("contains %d clauses, maximum is %d", len(conds), maxClauses)}
	}
	for i, c := range conds {
		if err := validateFieldName(c.Field); err != nil {
			return &ValidationError{Field: fmt.Sprintf("conditions[%d].field", i), Reason: err.Error()}
		}
		if c.Op != OpEquals {
			return &ValidationError{
				Field:  fmt.Sprintf("conditions[%d].op", i),
				Reason: fmt.Sprintf("unsupported operator %q, only %q is supported", c.Op, OpEquals),
			}
		}
		switch c.Value.(type) {
		case string, bool, float64, int, int64, nil:
		default:
			return &ValidationError{
				Field:  fmt.Sprintf("conditions[%d].value", i),
				Reason: fmt.Sprintf("unsupported value type %T", c.Value),
			}
		}
	}
	return nil
}

// ValidateActions checks the action list of a rule.
func ValidateActions(actions []Action) error {
	if len(actions) == 0 {
		return &ValidationError{Field: "actions", Reason: "must contain at least one action"}
	}
	if len(actions) > maxActions {
		return &ValidationError{Field: "actions", Reason: fmt.Sprintf("contains %d actions, maximum is %d", len(actions), maxActions)}
	}
	for i, a := range actions {
		switch a.Type {
		case ActionAssignToRole:
			if strings.TrimSpace(a.Role) == "" {
				return &ValidationError{Field: fmt.Sprintf("actions[%d].role", i), Reason: "assign_to_role requires a role"}
			}
		case ActionNotify:
		default:
			return &ValidationError{
				Field:  fmt.Sprintf("actions[%d].type", i),
				Reason: fmt.Sprintf("unknown action type %q", a.Type),
			}
		}
	}
	return nil
}

func validateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("field name length %d exceeds maximum of 100 characters", len(name))
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("field name %q must match ^[a-zA-Z_][a-zA-Z0-9_]*$", name)
	}
	if isReservedKeyword(name) {
		return fmt.Errorf("field name %q is a reserved keyword", name)
	}
	return nil
}

// isReservedKeyword reports whether a name collides with a CEL reserved
// keyword and therefore cannot appear in a compiled condition.
func isReservedKeyword(name string) bool {
	reserved := map[string]bool{
		"true":  true,
		"false": true,
		"null":  true,
		"if":    true, "else": true, "for": true, "while": true,
		"break": true, "continue": true, "return": true,
		"var": true, "let": true, "const": true, "function": true,
		"in": true, "as": true, "import": true, "package": true,
		"namespace": true, "loop": true, "void": true,
	}
	return reserved[name]
}
