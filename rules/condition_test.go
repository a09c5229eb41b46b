package rules

import (
	"reflect"
	"testing"

	"github.com/google/cel-go/cel"
)

func testEnv(t *testing.T) *cel.Env {
	t.Helper()
	env, err := NewConditionEnv()
	if err != nil {
		t.Fatalf("NewConditionEnv() failed: %v", err)
	}
	return env
}

func mustCompile(t *testing.T, conds Conditions) cel.Program {
	t.Helper()
	prog, err := CompileConditions(testEnv(t), conds)
	if err != nil {
		t.Fatalf("CompileConditions(%v) failed: %v", conds, err)
	}
	return prog
}

func sampleTicket() *Ticket {
	return &Ticket{
		ID:       "ticket-1",
		Title:    "Cannot access loan application",
		Status:   StatusOpen,
		Priority: PriorityUrgent,
		Category: "service",
	}
}

func TestEvaluateSingleClause(t *testing.T) {
	conds := Conditions{{Field: "priority", Op: OpEquals, Value: "urgent"}}
	prog := mustCompile(t, conds)

	testCases := []struct {
		name     string
		priority TicketPriority
		want     bool
	}{
		{"matching priority", PriorityUrgent, true},
		{"non-matching priority", PriorityMedium, false},
		{"low priority", PriorityLow, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ticket := sampleTicket()
			ticket.Priority = tc.priority

			got, err := EvaluateConditions(prog, conds, ticket)
			if err != nil {
				t.Fatalf("EvaluateConditions() failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("EvaluateConditions() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateAndComposition(t *testing.T) {
	conds := Conditions{
		{Field: "priority", Op: OpEquals, Value: "urgent"},
		{Field: "category", Op: OpEquals, Value: "service"},
	}
	prog := mustCompile(t, conds)

	testCases := []struct {
		name     string
		priority TicketPriority
		category string
		want     bool
	}{
		{"both clauses hold", PriorityUrgent, "service", true},
		{"priority differs", PriorityHigh, "service", false},
		{"category differs", PriorityUrgent, "billing", false},
		{"both differ", PriorityLow, "billing", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ticket := sampleTicket()
			ticket.Priority = tc.priority
			ticket.Category = tc.category

			got, err := EvaluateConditions(prog, conds, ticket)
			if err != nil {
				t.Fatalf("EvaluateConditions() failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("EvaluateConditions() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateUnknownFieldFailsClosed(t *testing.T) {
	conds := Conditions{
		{Field: "priority", Op: OpEquals, Value: "urgent"},
		{Field: "severity", Op: OpEquals, Value: "critical"},
	}
	prog := mustCompile(t, conds)

	got, err := EvaluateConditions(prog, conds, sampleTicket())
	if err != nil {
		t.Fatalf("unknown field should not raise an error, got: %v", err)
	}
	if got {
		t.Error("clause on a field the ticket does not carry must never match")
	}
}

func TestEvaluateDoesNotMutateTicket(t *testing.T) {
	conds := Conditions{{Field: "priority", Op: OpEquals, Value: "urgent"}}
	prog := mustCompile(t, conds)

	ticket := sampleTicket()
	before := *ticket

	if _, err := EvaluateConditions(prog, conds, ticket); err != nil {
		t.Fatalf("EvaluateConditions() failed: %v", err)
	}

	if !reflect.DeepEqual(before, *ticket) {
		t.Errorf("evaluation mutated the ticket: before %+v, after %+v", before, *ticket)
	}
}

func TestEvaluateIsRepeatable(t *testing.T) {
	conds := Conditions{{Field: "category", Op: OpEquals, Value: "service"}}
	prog := mustCompile(t, conds)
	ticket := sampleTicket()

	first, err := EvaluateConditions(prog, conds, ticket)
	if err != nil {
		t.Fatalf("first evaluation failed: %v", err)
	}
	second, err := EvaluateConditions(prog, conds, ticket)
	if err != nil {
		t.Fatalf("second evaluation failed: %v", err)
	}
	if first != second {
		t.Errorf("identical inputs produced different results: %v then %v", first, second)
	}
}

func TestEvaluateValueQuoting(t *testing.T) {
	// Values containing quotes or operators must be treated as data,
	// not expression text.
	conds := Conditions{{Field: "category", Op: OpEquals, Value: `a "quoted" && tricky value`}}
	prog := mustCompile(t, conds)

	ticket := sampleTicket()
	ticket.Category = `a "quoted" && tricky value`

	got, err := EvaluateConditions(prog, conds, ticket)
	if err != nil {
		t.Fatalf("EvaluateConditions() failed: %v", err)
	}
	if !got {
		t.Error("literal value with quotes and operators should still compare equal")
	}
}

func TestCompileRejectsInvalidConditions(t *testing.T) {
	env := testEnv(t)

	testCases := []struct {
		name  string
		conds Conditions
	}{
		{"empty clause list", Conditions{}},
		{"unsupported operator", Conditions{{Field: "priority", Op: "!=", Value: "low"}}},
		{"invalid field name", Conditions{{Field: "ticket priority", Op: OpEquals, Value: "low"}}},
		{"field with dot", Conditions{{Field: "fact.priority", Op: OpEquals, Value: "low"}}},
		{"reserved keyword field", Conditions{{Field: "in", Op: OpEquals, Value: "x"}}},
		{"unsupported value type", Conditions{{Field: "priority", Op: OpEquals, Value: []any{"a"}}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := CompileConditions(env, tc.conds); err == nil {
				t.Errorf("CompileConditions(%v) should fail", tc.conds)
			}
		})
	}
}

func TestCompileNonStringValues(t *testing.T) {
	env := testEnv(t)

	testCases := []struct {
		name  string
		value any
	}{
		{"bool", true},
		{"float", 2.5},
		{"integral float", float64(3)},
		{"int", 7},
		{"null", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conds := Conditions{{Field: "priority", Op: OpEquals, Value: tc.value}}
			prog, err := CompileConditions(env, conds)
			if err != nil {
				t.Fatalf("CompileConditions() failed: %v", err)
			}

			// Ticket fields are strings, so non-string literals should
			// simply not match rather than error.
			got, err := EvaluateConditions(prog, conds, sampleTicket())
			if err != nil {
				t.Fatalf("EvaluateConditions() failed: %v", err)
			}
			if got {
				t.Errorf("non-string literal %v should not equal a string field", tc.value)
			}
		})
	}
}
