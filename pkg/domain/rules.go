package domain

import (
	"context"
	"fmt"
	"strings"
)

// RuleView provides read-only access to the transactional snapshot for rule evaluation.
type RuleView interface {
	FindOrder(id string) (Order, bool)
	ListTransactions() []Transaction
	FindEmailSend(id string) (EmailSend, bool)
}

// Rule defines an evaluation executed within a transaction boundary.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rule names in evaluation order.
func (e *RulesEngine) Rules() []string {
	names := make([]string, 0, len(e.rules))
	for _, rule := range e.rules {
		names = append(names, rule.Name())
	}
	return names
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}

// Change describes a mutation applied to a record during a transaction.
// Before and After hold typed record values (e.g. Order); Before is nil on create.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions captured by the store.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// HasRule reports whether a violation from the named rule is present.
func (r Result) HasRule(name string) bool {
	for _, v := range r.Violations {
		if v.Rule == name {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	if len(e.Result.Violations) == 0 {
		return "transaction blocked by rules"
	}
	msgs := make([]string, 0, len(e.Result.Violations))
	for _, v := range e.Result.Violations {
		msgs = append(msgs, v.Message)
	}
	return fmt.Sprintf("transaction blocked by rules: %s", strings.Join(msgs, "; "))
}
