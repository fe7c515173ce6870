package domain

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type staticRule struct {
	name       string
	violations []Violation
	err        error
}

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(context.Context, RuleView, []Change) (Result, error) {
	return Result{Violations: r.violations}, r.err
}

type emptyView struct{}

func (emptyView) FindOrder(string) (Order, bool)         { return Order{}, false }
func (emptyView) ListTransactions() []Transaction        { return nil }
func (emptyView) FindEmailSend(string) (EmailSend, bool) { return EmailSend{}, false }

func TestRulesEngineMergesInRegistrationOrder(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{name: "first", violations: []Violation{{Rule: "first", Severity: SeverityWarn}}})
	engine.Register(staticRule{name: "second"})
	engine.Register(staticRule{name: "third", violations: []Violation{{Rule: "third", Severity: SeverityBlock, Message: "paid orders are final"}}})

	if got := strings.Join(engine.Rules(), ","); got != "first,second,third" {
		t.Fatalf("unexpected rule order %q", got)
	}
	res, err := engine.Evaluate(context.Background(), emptyView{}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 2 || !res.HasBlocking() {
		t.Fatalf("expected two violations with one blocking, got %+v", res.Violations)
	}
	if !res.HasRule("third") || res.HasRule("second") {
		t.Fatalf("HasRule mismatch: %+v", res.Violations)
	}
	msg := RuleViolationError{Result: res}.Error()
	if !strings.Contains(msg, "paid orders are final") {
		t.Fatalf("error should carry violation messages: %q", msg)
	}
}

func TestRulesEngineStopsOnRuleError(t *testing.T) {
	boom := errors.New("view unavailable")
	engine := NewRulesEngine()
	engine.Register(staticRule{name: "broken", err: boom})
	engine.Register(staticRule{name: "never", violations: []Violation{{Rule: "never", Severity: SeverityBlock}}})

	res, err := engine.Evaluate(context.Background(), emptyView{}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected rule error, got %v", err)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("expected empty result on error, got %+v", res)
	}
}

func TestResultWithoutBlockingViolations(t *testing.T) {
	var res Result
	res.Merge(Result{})
	res.Merge(Result{Violations: []Violation{{Rule: "audit", Severity: SeverityLog}}})
	if res.HasBlocking() {
		t.Fatalf("log severity must not block")
	}
	if got := (RuleViolationError{}).Error(); got != "transaction blocked by rules" {
		t.Fatalf("unexpected empty error text %q", got)
	}
}
