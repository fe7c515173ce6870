package core

import (
	"context"
	"fmt"

	"donationcore/pkg/domain"
)

// OrderStatusMonotonicRule blocks any change of an order's status away from paid.
func OrderStatusMonotonicRule() domain.Rule {
	return lifecycleTransitionRule{name: RuleOrderStatusMonotonic, machine: orderMachine}
}

// EmailSendTerminalRule blocks transitions out of sent and failed.
func EmailSendTerminalRule() domain.Rule {
	return lifecycleTransitionRule{name: RuleEmailSendTerminal, machine: emailSendMachine}
}

type lifecycleTransitionRule struct {
	name    string
	machine lifecycleMachine
}

type lifecycleMachine struct {
	entity    domain.EntityType
	label     string
	terminal  map[string]struct{}
	valid     map[string]struct{}
	extractor func(record any) (id string, state string, ok bool)
}

var orderMachine = lifecycleMachine{
	entity:   domain.EntityOrder,
	label:    "order",
	terminal: toSet(string(domain.OrderStatusPaid)),
	valid: toSet(
		string(domain.OrderStatusCreated),
		string(domain.OrderStatusPaid),
		string(domain.OrderStatusExpired),
	),
	extractor: func(record any) (string, string, bool) {
		order, ok := record.(domain.Order)
		if !ok {
			return "", "", false
		}
		return order.ID, string(order.Status), true
	},
}

var emailSendMachine = lifecycleMachine{
	entity:   domain.EntityEmailSend,
	label:    "email send",
	terminal: toSet(string(domain.EmailSendSent), string(domain.EmailSendFailed)),
	valid: toSet(
		string(domain.EmailSendQueued),
		string(domain.EmailSendSent),
		string(domain.EmailSendFailed),
	),
	extractor: func(record any) (string, string, bool) {
		send, ok := record.(domain.EmailSend)
		if !ok {
			return "", "", false
		}
		return send.ID, string(send.Status), true
	},
}

func (r lifecycleTransitionRule) Name() string { return r.name }

func (r lifecycleTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	machine := r.machine
	for _, change := range changes {
		if change.Entity != machine.entity {
			continue
		}

		afterID, afterState, ok := machine.extractor(change.After)
		if !ok {
			continue
		}
		if _, valid := machine.valid[afterState]; !valid {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.name,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%s %s is set to invalid state %q", machine.label, afterID, afterState),
				Entity:   machine.entity,
				EntityID: afterID,
			})
			continue
		}

		beforeID, beforeState, ok := machine.extractor(change.Before)
		if !ok {
			continue
		}
		if _, terminal := machine.terminal[beforeState]; !terminal {
			continue
		}
		if afterState != beforeState {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.name,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("cannot move %s %s from %s to %s", machine.label, beforeID, beforeState, afterState),
				Entity:   machine.entity,
				EntityID: afterID,
			})
		}
	}
	return res, nil
}

func toSet(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
