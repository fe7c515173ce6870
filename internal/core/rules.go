// Package core wires the checkout reconciler, dedup cache and email
// dispatcher into the webhook service and owns the store-side rules that
// back the order and ledger invariants.
package core

import "donationcore/pkg/domain"

// Rule names registered by NewDefaultRulesEngine.
const (
	RuleOrderStatusMonotonic         = "order_status_monotonic"
	RuleTransactionUniquePaymentType = "transaction_unique_payment_type"
	RuleEmailSendTerminal            = "email_send_terminal"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(OrderStatusMonotonicRule())
	engine.Register(TransactionUniquePaymentTypeRule())
	engine.Register(EmailSendTerminalRule())
	return engine
}
