package core

import (
	"context"
	"fmt"

	"donationcore/pkg/domain"
)

// TransactionUniquePaymentTypeRule blocks a commit that leaves more than one
// transaction for the same order and payment type.
func TransactionUniquePaymentTypeRule() domain.Rule {
	return transactionUniqueRule{}
}

type transactionUniqueRule struct{}

type ledgerKey struct {
	order       string
	paymentType domain.PaymentType
}

func (transactionUniqueRule) Name() string { return RuleTransactionUniquePaymentType }

func (transactionUniqueRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	touched := make(map[ledgerKey]string)
	for _, change := range changes {
		if change.Entity != domain.EntityTransaction {
			continue
		}
		tx, ok := change.After.(domain.Transaction)
		if !ok {
			continue
		}
		touched[ledgerKey{order: tx.OrderID, paymentType: tx.PaymentType}] = tx.ID
	}
	if len(touched) == 0 {
		return domain.Result{}, nil
	}

	counts := make(map[ledgerKey]int, len(touched))
	for _, tx := range view.ListTransactions() {
		key := ledgerKey{order: tx.OrderID, paymentType: tx.PaymentType}
		if _, ok := touched[key]; ok {
			counts[key]++
		}
	}

	res := domain.Result{}
	for key, id := range touched {
		if counts[key] <= 1 {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     RuleTransactionUniquePaymentType,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("order %s already has a %s transaction", key.order, key.paymentType),
			Entity:   domain.EntityTransaction,
			EntityID: id,
		})
	}
	return res, nil
}
