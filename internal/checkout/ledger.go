package checkout

import (
	"context"
	"errors"
	"fmt"

	"donationcore/internal/logging"
	"donationcore/pkg/domain"
)

// LedgerResult describes what Ensure did to the ledger.
type LedgerResult string

// Ledger outcomes.
const (
	LedgerCreated    LedgerResult = "created"
	LedgerBackfilled LedgerResult = "backfilled"
	LedgerUnchanged  LedgerResult = "unchanged"
	// LedgerReconciled means a concurrent writer won the insert and this call
	// settled on its row.
	LedgerReconciled LedgerResult = "reconciled"
)

var errReferenceSet = errors.New("reference already set")

// LedgerWriter keeps exactly one provider transaction per order.
type LedgerWriter struct {
	transactions domain.Collection[domain.Transaction]
	logger       logging.Logger
}

// NewLedgerWriter wraps the transactions collection.
func NewLedgerWriter(transactions domain.Collection[domain.Transaction], logger logging.Logger) *LedgerWriter {
	return &LedgerWriter{transactions: transactions, logger: logging.OrNoop(logger)}
}

// Ensure records the provider payment for order. An existing row without a
// reference is backfilled; one with a reference is left alone. A create
// rejected by the uniqueness rule re-reads and settles on the winning row.
func (w *LedgerWriter) Ensure(ctx context.Context, order domain.Order, paymentReference string) (LedgerResult, error) {
	existing, ok, err := w.find(ctx, order.ID)
	if err != nil {
		return "", err
	}
	if ok {
		return w.backfill(ctx, existing, paymentReference, LedgerBackfilled)
	}

	tx := domain.Transaction{
		OrderID:     order.ID,
		AmountUSD:   order.TotalUSD,
		PaymentType: domain.PaymentTypeStripe,
	}
	if order.ContactID != "" {
		tx.ContactID = domain.StringPtr(order.ContactID)
	}
	if paymentReference != "" {
		tx.StripeRefID = domain.StringPtr(paymentReference)
	}
	created, err := w.transactions.Create(ctx, tx, domain.SystemQuery(nil))
	if err == nil {
		w.logger.Info("ledger transaction created", "order_id", order.ID, "transaction_id", created.ID)
		return LedgerCreated, nil
	}
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		return "", fmt.Errorf("create transaction for order %s: %w", order.ID, err)
	}

	winner, ok, findErr := w.find(ctx, order.ID)
	if findErr != nil {
		return "", findErr
	}
	if !ok {
		return "", fmt.Errorf("create transaction for order %s: %w", order.ID, err)
	}
	w.logger.Warn("concurrent ledger insert reconciled", "order_id", order.ID, "transaction_id", winner.ID)
	return w.backfill(ctx, winner, paymentReference, LedgerReconciled)
}

func (w *LedgerWriter) find(ctx context.Context, orderID string) (domain.Transaction, bool, error) {
	tx, ok, err := domain.FindOne(ctx, w.transactions, domain.SystemQuery(domain.Where{
		"order":       orderID,
		"paymentType": string(domain.PaymentTypeStripe),
	}))
	if err != nil {
		return domain.Transaction{}, false, fmt.Errorf("find transaction for order %s: %w", orderID, err)
	}
	return tx, ok, nil
}

// backfill sets the reference on tx when missing and reports filled, or the
// untouched outcome otherwise.
func (w *LedgerWriter) backfill(ctx context.Context, tx domain.Transaction, ref string, filled LedgerResult) (LedgerResult, error) {
	untouched := LedgerUnchanged
	if filled == LedgerReconciled {
		untouched = LedgerReconciled
	}
	if ref == "" || (tx.StripeRefID != nil && *tx.StripeRefID != "") {
		return untouched, nil
	}
	_, err := w.transactions.Update(ctx, tx.ID, domain.SystemQuery(nil), func(t *domain.Transaction) error {
		if t.StripeRefID != nil && *t.StripeRefID != "" {
			return errReferenceSet
		}
		t.StripeRefID = domain.StringPtr(ref)
		return nil
	})
	switch {
	case errors.Is(err, errReferenceSet):
		return untouched, nil
	case err != nil:
		return "", fmt.Errorf("backfill transaction %s: %w", tx.ID, err)
	}
	w.logger.Info("ledger reference backfilled", "order_id", tx.OrderID, "transaction_id", tx.ID)
	return filled, nil
}
