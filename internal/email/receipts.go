package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"donationcore/internal/logging"
	"donationcore/pkg/domain"

	"github.com/google/uuid"
)

const receiptDateLayout = "January 2, 2006"

// ReceiptRequest identifies the order a receipt is sent for.
type ReceiptRequest struct {
	OrderID string
	// FallbackEmail is used when the order's contact has no address, typically
	// the customer email reported by the payment provider.
	FallbackEmail *string
	// ExpiresAt feeds the expirationDate placeholder of membership receipts.
	ExpiresAt *time.Time
	// Tier feeds the tier placeholder of membership receipts.
	Tier string
}

// Receipts sends donation and membership receipts at most once per order.
type Receipts struct {
	orders     domain.Collection[domain.Order]
	people     domain.Collection[domain.Person]
	dispatcher *Dispatcher
	now        func() time.Time
	logger     logging.Logger
}

// ReceiptsOption configures Receipts.
type ReceiptsOption func(*Receipts)

// WithReceiptsLogger sets the logger.
func WithReceiptsLogger(l logging.Logger) ReceiptsOption {
	return func(r *Receipts) { r.logger = logging.OrNoop(l) }
}

// WithReceiptsClock overrides the clock used for the date placeholder.
func WithReceiptsClock(now func() time.Time) ReceiptsOption {
	return func(r *Receipts) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReceipts wires receipt helpers over the store and dispatcher.
func NewReceipts(store domain.Store, dispatcher *Dispatcher, opts ...ReceiptsOption) *Receipts {
	r := &Receipts{
		orders:     store.Orders(),
		people:     store.People(),
		dispatcher: dispatcher,
		now:        time.Now,
		logger:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SendDonationReceipt sends the donation receipt for an order.
func (r *Receipts) SendDonationReceipt(ctx context.Context, req ReceiptRequest) (Result, error) {
	return r.send(ctx, SlugDonationReceipt, req)
}

// SendMembershipReceipt sends the membership receipt for an order.
func (r *Receipts) SendMembershipReceipt(ctx context.Context, req ReceiptRequest) (Result, error) {
	return r.send(ctx, SlugMembershipReceipt, req)
}

func (r *Receipts) send(ctx context.Context, slug string, req ReceiptRequest) (Result, error) {
	order, ok, err := domain.FindOne(ctx, r.orders, domain.SystemQuery(domain.Where{"id": req.OrderID}))
	if err != nil {
		return Result{}, fmt.Errorf("load order %s: %w", req.OrderID, err)
	}
	if !ok {
		r.logger.Warn("receipt requested for unknown order", "order_id", req.OrderID, "template", slug)
		return Result{Reason: "order_not_found"}, nil
	}
	if order.ReceiptEmailSendID != nil {
		return alreadySent(*order.ReceiptEmailSendID), nil
	}

	var person domain.Person
	if order.ContactID != "" {
		person, _, err = domain.FindOne(ctx, r.people, domain.SystemQuery(domain.Where{"id": order.ContactID}))
		if err != nil {
			return Result{}, fmt.Errorf("load contact %s: %w", order.ContactID, err)
		}
	}
	to := strings.TrimSpace(person.Email)
	if to == "" && req.FallbackEmail != nil {
		to = strings.TrimSpace(*req.FallbackEmail)
	}
	if to == "" {
		r.logger.Warn("receipt skipped, no recipient address", "order_id", order.ID, "template", slug)
		return Result{Reason: "no_recipient"}, nil
	}

	// reserve the order's receipt slot before anything goes out; a concurrent
	// delivery that loses the claim reports the winner's send
	sendID := uuid.NewString()
	holder, err := r.claim(ctx, order.ID, sendID)
	if err != nil {
		return Result{}, err
	}
	if holder != sendID {
		r.logger.Info("receipt claimed by a concurrent send", "order_id", order.ID, "send_id", holder)
		return alreadySent(holder), nil
	}

	res, err := r.dispatcher.SendTemplated(ctx, Request{
		TemplateSlug: slug,
		ToEmail:      to,
		Params:       r.params(slug, order, person, req),
		Locale:       order.Lang,
		SendID:       sendID,
	})
	if !res.OK {
		// nothing was delivered; free the slot so a redelivery can retry
		if releaseErr := r.release(ctx, order.ID, sendID); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}
	return res, err
}

var errReceiptHeld = errors.New("receipt slot held by another send")

// claim sets ReceiptEmailSendID to sendID when it is unset and returns the
// id holding the slot afterwards.
func (r *Receipts) claim(ctx context.Context, orderID, sendID string) (string, error) {
	holder := sendID
	_, err := r.orders.Update(ctx, orderID, domain.SystemQuery(nil), func(o *domain.Order) error {
		if o.ReceiptEmailSendID != nil {
			holder = *o.ReceiptEmailSendID
			return errReceiptHeld
		}
		o.ReceiptEmailSendID = domain.StringPtr(sendID)
		return nil
	})
	if err != nil && !errors.Is(err, errReceiptHeld) {
		return "", fmt.Errorf("claim receipt for order %s: %w", orderID, err)
	}
	return holder, nil
}

// release clears the slot if sendID still holds it.
func (r *Receipts) release(ctx context.Context, orderID, sendID string) error {
	_, err := r.orders.Update(ctx, orderID, domain.SystemQuery(nil), func(o *domain.Order) error {
		if o.ReceiptEmailSendID == nil || *o.ReceiptEmailSendID != sendID {
			return errReceiptHeld
		}
		o.ReceiptEmailSendID = nil
		return nil
	})
	if err != nil && !errors.Is(err, errReceiptHeld) {
		return fmt.Errorf("release receipt for order %s: %w", orderID, err)
	}
	return nil
}

func (r *Receipts) params(slug string, order domain.Order, person domain.Person, req ReceiptRequest) map[string]any {
	name := person.DisplayName()
	if name == "" {
		name = "Friend"
	}
	params := map[string]any{
		"name":      name,
		"firstName": person.FirstName,
		"orderId":   order.PublicID,
		"amount":    domain.FormatUSD(order.TotalUSD),
		"currency":  "USD",
		"date":      r.now().UTC().Format(receiptDateLayout),
	}
	if person.FirstName == "" {
		params["firstName"] = name
	}
	if slug == SlugMembershipReceipt {
		params["tier"] = req.Tier
		params["expirationDate"] = nil
		if req.ExpiresAt != nil {
			params["expirationDate"] = req.ExpiresAt.UTC().Format(receiptDateLayout)
		}
	}
	return params
}

func alreadySent(sendID string) Result {
	reason := domain.FallbackSkippedAlreadySent
	return Result{Skipped: true, Reason: string(reason), SendID: sendID, FallbackReason: &reason}
}
