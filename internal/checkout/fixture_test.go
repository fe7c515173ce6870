package checkout_test

import (
	"context"
	"testing"
	"time"

	"donationcore/internal/campaign"
	"donationcore/internal/checkout"
	"donationcore/internal/core"
	"donationcore/internal/email"
	"donationcore/internal/infra/persistence/memory"
	"donationcore/pkg/domain"

	"github.com/stretchr/testify/require"
)

var sys = domain.SystemQuery(nil)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store      *memory.Store
	transport  *email.MemoryTransport
	reconciler *checkout.Reconciler
}

func newFixture(t *testing.T, opts ...checkout.Option) *fixture {
	t.Helper()
	return newFixtureOver(t, memory.NewStore(core.NewDefaultRulesEngine()), nil, opts...)
}

// newFixtureOver builds the reconciler over view, which defaults to base.
func newFixtureOver(t *testing.T, base *memory.Store, view domain.Store, opts ...checkout.Option) *fixture {
	t.Helper()
	if view == nil {
		view = base
	}
	_, err := core.SeedTemplates(context.Background(), base)
	require.NoError(t, err)
	transport := email.NewMemoryTransport()
	receipts := email.NewReceipts(view, email.NewDispatcher(view, transport),
		email.WithReceiptsClock(func() time.Time { return fixedNow }))
	all := append([]checkout.Option{
		checkout.WithClock(func() time.Time { return fixedNow }),
		checkout.WithCampaignResolver(campaign.NewResolver(view.Campaigns())),
	}, opts...)
	return &fixture{
		store:      base,
		transport:  transport,
		reconciler: checkout.NewReconciler(view, receipts, all...),
	}
}

// order creates a contact, an order for sessionID and one item per type.
func (f *fixture) order(t *testing.T, sessionID string, total float64, items ...domain.OrderItem) domain.Order {
	t.Helper()
	ctx := context.Background()
	person, err := f.store.People().Create(ctx, domain.Person{Email: sessionID + "@example.org", FirstName: "Ada", LastName: "Lovelace"}, sys)
	require.NoError(t, err)
	order, err := f.store.Orders().Create(ctx, domain.Order{
		PublicID:                "D-" + sessionID,
		Status:                  domain.OrderStatusCreated,
		TotalUSD:                total,
		ContactID:               person.ID,
		StripeCheckoutSessionID: sessionID,
		Lang:                    "en",
	}, sys)
	require.NoError(t, err)
	for _, it := range items {
		it.OrderID = order.ID
		_, err := f.store.OrderItems().Create(ctx, it, sys)
		require.NoError(t, err)
	}
	return order
}

func (f *fixture) reload(t *testing.T, id string) domain.Order {
	t.Helper()
	order, ok, err := domain.FindOne(context.Background(), f.store.Orders(), domain.SystemQuery(domain.Where{"id": id}))
	require.NoError(t, err)
	require.True(t, ok)
	return order
}

func (f *fixture) transactions(t *testing.T, orderID string) []domain.Transaction {
	t.Helper()
	txs, err := f.store.Transactions().Find(context.Background(), domain.SystemQuery(domain.Where{"order": orderID}))
	require.NoError(t, err)
	return txs
}

func (f *fixture) sends(t *testing.T) []domain.EmailSend {
	t.Helper()
	sends, err := f.store.EmailSends().Find(context.Background(), sys)
	require.NoError(t, err)
	return sends
}

func donation(amount float64) domain.OrderItem {
	return domain.OrderItem{ItemType: domain.ItemTypeDonation, Label: "Donation", AmountUSD: amount}
}

func membership(label string, amount float64) domain.OrderItem {
	return domain.OrderItem{ItemType: domain.ItemTypeMembership, Label: label, AmountUSD: amount}
}

func completed(eventID, sessionID string, intent *string) checkout.CheckoutSessionEvent {
	return checkout.CheckoutSessionEvent{
		EventID: eventID,
		Type:    checkout.EventCompleted,
		Session: checkout.Session{SessionID: sessionID, PaymentIntentID: intent, Metadata: map[string]string{}},
	}
}

func expired(eventID, sessionID string) checkout.CheckoutSessionEvent {
	return checkout.CheckoutSessionEvent{
		EventID: eventID,
		Type:    checkout.EventExpired,
		Session: checkout.Session{SessionID: sessionID, Metadata: map[string]string{}},
	}
}

// ordersOverride swaps the orders collection of a memory store.
type ordersOverride struct {
	*memory.Store
	orders domain.Collection[domain.Order]
}

func (s ordersOverride) Orders() domain.Collection[domain.Order] { return s.orders }

// countingOrders counts writes and can fail reads.
type countingOrders struct {
	domain.Collection[domain.Order]
	updates int
	findErr error
}

func (c *countingOrders) Find(ctx context.Context, q domain.Query) ([]domain.Order, error) {
	if c.findErr != nil {
		return nil, c.findErr
	}
	return c.Collection.Find(ctx, q)
}

func (c *countingOrders) Update(ctx context.Context, id string, q domain.Query, m func(*domain.Order) error) (domain.Order, error) {
	c.updates++
	return c.Collection.Update(ctx, id, q, m)
}

// racingOrders runs interleave once before the first Update is applied,
// standing in for a concurrent writer.
type racingOrders struct {
	domain.Collection[domain.Order]
	interleave func()
}

func (r *racingOrders) Update(ctx context.Context, id string, q domain.Query, m func(*domain.Order) error) (domain.Order, error) {
	if r.interleave != nil {
		r.interleave()
		r.interleave = nil
	}
	return r.Collection.Update(ctx, id, q, m)
}

func ptr[T any](v T) *T { return &v }
