package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"donationcore/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	ctx := context.Background()
	order, err := store.Orders().Create(ctx, domain.Order{PublicID: "ord-7", Status: domain.OrderStatusCreated, StripeCheckoutSessionID: "cs_7"}, domain.SystemQuery(nil))
	require.NoError(t, err)
	_, err = store.EmailTemplates().Create(ctx, domain.EmailTemplate{Slug: "donation-receipt", Status: domain.TemplateStatusActive,
		Subject: domain.LocalizedText{"en": "Thanks"}}, domain.SystemQuery(nil))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reloaded.Close() })
	assert.Equal(t, path, reloaded.Path())

	got, ok, err := domain.FindOne(ctx, reloaded.Orders(), domain.SystemQuery(domain.Where{"stripeCheckoutSessionId": "cs_7"}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, order.ID, got.ID)

	tpl, ok, err := domain.FindOne(ctx, reloaded.EmailTemplates(), domain.SystemQuery(domain.Where{"slug": "donation-receipt"}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Thanks", tpl.Subject["en"])
}

func TestSQLiteStoreCreatesStateTable(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	var name string
	require.NoError(t, store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", "state").Scan(&name))
	assert.Equal(t, "state", name)
}

func TestSQLiteStoreRejectsCorruptBucket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	_, err = store.DB().Exec(`INSERT INTO state(bucket,payload) VALUES('orders', ?)`, []byte("{not json"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = NewStore(path, domain.NewRulesEngine())
	require.ErrorContains(t, err, "decode orders")
}
