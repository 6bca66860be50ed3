package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/purchases-go/storefront"
)

// Harness exposes a Client plus the platform-side hooks the suite needs to
// drive outcomes the consumer API alone cannot (revocations, tampering,
// out-of-band deliveries).
type Harness struct {
	Client storefront.Client

	// Catalog returns products the storefront recognizes, insertion order.
	Catalog func() []storefront.Product

	SetPurchaseOutcome func(storefront.PurchaseOutcome)
	DeliverExternal    func(productID string) (*storefront.Transaction, error)
	Revoke             func(productID string) error
	Tamper             func(productID string) error
	FinishCount        func(transactionID string) int
}

func RunClientTests(t *testing.T, newHarness func(t *testing.T) (Harness, func())) {
	for _, tf := range []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"ProductLookup", testClient_ProductLookup},
		{"PurchaseRoundTrip", testClient_PurchaseRoundTrip},
		{"PurchaseOutcomes", testClient_PurchaseOutcomes},
		{"LatestTransaction", testClient_LatestTransaction},
		{"Entitlements", testClient_Entitlements},
		{"Tampering", testClient_Tampering},
		{"Updates", testClient_Updates},
		{"Finish", testClient_Finish},
	} {
		t.Run(tf.name, func(t *testing.T) {
			h, teardown := newHarness(t)
			defer teardown()
			tf.fn(t, h)
		})
	}
}

func testClient_ProductLookup(t *testing.T, h Harness) {
	ctx := context.Background()
	catalog := h.Catalog()
	require.NotEmpty(t, catalog)

	ids := make([]string, 0, len(catalog))
	for _, product := range catalog {
		ids = append(ids, product.ID)
	}

	products, err := h.Client.Products(ctx, append(ids, "does.not.exist"))
	require.NoError(t, err)
	require.Len(t, products, len(catalog))

	for i, product := range products {
		assert.Equal(t, catalog[i].ID, product.ID)
		assert.Equal(t, catalog[i].Type, product.Type)
	}
}

func testClient_PurchaseRoundTrip(t *testing.T, h Harness) {
	ctx := context.Background()
	product := h.Catalog()[0]

	result, err := h.Client.Purchase(ctx, product)
	require.NoError(t, err)
	require.Equal(t, storefront.PurchaseOutcomeSuccess, result.Outcome)

	tx, err := result.Transaction.PayloadValue()
	require.NoError(t, err)
	require.Equal(t, product.ID, tx.ProductID)
	require.NotEmpty(t, tx.ID)
	assert.False(t, tx.Revoked())
	assert.False(t, tx.IsUpgraded)
}

func testClient_PurchaseOutcomes(t *testing.T, h Harness) {
	ctx := context.Background()
	product := h.Catalog()[0]

	for _, outcome := range []storefront.PurchaseOutcome{
		storefront.PurchaseOutcomeUserCancelled,
		storefront.PurchaseOutcomePending,
		storefront.PurchaseOutcomeUnknown,
	} {
		h.SetPurchaseOutcome(outcome)

		result, err := h.Client.Purchase(ctx, product)
		require.NoError(t, err)
		assert.Equal(t, outcome, result.Outcome)
	}

	// Nothing succeeded, so no transaction exists.
	_, err := h.Client.LatestTransaction(ctx, product.ID)
	require.ErrorIs(t, err, storefront.ErrNoTransaction)
}

func testClient_LatestTransaction(t *testing.T, h Harness) {
	ctx := context.Background()
	product := h.Catalog()[0]

	_, err := h.Client.LatestTransaction(ctx, product.ID)
	require.ErrorIs(t, err, storefront.ErrNoTransaction)

	first, err := h.DeliverExternal(product.ID)
	require.NoError(t, err)
	second, err := h.DeliverExternal(product.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	result, err := h.Client.LatestTransaction(ctx, product.ID)
	require.NoError(t, err)
	tx, err := result.PayloadValue()
	require.NoError(t, err)
	assert.Equal(t, second.ID, tx.ID)

	// Revocation does not hide the transaction from lookup; the caller
	// inspects the revocation fields itself.
	require.NoError(t, h.Revoke(product.ID))

	result, err = h.Client.LatestTransaction(ctx, product.ID)
	require.NoError(t, err)
	tx, err = result.PayloadValue()
	require.NoError(t, err)
	assert.True(t, tx.Revoked())
}

func testClient_Entitlements(t *testing.T, h Harness) {
	ctx := context.Background()
	catalog := h.Catalog()
	require.GreaterOrEqual(t, len(catalog), 2)

	entitlements, err := h.Client.CurrentEntitlements(ctx)
	require.NoError(t, err)
	require.Empty(t, entitlements)

	_, err = h.DeliverExternal(catalog[0].ID)
	require.NoError(t, err)
	_, err = h.DeliverExternal(catalog[1].ID)
	require.NoError(t, err)

	entitlements, err = h.Client.CurrentEntitlements(ctx)
	require.NoError(t, err)
	require.Len(t, entitlements, 2)

	// A revoked transaction no longer backs an entitlement.
	require.NoError(t, h.Revoke(catalog[0].ID))

	entitlements, err = h.Client.CurrentEntitlements(ctx)
	require.NoError(t, err)
	require.Len(t, entitlements, 1)

	tx, err := entitlements[0].PayloadValue()
	require.NoError(t, err)
	assert.Equal(t, catalog[1].ID, tx.ProductID)
}

func testClient_Tampering(t *testing.T, h Harness) {
	ctx := context.Background()
	product := h.Catalog()[0]

	delivered, err := h.DeliverExternal(product.ID)
	require.NoError(t, err)
	require.NoError(t, h.Tamper(product.ID))

	result, err := h.Client.LatestTransaction(ctx, product.ID)
	require.NoError(t, err)
	require.False(t, result.IsVerified())

	_, err = result.PayloadValue()
	require.ErrorIs(t, err, storefront.ErrVerificationFailed)

	// The payload survives the failed verification for diagnostics.
	tx := result.Payload()
	require.NotNil(t, tx)
	assert.Equal(t, delivered.ProductID, tx.ProductID)
}

func testClient_Updates(t *testing.T, h Harness) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	product := h.Catalog()[0]

	updates, err := h.Client.TransactionUpdates(ctx)
	require.NoError(t, err)

	delivered, err := h.DeliverExternal(product.ID)
	require.NoError(t, err)

	select {
	case result := <-updates:
		tx, err := result.PayloadValue()
		require.NoError(t, err)
		assert.Equal(t, delivered.ID, tx.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transaction update")
	}

	cancel()

	select {
	case _, open := <-updates:
		require.False(t, open, "updates channel should close on cancellation")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for updates channel to close")
	}
}

func testClient_Finish(t *testing.T, h Harness) {
	ctx := context.Background()
	product := h.Catalog()[0]

	tx, err := h.DeliverExternal(product.ID)
	require.NoError(t, err)
	require.Equal(t, 0, h.FinishCount(tx.ID))

	require.NoError(t, h.Client.Finish(ctx, tx.ID))
	require.Equal(t, 1, h.FinishCount(tx.ID))
}
