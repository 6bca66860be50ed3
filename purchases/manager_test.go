package purchases

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/ledger"
	ledgermemory "github.com/code-payments/purchases-go/ledger/memory"
	"github.com/code-payments/purchases-go/storefront"
	"github.com/code-payments/purchases-go/storefront/memory"
)

const (
	subscriptionProductID = "com.example.pro.monthly"
	unlockProductID       = "com.example.unlock"
)

func testCatalog() []storefront.Product {
	return []storefront.Product{
		{
			ID:          subscriptionProductID,
			Type:        storefront.ProductTypeAutoRenewableSubscription,
			DisplayName: "Pro Monthly",
			Price:       decimal.RequireFromString("9.99"),
			Currency:    "USD",
		},
		{
			ID:          unlockProductID,
			Type:        storefront.ProductTypeNonConsumable,
			DisplayName: "Full Unlock",
			Price:       decimal.RequireFromString("29.99"),
			Currency:    "USD",
		},
	}
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *memory.Client) {
	client, err := memory.NewClient(testCatalog()...)
	require.NoError(t, err)

	return newManagerFor(t, client, opts...), client
}

// newManagerFor constructs a Manager over an existing client. Tests that
// need platform state the background listener must not observe seed the
// client before calling this.
func newManagerFor(t *testing.T, client *memory.Client, opts ...Option) *Manager {
	manager, err := NewManager(context.Background(), zap.NewNop(), client, opts...)
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return manager
}

func requestAll(t *testing.T, m *Manager) {
	_, err := m.RequestProducts(context.Background(), subscriptionProductID, unlockProductID)
	require.NoError(t, err)
}

func TestManager_RequestProducts(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)

	products, err := manager.RequestProducts(ctx, subscriptionProductID, "does.not.exist")
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, subscriptionProductID, products[0].ID)

	// Union merge: a second lookup adds, never replaces.
	_, err = manager.RequestProducts(ctx, unlockProductID)
	require.NoError(t, err)
	_, err = manager.RequestProducts(ctx, subscriptionProductID)
	require.NoError(t, err)

	cached := manager.Products()
	require.Len(t, cached, 2)
	assert.Equal(t, subscriptionProductID, cached[0].ID, "re-requested products keep their position")
	assert.Equal(t, unlockProductID, cached[1].ID)
}

func TestManager_PurchaseUnknownProduct(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.Purchase(context.Background(), "com.example.never.requested")
	require.ErrorIs(t, err, ErrProductUnavailable)
	assert.Empty(t, manager.PurchasedProductIDs())
}

func TestManager_PurchaseSuccess(t *testing.T) {
	ctx := context.Background()
	manager, client := newTestManager(t)
	requestAll(t, manager)

	updates := manager.Updates()

	tx, err := manager.Purchase(ctx, subscriptionProductID)
	require.NoError(t, err)
	require.Equal(t, subscriptionProductID, tx.ProductID)

	assert.Equal(t, []string{subscriptionProductID}, manager.PurchasedProductIDs())
	assert.Equal(t, 1, client.FinishCount(tx.ID))

	subscription, ok := manager.CurrentSubscription()
	require.True(t, ok)
	assert.Equal(t, subscriptionProductID, subscription.ID)

	select {
	case update := <-updates:
		assert.Equal(t, Update{ProductID: subscriptionProductID, Kind: UpdateKindAdded}, update)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestManager_PurchaseNonRenewableDoesNotSetSubscription(t *testing.T) {
	manager, _ := newTestManager(t)
	requestAll(t, manager)

	_, err := manager.Purchase(context.Background(), unlockProductID)
	require.NoError(t, err)

	_, ok := manager.CurrentSubscription()
	assert.False(t, ok)
}

func TestManager_PurchaseFailedOutcomes(t *testing.T) {
	ctx := context.Background()
	manager, client := newTestManager(t)
	requestAll(t, manager)

	for _, outcome := range []storefront.PurchaseOutcome{
		storefront.PurchaseOutcomeUserCancelled,
		storefront.PurchaseOutcomePending,
		storefront.PurchaseOutcomeUnknown,
	} {
		client.SetPurchaseOutcome(outcome)

		_, err := manager.Purchase(ctx, subscriptionProductID)

		var purchaseErr *PurchaseError
		require.ErrorAs(t, err, &purchaseErr)
		assert.Equal(t, outcome, purchaseErr.Outcome)
	}

	// No state mutation and nothing finished on any failure path.
	assert.Empty(t, manager.PurchasedProductIDs())
	_, ok := manager.CurrentSubscription()
	assert.False(t, ok)
}

func TestManager_IsPurchased(t *testing.T) {
	ctx := context.Background()
	manager, client := newTestManager(t)

	// Absence is not an error.
	purchased, err := manager.IsPurchased(ctx, subscriptionProductID)
	require.NoError(t, err)
	assert.False(t, purchased)

	_, err = client.DeliverExternalPurchase(unlockProductID)
	require.NoError(t, err)

	purchased, err = manager.IsPurchased(ctx, unlockProductID)
	require.NoError(t, err)
	assert.True(t, purchased)
	assert.Contains(t, manager.PurchasedProductIDs(), unlockProductID)
}

func TestManager_IsPurchased_RevokedAndUpgraded(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name  string
		amend func(client *memory.Client) error
	}{
		{"revoked", func(client *memory.Client) error { return client.Revoke(unlockProductID) }},
		{"upgraded", func(client *memory.Client) error { return client.MarkUpgraded(unlockProductID) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			client, err := memory.NewClient(testCatalog()...)
			require.NoError(t, err)

			// Seeded before the manager exists so the listener never sees
			// these as updates.
			_, err = client.DeliverExternalPurchase(unlockProductID)
			require.NoError(t, err)
			require.NoError(t, tc.amend(client))

			manager := newManagerFor(t, client)
			before := manager.PurchasedProductIDs()

			purchased, err := manager.IsPurchased(ctx, unlockProductID)
			require.NoError(t, err)
			assert.False(t, purchased)
			assert.Equal(t, before, manager.PurchasedProductIDs(), "no state mutation")

			inTrial, err := manager.IsInTrial(ctx, unlockProductID)
			require.NoError(t, err)
			assert.False(t, inTrial)
		})
	}
}

func TestManager_IsPurchased_VerificationFailurePropagates(t *testing.T) {
	ctx := context.Background()
	manager, client := newTestManager(t)

	_, err := client.DeliverExternalPurchase(unlockProductID)
	require.NoError(t, err)
	require.NoError(t, client.TamperLatest(unlockProductID))

	_, err = manager.IsPurchased(ctx, unlockProductID)
	require.ErrorIs(t, err, storefront.ErrVerificationFailed)

	_, err = manager.IsInTrial(ctx, unlockProductID)
	require.ErrorIs(t, err, storefront.ErrVerificationFailed)
}

func TestManager_IsInTrial(t *testing.T) {
	ctx := context.Background()
	client, err := memory.NewClient(testCatalog()...)
	require.NoError(t, err)

	_, err = client.DeliverExternalPurchase(subscriptionProductID, memory.WithOfferType(storefront.OfferTypeIntroductory))
	require.NoError(t, err)

	manager := newManagerFor(t, client)

	inTrial, err := manager.IsInTrial(ctx, unlockProductID)
	require.NoError(t, err)
	assert.False(t, inTrial, "no transaction means no trial")

	inTrial, err = manager.IsInTrial(ctx, subscriptionProductID)
	require.NoError(t, err)
	assert.True(t, inTrial)

	// IsInTrial never mutates state.
	assert.Empty(t, manager.PurchasedProductIDs())
}

func TestManager_RestorePurchases(t *testing.T) {
	ctx := context.Background()
	client, err := memory.NewClient(testCatalog()...)
	require.NoError(t, err)

	subTx, err := client.DeliverExternalPurchase(subscriptionProductID)
	require.NoError(t, err)
	_, err = client.DeliverExternalPurchase(unlockProductID)
	require.NoError(t, err)

	// One tampered entitlement must not abort the restore.
	require.NoError(t, client.TamperLatest(unlockProductID))

	manager := newManagerFor(t, client)
	require.NoError(t, manager.RestorePurchases(ctx))

	assert.Equal(t, []string{subscriptionProductID}, manager.PurchasedProductIDs())
	assert.Equal(t, 1, client.FinishCount(subTx.ID))
}

func TestManager_CurrentSubscriptionTransaction(t *testing.T) {
	ctx := context.Background()
	client, err := memory.NewClient(testCatalog()...)
	require.NoError(t, err)

	unlockTx, err := client.DeliverExternalPurchase(unlockProductID)
	require.NoError(t, err)
	subTx, err := client.DeliverExternalPurchase(subscriptionProductID)
	require.NoError(t, err)

	manager := newManagerFor(t, client)
	assert.Nil(t, manager.CurrentSubscriptionTransaction(ctx), "empty catalog cache scans nothing")

	requestAll(t, manager)

	// Insertion-order scan: the subscription product was requested first.
	tx := manager.CurrentSubscriptionTransaction(ctx)
	require.NotNil(t, tx)
	assert.Equal(t, subTx.ID, tx.ID)

	// Revoking it falls through to the next product in order.
	require.NoError(t, client.Revoke(subscriptionProductID))

	tx = manager.CurrentSubscriptionTransaction(ctx)
	require.NotNil(t, tx)
	assert.Equal(t, unlockTx.ID, tx.ID)

	// Side-effect-free scan.
	assert.Empty(t, manager.PurchasedProductIDs())
}

func TestManager_BackgroundListener(t *testing.T) {
	manager, client := newTestManager(t)

	tx, err := client.DeliverExternalPurchase(unlockProductID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ids := manager.PurchasedProductIDs()
		return len(ids) == 1 && ids[0] == unlockProductID
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return client.FinishCount(tx.ID) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// A tampered update is logged and skipped; the listener keeps draining.
	require.NoError(t, client.TamperLatest(unlockProductID))
	require.NoError(t, client.Revoke(unlockProductID))

	require.Eventually(t, func() bool {
		return len(manager.PurchasedProductIDs()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_RoundTrip(t *testing.T) {
	ctx := context.Background()
	manager, client := newTestManager(t)
	requestAll(t, manager)

	tx, err := manager.Purchase(ctx, subscriptionProductID)
	require.NoError(t, err)

	subscription, ok := manager.CurrentSubscription()
	require.True(t, ok)
	assert.Equal(t, subscriptionProductID, subscription.ID)
	assert.Equal(t, []string{subscriptionProductID}, manager.PurchasedProductIDs())
	assert.Equal(t, 1, client.FinishCount(tx.ID))

	// A revocation delivered by the platform removes the identifier...
	require.NoError(t, client.Revoke(subscriptionProductID))
	require.Eventually(t, func() bool {
		return len(manager.PurchasedProductIDs()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// ...but the last-known subscription reference is retained.
	subscription, ok = manager.CurrentSubscription()
	require.True(t, ok)
	assert.Equal(t, subscriptionProductID, subscription.ID)
}

func TestManager_UpdatesFeedSingleSlot(t *testing.T) {
	manager, client := newTestManager(t)

	replaced := manager.Updates()
	current := manager.Updates()

	select {
	case _, open := <-replaced:
		require.False(t, open, "replaced subscriber's channel closes")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replaced channel to close")
	}

	_, err := client.DeliverExternalPurchase(unlockProductID)
	require.NoError(t, err)

	select {
	case update := <-current:
		assert.Equal(t, Update{ProductID: unlockProductID, Kind: UpdateKindAdded}, update)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestManager_LedgerJournaling(t *testing.T) {
	ctx := context.Background()
	journal := ledgermemory.NewInMemory()
	manager, client := newTestManager(t, WithLedger(journal))
	requestAll(t, manager)

	tx, err := manager.Purchase(ctx, subscriptionProductID)
	require.NoError(t, err)

	record, err := journal.GetRecord(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFulfilled, record.State)
	assert.Equal(t, subscriptionProductID, record.ProductID)

	// Redelivery through restore leaves a single record.
	require.NoError(t, manager.RestorePurchases(ctx))
	records, err := journal.GetRecordsByProduct(ctx, subscriptionProductID)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Revocation via the listener transitions the record.
	require.NoError(t, client.Revoke(subscriptionProductID))
	require.Eventually(t, func() bool {
		record, err := journal.GetRecord(ctx, tx.ID)
		return err == nil && record.State == ledger.StateRevoked && record.RevokedAt != nil
	}, 5*time.Second, 10*time.Millisecond)
}

type recordingNotifier struct {
	changes []Update
}

func (n *recordingNotifier) EntitlementChanged(_ context.Context, productID string, kind UpdateKind) error {
	n.changes = append(n.changes, Update{ProductID: productID, Kind: kind})
	return nil
}

type failingNotifier struct{}

func (failingNotifier) EntitlementChanged(context.Context, string, UpdateKind) error {
	return errors.New("push service unavailable")
}

func TestManager_Notifier(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	manager, _ := newTestManager(t, WithNotifier(notifier))
	requestAll(t, manager)

	_, err := manager.Purchase(ctx, unlockProductID)
	require.NoError(t, err)

	require.Len(t, notifier.changes, 1)
	assert.Equal(t, Update{ProductID: unlockProductID, Kind: UpdateKindAdded}, notifier.changes[0])
}

func TestManager_NotifierFailureDoesNotFailPurchase(t *testing.T) {
	manager, _ := newTestManager(t, WithNotifier(failingNotifier{}))
	requestAll(t, manager)

	_, err := manager.Purchase(context.Background(), unlockProductID)
	require.NoError(t, err)
	assert.Equal(t, []string{unlockProductID}, manager.PurchasedProductIDs())
}

type failingCatalogClient struct {
	storefront.Client
}

func (c failingCatalogClient) Products(context.Context, []string) ([]storefront.Product, error) {
	return nil, errors.New("storefront unavailable")
}

func TestManager_RequestProductsSurfacesPlatformError(t *testing.T) {
	client, err := memory.NewClient(testCatalog()...)
	require.NoError(t, err)

	manager, err := NewManager(context.Background(), zap.NewNop(), failingCatalogClient{client})
	require.NoError(t, err)
	defer manager.Close()

	_, err = manager.RequestProducts(context.Background(), subscriptionProductID)
	require.EqualError(t, err, "storefront unavailable")
}
