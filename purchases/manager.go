package purchases

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/event"
	"github.com/code-payments/purchases-go/ledger"
	"github.com/code-payments/purchases-go/storefront"
)

// Notifier is called after every purchased-set change so other installs of
// the same account can re-sync their entitlements. Failures are logged, never
// propagated; the notifier must not be able to fail a purchase.
type Notifier interface {
	EntitlementChanged(ctx context.Context, productID string, kind UpdateKind) error
}

// Manager orchestrates the storefront platform: catalog lookup and caching,
// purchase initiation, verification gating, purchased-product state, the
// current subscription reference, and the update feed. All mutable state is
// guarded by a single mutex; the storefront owns everything else.
type Manager struct {
	log   *zap.Logger
	store storefront.Client

	journal  ledger.Store
	notifier Notifier

	feed *event.Feed[Update]

	mu             sync.Mutex
	products       map[string]storefront.Product
	productOrder   []string
	purchased      map[string]struct{}
	purchasedOrder []string
	subscription   *storefront.Product

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

type Option func(*Manager)

// WithLedger journals every processed transaction to the given store. Ledger
// failures are logged and never fail the purchase path.
func WithLedger(store ledger.Store) Option {
	return func(m *Manager) {
		m.journal = store
	}
}

func WithNotifier(notifier Notifier) Option {
	return func(m *Manager) {
		m.notifier = notifier
	}
}

func WithUpdateBufferSize(size int) Option {
	return func(m *Manager) {
		m.feed = event.NewFeed[Update](event.WithFeedBufferSize(size))
	}
}

// NewManager subscribes to the storefront's transaction updates and starts
// the background listener. Close cancels the listener and waits for it to
// exit.
func NewManager(ctx context.Context, log *zap.Logger, store storefront.Client, opts ...Option) (*Manager, error) {
	m := &Manager{
		log:       log,
		store:     store,
		feed:      event.NewFeed[Update](),
		products:  make(map[string]storefront.Product),
		purchased: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	updates, err := store.TransactionUpdates(listenCtx)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribing to transaction updates")
	}

	m.cancel = cancel
	go m.listen(listenCtx, updates)

	return m, nil
}

// RequestProducts looks identifiers up in the storefront catalog and merges
// the results into the cached available-product set. The cache is a union:
// products from earlier calls stay available, and re-requested products keep
// their original position.
func (m *Manager) RequestProducts(ctx context.Context, ids ...string) ([]storefront.Product, error) {
	products, err := m.store.Products(ctx, ids)
	if err != nil {
		m.log.Warn("Failed to look up products", zap.Strings("product_ids", ids), zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	for _, product := range products {
		if _, ok := m.products[product.ID]; !ok {
			m.productOrder = append(m.productOrder, product.ID)
		}
		m.products[product.ID] = product
	}
	m.mu.Unlock()

	return products, nil
}

// Purchase resolves a product identifier against the cached catalog and
// drives the purchase flow for it. Returns ErrProductUnavailable when the
// identifier has not been looked up via RequestProducts.
func (m *Manager) Purchase(ctx context.Context, productID string) (*storefront.Transaction, error) {
	m.mu.Lock()
	product, ok := m.products[productID]
	m.mu.Unlock()

	if !ok {
		m.log.Warn("Purchase requested for unknown product", zap.String("product_id", productID))
		return nil, ErrProductUnavailable
	}

	return m.PurchaseProduct(ctx, product)
}

// PurchaseProduct drives the storefront payment flow. On success the signed
// transaction is gated, a successful auto-renewable purchase becomes the
// current subscription, purchased state is updated, and the transaction is
// finished. Cancelled, pending, and unrecognized outcomes return a
// *PurchaseError with no state mutation and nothing to finish.
func (m *Manager) PurchaseProduct(ctx context.Context, product storefront.Product) (*storefront.Transaction, error) {
	log := m.log.With(zap.String("product_id", product.ID))

	result, err := m.store.Purchase(ctx, product)
	if err != nil {
		log.Warn("Failed to initiate purchase", zap.Error(err))
		return nil, err
	}

	if result.Outcome != storefront.PurchaseOutcomeSuccess {
		log.Info("Purchase did not succeed", zap.Stringer("outcome", result.Outcome))
		return nil, &PurchaseError{Outcome: result.Outcome}
	}

	tx, err := result.Transaction.PayloadValue()
	if err != nil {
		log.Warn("Purchase transaction failed verification", zap.Error(err))
		return nil, err
	}

	if product.IsAutoRenewable() {
		m.mu.Lock()
		subscribed := product
		m.subscription = &subscribed
		m.mu.Unlock()
	}

	m.applyTransaction(ctx, tx)
	m.finish(ctx, tx.ID)

	return tx, nil
}

// IsPurchased reports whether the most recent storefront transaction for a
// product grants an entitlement. A product with no transaction is simply not
// purchased; a verification failure propagates. Revoked and upgraded
// transactions report false without touching state; otherwise purchased
// state is refreshed from the transaction.
func (m *Manager) IsPurchased(ctx context.Context, productID string) (bool, error) {
	result, err := m.store.LatestTransaction(ctx, productID)
	if errors.Is(err, storefront.ErrNoTransaction) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	tx, err := result.PayloadValue()
	if err != nil {
		return false, err
	}

	if tx.Revoked() || tx.IsUpgraded {
		return false, nil
	}

	m.applyTransaction(ctx, tx)
	return true, nil
}

// IsInTrial reports whether the most recent transaction for a product was
// granted under an introductory offer. Never mutates state.
func (m *Manager) IsInTrial(ctx context.Context, productID string) (bool, error) {
	result, err := m.store.LatestTransaction(ctx, productID)
	if errors.Is(err, storefront.ErrNoTransaction) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	tx, err := result.PayloadValue()
	if err != nil {
		return false, err
	}

	if tx.Revoked() || tx.IsUpgraded {
		return false, nil
	}

	return tx.OfferType == storefront.OfferTypeIntroductory, nil
}

// RestorePurchases re-applies purchased state from the storefront's current
// entitlements. A single entitlement that fails verification is logged and
// skipped; the loop never aborts on one bad record.
func (m *Manager) RestorePurchases(ctx context.Context) error {
	entitlements, err := m.store.CurrentEntitlements(ctx)
	if err != nil {
		m.log.Warn("Failed to enumerate entitlements", zap.Error(err))
		return err
	}

	for _, result := range entitlements {
		tx, err := result.PayloadValue()
		if err != nil {
			m.log.Warn("Skipping unverified entitlement", zap.Error(err))
			continue
		}

		m.applyTransaction(ctx, tx)
		m.finish(ctx, tx.ID)
	}

	return nil
}

// CurrentSubscriptionTransaction scans the cached available-product set in
// insertion order and returns the first product's latest transaction that
// verifies and is neither revoked nor upgraded, or nil when none qualifies.
// Side-effect-free; per-product lookup and verification failures are skipped.
func (m *Manager) CurrentSubscriptionTransaction(ctx context.Context) *storefront.Transaction {
	m.mu.Lock()
	order := slices.Clone(m.productOrder)
	m.mu.Unlock()

	for _, productID := range order {
		result, err := m.store.LatestTransaction(ctx, productID)
		if err != nil {
			continue
		}

		tx, err := result.PayloadValue()
		if err != nil {
			m.log.Debug("Skipping unverified transaction", zap.String("product_id", productID), zap.Error(err))
			continue
		}

		if tx.Revoked() || tx.IsUpgraded {
			continue
		}

		return tx
	}

	return nil
}

// PurchasedProductIDs returns a snapshot of the purchased identifier set in
// insertion order.
func (m *Manager) PurchasedProductIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.purchasedOrder)
}

// CurrentSubscription returns the last auto-renewable product successfully
// purchased through this Manager. It is not cleared when the backing
// transaction is later revoked; consumers treat it as the last-known
// subscription and confirm liveness with CurrentSubscriptionTransaction.
func (m *Manager) CurrentSubscription() (storefront.Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscription == nil {
		return storefront.Product{}, false
	}
	return *m.subscription, true
}

// Products returns a snapshot of the cached available-product set in
// insertion order.
func (m *Manager) Products() []storefront.Product {
	m.mu.Lock()
	defer m.mu.Unlock()

	products := make([]storefront.Product, 0, len(m.productOrder))
	for _, id := range m.productOrder {
		products = append(products, m.products[id])
	}
	return products
}

// Updates attaches to the Manager's update feed. The feed is single-slot:
// each call installs a fresh channel and closes the previous one.
func (m *Manager) Updates() <-chan Update {
	return m.feed.Attach()
}

// Close cancels the background listener, waits for it to exit, and shuts the
// update feed.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
		m.feed.Close()
	})
}

// applyTransaction is the single point of truth for purchased-state mutation.
// Revocation unset adds the product identifier; set removes it. The feed,
// ledger, and notifier run after the lock is released, and none of their
// failures propagate. Concurrent calls may therefore emit feed events in an
// order that differs from the set mutations; the single-slot feed only
// promises the subscriber a recent change signal, not a replayable history.
func (m *Manager) applyTransaction(ctx context.Context, tx *storefront.Transaction) {
	kind := UpdateKindAdded
	if tx.Revoked() {
		kind = UpdateKindRemoved
	}

	m.mu.Lock()
	if kind == UpdateKindAdded {
		if _, ok := m.purchased[tx.ProductID]; !ok {
			m.purchased[tx.ProductID] = struct{}{}
			m.purchasedOrder = append(m.purchasedOrder, tx.ProductID)
		}
	} else {
		delete(m.purchased, tx.ProductID)
		m.purchasedOrder = slices.DeleteFunc(m.purchasedOrder, func(id string) bool {
			return id == tx.ProductID
		})
	}
	m.mu.Unlock()

	m.feed.Publish(Update{ProductID: tx.ProductID, Kind: kind})
	m.journalTransaction(ctx, tx, kind)

	if m.notifier != nil {
		if err := m.notifier.EntitlementChanged(ctx, tx.ProductID, kind); err != nil {
			m.log.Warn("Failed to notify entitlement change",
				zap.String("product_id", tx.ProductID),
				zap.Stringer("kind", kind),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) journalTransaction(ctx context.Context, tx *storefront.Transaction, kind UpdateKind) {
	if m.journal == nil {
		return
	}

	if kind == UpdateKindAdded {
		record := &ledger.Record{
			TransactionID:         tx.ID,
			OriginalTransactionID: tx.OriginalID,
			ProductID:             tx.ProductID,
			ProductType:           tx.ProductType,
			AppAccountToken:       tx.AppAccountToken,
			State:                 ledger.StateFulfilled,
			PurchasedAt:           tx.PurchaseDate,
		}

		// Redelivery of an already journaled transaction is expected.
		err := m.journal.RecordPurchase(ctx, record)
		if err != nil && !errors.Is(err, ledger.ErrExists) {
			m.log.Warn("Failed to journal purchase", zap.String("transaction_id", tx.ID), zap.Error(err))
		}
		return
	}

	// Revocations for transactions processed before the ledger was wired in
	// have no record to update.
	err := m.journal.MarkRevoked(ctx, tx.ID, *tx.RevocationDate)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		m.log.Warn("Failed to journal revocation", zap.String("transaction_id", tx.ID), zap.Error(err))
	}
}

// finish acknowledges a processed transaction. Failures are logged; the
// storefront redelivers unfinished transactions on its own schedule.
func (m *Manager) finish(ctx context.Context, transactionID string) {
	if err := m.store.Finish(ctx, transactionID); err != nil {
		m.log.Warn("Failed to finish transaction", zap.String("transaction_id", transactionID), zap.Error(err))
	}
}

// listen drains the storefront's transaction update sequence for the
// lifetime of the Manager: purchases made on other devices, promotional
// redemptions, renewals, and revocations all arrive here.
func (m *Manager) listen(ctx context.Context, updates <-chan storefront.VerificationResult[*storefront.Transaction]) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-updates:
			if !ok {
				return
			}

			tx, err := result.PayloadValue()
			if err != nil {
				m.log.Warn("Dropping unverified transaction update", zap.Error(err))
				continue
			}

			m.applyTransaction(ctx, tx)
			m.finish(ctx, tx.ID)
		}
	}
}
