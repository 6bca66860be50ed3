package memory

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"

	"github.com/code-payments/purchases-go/storefront"
)

// Client is an in-memory simulated storefront. Every transaction payload is
// signed with an ed25519 key generated at construction, and verification
// re-checks that signature, so tampering with a stored token flips the
// verification tag without losing the payload. Tests and the smoke binary
// drive the platform-side behavior (revocations, upgrades, external
// purchases) through the simulation methods.
type Client struct {
	mu sync.Mutex

	signer    ed25519.PrivateKey
	verifyKey ed25519.PublicKey

	catalog      map[string]storefront.Product
	productOrder []string

	// productID -> signed tokens, oldest first
	transactions map[string][]string
	seq          uint64

	nextOutcome storefront.PurchaseOutcome
	finishes    map[string]int

	subscribers map[uint64]chan storefront.VerificationResult[*storefront.Transaction]
	nextSubID   uint64
	bufferSize  int
}

func NewClient(products ...storefront.Product) (*Client, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating signing key")
	}

	c := &Client{
		signer:       priv,
		verifyKey:    priv.Public().(ed25519.PublicKey),
		catalog:      make(map[string]storefront.Product),
		transactions: make(map[string][]string),
		nextOutcome:  storefront.PurchaseOutcomeSuccess,
		finishes:     make(map[string]int),
		subscribers:  make(map[uint64]chan storefront.VerificationResult[*storefront.Transaction]),
		bufferSize:   64,
	}

	for _, product := range products {
		c.catalog[product.ID] = product
		c.productOrder = append(c.productOrder, product.ID)
	}

	return c, nil
}

func (c *Client) Products(_ context.Context, ids []string) ([]storefront.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var products []storefront.Product
	for _, id := range ids {
		if product, ok := c.catalog[id]; ok {
			products = append(products, product)
		}
	}
	return products, nil
}

func (c *Client) Purchase(_ context.Context, product storefront.Product) (*storefront.PurchaseResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.catalog[product.ID]; !ok {
		return nil, errors.Errorf("product %q not in storefront catalog", product.ID)
	}

	if c.nextOutcome != storefront.PurchaseOutcomeSuccess {
		return &storefront.PurchaseResult{Outcome: c.nextOutcome}, nil
	}

	token, err := c.mint(product.ID)
	if err != nil {
		return nil, err
	}

	return &storefront.PurchaseResult{
		Outcome:     storefront.PurchaseOutcomeSuccess,
		Transaction: c.verify(token),
	}, nil
}

func (c *Client) LatestTransaction(_ context.Context, productID string) (storefront.VerificationResult[*storefront.Transaction], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens := c.transactions[productID]
	if len(tokens) == 0 {
		return storefront.VerificationResult[*storefront.Transaction]{}, storefront.ErrNoTransaction
	}

	return c.verify(tokens[len(tokens)-1]), nil
}

func (c *Client) CurrentEntitlements(_ context.Context) ([]storefront.VerificationResult[*storefront.Transaction], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	var entitlements []storefront.VerificationResult[*storefront.Transaction]
	for _, productID := range c.productOrder {
		tokens := c.transactions[productID]
		if len(tokens) == 0 {
			continue
		}

		result := c.verify(tokens[len(tokens)-1])
		tx := result.Payload()
		if tx != nil {
			if tx.Revoked() {
				continue
			}
			if tx.ExpiresDate != nil && tx.ExpiresDate.Before(now) {
				continue
			}
		}
		entitlements = append(entitlements, result)
	}
	return entitlements, nil
}

func (c *Client) TransactionUpdates(ctx context.Context) (<-chan storefront.VerificationResult[*storefront.Transaction], error) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	ch := make(chan storefront.VerificationResult[*storefront.Transaction], c.bufferSize)
	c.subscribers[id] = ch
	c.mu.Unlock()

	go func() {
		<-ctx.Done()

		// Closed under the lock so broadcasts never race a close.
		c.mu.Lock()
		delete(c.subscribers, id)
		close(ch)
		c.mu.Unlock()
	}()

	return ch, nil
}

func (c *Client) Finish(_ context.Context, transactionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.finishes[transactionID]++
	return nil
}

// SetPurchaseOutcome configures the disposition of subsequent Purchase calls.
func (c *Client) SetPurchaseOutcome(outcome storefront.PurchaseOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextOutcome = outcome
}

// TransactionOption customizes a simulated transaction.
type TransactionOption func(*storefront.Transaction)

func WithOfferType(offerType storefront.OfferType) TransactionOption {
	return func(tx *storefront.Transaction) {
		tx.OfferType = offerType
	}
}

func WithExpiry(expiresAt time.Time) TransactionOption {
	return func(tx *storefront.Transaction) {
		tx.ExpiresDate = &expiresAt
	}
}

// DeliverExternalPurchase mints a transaction without a local Purchase call
// (simulating a purchase from another device or a promotional redemption) and
// broadcasts it to all update subscribers.
func (c *Client) DeliverExternalPurchase(productID string, opts ...TransactionOption) (*storefront.Transaction, error) {
	c.mu.Lock()

	if _, ok := c.catalog[productID]; !ok {
		c.mu.Unlock()
		return nil, errors.Errorf("product %q not in storefront catalog", productID)
	}

	token, err := c.mint(productID, opts...)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	result := c.verify(token)
	c.broadcastLocked(result)
	c.mu.Unlock()

	return result.Payload(), nil
}

// Revoke invalidates the latest transaction for a product (simulating a
// refund) and broadcasts the updated record.
func (c *Client) Revoke(productID string) error {
	return c.amendLatest(productID, func(tx *storefront.Transaction) {
		now := time.Now()
		reason := storefront.RevocationReasonOther
		tx.RevocationDate = &now
		tx.RevocationReason = &reason
	})
}

// MarkUpgraded flags the latest transaction for a product as superseded by an
// upgrade and broadcasts the updated record.
func (c *Client) MarkUpgraded(productID string) error {
	return c.amendLatest(productID, func(tx *storefront.Transaction) {
		tx.IsUpgraded = true
	})
}

// ExpireNow backdates the latest transaction's expiry so it no longer counts
// as a current entitlement.
func (c *Client) ExpireNow(productID string) error {
	return c.amendLatest(productID, func(tx *storefront.Transaction) {
		expired := time.Now().Add(-time.Minute)
		tx.ExpiresDate = &expired
	})
}

// TamperLatest corrupts the stored payload of the latest transaction for a
// product without re-signing, so verification fails but the payload decodes.
// The corrupted record is broadcast to update subscribers.
func (c *Client) TamperLatest(productID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens := c.transactions[productID]
	if len(tokens) == 0 {
		return storefront.ErrNoTransaction
	}

	token := tokens[len(tokens)-1]
	parts := strings.Split(token, "|")
	if len(parts) != 2 {
		return errors.Errorf("invalid token format: %s", token)
	}

	payload, err := base58.Decode(parts[1])
	if err != nil {
		return errors.Wrap(err, "decoding payload")
	}

	var tx storefront.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return errors.Wrap(err, "decoding transaction")
	}
	tx.Quantity++

	tampered, err := json.Marshal(&tx)
	if err != nil {
		return errors.Wrap(err, "encoding tampered payload")
	}

	tokens[len(tokens)-1] = parts[0] + "|" + base58.Encode(tampered)
	c.broadcastLocked(c.verify(tokens[len(tokens)-1]))
	return nil
}

// FinishCount reports how many times Finish has been called for a transaction.
func (c *Client) FinishCount(transactionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.finishes[transactionID]
}

// mint creates, signs, and stores a transaction. Callers hold c.mu.
func (c *Client) mint(productID string, opts ...TransactionOption) (string, error) {
	c.seq++
	now := time.Now().UTC().Truncate(time.Millisecond)

	tx := &storefront.Transaction{
		ID:              fmt.Sprintf("%d", 2000000000000000+c.seq),
		OriginalID:      fmt.Sprintf("%d", 2000000000000000+c.seq),
		ProductID:       productID,
		ProductType:     c.catalog[productID].Type,
		AppAccountToken: uuid.New(),
		PurchaseDate:    now,
		Quantity:        1,
		Environment:     storefront.EnvironmentSandbox,
		SignedDate:      now,
	}
	if tx.ProductType.IsAutoRenewable() {
		expires := now.Add(30 * 24 * time.Hour)
		tx.ExpiresDate = &expires
	}
	for _, opt := range opts {
		opt(tx)
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return "", errors.Wrap(err, "encoding transaction")
	}

	signature := ed25519.Sign(c.signer, payload)
	token := base58.Encode(signature) + "|" + base58.Encode(payload)

	c.transactions[productID] = append(c.transactions[productID], token)
	return token, nil
}

// amendLatest decodes the latest transaction for a product, applies fn,
// re-signs the result in place, and broadcasts the updated record.
func (c *Client) amendLatest(productID string, fn func(*storefront.Transaction)) error {
	c.mu.Lock()

	tokens := c.transactions[productID]
	if len(tokens) == 0 {
		c.mu.Unlock()
		return storefront.ErrNoTransaction
	}

	result := c.verify(tokens[len(tokens)-1])
	tx := result.Payload()
	if tx == nil {
		c.mu.Unlock()
		return errors.New("latest transaction payload does not decode")
	}

	fn(tx)
	tx.SignedDate = time.Now().UTC().Truncate(time.Millisecond)

	payload, err := json.Marshal(tx)
	if err != nil {
		c.mu.Unlock()
		return errors.Wrap(err, "encoding transaction")
	}

	signature := ed25519.Sign(c.signer, payload)
	tokens[len(tokens)-1] = base58.Encode(signature) + "|" + base58.Encode(payload)

	updated := c.verify(tokens[len(tokens)-1])
	c.broadcastLocked(updated)
	c.mu.Unlock()

	return nil
}

// verify re-checks a stored token's signature. The decoded payload is carried
// on both tags so callers can log what failed.
func (c *Client) verify(token string) storefront.VerificationResult[*storefront.Transaction] {
	parts := strings.Split(token, "|")
	if len(parts) != 2 {
		return storefront.Unverified[*storefront.Transaction](nil, errors.Errorf("invalid token format: %s", token))
	}

	signature, err := base58.Decode(parts[0])
	if err != nil {
		return storefront.Unverified[*storefront.Transaction](nil, errors.Wrap(err, "decoding signature"))
	}

	payload, err := base58.Decode(parts[1])
	if err != nil {
		return storefront.Unverified[*storefront.Transaction](nil, errors.Wrap(err, "decoding payload"))
	}

	var tx storefront.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return storefront.Unverified[*storefront.Transaction](nil, errors.Wrap(err, "decoding transaction"))
	}

	if !ed25519.Verify(c.verifyKey, payload, signature) {
		return storefront.Unverified(&tx, errors.New("signature mismatch"))
	}

	return storefront.Verified(&tx)
}

// broadcastLocked fans an update out to all subscribers. Sends never block;
// a subscriber with a full buffer misses the update rather than stalling the
// simulation. Callers hold c.mu.
func (c *Client) broadcastLocked(result storefront.VerificationResult[*storefront.Transaction]) {
	for _, ch := range c.subscribers {
		select {
		case ch <- result:
		default:
		}
	}
}
