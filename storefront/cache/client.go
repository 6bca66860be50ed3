package cache

import (
	"context"
	"time"

	"github.com/ReneKroon/ttlcache"

	"github.com/code-payments/purchases-go/storefront"
)

// Client decorates a storefront.Client with TTL caching of product metadata.
// Catalog entries change rarely and are requested often (every purchase
// resolves against them); everything else passes through untouched.
type Client struct {
	inner storefront.Client
	cache *ttlcache.Cache
}

func NewProductCache(inner storefront.Client, ttl time.Duration) storefront.Client {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	return &Client{
		inner: inner,
		cache: cache,
	}
}

// Products serves entirely from cache when every requested identifier is
// cached. A miss on any identifier falls through to the inner client with
// the full request, and fresh results repopulate the cache.
func (c *Client) Products(ctx context.Context, ids []string) ([]storefront.Product, error) {
	cached := make([]storefront.Product, 0, len(ids))
	for _, id := range ids {
		entry, ok := c.cache.Get(id)
		if !ok {
			products, err := c.inner.Products(ctx, ids)
			if err != nil {
				return nil, err
			}

			for _, product := range products {
				c.cache.Set(product.ID, product)
			}
			return products, nil
		}
		cached = append(cached, entry.(storefront.Product))
	}

	return cached, nil
}

func (c *Client) Purchase(ctx context.Context, product storefront.Product) (*storefront.PurchaseResult, error) {
	return c.inner.Purchase(ctx, product)
}

func (c *Client) LatestTransaction(ctx context.Context, productID string) (storefront.VerificationResult[*storefront.Transaction], error) {
	return c.inner.LatestTransaction(ctx, productID)
}

func (c *Client) CurrentEntitlements(ctx context.Context) ([]storefront.VerificationResult[*storefront.Transaction], error) {
	return c.inner.CurrentEntitlements(ctx)
}

func (c *Client) TransactionUpdates(ctx context.Context) (<-chan storefront.VerificationResult[*storefront.Transaction], error) {
	return c.inner.TransactionUpdates(ctx)
}

func (c *Client) Finish(ctx context.Context, transactionID string) error {
	return c.inner.Finish(ctx, transactionID)
}
