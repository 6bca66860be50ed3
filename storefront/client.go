package storefront

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNoTransaction indicates the storefront holds no transaction for the
// requested product.
var ErrNoTransaction = errors.New("no transaction for product")

// Client is the outbound surface of the storefront platform. Every call is a
// suspension point and takes a context; in-process logic never blocks.
//
// The platform owns retries, time-bounding, and resilience. Implementations
// surface its errors unchanged rather than wrapping them in local policy.
type Client interface {

	// Products looks up catalog metadata for the given identifiers. Unknown
	// identifiers are omitted from the result, not errors.
	Products(ctx context.Context, ids []string) ([]Product, error)

	// Purchase drives the platform payment flow for a product.
	Purchase(ctx context.Context, product Product) (*PurchaseResult, error)

	// LatestTransaction returns the most recent transaction for a product,
	// regardless of revocation or upgrade status. Returns ErrNoTransaction
	// when the storefront has none.
	LatestTransaction(ctx context.Context, productID string) (VerificationResult[*Transaction], error)

	// CurrentEntitlements enumerates the transactions backing the user's
	// currently active entitlements.
	CurrentEntitlements(ctx context.Context) ([]VerificationResult[*Transaction], error)

	// TransactionUpdates subscribes to transactions delivered outside a
	// direct Purchase call (another device, promotional redemption, renewal).
	// The channel closes when ctx is cancelled.
	TransactionUpdates(ctx context.Context) (<-chan VerificationResult[*Transaction], error)

	// Finish acknowledges a transaction as processed. Callers invoke it
	// exactly once per transaction they handle.
	Finish(ctx context.Context, transactionID string) error
}
