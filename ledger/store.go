package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/code-payments/purchases-go/query"
	"github.com/code-payments/purchases-go/storefront"
)

var (
	ErrExists   = errors.New("ledger record already exists")
	ErrNotFound = errors.New("ledger record not found")
)

type State uint8

const (
	StateUnknown State = iota
	StateFulfilled
	StateRevoked
)

// Record journals one processed storefront transaction. The storefront
// remains the source of truth for entitlements; the ledger exists for audit,
// support tooling, and duplicate detection.
type Record struct {
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	ProductType           storefront.ProductType
	AppAccountToken       uuid.UUID
	State                 State
	PurchasedAt           time.Time
	RevokedAt             *time.Time
	CreatedAt             time.Time
}

type Store interface {

	// RecordPurchase journals a fulfilled transaction. Returns ErrExists when
	// the transaction ID has already been recorded.
	RecordPurchase(ctx context.Context, record *Record) error

	// MarkRevoked transitions a record to StateRevoked. Returns ErrNotFound
	// when the transaction was never recorded.
	MarkRevoked(ctx context.Context, transactionID string, revokedAt time.Time) error

	GetRecord(ctx context.Context, transactionID string) (*Record, error)

	// GetRecordsByProduct returns records for a product ordered by purchase
	// time (ascending by default).
	GetRecordsByProduct(ctx context.Context, productID string, options ...query.Option) ([]*Record, error)
}

func (r *Record) Clone() *Record {
	cloned := *r
	if r.RevokedAt != nil {
		revokedAt := *r.RevokedAt
		cloned.RevokedAt = &revokedAt
	}
	return &cloned
}
