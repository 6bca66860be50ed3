package tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/purchases-go/ledger"
	"github.com/code-payments/purchases-go/query"
	"github.com/code-payments/purchases-go/storefront"
)

func RunStoreTests(t *testing.T, s ledger.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s ledger.Store){
		testLedgerStore_HappyPath,
		testLedgerStore_Revocation,
		testLedgerStore_History,
	} {
		tf(t, s)
		teardown()
	}
}

func newRecord(transactionID, productID string, purchasedAt time.Time) *ledger.Record {
	return &ledger.Record{
		TransactionID:         transactionID,
		OriginalTransactionID: transactionID,
		ProductID:             productID,
		ProductType:           storefront.ProductTypeAutoRenewableSubscription,
		AppAccountToken:       uuid.New(),
		State:                 ledger.StateFulfilled,
		PurchasedAt:           purchasedAt,
	}
}

func testLedgerStore_HappyPath(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	expected := newRecord("txn-1", "com.example.pro.monthly", time.Now().UTC().Truncate(time.Millisecond))

	_, err := store.GetRecord(ctx, expected.TransactionID)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	require.NoError(t, store.RecordPurchase(ctx, expected))

	actual, err := store.GetRecord(ctx, expected.TransactionID)
	require.NoError(t, err)
	require.Equal(t, expected.TransactionID, actual.TransactionID)
	require.Equal(t, expected.OriginalTransactionID, actual.OriginalTransactionID)
	require.Equal(t, expected.ProductID, actual.ProductID)
	require.Equal(t, expected.ProductType, actual.ProductType)
	require.Equal(t, expected.AppAccountToken, actual.AppAccountToken)
	require.Equal(t, ledger.StateFulfilled, actual.State)
	require.Nil(t, actual.RevokedAt)
	require.False(t, actual.CreatedAt.IsZero())

	require.ErrorIs(t, store.RecordPurchase(ctx, expected), ledger.ErrExists)
}

func testLedgerStore_Revocation(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	revokedAt := time.Now().UTC().Truncate(time.Millisecond)

	require.ErrorIs(t, store.MarkRevoked(ctx, "txn-missing", revokedAt), ledger.ErrNotFound)

	record := newRecord("txn-2", "com.example.pro.monthly", revokedAt.Add(-time.Hour))
	require.NoError(t, store.RecordPurchase(ctx, record))
	require.NoError(t, store.MarkRevoked(ctx, record.TransactionID, revokedAt))

	actual, err := store.GetRecord(ctx, record.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateRevoked, actual.State)
	require.NotNil(t, actual.RevokedAt)
	assert.True(t, revokedAt.Equal(*actual.RevokedAt))
}

func testLedgerStore_History(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)

	for i := 0; i < 5; i++ {
		record := newRecord(fmt.Sprintf("txn-h-%d", i), "com.example.pro.monthly", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.RecordPurchase(ctx, record))
	}
	require.NoError(t, store.RecordPurchase(ctx, newRecord("txn-other", "com.example.unlock", base)))

	records, err := store.GetRecordsByProduct(ctx, "com.example.pro.monthly")
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i := 1; i < len(records); i++ {
		assert.True(t, records[i].PurchasedAt.After(records[i-1].PurchasedAt))
	}

	records, err = store.GetRecordsByProduct(ctx, "com.example.pro.monthly", query.WithDescending(), query.WithLimit(2))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "txn-h-4", records[0].TransactionID)
	assert.Equal(t, "txn-h-3", records[1].TransactionID)

	records, err = store.GetRecordsByProduct(ctx, "com.example.none")
	require.NoError(t, err)
	assert.Empty(t, records)
}
