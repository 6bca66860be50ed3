package appstore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/storefront"
)

func newSigningKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func signClaims(t *testing.T, key *ecdsa.PrivateKey, claims *transactionClaims) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func testClaims() *transactionClaims {
	expires := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	return &transactionClaims{
		TransactionID:         "2000000123456789",
		OriginalTransactionID: "2000000123456789",
		ProductID:             "com.example.pro.monthly",
		Type:                  string(storefront.ProductTypeAutoRenewableSubscription),
		AppAccountToken:       uuid.NewString(),
		PurchaseDate:          time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		ExpiresDate:           &expires,
		Quantity:              1,
		Environment:           string(storefront.EnvironmentSandbox),
		SignedDate:            time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC).UnixMilli(),
	}
}

// writeJSON sets the content type explicitly; without it net/http sniffs the
// body as text/plain and the response client skips unmarshalling.
func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newTestClient(t *testing.T, handler http.Handler, key *ecdsa.PrivateKey) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(zap.NewNop(), Config{
		BaseURL:      server.URL,
		APIToken:     "test-token",
		SigningKey:   &key.PublicKey,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestClient_Products(t *testing.T) {
	key := newSigningKey(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/products", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, []string{"com.example.pro.monthly"}, r.URL.Query()["id"])

		writeJSON(t, w, map[string]any{
			"products": []map[string]any{
				{
					"id":          "com.example.pro.monthly",
					"type":        "Auto-Renewable Subscription",
					"displayName": "Pro Monthly",
					"price":       "9.99",
					"currency":    "USD",
				},
			},
		})
	})

	client := newTestClient(t, mux, key)

	products, err := client.Products(context.Background(), []string{"com.example.pro.monthly"})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "com.example.pro.monthly", products[0].ID)
	assert.True(t, products[0].IsAutoRenewable())
	assert.Equal(t, "9.99", products[0].Price.String())
	assert.Equal(t, "USD", products[0].Currency)
}

func TestClient_PurchaseSuccess(t *testing.T) {
	key := newSigningKey(t)
	claims := testClaims()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/purchases", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, claims.ProductID, body["productId"])

		writeJSON(t, w, map[string]string{
			"outcome":           "success",
			"signedTransaction": signClaims(t, key, claims),
		})
	})

	client := newTestClient(t, mux, key)

	result, err := client.Purchase(context.Background(), storefront.Product{ID: claims.ProductID})
	require.NoError(t, err)
	require.Equal(t, storefront.PurchaseOutcomeSuccess, result.Outcome)

	tx, err := result.Transaction.PayloadValue()
	require.NoError(t, err)
	assert.Equal(t, claims.TransactionID, tx.ID)
	assert.Equal(t, claims.ProductID, tx.ProductID)
	assert.Equal(t, time.UnixMilli(claims.PurchaseDate).UTC(), tx.PurchaseDate)
	require.NotNil(t, tx.ExpiresDate)
	assert.Equal(t, time.UnixMilli(*claims.ExpiresDate).UTC(), *tx.ExpiresDate)
	assert.False(t, tx.Revoked())
}

func TestClient_PurchaseOutcomes(t *testing.T) {
	key := newSigningKey(t)

	outcome := "user_cancelled"
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/purchases", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{"outcome": outcome})
	})

	client := newTestClient(t, mux, key)

	for expected, wire := range map[storefront.PurchaseOutcome]string{
		storefront.PurchaseOutcomeUserCancelled: "user_cancelled",
		storefront.PurchaseOutcomePending:       "pending",
		storefront.PurchaseOutcomeUnknown:       "something_new",
	} {
		outcome = wire
		result, err := client.Purchase(context.Background(), storefront.Product{ID: "com.example.unlock"})
		require.NoError(t, err)
		assert.Equal(t, expected, result.Outcome)
	}
}

func TestClient_LatestTransaction(t *testing.T) {
	key := newSigningKey(t)
	claims := testClaims()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/transactions/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("productId") != claims.ProductID {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(t, w, map[string]string{
			"signedTransaction": signClaims(t, key, claims),
		})
	})

	client := newTestClient(t, mux, key)

	result, err := client.LatestTransaction(context.Background(), claims.ProductID)
	require.NoError(t, err)
	tx, err := result.PayloadValue()
	require.NoError(t, err)
	assert.Equal(t, claims.TransactionID, tx.ID)

	_, err = client.LatestTransaction(context.Background(), "com.example.never.purchased")
	require.ErrorIs(t, err, storefront.ErrNoTransaction)
}

func TestClient_WrongKeyIsUnverified(t *testing.T) {
	key := newSigningKey(t)
	wrongKey := newSigningKey(t)
	claims := testClaims()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/transactions/latest", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{
			"signedTransaction": signClaims(t, wrongKey, claims),
		})
	})

	client := newTestClient(t, mux, key)

	result, err := client.LatestTransaction(context.Background(), claims.ProductID)
	require.NoError(t, err)
	require.False(t, result.IsVerified())

	_, err = result.PayloadValue()
	require.ErrorIs(t, err, storefront.ErrVerificationFailed)

	// The decoded payload survives the failed signature check.
	tx := result.Payload()
	require.NotNil(t, tx)
	assert.Equal(t, claims.TransactionID, tx.ID)
}

func TestClient_Entitlements(t *testing.T) {
	key := newSigningKey(t)
	first := testClaims()
	second := testClaims()
	second.TransactionID = "2000000123456790"
	second.ProductID = "com.example.unlock"

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/entitlements", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"signedTransactions": []string{
				signClaims(t, key, first),
				signClaims(t, key, second),
			},
		})
	})

	client := newTestClient(t, mux, key)

	entitlements, err := client.CurrentEntitlements(context.Background())
	require.NoError(t, err)
	require.Len(t, entitlements, 2)

	tx, err := entitlements[1].PayloadValue()
	require.NoError(t, err)
	assert.Equal(t, second.TransactionID, tx.ID)
}

func TestClient_ServerErrorsSurface(t *testing.T) {
	key := newSigningKey(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	client := newTestClient(t, mux, key)
	ctx := context.Background()

	_, err := client.Products(ctx, []string{"com.example.unlock"})
	require.Error(t, err)

	_, err = client.Purchase(ctx, storefront.Product{ID: "com.example.unlock"})
	require.Error(t, err)

	_, err = client.CurrentEntitlements(ctx)
	require.Error(t, err)

	require.Error(t, client.Finish(ctx, "txn-1"))
}

func TestClient_Finish(t *testing.T) {
	key := newSigningKey(t)

	var finished string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transactions/{id}/finish", func(w http.ResponseWriter, r *http.Request) {
		finished = r.PathValue("id")
	})

	client := newTestClient(t, mux, key)

	require.NoError(t, client.Finish(context.Background(), "2000000123456789"))
	assert.Equal(t, "2000000123456789", finished)
}

func TestClient_TransactionUpdates(t *testing.T) {
	key := newSigningKey(t)
	claims := testClaims()

	var mu sync.Mutex
	delivered := false

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/transactions/updates", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		res := map[string]any{"signedTransactions": []string{}, "cursor": "c1"}
		if !delivered && r.URL.Query().Get("cursor") == "" {
			res["signedTransactions"] = []string{signClaims(t, key, claims)}
			delivered = true
		}
		writeJSON(t, w, res)
	})

	client := newTestClient(t, mux, key)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := client.TransactionUpdates(ctx)
	require.NoError(t, err)

	select {
	case result := <-updates:
		tx, err := result.PayloadValue()
		require.NoError(t, err)
		assert.Equal(t, claims.TransactionID, tx.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for polled update")
	}

	cancel()

	select {
	case _, open := <-updates:
		require.False(t, open, "updates channel closes on cancellation")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for updates channel to close")
	}
}

func TestNewClient_Validation(t *testing.T) {
	key := newSigningKey(t)

	_, err := NewClient(zap.NewNop(), Config{SigningKey: &key.PublicKey})
	require.Error(t, err)

	_, err = NewClient(zap.NewNop(), Config{BaseURL: "https://storefront.example.com"})
	require.Error(t, err)
}
