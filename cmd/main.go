package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	ledgermemory "github.com/code-payments/purchases-go/ledger/memory"
	"github.com/code-payments/purchases-go/purchases"
	"github.com/code-payments/purchases-go/storefront"
	"github.com/code-payments/purchases-go/storefront/appstore"
	"github.com/code-payments/purchases-go/storefront/cache"
	"github.com/code-payments/purchases-go/storefront/memory"
)

// Smoke client: wires a storefront, the purchase manager, and the update
// feed, then runs a purchase end to end. Uses the in-memory storefront
// unless STOREFRONT_URL points at a real service.
func main() {
	_ = godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer func() { _ = logger.Sync() }()

	client, simulated, err := buildStorefront(logger)
	if err != nil {
		log.Fatal("Failed to build storefront client:", err)
	}

	ctx := context.Background()
	manager, err := purchases.NewManager(ctx, logger, cache.NewProductCache(client, 5*time.Minute),
		purchases.WithLedger(ledgermemory.NewInMemory()),
	)
	if err != nil {
		log.Fatal("Failed to create manager:", err)
	}
	defer manager.Close()

	updates := manager.Updates()
	go func() {
		for update := range updates {
			fmt.Printf("update: %s %s\n", update.Kind, update.ProductID)
		}
	}()

	products, err := manager.RequestProducts(ctx, "com.example.pro.monthly", "com.example.unlock")
	if err != nil {
		log.Fatal("Failed to request products:", err)
	}
	for _, product := range products {
		fmt.Printf("product: %s (%s) %s\n", product.ID, product.Type, product.DisplayPrice())
	}

	tx, err := manager.Purchase(ctx, "com.example.pro.monthly")
	if err != nil {
		log.Fatal("Failed to purchase:", err)
	}
	fmt.Println("purchased transaction:", tx.ID)

	if simulated != nil {
		// Exercise the background listener with an out-of-band purchase.
		if _, err := simulated.DeliverExternalPurchase("com.example.unlock"); err != nil {
			log.Fatal("Failed to deliver external purchase:", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := manager.RestorePurchases(ctx); err != nil {
		log.Fatal("Failed to restore purchases:", err)
	}

	fmt.Println("purchased products:", manager.PurchasedProductIDs())
	if subscription, ok := manager.CurrentSubscription(); ok {
		fmt.Println("current subscription:", subscription.ID)
	}
	if tx := manager.CurrentSubscriptionTransaction(ctx); tx != nil {
		fmt.Println("current subscription transaction:", tx.ID)
	}
}

func buildStorefront(logger *zap.Logger) (storefront.Client, *memory.Client, error) {
	baseURL := os.Getenv("STOREFRONT_URL")
	if baseURL == "" {
		client, err := memory.NewClient(
			storefront.Product{
				ID:          "com.example.pro.monthly",
				Type:        storefront.ProductTypeAutoRenewableSubscription,
				DisplayName: "Pro Monthly",
				Price:       decimal.RequireFromString("9.99"),
				Currency:    "USD",
			},
			storefront.Product{
				ID:          "com.example.unlock",
				Type:        storefront.ProductTypeNonConsumable,
				DisplayName: "Full Unlock",
				Price:       decimal.RequireFromString("29.99"),
				Currency:    "USD",
			},
		)
		return client, client, err
	}

	signingKey, err := appstore.ParseSigningKeyPEM(os.Getenv("STOREFRONT_SIGNING_KEY_PEM"))
	if err != nil {
		return nil, nil, err
	}

	client, err := appstore.NewClient(logger, appstore.Config{
		BaseURL:    baseURL,
		APIToken:   os.Getenv("STOREFRONT_API_TOKEN"),
		SigningKey: signingKey,
	})
	return client, nil, err
}
