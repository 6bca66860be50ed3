package appstore

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/code-payments/purchases-go/storefront"
)

const (
	defaultTimeout           = 30 * time.Second
	defaultRequestsPerSecond = 10
	defaultPollInterval      = 2 * time.Second
	defaultUpdateBufferSize  = 64
)

type Config struct {
	// BaseURL of the storefront service, e.g. https://storefront.example.com.
	BaseURL string

	// APIToken is sent as a bearer token on every request, when set.
	APIToken string

	// SigningKey verifies the ES256 signature on signed transactions.
	SigningKey *ecdsa.PublicKey

	Timeout           time.Duration
	RequestsPerSecond float64
	PollInterval      time.Duration
	UpdateBufferSize  int
}

// Client speaks to a storefront service over HTTP. Transactions arrive as
// compact JWS (ES256) with millisecond-epoch timestamps; the payload is
// decoded before signature verification so an unverified result still
// carries it.
type Client struct {
	log        *zap.Logger
	http       *resty.Client
	limiter    *rate.Limiter
	signingKey *ecdsa.PublicKey

	pollInterval time.Duration
	bufferSize   int
}

func NewClient(log *zap.Logger, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if cfg.SigningKey == nil {
		return nil, errors.New("signing key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	bufferSize := cfg.UpdateBufferSize
	if bufferSize <= 0 {
		bufferSize = defaultUpdateBufferSize
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout)
	if cfg.APIToken != "" {
		httpClient.SetAuthToken(cfg.APIToken)
	}

	return &Client{
		log:          log,
		http:         httpClient,
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
		signingKey:   cfg.SigningKey,
		pollInterval: pollInterval,
		bufferSize:   bufferSize,
	}, nil
}

type productsResponse struct {
	Products []storefront.Product `json:"products"`
}

type purchaseResponse struct {
	Outcome           string `json:"outcome"`
	SignedTransaction string `json:"signedTransaction,omitempty"`
}

type transactionResponse struct {
	SignedTransaction string `json:"signedTransaction"`
}

type entitlementsResponse struct {
	SignedTransactions []string `json:"signedTransactions"`
}

type updatesResponse struct {
	SignedTransactions []string `json:"signedTransactions"`
	Cursor             string   `json:"cursor"`
}

func (c *Client) Products(ctx context.Context, ids []string) ([]storefront.Product, error) {
	var res productsResponse
	resp, err := c.request(ctx).
		SetQueryParamsFromValues(map[string][]string{"id": ids}).
		SetResult(&res).
		Get("/v1/products")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, errors.Errorf("product lookup failed: %s", resp.Status())
	}

	return res.Products, nil
}

func (c *Client) Purchase(ctx context.Context, product storefront.Product) (*storefront.PurchaseResult, error) {
	var res purchaseResponse
	resp, err := c.request(ctx).
		SetBody(map[string]string{"productId": product.ID}).
		SetResult(&res).
		Post("/v1/purchases")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, errors.Errorf("purchase failed: %s", resp.Status())
	}

	result := &storefront.PurchaseResult{Outcome: parseOutcome(res.Outcome)}
	if result.Outcome == storefront.PurchaseOutcomeSuccess {
		result.Transaction = c.decodeSigned(res.SignedTransaction)
	}
	return result, nil
}

func (c *Client) LatestTransaction(ctx context.Context, productID string) (storefront.VerificationResult[*storefront.Transaction], error) {
	var zero storefront.VerificationResult[*storefront.Transaction]

	var res transactionResponse
	resp, err := c.request(ctx).
		SetQueryParam("productId", productID).
		SetResult(&res).
		Get("/v1/transactions/latest")
	if err != nil {
		return zero, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return zero, storefront.ErrNoTransaction
	}
	if resp.IsError() {
		return zero, errors.Errorf("transaction lookup failed: %s", resp.Status())
	}

	return c.decodeSigned(res.SignedTransaction), nil
}

func (c *Client) CurrentEntitlements(ctx context.Context) ([]storefront.VerificationResult[*storefront.Transaction], error) {
	var res entitlementsResponse
	resp, err := c.request(ctx).
		SetResult(&res).
		Get("/v1/entitlements")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, errors.Errorf("entitlement lookup failed: %s", resp.Status())
	}

	entitlements := make([]storefront.VerificationResult[*storefront.Transaction], 0, len(res.SignedTransactions))
	for _, signed := range res.SignedTransactions {
		entitlements = append(entitlements, c.decodeSigned(signed))
	}
	return entitlements, nil
}

func (c *Client) TransactionUpdates(ctx context.Context) (<-chan storefront.VerificationResult[*storefront.Transaction], error) {
	ch := make(chan storefront.VerificationResult[*storefront.Transaction], c.bufferSize)
	go c.pollUpdates(ctx, ch)
	return ch, nil
}

func (c *Client) Finish(ctx context.Context, transactionID string) error {
	resp, err := c.request(ctx).
		SetPathParam("id", transactionID).
		Post("/v1/transactions/{id}/finish")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return errors.Errorf("finish failed: %s", resp.Status())
	}
	return nil
}

// pollUpdates bridges the service's cursor-paged update feed onto a channel.
// Poll failures are logged and retried on the next tick; the loop ends only
// with the context.
func (c *Client) pollUpdates(ctx context.Context, ch chan<- storefront.VerificationResult[*storefront.Transaction]) {
	defer close(ch)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var cursor string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var res updatesResponse
		resp, err := c.request(ctx).
			SetQueryParam("cursor", cursor).
			SetResult(&res).
			Get("/v1/transactions/updates")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("Failed to poll transaction updates", zap.Error(err))
			continue
		}
		if resp.IsError() {
			c.log.Warn("Transaction update poll rejected", zap.String("status", resp.Status()))
			continue
		}

		cursor = res.Cursor
		for _, signed := range res.SignedTransactions {
			select {
			case ch <- c.decodeSigned(signed):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	// The limiter error is context cancellation, which the request itself
	// will also observe.
	_ = c.limiter.Wait(ctx)
	return c.http.R().SetContext(ctx)
}

func parseOutcome(outcome string) storefront.PurchaseOutcome {
	switch outcome {
	case "success":
		return storefront.PurchaseOutcomeSuccess
	case "user_cancelled":
		return storefront.PurchaseOutcomeUserCancelled
	case "pending":
		return storefront.PurchaseOutcomePending
	default:
		return storefront.PurchaseOutcomeUnknown
	}
}

// decodeSigned decodes a compact JWS transaction. The payload is parsed
// before the signature is checked so callers always have it, tagged
// verified or unverified by the ES256 check against the configured key.
func (c *Client) decodeSigned(signed string) storefront.VerificationResult[*storefront.Transaction] {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	var claims transactionClaims
	if _, _, err := parser.ParseUnverified(signed, &claims); err != nil {
		return storefront.Unverified[*storefront.Transaction](nil, errors.Wrap(err, "decoding signed transaction"))
	}
	tx := claims.transaction()

	_, err := parser.ParseWithClaims(signed, &transactionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.signingKey, nil
	})
	if err != nil {
		return storefront.Unverified(tx, err)
	}

	return storefront.Verified(tx)
}
