package appstore

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/code-payments/purchases-go/storefront"
)

// transactionClaims is the JWS payload of a signed transaction. Timestamps
// are millisecond epochs, field names camelCase, matching App Store signed
// transaction payloads.
type transactionClaims struct {
	jwt.RegisteredClaims

	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	Type                  string `json:"type"`
	AppAccountToken       string `json:"appAccountToken,omitempty"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           *int64 `json:"expiresDate,omitempty"`
	RevocationDate        *int64 `json:"revocationDate,omitempty"`
	RevocationReason      *int   `json:"revocationReason,omitempty"`
	IsUpgraded            bool   `json:"isUpgraded,omitempty"`
	OfferType             int    `json:"offerType,omitempty"`
	Quantity              int    `json:"quantity"`
	Environment           string `json:"environment"`
	SignedDate            int64  `json:"signedDate"`
}

func (c *transactionClaims) transaction() *storefront.Transaction {
	// A missing or malformed token decodes to the zero UUID.
	token, _ := uuid.Parse(c.AppAccountToken)

	tx := &storefront.Transaction{
		ID:              c.TransactionID,
		OriginalID:      c.OriginalTransactionID,
		ProductID:       c.ProductID,
		ProductType:     storefront.ProductType(c.Type),
		AppAccountToken: token,
		PurchaseDate:    fromMillis(c.PurchaseDate),
		IsUpgraded:      c.IsUpgraded,
		OfferType:       storefront.OfferType(c.OfferType),
		Quantity:        c.Quantity,
		Environment:     storefront.Environment(c.Environment),
		SignedDate:      fromMillis(c.SignedDate),
	}
	if c.ExpiresDate != nil {
		expires := fromMillis(*c.ExpiresDate)
		tx.ExpiresDate = &expires
	}
	if c.RevocationDate != nil {
		revoked := fromMillis(*c.RevocationDate)
		tx.RevocationDate = &revoked
	}
	if c.RevocationReason != nil {
		reason := storefront.RevocationReason(*c.RevocationReason)
		tx.RevocationReason = &reason
	}
	return tx
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
