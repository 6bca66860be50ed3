package storefront

import (
	"time"

	"github.com/google/uuid"
)

// OfferType follows App Store signed transaction numbering.
type OfferType int

const (
	OfferTypeNone         OfferType = 0
	OfferTypeIntroductory OfferType = 1
	OfferTypePromotional  OfferType = 2
	OfferTypeOfferCode    OfferType = 3
)

// RevocationReason follows App Store signed transaction numbering.
type RevocationReason int

const (
	RevocationReasonOther    RevocationReason = 0
	RevocationReasonAppIssue RevocationReason = 1
)

type Environment string

const (
	EnvironmentProduction Environment = "Production"
	EnvironmentSandbox    Environment = "Sandbox"
)

// Transaction is the decoded payload of a signed storefront transaction. The
// storefront owns the record; this system only reads it and acknowledges it
// with Client.Finish once processed. JSON field names follow the storefront's
// signed transaction payloads.
type Transaction struct {
	ID               string            `json:"transactionId"`
	OriginalID       string            `json:"originalTransactionId"`
	ProductID        string            `json:"productId"`
	ProductType      ProductType       `json:"type"`
	AppAccountToken  uuid.UUID         `json:"appAccountToken"`
	PurchaseDate     time.Time         `json:"purchaseDate"`
	ExpiresDate      *time.Time        `json:"expiresDate,omitempty"`
	RevocationDate   *time.Time        `json:"revocationDate,omitempty"`
	RevocationReason *RevocationReason `json:"revocationReason,omitempty"`
	IsUpgraded       bool              `json:"isUpgraded,omitempty"`
	OfferType        OfferType         `json:"offerType,omitempty"`
	Quantity         int               `json:"quantity"`
	Environment      Environment       `json:"environment"`
	SignedDate       time.Time         `json:"signedDate"`
}

// Revoked reports whether the storefront has invalidated this transaction's
// entitlement (e.g. a refund).
func (t *Transaction) Revoked() bool {
	return t.RevocationDate != nil
}

func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}

	cloned := *t
	cloned.ExpiresDate = cloneTime(t.ExpiresDate)
	cloned.RevocationDate = cloneTime(t.RevocationDate)
	if t.RevocationReason != nil {
		reason := *t.RevocationReason
		cloned.RevocationReason = &reason
	}
	return &cloned
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}
