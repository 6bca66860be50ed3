package storefront

import "fmt"

// PurchaseOutcome is the storefront's disposition of a purchase attempt. Any
// outcome the adapter does not recognize maps to PurchaseOutcomeUnknown.
type PurchaseOutcome uint8

const (
	PurchaseOutcomeUnknown PurchaseOutcome = iota
	PurchaseOutcomeSuccess
	PurchaseOutcomeUserCancelled
	PurchaseOutcomePending
)

func (o PurchaseOutcome) String() string {
	switch o {
	case PurchaseOutcomeSuccess:
		return "success"
	case PurchaseOutcomeUserCancelled:
		return "user_cancelled"
	case PurchaseOutcomePending:
		return "pending"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// PurchaseResult is the outcome of driving the storefront payment flow.
// Transaction is populated only on PurchaseOutcomeSuccess.
type PurchaseResult struct {
	Outcome     PurchaseOutcome
	Transaction VerificationResult[*Transaction]
}
