package purchases

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/code-payments/purchases-go/storefront"
)

// ErrProductUnavailable indicates a purchase was requested for an identifier
// absent from the cached catalog. Call RequestProducts first.
var ErrProductUnavailable = errors.New("product not available for purchase")

// PurchaseError reports a purchase flow that ended without a transaction:
// the user cancelled, the purchase is pending approval, or the storefront
// returned an outcome this library does not recognize.
type PurchaseError struct {
	Outcome storefront.PurchaseOutcome
}

func (e *PurchaseError) Error() string {
	return fmt.Sprintf("purchase did not succeed: %s", e.Outcome)
}
