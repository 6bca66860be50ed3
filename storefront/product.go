package storefront

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ProductType mirrors the storefront's transaction payload type strings.
type ProductType string

const (
	ProductTypeConsumable                ProductType = "Consumable"
	ProductTypeNonConsumable             ProductType = "Non-Consumable"
	ProductTypeNonRenewingSubscription   ProductType = "Non-Renewing Subscription"
	ProductTypeAutoRenewableSubscription ProductType = "Auto-Renewable Subscription"
)

func (t ProductType) IsAutoRenewable() bool {
	return t == ProductTypeAutoRenewableSubscription
}

// Product is this system's view of a storefront catalog entry. The storefront
// owns the catalog; instances held here are cached, non-authoritative copies.
type Product struct {
	ID          string          `json:"id"`
	Type        ProductType     `json:"type"`
	DisplayName string          `json:"displayName"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
}

func (p Product) IsAutoRenewable() bool {
	return p.Type.IsAutoRenewable()
}

// DisplayPrice renders the price with its currency symbol, falling back to
// "<price> <code>" when the ISO currency code does not parse.
func (p Product) DisplayPrice() string {
	unit, err := currency.ParseISO(p.Currency)
	if err != nil {
		return p.Price.String() + " " + p.Currency
	}

	amount, _ := p.Price.Float64()
	return message.NewPrinter(language.English).Sprintf("%v", currency.NarrowSymbol(unit.Amount(amount)))
}
