// Package pricing resolves per-location unit prices and quotes checkout
// tax and delivery fees.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-grocery-orderflow/internal/catalog"
)

// ErrPriceUnavailable is returned when a product has no price for a location.
var ErrPriceUnavailable = errors.New("price unavailable for location")

// Resolver picks the unit price for a location from a product's price map.
type Resolver struct{}

// Price returns the unit price of p at locationKey.
func (Resolver) Price(p catalog.Product, locationKey string) (decimal.Decimal, error) {
	v, ok := p.Price[locationKey]
	if !ok {
		return decimal.Zero, ErrPriceUnavailable
	}
	return v, nil
}

// PriceOrZero is the cart display variant: a missing price counts as 0.
func (r Resolver) PriceOrZero(p catalog.Product, locationKey string) decimal.Decimal {
	v, err := r.Price(p, locationKey)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// Policy holds the checkout charges applied on top of the item subtotal.
type Policy struct {
	TaxRate               decimal.Decimal
	FreeDeliveryThreshold decimal.Decimal
	FlatDeliveryFee       decimal.Decimal
}

// Quote is the monetary breakdown of an order.
type Quote struct {
	Subtotal    decimal.Decimal
	Tax         decimal.Decimal
	DeliveryFee decimal.Decimal
	Total       decimal.Decimal
}

// DefaultPolicy is no tax, free delivery above 1000, otherwise a flat 50.
func DefaultPolicy() Policy {
	return Policy{
		TaxRate:               decimal.Zero,
		FreeDeliveryThreshold: decimal.NewFromInt(1000),
		FlatDeliveryFee:       decimal.NewFromInt(50),
	}
}

// Quote computes tax and delivery fee for subtotal. Delivery is free only
// when the subtotal strictly exceeds the threshold.
func (p Policy) Quote(subtotal decimal.Decimal) Quote {
	tax := subtotal.Mul(p.TaxRate).Round(2)
	fee := p.FlatDeliveryFee
	if subtotal.GreaterThan(p.FreeDeliveryThreshold) {
		fee = decimal.Zero
	}
	return Quote{
		Subtotal:    subtotal,
		Tax:         tax,
		DeliveryFee: fee,
		Total:       subtotal.Add(tax).Add(fee),
	}
}

// LineTotal is unitPrice × quantity.
func LineTotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}
