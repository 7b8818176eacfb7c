package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog's view of a sellable item. Stock is only mutated by
// order creation (decrement) and order cancellation (restore).
type Product struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Unit      string                     `json:"unit"`
	Stock     int                        `json:"stock"`
	Price     map[string]decimal.Decimal `json:"price"`
	IsActive  bool                       `json:"isActive"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

// MaxQuantity bounds the units of one product in a single cart line or order
// line. Sums of repeated lines are checked against it too, so quantity
// arithmetic can never overflow.
const MaxQuantity = 10000

var (
	ErrNotFound          = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

// Reader is the read side of the catalog consumed by carts and orders.
type Reader interface {
	// GetProduct returns (nil, nil) when the product does not exist.
	GetProduct(ctx context.Context, id string) (*Product, error)
	// GetProductsBulk returns the products that exist, in the order of ids.
	GetProductsBulk(ctx context.Context, ids []string) ([]Product, error)
}

// Index maps products by id.
func Index(products []Product) map[string]Product {
	out := make(map[string]Product, len(products))
	for _, p := range products {
		out[p.ID] = p
	}
	return out
}

// UniqueIDs drops empty and repeated ids, keeping first-seen order.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
