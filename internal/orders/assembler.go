package orders

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
	"github.com/imrishuroy/go-grocery-orderflow/internal/catalog"
	"github.com/imrishuroy/go-grocery-orderflow/internal/events"
	"github.com/imrishuroy/go-grocery-orderflow/internal/pricing"
)

type LineInput struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderInput struct {
	Lines           []LineInput
	LocationKey     string
	DeliveryAddress string
	Notes           string
}

// CreateOrder validates the requested lines against the catalog, prices them
// at the buyer's location and stores a pending order. Stock for every line is
// reserved in the same unit as the insert: either all lines are reserved and
// the order exists, or nothing changed.
func (s *Service) CreateOrder(ctx context.Context, actor auth.Actor, in CreateOrderInput) (*Order, error) {
	if !actor.Is(auth.RoleBuyer) {
		return nil, ErrForbidden
	}
	lines, err := mergeLines(in.Lines)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	found, err := s.products.GetProductsBulk(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	byID := make(map[string]int, len(found))
	for i, p := range found {
		byID[p.ID] = i
	}

	items := make([]Item, 0, len(lines))
	subtotal := decimal.Zero
	for _, l := range lines {
		i, ok := byID[l.ProductID]
		if !ok || !found[i].IsActive {
			return nil, &ProductNotFoundError{ProductID: l.ProductID}
		}
		p := found[i]
		if p.Stock < l.Quantity {
			return nil, &InsufficientStockError{ProductID: p.ID, Available: p.Stock, Requested: l.Quantity}
		}
		unit, err := s.resolver.Price(p, in.LocationKey)
		if err != nil {
			return nil, &PriceUnavailableError{ProductID: p.ID, LocationKey: in.LocationKey}
		}
		line := pricing.LineTotal(unit, l.Quantity)
		items = append(items, Item{
			ProductID:           p.ID,
			Quantity:            l.Quantity,
			UnitPriceAtPurchase: unit,
			LineTotal:           line,
		})
		subtotal = subtotal.Add(line)
	}

	q := s.policy.Quote(subtotal)
	now := s.now()
	eta := now.Add(s.leadTime)
	o := &Order{
		ID:                    uuid.NewString(),
		BuyerID:               actor.ID,
		Items:                 items,
		Subtotal:              q.Subtotal,
		Tax:                   q.Tax,
		DeliveryFee:           q.DeliveryFee,
		Total:                 q.Total,
		Status:                StatusPending,
		LocationKey:           in.LocationKey,
		DeliveryAddress:       in.DeliveryAddress,
		EstimatedDeliveryDate: &eta,
		Notes:                 in.Notes,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	// The pre-check above reads a snapshot; Insert re-checks stock under the
	// store's own guard and reports the same error kinds.
	if err := s.repo.Insert(ctx, o); err != nil {
		return nil, err
	}

	s.Logger(ctx).InfoContext(ctx, "order created",
		"order_id", o.ID, "buyer_id", o.BuyerID, "items", len(o.Items), "total", o.Total.String())
	s.Emit(ctx, EventFor(events.TypeOrderCreated, *o, now))
	return o, nil
}

// mergeLines rejects empty input and quantities outside 1..MaxQuantity and
// folds repeated products into one line, keeping first-seen order.
func mergeLines(in []LineInput) ([]LineInput, error) {
	if len(in) == 0 {
		return nil, ErrEmptyCart
	}
	out := make([]LineInput, 0, len(in))
	pos := make(map[string]int, len(in))
	for _, l := range in {
		if l.ProductID == "" {
			return nil, &ProductNotFoundError{ProductID: l.ProductID}
		}
		if l.Quantity < 1 {
			return nil, fmt.Errorf("%w: product %s quantity %d", ErrInvalidQuantity, l.ProductID, l.Quantity)
		}
		if l.Quantity > catalog.MaxQuantity {
			return nil, fmt.Errorf("%w: product %s quantity %d exceeds %d", ErrInvalidQuantity, l.ProductID, l.Quantity, catalog.MaxQuantity)
		}
		if i, ok := pos[l.ProductID]; ok {
			if l.Quantity > catalog.MaxQuantity-out[i].Quantity {
				return nil, fmt.Errorf("%w: product %s merged quantity exceeds %d", ErrInvalidQuantity, l.ProductID, catalog.MaxQuantity)
			}
			out[i].Quantity += l.Quantity
			continue
		}
		pos[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out, nil
}
