// Package cart keeps a buyer's cart skeleton (product id and quantity only)
// and reconciles it against live catalog data on demand.
//
// A Store never prices anything from persisted data: Hydrate must be called
// before Items or Total, and stock ceilings applied here are advisory only.
package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-grocery-orderflow/internal/catalog"
	"github.com/imrishuroy/go-grocery-orderflow/internal/pricing"
)

var (
	// ErrNotHydrated means a line has no product snapshot yet.
	ErrNotHydrated = errors.New("cart not hydrated")
	// ErrOutOfStock is advisory: the last hydrated snapshot had no stock.
	ErrOutOfStock = errors.New("product out of stock")
	// ErrQuantityTooLarge means a line would exceed catalog.MaxQuantity.
	ErrQuantityTooLarge = errors.New("cart line quantity too large")
)

// Line is a skeleton entry.
type Line struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Item is a hydrated line priced at the hydration location.
type Item struct {
	Product        catalog.Product `json:"product"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	LineTotal      decimal.Decimal `json:"lineTotal"`
	PriceAvailable bool            `json:"priceAvailable"`
}

// Change reports the outcome of a mutation.
type Change struct {
	Line    Line `json:"line"`
	Clamped bool `json:"clamped"`
	Removed bool `json:"removed"`
}

// Persister stores the skeleton.
type Persister interface {
	Load(ctx context.Context) ([]Line, error)
	Save(ctx context.Context, lines []Line) error
	Clear(ctx context.Context) error
}

// ProductSource fetches many products in one call; missing ids are omitted.
type ProductSource interface {
	GetProductsBulk(ctx context.Context, ids []string) ([]catalog.Product, error)
}

// Store is the working cart.
type Store struct {
	persister Persister
	source    ProductSource
	resolver  pricing.Resolver

	mu       sync.Mutex
	lines    []Line
	rev      uint64 // bumped on every local mutation
	products map[string]catalog.Product
	location string
	started  uint64 // last hydrate generation started
	applied  uint64 // generation the current snapshot came from
}

// Open loads the persisted skeleton. It does not hydrate.
func Open(ctx context.Context, p Persister, src ProductSource) (*Store, error) {
	lines, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	return &Store{
		persister: p,
		source:    src,
		lines:     normalize(lines),
		products:  map[string]catalog.Product{},
	}, nil
}

// Lines returns a copy of the skeleton.
func (s *Store) Lines() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Line(nil), s.lines...)
}

// ItemCount is the sum of quantities.
func (s *Store) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.lines {
		n += l.Quantity
	}
	return n
}

// AddLine adds qty units of productID, summing with an existing line.
// A qty below 1 adds a single unit.
func (s *Store) AddLine(ctx context.Context, productID string, qty int) (Change, error) {
	if productID == "" {
		return Change{}, fmt.Errorf("add line: empty product id")
	}
	if qty < 1 {
		qty = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := 0
	if i := s.indexOf(productID); i >= 0 {
		current = s.lines[i].Quantity
	}
	if qty > catalog.MaxQuantity-current {
		return Change{}, fmt.Errorf("%w: %s", ErrQuantityTooLarge, productID)
	}
	return s.setLocked(ctx, productID, current+qty)
}

// UpdateQuantity sets the quantity of productID; qty <= 0 removes the line.
func (s *Store) UpdateQuantity(ctx context.Context, productID string, qty int) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty <= 0 {
		if err := s.removeLocked(ctx, productID); err != nil {
			return Change{}, err
		}
		return Change{Line: Line{ProductID: productID}, Removed: true}, nil
	}
	if qty > catalog.MaxQuantity {
		return Change{}, fmt.Errorf("%w: %s", ErrQuantityTooLarge, productID)
	}
	return s.setLocked(ctx, productID, qty)
}

// RemoveLine drops productID; a missing line is a no-op.
func (s *Store) RemoveLine(ctx context.Context, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, productID)
}

// Clear empties the cart, e.g. after checkout.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persister.Clear(ctx); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	s.lines = nil
	s.products = map[string]catalog.Product{}
	s.rev++
	return nil
}

// Hydrate re-reads the skeleton, fetches every referenced product in one
// batch, drops lines whose product is gone or inactive and publishes the
// merged view. When calls overlap, the most recently started one wins.
func (s *Store) Hydrate(ctx context.Context, locationKey string) ([]Item, error) {
	s.mu.Lock()
	s.started++
	gen := s.started
	revAtStart := s.rev
	s.mu.Unlock()

	loaded, err := s.persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	loaded = normalize(loaded)

	ids := make([]string, 0, len(loaded))
	for _, l := range loaded {
		ids = append(ids, l.ProductID)
	}
	var products []catalog.Product
	if len(ids) > 0 {
		products, err = s.source.GetProductsBulk(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("fetch cart products: %w", err)
		}
	}
	fetched := catalog.Index(products)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen < s.applied {
		// a newer hydration already published its view
		return s.itemsLocked(), nil
	}

	base := loaded
	if s.rev != revAtStart {
		base = s.lines
	}
	asked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		asked[id] = struct{}{}
	}

	kept := make([]Line, 0, len(base))
	snapshot := make(map[string]catalog.Product, len(base))
	for _, l := range base {
		if _, wasAsked := asked[l.ProductID]; !wasAsked {
			// added locally while the fetch was in flight
			kept = append(kept, l)
			continue
		}
		p, ok := fetched[l.ProductID]
		if !ok || !p.IsActive {
			continue
		}
		kept = append(kept, l)
		snapshot[l.ProductID] = p
	}

	if len(kept) != len(base) {
		if err := s.persister.Save(ctx, kept); err != nil {
			return nil, fmt.Errorf("save pruned cart: %w", err)
		}
	}
	s.lines = kept
	s.products = snapshot
	s.location = locationKey
	s.applied = gen
	return s.itemsLocked(), nil
}

// Items returns the hydrated view; lines without a snapshot are omitted.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsLocked()
}

// Total is Σ quantity × price at locationKey. A missing location price
// contributes 0; an empty cart totals 0.
func (s *Store) Total(locationKey string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hydratedLocked() {
		return decimal.Zero, ErrNotHydrated
	}
	total := decimal.Zero
	for _, l := range s.lines {
		unit := s.resolver.PriceOrZero(s.products[l.ProductID], locationKey)
		total = total.Add(pricing.LineTotal(unit, l.Quantity))
	}
	return total, nil
}

func (s *Store) setLocked(ctx context.Context, productID string, qty int) (Change, error) {
	change := Change{Line: Line{ProductID: productID, Quantity: qty}}
	if p, ok := s.products[productID]; ok && qty > p.Stock {
		if p.Stock <= 0 {
			return Change{}, ErrOutOfStock
		}
		change.Line.Quantity = p.Stock
		change.Clamped = true
	}

	next := append([]Line(nil), s.lines...)
	if i := s.indexOf(productID); i >= 0 {
		next[i].Quantity = change.Line.Quantity
	} else {
		next = append(next, change.Line)
	}
	if err := s.persister.Save(ctx, next); err != nil {
		return Change{}, fmt.Errorf("save cart: %w", err)
	}
	s.lines = next
	s.rev++
	return change, nil
}

func (s *Store) removeLocked(ctx context.Context, productID string) error {
	i := s.indexOf(productID)
	if i < 0 {
		return nil
	}
	next := make([]Line, 0, len(s.lines)-1)
	next = append(next, s.lines[:i]...)
	next = append(next, s.lines[i+1:]...)
	if err := s.persister.Save(ctx, next); err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	s.lines = next
	delete(s.products, productID)
	s.rev++
	return nil
}

func (s *Store) indexOf(productID string) int {
	for i, l := range s.lines {
		if l.ProductID == productID {
			return i
		}
	}
	return -1
}

func (s *Store) hydratedLocked() bool {
	for _, l := range s.lines {
		if _, ok := s.products[l.ProductID]; !ok {
			return false
		}
	}
	return true
}

func (s *Store) itemsLocked() []Item {
	items := make([]Item, 0, len(s.lines))
	for _, l := range s.lines {
		p, ok := s.products[l.ProductID]
		if !ok {
			continue
		}
		unit, err := s.resolver.Price(p, s.location)
		items = append(items, Item{
			Product:        p,
			Quantity:       l.Quantity,
			UnitPrice:      unit,
			LineTotal:      pricing.LineTotal(unit, l.Quantity),
			PriceAvailable: err == nil,
		})
	}
	return items
}

// normalize drops invalid lines, merges repeated product ids and caps each
// line at catalog.MaxQuantity, so a hand-edited skeleton cannot break the
// unique-line invariant.
func normalize(lines []Line) []Line {
	out := make([]Line, 0, len(lines))
	pos := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.ProductID == "" || l.Quantity < 1 {
			continue
		}
		l.Quantity = min(l.Quantity, catalog.MaxQuantity)
		if i, ok := pos[l.ProductID]; ok {
			out[i].Quantity = min(out[i].Quantity+l.Quantity, catalog.MaxQuantity)
			continue
		}
		pos[l.ProductID] = len(out)
		out = append(out, l)
	}
	return out
}
