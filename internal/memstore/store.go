// Package memstore is an in-memory backend for the catalog, order and agent
// ports. Every operation runs under one mutex, which makes multi-item writes
// all-or-nothing the same way a DynamoDB transaction does.
package memstore

import (
	"cmp"
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-grocery-orderflow/internal/catalog"
	"github.com/imrishuroy/go-grocery-orderflow/internal/delivery"
	"github.com/imrishuroy/go-grocery-orderflow/internal/orders"
)

type Store struct {
	mu          sync.Mutex
	products    map[string]catalog.Product
	orders      map[string]orders.Order
	assignments map[string]map[string]orders.Assignment // agent -> order -> record
	profiles    map[string]delivery.Profile
	nowFunc     func() time.Time
}

func New() *Store {
	return &Store{
		products:    map[string]catalog.Product{},
		orders:      map[string]orders.Order{},
		assignments: map[string]map[string]orders.Assignment{},
		profiles:    map[string]delivery.Profile{},
		nowFunc:     time.Now,
	}
}

var (
	_ catalog.Reader        = (*Store)(nil)
	_ orders.Repository     = (*Store)(nil)
	_ delivery.ProfileStore = (*Store)(nil)
)

// catalog

func (s *Store) PutProduct(_ context.Context, p catalog.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.nowFunc().UTC()
	}
	s.products[p.ID] = cloneProduct(p)
	return nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	c := cloneProduct(p)
	return &c, nil
}

func (s *Store) GetProductsBulk(_ context.Context, ids []string) ([]catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Product, 0, len(ids))
	for _, id := range catalog.UniqueIDs(ids) {
		if p, ok := s.products[id]; ok {
			out = append(out, cloneProduct(p))
		}
	}
	return out, nil
}

func (s *Store) DecrementStock(_ context.Context, id string, qty int) error {
	if qty <= 0 {
		return catalog.ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok || !p.IsActive || p.Stock < qty {
		return catalog.ErrInsufficientStock
	}
	p.Stock -= qty
	p.UpdatedAt = s.nowFunc().UTC()
	s.products[id] = p
	return nil
}

func (s *Store) RestoreStock(_ context.Context, id string, qty int) error {
	if qty <= 0 {
		return catalog.ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return catalog.ErrNotFound
	}
	p.Stock += qty
	p.UpdatedAt = s.nowFunc().UTC()
	s.products[id] = p
	return nil
}

func cloneProduct(p catalog.Product) catalog.Product {
	prices := make(map[string]decimal.Decimal, len(p.Price))
	for k, v := range p.Price {
		prices[k] = v
	}
	p.Price = prices
	return p
}

// orders

// Insert checks every item first and only then decrements, so a failing item
// leaves all stock untouched.
func (s *Store) Insert(_ context.Context, o *orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("insert order %s: order id already used: %w", o.ID, orders.ErrConcurrentModification)
	}

	want := map[string]int{}
	for _, it := range o.Items {
		want[it.ProductID] += it.Quantity
	}
	for _, it := range o.Items {
		p, ok := s.products[it.ProductID]
		if !ok || !p.IsActive {
			return &orders.ProductNotFoundError{ProductID: it.ProductID}
		}
		if p.Stock < want[it.ProductID] {
			return &orders.InsufficientStockError{ProductID: it.ProductID, Available: p.Stock, Requested: want[it.ProductID]}
		}
	}

	now := s.nowFunc().UTC()
	for id, qty := range want {
		p := s.products[id]
		p.Stock -= qty
		p.UpdatedAt = now
		s.products[id] = p
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	c := o.Clone()
	return &c, nil
}

// Save checks the version and every effect precondition before writing
// anything.
func (s *Store) Save(_ context.Context, o *orders.Order, expectedVersion int, fx orders.Effects) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conflict := func(why string) error {
		return fmt.Errorf("save order %s at version %d: %s: %w", o.ID, expectedVersion, why, orders.ErrConcurrentModification)
	}

	cur, ok := s.orders[o.ID]
	if !ok || cur.Version != expectedVersion {
		return conflict("version changed")
	}
	for _, adj := range fx.Restock {
		if _, ok := s.products[adj.ProductID]; !ok {
			return conflict("product " + adj.ProductID + " removed")
		}
	}
	if ch := fx.Assignment; ch != nil {
		existing, has := s.assignments[ch.AgentID][o.ID]
		switch ch.Op {
		case orders.AssignmentAccept:
			if has {
				return conflict("assignment exists")
			}
		default:
			if !has || existing.Status != orders.AssignmentAccepted {
				return conflict("assignment not accepted")
			}
		}
	}

	now := s.nowFunc().UTC()
	for _, adj := range fx.Restock {
		p := s.products[adj.ProductID]
		p.Stock += adj.Quantity
		p.UpdatedAt = now
		s.products[adj.ProductID] = p
	}
	if ch := fx.Assignment; ch != nil {
		byOrder := s.assignments[ch.AgentID]
		if byOrder == nil {
			byOrder = map[string]orders.Assignment{}
			s.assignments[ch.AgentID] = byOrder
		}
		switch ch.Op {
		case orders.AssignmentAccept:
			byOrder[o.ID] = orders.Assignment{AgentID: ch.AgentID, OrderID: o.ID, Status: orders.AssignmentAccepted, AcceptedAt: ch.At}
		case orders.AssignmentDeliver:
			a := byOrder[o.ID]
			at := ch.At
			a.Status = orders.AssignmentDelivered
			a.DeliveredAt = &at
			byOrder[o.ID] = a
		case orders.AssignmentRelease:
			delete(byOrder, o.ID)
		}
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *Store) ListByBuyer(_ context.Context, buyerID string) ([]orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(o orders.Order) bool { return o.BuyerID == buyerID }, newestFirst), nil
}

// List pages newest first. The cursor is the offset of the next page.
func (s *Store) List(_ context.Context, q orders.ListQuery) (orders.Page, error) {
	offset := 0
	if q.Cursor != "" {
		raw, err := base64.RawURLEncoding.DecodeString(q.Cursor)
		if err != nil {
			return orders.Page{}, orders.ErrInvalidCursor
		}
		if offset, err = strconv.Atoi(string(raw)); err != nil || offset < 0 {
			return orders.Page{}, orders.ErrInvalidCursor
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = orders.DefaultPageSize
	}

	s.mu.Lock()
	all := s.collect(func(o orders.Order) bool { return q.Status == "" || o.Status == q.Status }, newestFirst)
	s.mu.Unlock()

	if offset >= len(all) {
		return orders.Page{Orders: []orders.Order{}}, nil
	}
	end := min(offset+limit, len(all))
	page := orders.Page{Orders: all[offset:end]}
	if end < len(all) {
		page.NextCursor = base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(end)))
	}
	return page, nil
}

func (s *Store) ListAvailable(_ context.Context, locationKey string) ([]orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(o orders.Order) bool {
		return o.Status == orders.StatusConfirmed && o.DeliveryAgentID == "" &&
			(locationKey == "" || o.LocationKey == locationKey)
	}, oldestFirst), nil
}

func (s *Store) Assignment(_ context.Context, agentID, orderID string) (*orders.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[agentID][orderID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) Assignments(_ context.Context, agentID string) ([]orders.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Assignment, 0, len(s.assignments[agentID]))
	for _, a := range s.assignments[agentID] {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b orders.Assignment) int {
		return cmp.Or(a.AcceptedAt.Compare(b.AcceptedAt), cmp.Compare(a.OrderID, b.OrderID))
	})
	return out, nil
}

func newestFirst(a, b orders.Order) int {
	return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
}

func oldestFirst(a, b orders.Order) int {
	return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
}

// collect must be called with mu held.
func (s *Store) collect(keep func(orders.Order) bool, order func(a, b orders.Order) int) []orders.Order {
	out := []orders.Order{}
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	slices.SortFunc(out, order)
	return out
}

// delivery profiles

func (s *Store) GetProfile(_ context.Context, userID string) (*delivery.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, delivery.ErrProfileNotFound
	}
	return &p, nil
}

func (s *Store) PutProfile(_ context.Context, p delivery.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Assignments = nil
	s.profiles[p.UserID] = p
	return nil
}
