package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
	"github.com/imrishuroy/go-grocery-orderflow/internal/catalog"
	"github.com/imrishuroy/go-grocery-orderflow/internal/events"
	"github.com/imrishuroy/go-grocery-orderflow/internal/logging"
	"github.com/imrishuroy/go-grocery-orderflow/internal/pricing"
)

type Options struct {
	Policy    pricing.Policy
	LeadTime  time.Duration
	Publisher events.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
	// Retry is used by WithRetry; zero means DefaultRetryConfig.
	Retry RetryConfig
}

// Service assembles orders and drives their lifecycle.
type Service struct {
	repo      Repository
	products  catalog.Reader
	resolver  pricing.Resolver
	policy    pricing.Policy
	leadTime  time.Duration
	publisher events.Publisher
	log       *slog.Logger
	nowFunc   func() time.Time
	retry     RetryConfig
}

func NewService(repo Repository, products catalog.Reader, opts Options) *Service {
	s := &Service{
		repo:      repo,
		products:  products,
		policy:    opts.Policy,
		leadTime:  opts.LeadTime,
		publisher: opts.Publisher,
		log:       opts.Logger,
		nowFunc:   opts.Now,
		retry:     opts.Retry,
	}
	if s.retry.MaxAttempts == 0 {
		s.retry = DefaultRetryConfig()
	}
	if s.leadTime <= 0 {
		s.leadTime = 24 * time.Hour
	}
	if s.log == nil {
		s.log = logging.New("orders")
	}
	if s.nowFunc == nil {
		s.nowFunc = time.Now
	}
	return s
}

// Repository exposes the underlying repository to sibling services.
func (s *Service) Repository() Repository { return s.repo }

func (s *Service) now() time.Time { return s.nowFunc().UTC() }

// Quote prices a subtotal under the checkout policy; the cart view uses it
// to preview the fees CreateOrder would charge.
func (s *Service) Quote(subtotal decimal.Decimal) pricing.Quote {
	return s.policy.Quote(subtotal)
}

// Logger returns the request logger carried by ctx, or the service logger.
func (s *Service) Logger(ctx context.Context) *slog.Logger {
	if l, ok := logging.Lookup(ctx); ok {
		return l
	}
	return s.log
}

// Get returns an order to its buyer or to an admin. Another buyer gets
// ErrNotFound, the same answer as for a missing id.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*Order, error) {
	if !actor.Is(auth.RoleAdmin, auth.RoleBuyer) {
		return nil, ErrForbidden
	}
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Is(auth.RoleBuyer) && o.BuyerID != actor.ID {
		return nil, ErrNotFound
	}
	return o, nil
}

// ListMine lists the calling buyer's orders, newest first.
func (s *Service) ListMine(ctx context.Context, actor auth.Actor) ([]Order, error) {
	if !actor.Is(auth.RoleBuyer) {
		return nil, ErrForbidden
	}
	return s.repo.ListByBuyer(ctx, actor.ID)
}

// ListAll is the admin listing, paginated and optionally filtered by status.
func (s *Service) ListAll(ctx context.Context, actor auth.Actor, q ListQuery) (Page, error) {
	if !actor.Is(auth.RoleAdmin) {
		return Page{}, ErrForbidden
	}
	if q.Status != "" && !q.Status.Valid() {
		return Page{}, fmt.Errorf("%w: %q", ErrInvalidStatus, q.Status)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	return s.repo.List(ctx, q)
}

// Confirm moves a pending order to confirmed and settles any open agent
// cancellation request by keeping the order.
func (s *Service) Confirm(ctx context.Context, actor auth.Actor, id string) (*Order, error) {
	if !actor.Is(auth.RoleAdmin) {
		return nil, ErrForbidden
	}
	return s.transition(ctx, actor, id, func(cur Order, draft *Order) (Effects, error) {
		if err := CheckAdvance(cur.Status, StatusConfirmed); err != nil {
			return Effects{}, err
		}
		s.confirm(draft)
		return Effects{}, nil
	})
}

func (s *Service) confirm(draft *Order) {
	draft.Status = StatusConfirmed
	draft.CancellationRequested = false
	if draft.EstimatedDeliveryDate == nil {
		eta := s.now().Add(s.leadTime)
		draft.EstimatedDeliveryDate = &eta
	}
}

// Advance performs one step of the fulfilment chain. Admins may take any
// step; an agent only on an order assigned to them and never to delivered,
// which goes through the delivery engine.
func (s *Service) Advance(ctx context.Context, actor auth.Actor, id string, to Status) (*Order, error) {
	if !actor.Is(auth.RoleAdmin, auth.RoleDelivery) {
		return nil, ErrForbidden
	}
	return s.transition(ctx, actor, id, func(cur Order, draft *Order) (Effects, error) {
		if actor.Is(auth.RoleDelivery) {
			if cur.DeliveryAgentID != actor.ID {
				return Effects{}, ErrNotAssignedToAgent
			}
			if to == StatusDelivered {
				return Effects{}, fmt.Errorf("%w: agents complete orders through deliver", ErrInvalidTransition)
			}
		}
		if err := CheckAdvance(cur.Status, to); err != nil {
			return Effects{}, err
		}

		var fx Effects
		switch to {
		case StatusConfirmed:
			s.confirm(draft)
		case StatusDelivered:
			draft.Status = StatusDelivered
			draft.EstimatedDeliveryDate = nil
			if cur.DeliveryAgentID != "" {
				a, err := s.repo.Assignment(ctx, cur.DeliveryAgentID, cur.ID)
				if err != nil {
					return Effects{}, err
				}
				if a != nil && a.Status == AssignmentAccepted {
					fx.Assignment = &AssignmentChange{Op: AssignmentDeliver, AgentID: cur.DeliveryAgentID, At: s.now()}
				}
			}
		default:
			draft.Status = to
		}
		return fx, nil
	})
}

// Cancel hard-cancels an order and returns its items to stock. Buyers may
// cancel their own pending orders; admins any non-terminal order.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id, reason string) (*Order, error) {
	if !actor.Is(auth.RoleAdmin, auth.RoleBuyer) {
		return nil, ErrForbidden
	}
	return s.transition(ctx, actor, id, func(cur Order, draft *Order) (Effects, error) {
		if actor.Is(auth.RoleBuyer) && cur.BuyerID != actor.ID {
			return Effects{}, ErrNotFound
		}
		if err := CheckCancel(cur.Status, actor.Role); err != nil {
			return Effects{}, err
		}

		restock, err := s.restockFor(ctx, cur)
		if err != nil {
			return Effects{}, err
		}
		fx := Effects{Restock: restock}
		if cur.DeliveryAgentID != "" {
			a, err := s.repo.Assignment(ctx, cur.DeliveryAgentID, cur.ID)
			if err != nil {
				return Effects{}, err
			}
			if a != nil && a.Status == AssignmentAccepted {
				fx.Assignment = &AssignmentChange{Op: AssignmentRelease, AgentID: cur.DeliveryAgentID, At: s.now()}
			}
		}

		now := s.now()
		if cur.CancellationRequested && draft.Cancellation != nil {
			draft.Cancellation.ResolvedBy = actor.ID
			draft.Cancellation.ResolutionNote = reason
			draft.Cancellation.ResolvedAt = &now
		} else {
			draft.Cancellation = &Cancellation{RequestedBy: actor.ID, Reason: reason, RequestedAt: now}
		}
		draft.Status = StatusCancelled
		draft.DeliveryAgentID = ""
		draft.EstimatedDeliveryDate = nil
		draft.CancellationRequested = false
		return fx, nil
	})
}

// restockFor lists the quantities to return, skipping products that have
// since been removed from the catalog.
func (s *Service) restockFor(ctx context.Context, o Order) ([]StockAdjustment, error) {
	ids := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		ids = append(ids, it.ProductID)
	}
	existing, err := s.products.GetProductsBulk(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products for restock: %w", err)
	}
	idx := catalog.Index(existing)

	out := make([]StockAdjustment, 0, len(o.Items))
	for _, it := range o.Items {
		if _, ok := idx[it.ProductID]; !ok {
			s.Logger(ctx).WarnContext(ctx, "skip restock of removed product",
				"order_id", o.ID, "product_id", it.ProductID, "quantity", it.Quantity)
			continue
		}
		out = append(out, StockAdjustment{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out, nil
}

// ForceSetStatus is the admin override, kept apart from the named
// transitions. See CheckForce for what it refuses. Forcing an assigned order
// back to pending or confirmed releases it from its agent.
func (s *Service) ForceSetStatus(ctx context.Context, actor auth.Actor, id string, to Status) (*Order, error) {
	if !actor.Is(auth.RoleAdmin) {
		return nil, ErrForbidden
	}
	return s.transition(ctx, actor, id, func(cur Order, draft *Order) (Effects, error) {
		if err := CheckForce(cur.Status, to); err != nil {
			return Effects{}, err
		}
		var fx Effects
		if (to == StatusPending || to == StatusConfirmed) && cur.DeliveryAgentID != "" {
			// back before acceptance: the agent gives the order up
			a, err := s.repo.Assignment(ctx, cur.DeliveryAgentID, cur.ID)
			if err != nil {
				return Effects{}, err
			}
			if a != nil && a.Status == AssignmentAccepted {
				fx.Assignment = &AssignmentChange{Op: AssignmentRelease, AgentID: cur.DeliveryAgentID, At: s.now()}
			}
			draft.DeliveryAgentID = ""
			draft.CancellationRequested = false
		}
		draft.Status = to
		if to == StatusConfirmed {
			s.confirm(draft)
		}
		return fx, nil
	})
}

// Mutation edits a draft of cur and returns the effects to commit with it.
type Mutation func(cur Order, draft *Order) (Effects, error)

// Apply runs a guarded read-modify-write on one order: the draft is saved
// only if nobody changed the order since it was read. Sibling services use
// it for their own transitions.
func (s *Service) Apply(ctx context.Context, id string, mutate Mutation) (prev, next *Order, err error) {
	cur, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	draft := cur.Clone()
	fx, err := mutate(*cur, &draft)
	if err != nil {
		return nil, nil, err
	}
	draft.Version = cur.Version + 1
	draft.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, &draft, cur.Version, fx); err != nil {
		return nil, nil, err
	}
	return cur, &draft, nil
}

func (s *Service) transition(ctx context.Context, actor auth.Actor, id string, mutate Mutation) (*Order, error) {
	prev, next, err := s.Apply(ctx, id, mutate)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			s.Logger(ctx).InfoContext(ctx, "order changed concurrently", "order_id", id)
		}
		return nil, err
	}
	s.Logger(ctx).InfoContext(ctx, "order status changed",
		"order_id", id, "from", prev.Status, "to", next.Status, "actor", actor.ID, "role", actor.Role)

	e := EventFor(events.TypeStatusChanged, *next, s.now())
	e.PreviousStatus = string(prev.Status)
	e.ActorID = actor.ID
	if c := next.Cancellation; c != nil && next.Status == StatusCancelled {
		e.Reason = c.Reason
		if c.ResolutionNote != "" {
			e.Reason = c.ResolutionNote
		}
	}
	s.Emit(ctx, e)
	return next, nil
}

// EventFor builds an event describing o.
func EventFor(t events.Type, o Order, at time.Time) events.Event {
	e := events.New(t, o.ID, at)
	e.BuyerID = o.BuyerID
	e.AgentID = o.DeliveryAgentID
	e.Status = string(o.Status)
	e.Total = o.Total.String()
	e.LocationKey = o.LocationKey
	return e
}

// Emit publishes e after a committed change. A failed publish is logged; it
// never undoes the change.
func (s *Service) Emit(ctx context.Context, e events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.Logger(ctx).WarnContext(ctx, "publish order event failed",
			"order_id", e.OrderID, "type", e.Type, "error", err)
	}
}
