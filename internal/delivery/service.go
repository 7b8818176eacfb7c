package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
	"github.com/imrishuroy/go-grocery-orderflow/internal/events"
	"github.com/imrishuroy/go-grocery-orderflow/internal/orders"
)

// Service matches confirmed orders to agents and tracks what each agent
// holds. All order writes go through orders.Service.Apply so they share the
// version guard used by the admin and buyer transitions.
type Service struct {
	orders   *orders.Service
	repo     orders.Repository
	profiles ProfileStore
	nowFunc  func() time.Time
}

func NewService(svc *orders.Service, profiles ProfileStore) *Service {
	return &Service{
		orders:   svc,
		repo:     svc.Repository(),
		profiles: profiles,
		nowFunc:  time.Now,
	}
}

func (s *Service) now() time.Time { return s.nowFunc().UTC() }

// ListAvailable lists confirmed orders without an agent.
func (s *Service) ListAvailable(ctx context.Context, actor auth.Actor, locationKey string) ([]orders.Order, error) {
	if !actor.Is(auth.RoleDelivery) {
		return nil, orders.ErrForbidden
	}
	return s.repo.ListAvailable(ctx, locationKey)
}

// Accept claims an unassigned confirmed order for the calling agent and moves
// it to processing. Of two agents racing for one order exactly one wins; the
// other gets ErrAlreadyAssigned.
func (s *Service) Accept(ctx context.Context, actor auth.Actor, orderID string) (*orders.Order, error) {
	if !actor.Is(auth.RoleDelivery) {
		return nil, orders.ErrForbidden
	}
	if _, err := s.verifiedProfile(ctx, actor.ID); err != nil {
		return nil, err
	}

	now := s.now()
	prev, next, err := s.orders.Apply(ctx, orderID, func(cur orders.Order, draft *orders.Order) (orders.Effects, error) {
		if cur.DeliveryAgentID != "" {
			return orders.Effects{}, orders.ErrAlreadyAssigned
		}
		if cur.Status != orders.StatusConfirmed {
			return orders.Effects{}, fmt.Errorf("%w: order is %s, not confirmed", orders.ErrInvalidTransition, cur.Status)
		}
		draft.DeliveryAgentID = actor.ID
		draft.Status = orders.StatusProcessing
		return orders.Effects{
			Assignment: &orders.AssignmentChange{Op: orders.AssignmentAccept, AgentID: actor.ID, At: now},
		}, nil
	})
	if errors.Is(err, orders.ErrConcurrentModification) {
		// Lost the race: report it as a business conflict if someone else
		// now holds the order.
		if cur, gerr := s.repo.Get(ctx, orderID); gerr == nil && cur.DeliveryAgentID != "" {
			return nil, orders.ErrAlreadyAssigned
		}
	}
	if err != nil {
		return nil, err
	}

	s.orders.Logger(ctx).InfoContext(ctx, "order accepted", "order_id", orderID, "agent_id", actor.ID)
	s.emit(ctx, events.TypeOrderAssigned, actor, prev, next, "")
	return next, nil
}

// Deliver completes an order the agent holds.
func (s *Service) Deliver(ctx context.Context, actor auth.Actor, orderID string) (*orders.Order, error) {
	if err := s.requireHeld(ctx, actor, orderID); err != nil {
		return nil, err
	}
	now := s.now()
	prev, next, err := s.orders.Apply(ctx, orderID, func(cur orders.Order, draft *orders.Order) (orders.Effects, error) {
		if cur.DeliveryAgentID != actor.ID {
			return orders.Effects{}, orders.ErrNotAssignedToAgent
		}
		if cur.Status != orders.StatusProcessing && cur.Status != orders.StatusShipped {
			return orders.Effects{}, fmt.Errorf("%w: cannot deliver a %s order", orders.ErrInvalidTransition, cur.Status)
		}
		draft.Status = orders.StatusDelivered
		draft.EstimatedDeliveryDate = nil
		return orders.Effects{
			Assignment: &orders.AssignmentChange{Op: orders.AssignmentDeliver, AgentID: actor.ID, At: now},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.orders.Logger(ctx).InfoContext(ctx, "order delivered", "order_id", orderID, "agent_id", actor.ID)
	s.emit(ctx, events.TypeOrderDelivered, actor, prev, next, "")
	return next, nil
}

// RequestCancellation hands an order back: it returns to pending without an
// agent and carries the agent's reason until an admin confirms or cancels it.
func (s *Service) RequestCancellation(ctx context.Context, actor auth.Actor, orderID, reason string) (*orders.Order, error) {
	if err := s.requireHeld(ctx, actor, orderID); err != nil {
		return nil, err
	}
	now := s.now()
	prev, next, err := s.orders.Apply(ctx, orderID, func(cur orders.Order, draft *orders.Order) (orders.Effects, error) {
		if cur.DeliveryAgentID != actor.ID {
			return orders.Effects{}, orders.ErrNotAssignedToAgent
		}
		if cur.Status.IsTerminal() {
			return orders.Effects{}, fmt.Errorf("%w: %s is final: %w", orders.ErrInvalidTransition, cur.Status, orders.ErrTerminalState)
		}
		draft.Status = orders.StatusPending
		draft.DeliveryAgentID = ""
		draft.EstimatedDeliveryDate = nil
		draft.CancellationRequested = true
		draft.Cancellation = &orders.Cancellation{RequestedBy: actor.ID, Reason: reason, RequestedAt: now}
		return orders.Effects{
			Assignment: &orders.AssignmentChange{Op: orders.AssignmentRelease, AgentID: actor.ID, At: now},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.orders.Logger(ctx).InfoContext(ctx, "cancellation requested", "order_id", orderID, "agent_id", actor.ID, "reason", reason)
	s.emit(ctx, events.TypeCancellationRequested, actor, prev, next, reason)
	return next, nil
}

// Profile returns the calling agent's profile with its assignment records.
func (s *Service) Profile(ctx context.Context, actor auth.Actor) (*Profile, error) {
	if !actor.Is(auth.RoleDelivery) {
		return nil, orders.ErrForbidden
	}
	p, err := s.profiles.GetProfile(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	as, err := s.repo.Assignments(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	p.Assignments = as
	if p.Assignments == nil {
		p.Assignments = []orders.Assignment{}
	}
	return p, nil
}

func (s *Service) verifiedProfile(ctx context.Context, userID string) (*Profile, error) {
	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !p.Verified {
		return nil, ErrAgentNotVerified
	}
	return p, nil
}

// requireHeld checks the agent has a live accepted record for orderID.
func (s *Service) requireHeld(ctx context.Context, actor auth.Actor, orderID string) error {
	if !actor.Is(auth.RoleDelivery) {
		return orders.ErrForbidden
	}
	a, err := s.repo.Assignment(ctx, actor.ID, orderID)
	if err != nil {
		return err
	}
	if a == nil || a.Status != orders.AssignmentAccepted {
		return orders.ErrNotAssignedToAgent
	}
	return nil
}

func (s *Service) emit(ctx context.Context, t events.Type, actor auth.Actor, prev, next *orders.Order, reason string) {
	e := orders.EventFor(t, *next, s.now())
	e.PreviousStatus = string(prev.Status)
	e.ActorID = actor.ID
	e.AgentID = actor.ID
	e.Reason = reason
	s.orders.Emit(ctx, e)
}
