package delivery_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
	"github.com/imrishuroy/go-grocery-orderflow/internal/catalog"
	"github.com/imrishuroy/go-grocery-orderflow/internal/delivery"
	"github.com/imrishuroy/go-grocery-orderflow/internal/logging"
	"github.com/imrishuroy/go-grocery-orderflow/internal/memstore"
	"github.com/imrishuroy/go-grocery-orderflow/internal/orders"
	"github.com/imrishuroy/go-grocery-orderflow/internal/pricing"
)

var (
	bg       = context.Background()
	buyer    = auth.Actor{ID: "buyer-1", Role: auth.RoleBuyer}
	admin    = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
	agentA   = auth.Actor{ID: "agent-1", Role: auth.RoleDelivery}
	agentB   = auth.Actor{ID: "agent-2", Role: auth.RoleDelivery}
	unverify = auth.Actor{ID: "agent-3", Role: auth.RoleDelivery}
)

type fixture struct {
	store  *memstore.Store
	orders *orders.Service
	svc    *delivery.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	must(t, store.PutProduct(bg, catalog.Product{
		ID: "P1", Stock: 20, IsActive: true,
		Price: map[string]decimal.Decimal{"patna": decimal.NewFromInt(20), "ranchi": decimal.NewFromInt(22)},
	}))
	must(t, store.PutProfile(bg, delivery.Profile{ID: "dap-1", UserID: agentA.ID, Verified: true}))
	must(t, store.PutProfile(bg, delivery.Profile{ID: "dap-2", UserID: agentB.ID, Verified: true}))
	must(t, store.PutProfile(bg, delivery.Profile{ID: "dap-3", UserID: unverify.ID, Verified: false}))

	osvc := orders.NewService(store, store, orders.Options{Policy: pricing.DefaultPolicy(), Logger: logging.Discard()})
	return &fixture{store: store, orders: osvc, svc: delivery.NewService(osvc, store)}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// confirmedOrder creates and confirms an order at loc.
func (f *fixture) confirmedOrder(t *testing.T, loc string) *orders.Order {
	t.Helper()
	o, err := f.orders.CreateOrder(bg, buyer, orders.CreateOrderInput{
		Lines:       []orders.LineInput{{ProductID: "P1", Quantity: 2}},
		LocationKey: loc,
	})
	must(t, err)
	o, err = f.orders.Confirm(bg, admin, o.ID)
	must(t, err)
	return o
}

func TestListAvailable(t *testing.T) {
	f := newFixture(t)
	patna := f.confirmedOrder(t, "patna")
	f.confirmedOrder(t, "ranchi")
	_, err := f.orders.CreateOrder(bg, buyer, orders.CreateOrderInput{Lines: []orders.LineInput{{ProductID: "P1", Quantity: 1}}, LocationKey: "patna"})
	must(t, err) // pending, not listed

	all, err := f.svc.ListAvailable(bg, agentA, "")
	must(t, err)
	if len(all) != 2 {
		t.Fatalf("expected 2 available orders, got %d", len(all))
	}
	only, err := f.svc.ListAvailable(bg, agentA, "patna")
	must(t, err)
	if len(only) != 1 || only[0].ID != patna.ID {
		t.Fatalf("expected only the patna order, got %+v", only)
	}
	if _, err := f.svc.ListAvailable(bg, buyer, ""); !errors.Is(err, orders.ErrForbidden) {
		t.Fatalf("buyer: expected ErrForbidden, got %v", err)
	}

	_, err = f.svc.Accept(bg, agentA, patna.ID)
	must(t, err)
	only, err = f.svc.ListAvailable(bg, agentB, "patna")
	must(t, err)
	if len(only) != 0 {
		t.Fatalf("accepted order must leave the pool, got %d", len(only))
	}
}

func TestAccept(t *testing.T) {
	f := newFixture(t)
	o := f.confirmedOrder(t, "patna")

	got, err := f.svc.Accept(bg, agentA, o.ID)
	must(t, err)
	if got.DeliveryAgentID != agentA.ID || got.Status != orders.StatusProcessing {
		t.Fatalf("expected processing for agent-1, got %s %q", got.Status, got.DeliveryAgentID)
	}
	a, err := f.store.Assignment(bg, agentA.ID, o.ID)
	must(t, err)
	if a == nil || a.Status != orders.AssignmentAccepted {
		t.Fatalf("expected accepted record, got %+v", a)
	}

	if _, err := f.svc.Accept(bg, agentB, o.ID); !errors.Is(err, orders.ErrAlreadyAssigned) {
		t.Fatalf("second agent: expected ErrAlreadyAssigned, got %v", err)
	}
}

func TestAccept_Preconditions(t *testing.T) {
	f := newFixture(t)
	o := f.confirmedOrder(t, "patna")

	if _, err := f.svc.Accept(bg, unverify, o.ID); !errors.Is(err, delivery.ErrAgentNotVerified) {
		t.Fatalf("unverified: expected ErrAgentNotVerified, got %v", err)
	}
	ghost := auth.Actor{ID: "nobody", Role: auth.RoleDelivery}
	if _, err := f.svc.Accept(bg, ghost, o.ID); !errors.Is(err, delivery.ErrProfileNotFound) {
		t.Fatalf("no profile: expected ErrProfileNotFound, got %v", err)
	}

	pending, err := f.orders.CreateOrder(bg, buyer, orders.CreateOrderInput{Lines: []orders.LineInput{{ProductID: "P1", Quantity: 1}}, LocationKey: "patna"})
	must(t, err)
	if _, err := f.svc.Accept(bg, agentA, pending.ID); !errors.Is(err, orders.ErrInvalidTransition) {
		t.Fatalf("pending order: expected ErrInvalidTransition, got %v", err)
	}
}

func TestAccept_SingleWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		o := f.confirmedOrder(t, "patna")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, a := range []auth.Actor{agentA, agentB} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = f.svc.Accept(bg, a, o.ID)
			}()
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, orders.ErrAlreadyAssigned):
			default:
				t.Fatalf("unexpected error %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("round %d: expected exactly one winner, got %d", round, wins)
		}
	}
}

func TestDeliver_MovesAssignment(t *testing.T) {
	f := newFixture(t)
	o := f.confirmedOrder(t, "patna")
	_, err := f.svc.Accept(bg, agentA, o.ID)
	must(t, err)

	if _, err := f.svc.Deliver(bg, agentB, o.ID); !errors.Is(err, orders.ErrNotAssignedToAgent) {
		t.Fatalf("other agent: expected ErrNotAssignedToAgent, got %v", err)
	}

	got, err := f.svc.Deliver(bg, agentA, o.ID)
	must(t, err)
	if got.Status != orders.StatusDelivered || got.EstimatedDeliveryDate != nil {
		t.Fatalf("expected delivered without ETA, got %s %v", got.Status, got.EstimatedDeliveryDate)
	}

	as, err := f.store.Assignments(bg, agentA.ID)
	must(t, err)
	if len(as) != 1 || as[0].Status != orders.AssignmentDelivered || as[0].DeliveredAt == nil {
		t.Fatalf("expected one delivered record, got %+v", as)
	}

	if _, err := f.svc.Deliver(bg, agentA, o.ID); !errors.Is(err, orders.ErrNotAssignedToAgent) {
		t.Fatalf("redeliver: expected ErrNotAssignedToAgent, got %v", err)
	}
	if _, err := f.orders.Cancel(bg, admin, o.ID, ""); !errors.Is(err, orders.ErrOrderNotCancellable) {
		t.Fatalf("cancel delivered: expected ErrOrderNotCancellable, got %v", err)
	}
}

func TestRequestCancellation_ReturnsOrderToPool(t *testing.T) {
	f := newFixture(t)
	o := f.confirmedOrder(t, "patna")
	_, err := f.svc.Accept(bg, agentA, o.ID)
	must(t, err)

	got, err := f.svc.RequestCancellation(bg, agentA, o.ID, "vehicle broke down")
	must(t, err)
	if got.Status != orders.StatusPending || got.DeliveryAgentID != "" || got.EstimatedDeliveryDate != nil {
		t.Fatalf("expected pending, unassigned, no ETA; got %+v", got)
	}
	if !got.CancellationRequested || got.Cancellation == nil || got.Cancellation.RequestedBy != agentA.ID {
		t.Fatalf("expected recorded request, got %+v", got.Cancellation)
	}
	if a, _ := f.store.Assignment(bg, agentA.ID, o.ID); a != nil {
		t.Fatalf("assignment must be removed, got %+v", a)
	}
	if _, err := f.svc.RequestCancellation(bg, agentA, o.ID, "again"); !errors.Is(err, orders.ErrNotAssignedToAgent) {
		t.Fatalf("repeat request: expected ErrNotAssignedToAgent, got %v", err)
	}

	// admin keeps the order: it is available again and the flag is cleared
	reconfirmed, err := f.orders.Confirm(bg, admin, o.ID)
	must(t, err)
	if reconfirmed.CancellationRequested || reconfirmed.EstimatedDeliveryDate == nil {
		t.Fatalf("confirm should settle the request and set an ETA: %+v", reconfirmed)
	}
	_, err = f.svc.Accept(bg, agentB, o.ID)
	must(t, err)
}

func TestRequestCancellation_AdminHardCancelRestocks(t *testing.T) {
	f := newFixture(t)
	o := f.confirmedOrder(t, "patna")
	_, err := f.svc.Accept(bg, agentA, o.ID)
	must(t, err)
	_, err = f.svc.RequestCancellation(bg, agentA, o.ID, "address not found")
	must(t, err)

	got, err := f.orders.Cancel(bg, admin, o.ID, "buyer unreachable")
	must(t, err)
	p, err := f.store.GetProduct(bg, "P1")
	must(t, err)
	if p.Stock != 20 {
		t.Fatalf("expected full restock to 20, got %d", p.Stock)
	}

	c := got.Cancellation
	if c == nil || c.RequestedBy != agentA.ID || c.Reason != "address not found" {
		t.Fatalf("agent request must survive the admin decision, got %+v", c)
	}
	if c.ResolvedBy != admin.ID || c.ResolutionNote != "buyer unreachable" || c.ResolvedAt == nil {
		t.Fatalf("expected admin resolution, got %+v", c)
	}
	if got.CancellationRequested {
		t.Fatalf("request flag should be settled")
	}
}

func TestForceBackReleasesAgent(t *testing.T) {
	for _, to := range []orders.Status{orders.StatusConfirmed, orders.StatusPending} {
		t.Run(string(to), func(t *testing.T) {
			f := newFixture(t)
			o := f.confirmedOrder(t, "patna")
			_, err := f.svc.Accept(bg, agentA, o.ID)
			must(t, err)

			got, err := f.orders.ForceSetStatus(bg, admin, o.ID, to)
			must(t, err)
			if got.Status != to || got.DeliveryAgentID != "" {
				t.Fatalf("expected %s without agent, got %s agent=%q", to, got.Status, got.DeliveryAgentID)
			}
			if a, _ := f.store.Assignment(bg, agentA.ID, o.ID); a != nil {
				t.Fatalf("assignment must be released, got %+v", a)
			}
			if to == orders.StatusConfirmed {
				_, err = f.svc.Accept(bg, agentB, o.ID)
				must(t, err)
			}
		})
	}
}

func TestForceForwardKeepsAgent(t *testing.T) {
	f := newFixture(t)
	o := f.confirmedOrder(t, "patna")
	_, err := f.svc.Accept(bg, agentA, o.ID)
	must(t, err)

	got, err := f.orders.ForceSetStatus(bg, admin, o.ID, orders.StatusShipped)
	must(t, err)
	if got.DeliveryAgentID != agentA.ID {
		t.Fatalf("forward force should keep the agent, got %q", got.DeliveryAgentID)
	}
	a, _ := f.store.Assignment(bg, agentA.ID, o.ID)
	if a == nil || a.Status != orders.AssignmentAccepted {
		t.Fatalf("assignment should stay accepted, got %+v", a)
	}
}

func TestAdminCancel_ReleasesAssignment(t *testing.T) {
	f := newFixture(t)
	o := f.confirmedOrder(t, "patna")
	_, err := f.svc.Accept(bg, agentA, o.ID)
	must(t, err)

	got, err := f.orders.Cancel(bg, admin, o.ID, "")
	must(t, err)
	if got.DeliveryAgentID != "" {
		t.Fatalf("cancel should clear the agent")
	}
	if a, _ := f.store.Assignment(bg, agentA.ID, o.ID); a != nil {
		t.Fatalf("assignment must be released, got %+v", a)
	}
}

func TestAgentAdvanceOwnOrder(t *testing.T) {
	f := newFixture(t)
	o := f.confirmedOrder(t, "patna")
	_, err := f.svc.Accept(bg, agentA, o.ID)
	must(t, err)

	got, err := f.orders.Advance(bg, agentA, o.ID, orders.StatusShipped)
	must(t, err)
	if got.Status != orders.StatusShipped {
		t.Fatalf("expected shipped, got %s", got.Status)
	}
	if _, err := f.orders.Advance(bg, agentA, o.ID, orders.StatusDelivered); !errors.Is(err, orders.ErrInvalidTransition) {
		t.Fatalf("agent advance to delivered: expected ErrInvalidTransition, got %v", err)
	}
	_, err = f.svc.Deliver(bg, agentA, o.ID)
	must(t, err)
}

func TestAdminDeliverCompletesAssignment(t *testing.T) {
	f := newFixture(t)
	o := f.confirmedOrder(t, "patna")
	_, err := f.svc.Accept(bg, agentA, o.ID)
	must(t, err)
	_, err = f.orders.Advance(bg, admin, o.ID, orders.StatusShipped)
	must(t, err)
	_, err = f.orders.Advance(bg, admin, o.ID, orders.StatusDelivered)
	must(t, err)

	a, err := f.store.Assignment(bg, agentA.ID, o.ID)
	must(t, err)
	if a == nil || a.Status != orders.AssignmentDelivered {
		t.Fatalf("expected delivered record, got %+v", a)
	}
}

func TestProfile(t *testing.T) {
	f := newFixture(t)
	o := f.confirmedOrder(t, "patna")
	_, err := f.svc.Accept(bg, agentA, o.ID)
	must(t, err)

	p, err := f.svc.Profile(bg, agentA)
	must(t, err)
	if p.ID != "dap-1" || len(p.Assignments) != 1 || p.Assignments[0].OrderID != o.ID {
		t.Fatalf("unexpected profile %+v", p)
	}
	if !p.Assignments[0].AcceptedAt.Before(time.Now().Add(time.Second)) {
		t.Fatalf("accepted_at not set")
	}
}
