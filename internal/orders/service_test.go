package orders_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
	"github.com/imrishuroy/go-grocery-orderflow/internal/catalog"
	"github.com/imrishuroy/go-grocery-orderflow/internal/events"
	"github.com/imrishuroy/go-grocery-orderflow/internal/logging"
	"github.com/imrishuroy/go-grocery-orderflow/internal/memstore"
	"github.com/imrishuroy/go-grocery-orderflow/internal/orders"
	"github.com/imrishuroy/go-grocery-orderflow/internal/pricing"
)

var (
	buyer = auth.Actor{ID: "buyer-1", Role: auth.RoleBuyer}
	other = auth.Actor{ID: "buyer-2", Role: auth.RoleBuyer}
	admin = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
	agent = auth.Actor{ID: "agent-1", Role: auth.RoleDelivery}
	fixed = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	patna = "patna"
	bg    = context.Background()
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func setup(t *testing.T, stock int) (*orders.Service, *memstore.Store, *recordingPublisher) {
	t.Helper()
	store := memstore.New()
	err := store.PutProduct(bg, catalog.Product{
		ID: "P1", Name: "Onion", Unit: "kg", Stock: stock, IsActive: true,
		Price: map[string]decimal.Decimal{patna: decimal.NewFromInt(20)},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	pub := &recordingPublisher{}
	svc := orders.NewService(store, store, orders.Options{
		Policy:    pricing.DefaultPolicy(),
		LeadTime:  24 * time.Hour,
		Publisher: pub,
		Logger:    logging.Discard(),
		Now:       func() time.Time { return fixed },
	})
	return svc, store, pub
}

func stockOf(t *testing.T, store *memstore.Store, id string) int {
	t.Helper()
	p, err := store.GetProduct(bg, id)
	if err != nil || p == nil {
		t.Fatalf("get product %s: %v", id, err)
	}
	return p.Stock
}

func createP1(t *testing.T, svc *orders.Service, qty int) *orders.Order {
	t.Helper()
	o, err := svc.CreateOrder(bg, buyer, orders.CreateOrderInput{
		Lines:           []orders.LineInput{{ProductID: "P1", Quantity: qty}},
		LocationKey:     patna,
		DeliveryAddress: "Hotel Maurya",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestCreateOrder_PricesAndReservesStock(t *testing.T) {
	svc, store, pub := setup(t, 5)

	o := createP1(t, svc, 3)

	if !o.Subtotal.Equal(decimal.NewFromInt(60)) || !o.Tax.IsZero() ||
		!o.DeliveryFee.Equal(decimal.NewFromInt(50)) || !o.Total.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("unexpected totals: subtotal=%s tax=%s fee=%s total=%s", o.Subtotal, o.Tax, o.DeliveryFee, o.Total)
	}
	if o.Status != orders.StatusPending || o.Version != 1 {
		t.Fatalf("expected pending v1, got %s v%d", o.Status, o.Version)
	}
	if o.EstimatedDeliveryDate == nil || !o.EstimatedDeliveryDate.Equal(fixed.Add(24*time.Hour)) {
		t.Fatalf("expected ETA one day out, got %v", o.EstimatedDeliveryDate)
	}
	if got := stockOf(t, store, "P1"); got != 2 {
		t.Fatalf("expected stock 2, got %d", got)
	}
	if ts := pub.types(); len(ts) != 1 || ts[0] != events.TypeOrderCreated {
		t.Fatalf("expected order.created, got %v", ts)
	}
}

func TestCreateOrder_InsufficientStockLeavesStock(t *testing.T) {
	svc, store, _ := setup(t, 2)

	_, err := svc.CreateOrder(bg, buyer, orders.CreateOrderInput{
		Lines:       []orders.LineInput{{ProductID: "P1", Quantity: 3}},
		LocationKey: patna,
	})
	var ins *orders.InsufficientStockError
	if !errors.As(err, &ins) || ins.ProductID != "P1" || ins.Available != 2 || ins.Requested != 3 {
		t.Fatalf("expected InsufficientStock(P1, 2, 3), got %v", err)
	}
	if got := stockOf(t, store, "P1"); got != 2 {
		t.Fatalf("expected stock to stay 2, got %d", got)
	}
}

func TestCreateOrder_ValidationErrors(t *testing.T) {
	svc, store, _ := setup(t, 10)
	_ = store.PutProduct(bg, catalog.Product{ID: "OLD", Stock: 10, IsActive: false, Price: map[string]decimal.Decimal{patna: decimal.NewFromInt(1)}})
	_ = store.PutProduct(bg, catalog.Product{ID: "RANCHI", Stock: 10, IsActive: true, Price: map[string]decimal.Decimal{"ranchi": decimal.NewFromInt(1)}})

	cases := map[string]struct {
		lines []orders.LineInput
		check func(error) bool
	}{
		"empty": {nil, func(err error) bool { return errors.Is(err, orders.ErrEmptyCart) }},
		"zero qty": {[]orders.LineInput{{ProductID: "P1", Quantity: 0}}, func(err error) bool {
			return errors.Is(err, orders.ErrInvalidQuantity)
		}},
		"missing": {[]orders.LineInput{{ProductID: "P1", Quantity: 1}, {ProductID: "GONE", Quantity: 1}}, func(err error) bool {
			var pnf *orders.ProductNotFoundError
			return errors.As(err, &pnf) && pnf.ProductID == "GONE"
		}},
		"inactive": {[]orders.LineInput{{ProductID: "OLD", Quantity: 1}}, func(err error) bool {
			var pnf *orders.ProductNotFoundError
			return errors.As(err, &pnf)
		}},
		"no price": {[]orders.LineInput{{ProductID: "RANCHI", Quantity: 1}}, func(err error) bool {
			var pu *orders.PriceUnavailableError
			return errors.As(err, &pu) && errors.Is(err, pricing.ErrPriceUnavailable)
		}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateOrder(bg, buyer, orders.CreateOrderInput{Lines: tc.lines, LocationKey: patna})
			if !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
			if !orders.IsValidation(err) {
				t.Fatalf("expected a validation error, got %v", err)
			}
		})
	}
	if got := stockOf(t, store, "P1"); got != 10 {
		t.Fatalf("failed creates must not touch stock, got %d", got)
	}
}

func TestCreateOrder_MergesDuplicateLines(t *testing.T) {
	svc, store, _ := setup(t, 10)
	o, err := svc.CreateOrder(bg, buyer, orders.CreateOrderInput{
		Lines:       []orders.LineInput{{ProductID: "P1", Quantity: 2}, {ProductID: "P1", Quantity: 3}},
		LocationKey: patna,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(o.Items) != 1 || o.Items[0].Quantity != 5 {
		t.Fatalf("expected one merged line of 5, got %+v", o.Items)
	}
	if got := stockOf(t, store, "P1"); got != 5 {
		t.Fatalf("expected stock 5, got %d", got)
	}
}

func TestCreateOrder_RejectsOversizedQuantities(t *testing.T) {
	svc, store, _ := setup(t, 10)
	maxInt := int(^uint(0) >> 1)

	cases := map[string][]orders.LineInput{
		"single line": {{ProductID: "P1", Quantity: catalog.MaxQuantity + 1}},
		"merge wraps": {{ProductID: "P1", Quantity: maxInt}, {ProductID: "P1", Quantity: 1}},
		"merge over":  {{ProductID: "P1", Quantity: catalog.MaxQuantity}, {ProductID: "P1", Quantity: 1}},
	}
	for name, lines := range cases {
		t.Run(name, func(t *testing.T) {
			o, err := svc.CreateOrder(bg, buyer, orders.CreateOrderInput{Lines: lines, LocationKey: patna})
			if !errors.Is(err, orders.ErrInvalidQuantity) {
				t.Fatalf("expected ErrInvalidQuantity, got %v (order %+v)", err, o)
			}
		})
	}
	if got := stockOf(t, store, "P1"); got != 10 {
		t.Fatalf("stock must be untouched, got %d", got)
	}
}

func TestCreateOrder_FreeDeliveryAboveThreshold(t *testing.T) {
	svc, _, _ := setup(t, 100)
	o := createP1(t, svc, 51) // 1020 > 1000
	if !o.DeliveryFee.IsZero() || !o.Total.Equal(decimal.NewFromInt(1020)) {
		t.Fatalf("expected free delivery, got fee=%s total=%s", o.DeliveryFee, o.Total)
	}
}

func TestCreateOrder_OnlyBuyers(t *testing.T) {
	svc, _, _ := setup(t, 10)
	_, err := svc.CreateOrder(bg, admin, orders.CreateOrderInput{Lines: []orders.LineInput{{ProductID: "P1", Quantity: 1}}, LocationKey: patna})
	if !errors.Is(err, orders.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestPriceSnapshotIsImmutable(t *testing.T) {
	svc, store, _ := setup(t, 10)
	o := createP1(t, svc, 2)

	p, _ := store.GetProduct(bg, "P1")
	p.Price[patna] = decimal.NewFromInt(999)
	_ = store.PutProduct(bg, *p)

	got, err := svc.Get(bg, buyer, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Items[0].UnitPriceAtPurchase.Equal(decimal.NewFromInt(20)) || !got.Total.Equal(o.Total) {
		t.Fatalf("order changed after catalog price edit: %+v", got)
	}
}

func TestBuyerCancel_RestoresStockOnce(t *testing.T) {
	svc, store, pub := setup(t, 5)
	o := createP1(t, svc, 3)

	cancelled, err := svc.Cancel(bg, buyer, o.ID, "ordered twice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != orders.StatusCancelled || cancelled.Cancellation == nil || cancelled.Cancellation.Reason != "ordered twice" {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}
	if got := stockOf(t, store, "P1"); got != 5 {
		t.Fatalf("expected stock restored to 5, got %d", got)
	}

	if _, err := svc.Cancel(bg, buyer, o.ID, ""); !errors.Is(err, orders.ErrOrderNotCancellable) {
		t.Fatalf("second cancel: expected ErrOrderNotCancellable, got %v", err)
	}
	if got := stockOf(t, store, "P1"); got != 5 {
		t.Fatalf("second cancel must not restock, got %d", got)
	}
	if ts := pub.types(); len(ts) != 2 || ts[1] != events.TypeStatusChanged {
		t.Fatalf("expected created + status_changed, got %v", ts)
	}
}

func TestBuyerCancel_OnlyPendingAndOwn(t *testing.T) {
	svc, _, _ := setup(t, 5)
	o := createP1(t, svc, 1)

	if _, err := svc.Cancel(bg, other, o.ID, ""); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("other buyer: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Confirm(bg, admin, o.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := svc.Cancel(bg, buyer, o.ID, ""); !errors.Is(err, orders.ErrOrderNotCancellable) {
		t.Fatalf("confirmed: expected ErrOrderNotCancellable, got %v", err)
	}
	if _, err := svc.Cancel(bg, admin, o.ID, "supplier out"); err != nil {
		t.Fatalf("admin cancel confirmed: %v", err)
	}
}

// hidingReader serves the catalog minus some products, as if they had been
// deleted after the order was placed.
type hidingReader struct {
	catalog.Reader
	hidden string
}

func (h hidingReader) GetProductsBulk(ctx context.Context, ids []string) ([]catalog.Product, error) {
	all, err := h.Reader.GetProductsBulk(ctx, ids)
	out := all[:0]
	for _, p := range all {
		if p.ID != h.hidden {
			out = append(out, p)
		}
	}
	return out, err
}

func TestCancel_SkipsRemovedProducts(t *testing.T) {
	svc, store, _ := setup(t, 5)
	_ = store.PutProduct(bg, catalog.Product{ID: "P2", Stock: 5, IsActive: true, Price: map[string]decimal.Decimal{patna: decimal.NewFromInt(1)}})
	o, err := svc.CreateOrder(bg, buyer, orders.CreateOrderInput{
		Lines:       []orders.LineInput{{ProductID: "P1", Quantity: 1}, {ProductID: "P2", Quantity: 1}},
		LocationKey: patna,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	withoutP2 := orders.NewService(store, hidingReader{Reader: store, hidden: "P2"}, orders.Options{Logger: logging.Discard()})
	if _, err := withoutP2.Cancel(bg, buyer, o.ID, ""); err != nil {
		t.Fatalf("cancel with removed product: %v", err)
	}
	if got := stockOf(t, store, "P1"); got != 5 {
		t.Fatalf("expected P1 restocked to 5, got %d", got)
	}
	if got := stockOf(t, store, "P2"); got != 4 {
		t.Fatalf("removed product must not be restocked, got %d", got)
	}
}

func TestGet_OwnerOrAdmin(t *testing.T) {
	svc, _, _ := setup(t, 5)
	o := createP1(t, svc, 1)

	if _, err := svc.Get(bg, buyer, o.ID); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := svc.Get(bg, admin, o.ID); err != nil {
		t.Fatalf("admin get: %v", err)
	}
	// another buyer cannot tell an existing order from a missing one
	if _, err := svc.Get(bg, other, o.ID); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("non-owner: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(bg, other, "missing"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("non-owner missing: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(bg, admin, "missing"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("missing: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(bg, agent, o.ID); !errors.Is(err, orders.ErrForbidden) {
		t.Fatalf("agent: expected ErrForbidden, got %v", err)
	}
}

func TestAdvance_ForwardOnlyAndTerminal(t *testing.T) {
	svc, _, _ := setup(t, 5)
	o := createP1(t, svc, 1)

	if _, err := svc.Advance(bg, admin, o.ID, orders.StatusShipped); !errors.Is(err, orders.ErrInvalidTransition) {
		t.Fatalf("pending -> shipped: expected ErrInvalidTransition, got %v", err)
	}
	for _, to := range []orders.Status{orders.StatusConfirmed, orders.StatusProcessing, orders.StatusShipped, orders.StatusDelivered} {
		got, err := svc.Advance(bg, admin, o.ID, to)
		if err != nil {
			t.Fatalf("advance to %s: %v", to, err)
		}
		if got.Status != to {
			t.Fatalf("expected %s, got %s", to, got.Status)
		}
	}
	final, _ := svc.Get(bg, admin, o.ID)
	if final.EstimatedDeliveryDate != nil {
		t.Fatalf("delivered order should have no ETA")
	}

	_, err := svc.ForceSetStatus(bg, admin, o.ID, orders.StatusPending)
	if !errors.Is(err, orders.ErrTerminalState) {
		t.Fatalf("force out of delivered: expected ErrTerminalState, got %v", err)
	}
	if _, err := svc.Cancel(bg, admin, o.ID, ""); !errors.Is(err, orders.ErrOrderNotCancellable) {
		t.Fatalf("cancel delivered: expected ErrOrderNotCancellable, got %v", err)
	}
	after, _ := svc.Get(bg, admin, o.ID)
	if after.Status != orders.StatusDelivered || after.Version != final.Version {
		t.Fatalf("terminal order changed: %+v", after)
	}
}

func TestAdvance_AgentMustHoldOrder(t *testing.T) {
	svc, _, _ := setup(t, 5)
	o := createP1(t, svc, 1)
	if _, err := svc.Confirm(bg, admin, o.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := svc.Advance(bg, agent, o.ID, orders.StatusProcessing); !errors.Is(err, orders.ErrNotAssignedToAgent) {
		t.Fatalf("expected ErrNotAssignedToAgent, got %v", err)
	}
	if _, err := svc.Advance(bg, buyer, o.ID, orders.StatusProcessing); !errors.Is(err, orders.ErrForbidden) {
		t.Fatalf("buyer advance: expected ErrForbidden, got %v", err)
	}
}

func TestForceSetStatus_AdminOnly(t *testing.T) {
	svc, _, _ := setup(t, 5)
	o := createP1(t, svc, 1)

	if _, err := svc.ForceSetStatus(bg, buyer, o.ID, orders.StatusShipped); !errors.Is(err, orders.ErrForbidden) {
		t.Fatalf("buyer force: expected ErrForbidden, got %v", err)
	}
	got, err := svc.ForceSetStatus(bg, admin, o.ID, orders.StatusShipped)
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if got.Status != orders.StatusShipped || got.Version != 2 {
		t.Fatalf("expected shipped v2, got %s v%d", got.Status, got.Version)
	}
	if _, err := svc.ForceSetStatus(bg, admin, o.ID, orders.StatusCancelled); !errors.Is(err, orders.ErrInvalidTransition) {
		t.Fatalf("force into cancelled: expected ErrInvalidTransition, got %v", err)
	}
}

func TestListAll_PaginatesAndFilters(t *testing.T) {
	svc, _, _ := setup(t, 100)
	for i := 0; i < 5; i++ {
		createP1(t, svc, 1)
	}
	first, err := svc.ListAll(bg, admin, orders.ListQuery{Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.Orders) != 3 || first.NextCursor == "" {
		t.Fatalf("expected 3 orders and a cursor, got %d %q", len(first.Orders), first.NextCursor)
	}
	second, err := svc.ListAll(bg, admin, orders.ListQuery{Limit: 3, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(second.Orders) != 2 || second.NextCursor != "" {
		t.Fatalf("expected last page of 2, got %d %q", len(second.Orders), second.NextCursor)
	}

	confirmed, err := svc.ListAll(bg, admin, orders.ListQuery{Status: orders.StatusConfirmed})
	if err != nil || len(confirmed.Orders) != 0 {
		t.Fatalf("expected no confirmed orders, got %v %d", err, len(confirmed.Orders))
	}
	if _, err := svc.ListAll(bg, admin, orders.ListQuery{Status: "lost"}); !errors.Is(err, orders.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := svc.ListAll(bg, buyer, orders.ListQuery{}); !errors.Is(err, orders.ErrForbidden) {
		t.Fatalf("buyer list all: expected ErrForbidden, got %v", err)
	}

	mine, err := svc.ListMine(bg, buyer)
	if err != nil || len(mine) != 5 {
		t.Fatalf("list mine: %v %d", err, len(mine))
	}
}

func TestPublishFailureDoesNotFailCommit(t *testing.T) {
	svc, store, pub := setup(t, 5)
	pub.err = errors.New("queue down")

	o := createP1(t, svc, 2)
	if got := stockOf(t, store, "P1"); got != 3 {
		t.Fatalf("expected committed stock 3, got %d", got)
	}
	if _, err := svc.Get(bg, buyer, o.ID); err != nil {
		t.Fatalf("order must exist: %v", err)
	}
}

func TestStockConservation(t *testing.T) {
	svc, store, _ := setup(t, 17)
	for _, qty := range []int{1, 4, 7} {
		o := createP1(t, svc, qty)
		if _, err := svc.Cancel(bg, buyer, o.ID, ""); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got := stockOf(t, store, "P1"); got != 17 {
			t.Fatalf("after create+cancel of %d expected 17, got %d", qty, got)
		}
	}
}

func TestNoOversell(t *testing.T) {
	const (
		stock = 10
		qty   = 3
		n     = 12
	)
	svc, store, _ := setup(t, stock)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateOrder(bg, buyer, orders.CreateOrderInput{
				Lines:       []orders.LineInput{{ProductID: "P1", Quantity: qty}},
				LocationKey: patna,
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			var ins *orders.InsufficientStockError
			if !errors.As(err, &ins) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if ok*qty > stock || ok < stock/qty {
		t.Fatalf("expected exactly %d successes, got %d", stock/qty, ok)
	}
	if got := stockOf(t, store, "P1"); got != stock-ok*qty {
		t.Fatalf("expected remaining stock %d, got %d", stock-ok*qty, got)
	}
}

func TestConcurrentTransitions_OneWinner(t *testing.T) {
	svc, store, _ := setup(t, 5)
	o := createP1(t, svc, 3)
	if _, err := svc.Confirm(bg, admin, o.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// Racing cancel and advance: whichever commits first, the other must see
	// a stale version or a state conflict, never a half-applied result.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = svc.Cancel(bg, admin, o.ID, "") }()
	go func() { defer wg.Done(); _, errs[1] = svc.Advance(bg, admin, o.ID, orders.StatusProcessing) }()
	wg.Wait()

	final, _ := svc.Get(bg, admin, o.ID)
	switch final.Status {
	case orders.StatusCancelled:
		if got := stockOf(t, store, "P1"); got != 5 {
			t.Fatalf("cancelled order must restock, got %d", got)
		}
	case orders.StatusProcessing:
		if got := stockOf(t, store, "P1"); got != 2 {
			t.Fatalf("processing order keeps its reservation, got %d", got)
		}
		if errs[0] == nil {
			t.Fatalf("cancel reported success but order is processing")
		}
	default:
		t.Fatalf("unexpected final status %s", final.Status)
	}
}

func TestWithRetry_RecoversFromStaleRead(t *testing.T) {
	svc, _, _ := setup(t, 5)
	o := createP1(t, svc, 1)

	attempts := 0
	got, err := svc.WithRetry(bg, func(ctx context.Context) (*orders.Order, error) {
		attempts++
		if attempts == 1 {
			return nil, orders.ErrConcurrentModification
		}
		return svc.Confirm(ctx, admin, o.ID)
	})
	if err != nil || got.Status != orders.StatusConfirmed || attempts != 2 {
		t.Fatalf("expected confirm on second attempt, got %v attempts=%d", err, attempts)
	}
}
