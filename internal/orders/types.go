package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

// Order statuses
const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// Item is an order line. UnitPriceAtPurchase is frozen at creation.
type Item struct {
	ProductID           string          `json:"productId"`
	Quantity            int             `json:"quantity"`
	UnitPriceAtPurchase decimal.Decimal `json:"unitPriceAtPurchase"`
	LineTotal           decimal.Decimal `json:"lineTotal"`
}

// Cancellation records who asked for a cancellation and why. For an agent
// request it sits next to CancellationRequested until an admin adjudicates;
// an admin hard-cancel then fills the Resolved fields and keeps the request.
type Cancellation struct {
	RequestedBy    string     `json:"requestedBy"`
	Reason         string     `json:"reason,omitempty"`
	RequestedAt    time.Time  `json:"requestedAt"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

type Order struct {
	ID                    string          `json:"id"`
	BuyerID               string          `json:"buyerId"`
	Items                 []Item          `json:"items"`
	Subtotal              decimal.Decimal `json:"subtotal"`
	Tax                   decimal.Decimal `json:"tax"`
	DeliveryFee           decimal.Decimal `json:"deliveryFee"`
	Total                 decimal.Decimal `json:"total"`
	Status                Status          `json:"status"`
	LocationKey           string          `json:"locationKey"`
	DeliveryAddress       string          `json:"deliveryAddress"`
	EstimatedDeliveryDate *time.Time      `json:"estimatedDeliveryDate,omitempty"`
	DeliveryAgentID       string          `json:"deliveryAgentId,omitempty"`
	Notes                 string          `json:"notes,omitempty"`
	CancellationRequested bool            `json:"cancellationRequested"`
	Cancellation          *Cancellation   `json:"cancellation,omitempty"`
	Version               int             `json:"version"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate a draft safely.
func (o Order) Clone() Order {
	c := o
	c.Items = append([]Item(nil), o.Items...)
	if o.EstimatedDeliveryDate != nil {
		t := *o.EstimatedDeliveryDate
		c.EstimatedDeliveryDate = &t
	}
	if o.Cancellation != nil {
		cc := *o.Cancellation
		if cc.ResolvedAt != nil {
			t := *cc.ResolvedAt
			cc.ResolvedAt = &t
		}
		c.Cancellation = &cc
	}
	return c
}

type AssignmentStatus string

const (
	AssignmentAccepted  AssignmentStatus = "accepted"
	AssignmentDelivered AssignmentStatus = "delivered"
)

// Assignment is one membership record of the agent index, keyed by
// (AgentID, OrderID). A single status field replaces separate accepted and
// delivered lists, so an order is never in both or neither.
type Assignment struct {
	AgentID     string           `json:"agentId"`
	OrderID     string           `json:"orderId"`
	Status      AssignmentStatus `json:"status"`
	AcceptedAt  time.Time        `json:"acceptedAt"`
	DeliveredAt *time.Time       `json:"deliveredAt,omitempty"`
}

// StockAdjustment returns Quantity units of ProductID to stock.
type StockAdjustment struct {
	ProductID string
	Quantity  int
}

type AssignmentOp int

const (
	// AssignmentAccept creates an accepted record; fails if one exists.
	AssignmentAccept AssignmentOp = iota + 1
	// AssignmentDeliver moves an accepted record to delivered.
	AssignmentDeliver
	// AssignmentRelease deletes an accepted record.
	AssignmentRelease
)

type AssignmentChange struct {
	Op      AssignmentOp
	AgentID string
	At      time.Time
}

// Effects are side writes committed atomically with an order save.
type Effects struct {
	Restock    []StockAdjustment
	Assignment *AssignmentChange
}

type ListQuery struct {
	Status Status
	Limit  int
	Cursor string
}

type Page struct {
	Orders     []Order `json:"orders"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Repository persists orders together with the stock and assignment writes
// that must commit with them.
type Repository interface {
	// Insert reserves stock for every item and stores o, all or nothing.
	Insert(ctx context.Context, o *Order) error
	// Get returns ErrNotFound when the order does not exist.
	Get(ctx context.Context, id string) (*Order, error)
	// Save replaces the stored order if its version equals expectedVersion
	// and applies fx in the same unit. A version mismatch or a failed effect
	// precondition returns ErrConcurrentModification.
	Save(ctx context.Context, o *Order, expectedVersion int, fx Effects) error
	ListByBuyer(ctx context.Context, buyerID string) ([]Order, error)
	List(ctx context.Context, q ListQuery) (Page, error)
	// ListAvailable returns confirmed orders without an agent; an empty
	// locationKey matches every location.
	ListAvailable(ctx context.Context, locationKey string) ([]Order, error)
	// Assignment returns (nil, nil) when agentID has no record for orderID.
	Assignment(ctx context.Context, agentID, orderID string) (*Assignment, error)
	Assignments(ctx context.Context, agentID string) ([]Assignment, error)
}
