package validation

// LineRequest is a single requested order line. Quantity bounds mirror
// catalog.MaxQuantity.
type LineRequest struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=10000"`
}

// CreateOrderRequest is the payload for POST /orders. Repeated product ids
// are allowed and merged by the assembler.
type CreateOrderRequest struct {
	Items           []LineRequest `json:"items" validate:"required,min=1,dive"`
	LocationKey     string        `json:"locationKey" validate:"required"`
	DeliveryAddress string        `json:"deliveryAddress" validate:"required,max=500"`
	Notes           string        `json:"notes,omitempty" validate:"max=1000"`
}

// CheckoutRequest is the payload for POST /cart/checkout; the lines come
// from the buyer's stored cart.
type CheckoutRequest struct {
	LocationKey     string `json:"locationKey" validate:"required"`
	DeliveryAddress string `json:"deliveryAddress" validate:"required,max=500"`
	Notes           string `json:"notes,omitempty" validate:"max=1000"`
}

// CartLineRequest is the payload for POST /cart/lines. A quantity below 1
// adds one unit. When LocationKey is set the cart is hydrated first so the
// quantity can be clamped to known stock.
type CartLineRequest struct {
	ProductID   string `json:"productId" validate:"required"`
	Quantity    int    `json:"quantity" validate:"max=10000"`
	LocationKey string `json:"locationKey,omitempty"`
}

// CartQuantityRequest is the payload for PATCH /cart/lines/:productId.
// Zero or less removes the line.
type CartQuantityRequest struct {
	Quantity    *int   `json:"quantity" validate:"required,max=10000"`
	LocationKey string `json:"locationKey,omitempty"`
}

// CancelRequest is the optional body of buyer and admin cancellations.
type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// RequestCancelRequest is sent by an agent handing an order back.
type RequestCancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// AdvanceRequest names the next status along the lifecycle chain.
type AdvanceRequest struct {
	Status string `json:"status" validate:"required,oneof=confirmed processing shipped delivered"`
}

// StatusRequest is the admin override payload.
type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending confirmed processing shipped delivered cancelled"`
}

// AvailableOrdersRequest filters the unassigned pool; empty means all locations.
type AvailableOrdersRequest struct {
	LocationKey string `json:"locationKey,omitempty"`
}

// ListOrdersQuery is the query string of GET /admin/orders.
type ListOrdersQuery struct {
	Status string `form:"status" validate:"omitempty,oneof=pending confirmed processing shipped delivered cancelled"`
	Limit  int    `form:"limit" validate:"omitempty,min=1,max=100"`
	Cursor string `form:"cursor"`
}
