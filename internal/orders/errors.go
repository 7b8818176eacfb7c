package orders

import (
	"errors"
	"fmt"

	"github.com/imrishuroy/go-grocery-orderflow/internal/pricing"
)

// Validation errors.
var (
	ErrEmptyCart       = errors.New("cart is empty")
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrInvalidStatus   = errors.New("unknown order status")
)

// Authorization and lookup errors.
var (
	ErrForbidden = errors.New("access denied")
	ErrNotFound  = errors.New("order not found")
)

// State errors: a legitimate conflict with the order's current state.
var (
	ErrOrderNotCancellable = errors.New("order cannot be cancelled in its current state")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrTerminalState       = errors.New("order is in a terminal state")
	ErrAlreadyAssigned     = errors.New("order already assigned to a delivery agent")
	ErrNotAssignedToAgent  = errors.New("order is not assigned to this agent")
)

// ErrConcurrentModification is retryable: re-read the order and try again.
var ErrConcurrentModification = errors.New("concurrent modification, retry")

type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

// PriceUnavailableError names the product with no price at the location.
type PriceUnavailableError struct {
	ProductID   string
	LocationKey string
}

func (e *PriceUnavailableError) Error() string {
	return fmt.Sprintf("product %s has no price for location %q", e.ProductID, e.LocationKey)
}

func (e *PriceUnavailableError) Unwrap() error { return pricing.ErrPriceUnavailable }

// IsValidation reports whether err is an input problem (HTTP 400).
func IsValidation(err error) bool {
	var pnf *ProductNotFoundError
	var ins *InsufficientStockError
	var pu *PriceUnavailableError
	return errors.Is(err, ErrEmptyCart) || errors.Is(err, ErrInvalidQuantity) || errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidCursor) ||
		errors.As(err, &pnf) || errors.As(err, &ins) || errors.As(err, &pu)
}

// IsStateConflict reports whether err is a state error (HTTP 409).
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrOrderNotCancellable) || errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyAssigned) || errors.Is(err, ErrNotAssignedToAgent)
}

// IsRetryable reports whether the caller should re-fetch and retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
