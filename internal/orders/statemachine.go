package orders

import (
	"fmt"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
)

// chain is the fulfilment order; each status may only step to its successor.
var chain = map[Status]Status{
	StatusPending:    StatusConfirmed,
	StatusConfirmed:  StatusProcessing,
	StatusProcessing: StatusShipped,
	StatusShipped:    StatusDelivered,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Next is the successor of s in the fulfilment chain.
func (s Status) Next() (Status, bool) {
	n, ok := chain[s]
	return n, ok
}

// CheckAdvance validates a named forward transition.
func CheckAdvance(from, to Status) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is final: %w", ErrInvalidTransition, from, ErrTerminalState)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if next, ok := from.Next(); !ok || next != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CheckCancel validates a hard cancellation. Admins may cancel any
// non-terminal order, buyers only pending ones.
func CheckCancel(from Status, role auth.Role) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: status %s", ErrOrderNotCancellable, from)
	}
	switch role {
	case auth.RoleAdmin:
		return nil
	case auth.RoleBuyer:
		if from != StatusPending {
			return fmt.Errorf("%w: buyers may only cancel pending orders, status %s", ErrOrderNotCancellable, from)
		}
		return nil
	default:
		return ErrForbidden
	}
}

// CheckForce validates the admin override. It can jump between any two
// non-terminal statuses; entering a terminal status must go through Cancel
// or Deliver so stock and assignments stay consistent.
func CheckForce(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is final: %w", ErrInvalidTransition, from, ErrTerminalState)
	}
	if to.IsTerminal() {
		return fmt.Errorf("%w: use cancel or deliver to reach %s", ErrInvalidTransition, to)
	}
	if from == to {
		return fmt.Errorf("%w: order already %s", ErrInvalidTransition, to)
	}
	return nil
}
