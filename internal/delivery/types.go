// Package delivery is the assignment engine between confirmed orders and
// delivery agents.
package delivery

import (
	"context"
	"errors"

	"github.com/imrishuroy/go-grocery-orderflow/internal/orders"
)

var (
	ErrProfileNotFound  = errors.New("delivery agent profile not found")
	ErrAgentNotVerified = errors.New("delivery agent is not verified")
)

// Profile is a delivery agent. Agents are addressed by their user id, which
// is also the id written to orders and assignment records.
type Profile struct {
	ID             string              `json:"id"`
	UserID         string              `json:"userId"`
	Verified       bool                `json:"verified"`
	VehicleDetails string              `json:"vehicleDetails,omitempty"`
	Assignments    []orders.Assignment `json:"assignments"`
}

// ProfileStore persists profiles. Assignments are not part of the stored
// profile; they are read from the order repository's index.
type ProfileStore interface {
	// GetProfile returns ErrProfileNotFound when userID has no profile.
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	PutProfile(ctx context.Context, p Profile) error
}
