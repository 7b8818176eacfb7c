// Package events carries order lifecycle notifications to downstream
// consumers (metrics worker, notifications). Events are published after the
// state change is committed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeOrderCreated          Type = "order.created"
	TypeStatusChanged         Type = "order.status_changed"
	TypeOrderAssigned         Type = "order.assigned"
	TypeOrderDelivered        Type = "order.delivered"
	TypeCancellationRequested Type = "order.cancellation_requested"
)

// Event is the wire payload.
type Event struct {
	ID             string    `json:"event_id"`
	Type           Type      `json:"type"`
	OrderID        string    `json:"order_id"`
	BuyerID        string    `json:"buyer_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Total          string    `json:"total,omitempty"`
	LocationKey    string    `json:"location_key,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// New stamps an event with a fresh id.
func New(t Type, orderID string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OrderID:    orderID,
		OccurredAt: at.UTC(),
	}
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Decode parses a message body into an Event.
func Decode(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" || e.OrderID == "" {
		return Event{}, fmt.Errorf("decode event: missing type or order_id")
	}
	return e, nil
}
