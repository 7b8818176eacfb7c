package idempotency

import (
	"context"
	"time"
)

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Record is the shape persisted by both backends.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key" json:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status" json:"status"`
	OrderID        string    `dynamodbav:"order_id,omitempty" json:"order_id,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty" json:"response_body,omitempty"` // small responses only
	ResponseStatus int       `dynamodbav:"response_status,omitempty" json:"response_status,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at" json:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at" json:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty" json:"note,omitempty"`
}

// Keeper tracks Idempotency-Key usage for one request at a time.
type Keeper interface {
	// CreateIfNotExists claims key as IN_PROGRESS. created is false if the key
	// is already known; use Get to inspect it.
	CreateIfNotExists(ctx context.Context, key, orderID string) (created bool, err error)
	// Get returns (nil, nil) if the key is unknown.
	Get(ctx context.Context, key string) (*Record, error)
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
	// Retake moves a FAILED record back to IN_PROGRESS. ok is false if the
	// record is not FAILED anymore, e.g. another request retook it first.
	Retake(ctx context.Context, key string) (ok bool, err error)
}

// Scope namespaces a client key by the caller so two buyers can never
// collide on the same key.
func Scope(actorID, key string) string {
	return actorID + "#" + key
}
