package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
	"github.com/imrishuroy/go-grocery-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-grocery-orderflow/internal/logging"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
)

// operation runs the guarded business call and returns the response to store.
type operation func(ctx context.Context) (status int, body any, err error)

// idempotent runs op at most once per (buyer, Idempotency-Key). Without a key,
// or without a configured keeper, op simply runs.
func (h *Handler) idempotent(c *gin.Context, actor auth.Actor, op operation) {
	ctx := c.Request.Context()
	key := c.GetHeader(IdempotencyHeader)
	if key == "" || h.keeper == nil {
		status, body, err := op(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(status, body)
		return
	}
	if len(key) > maxIdempotencyKeyLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_idempotency_key"})
		return
	}

	scoped := idempotency.Scope(actor.ID, key)
	if !h.claim(c, scoped) {
		return
	}

	status, body, err := op(ctx)
	if err != nil {
		_, payload := classify(err)
		note, _ := payload["error"].(string)
		if mErr := h.keeper.MarkFailed(ctx, scoped, note); mErr != nil {
			logging.From(c).Warn("mark idempotency failed", "key", key, "error", mErr)
		}
		writeError(c, err)
		return
	}

	raw, err := json.Marshal(body)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.keeper.MarkDone(ctx, scoped, string(raw), status); err != nil {
		// the order is committed; a lost DONE only costs a later 202
		logging.From(c).Warn("mark idempotency done", "key", key, "error", err)
	}
	idempotencyOutcomes.WithLabelValues("executed").Inc()
	c.Data(status, "application/json; charset=utf-8", raw)
}

// claim reserves key for this request. It writes the response itself and
// returns false when the request must not run.
func (h *Handler) claim(c *gin.Context, key string) bool {
	ctx := c.Request.Context()
	created, err := h.keeper.CreateIfNotExists(ctx, key, "")
	if err != nil {
		logging.From(c).Error("idempotency claim", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
		return false
	}
	if created {
		return true
	}

	rec, err := h.keeper.Get(ctx, key)
	if err != nil {
		logging.From(c).Error("idempotency lookup", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
		return false
	}
	if rec == nil {
		// expired between the two calls
		c.JSON(http.StatusConflict, gin.H{"error": "idempotency_conflict", "retryable": true})
		return false
	}

	switch rec.Status {
	case idempotency.StatusDone:
		idempotencyOutcomes.WithLabelValues("replayed").Inc()
		c.Header(ReplayedHeader, "true")
		if rec.ResponseBody == "" {
			c.Status(rec.ResponseStatus)
			return false
		}
		c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
		return false
	case idempotency.StatusInProgress:
		idempotencyOutcomes.WithLabelValues("in_progress").Inc()
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress"})
		return false
	case idempotency.StatusFailed:
		ok, err := h.keeper.Retake(ctx, key)
		if err != nil {
			logging.From(c).Error("idempotency retake", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
			return false
		}
		if !ok {
			idempotencyOutcomes.WithLabelValues("in_progress").Inc()
			c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress"})
			return false
		}
		idempotencyOutcomes.WithLabelValues("retaken").Inc()
		return true
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
		return false
	}
}
