package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-grocery-orderflow/internal/orders"
	"github.com/imrishuroy/go-grocery-orderflow/internal/validation"
)

func (h *Handler) listAvailable(c *gin.Context) {
	var req validation.AvailableOrdersRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	list, err := h.delivery.ListAvailable(c.Request.Context(), currentActor(c), req.LocationKey)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

// accept is not retried: losing a race is an answer, not a transient error.
func (h *Handler) accept(c *gin.Context) {
	o, err := h.delivery.Accept(c.Request.Context(), currentActor(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	orderTransitions.WithLabelValues(string(o.Status)).Inc()
	c.JSON(http.StatusOK, o)
}

func (h *Handler) agentAdvance(c *gin.Context) {
	var req validation.AdvanceRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	actor, id := currentActor(c), c.Param("id")
	h.transition(c, func(ctx context.Context) (*orders.Order, error) {
		return h.orders.Advance(ctx, actor, id, orders.Status(req.Status))
	})
}

func (h *Handler) deliver(c *gin.Context) {
	actor, id := currentActor(c), c.Param("id")
	h.transition(c, func(ctx context.Context) (*orders.Order, error) {
		return h.delivery.Deliver(ctx, actor, id)
	})
}

func (h *Handler) requestCancel(c *gin.Context) {
	var req validation.RequestCancelRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	actor, id := currentActor(c), c.Param("id")
	h.transition(c, func(ctx context.Context) (*orders.Order, error) {
		return h.delivery.RequestCancellation(ctx, actor, id, req.Reason)
	})
}

func (h *Handler) profile(c *gin.Context) {
	p, err := h.delivery.Profile(c.Request.Context(), currentActor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
