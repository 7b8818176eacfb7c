package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-grocery-orderflow/internal/orders"
	"github.com/imrishuroy/go-grocery-orderflow/internal/validation"
)

func (h *Handler) listAll(c *gin.Context) {
	var q validation.ListOrdersQuery
	if err := validation.BindQueryAndValidate(c, &q, h.v); err != nil {
		return
	}
	page, err := h.orders.ListAll(c.Request.Context(), currentActor(c), orders.ListQuery{
		Status: orders.Status(q.Status),
		Limit:  q.Limit,
		Cursor: q.Cursor,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if page.Orders == nil {
		page.Orders = []orders.Order{}
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) confirm(c *gin.Context) {
	actor, id := currentActor(c), c.Param("id")
	h.transition(c, func(ctx context.Context) (*orders.Order, error) {
		return h.orders.Confirm(ctx, actor, id)
	})
}

func (h *Handler) adminAdvance(c *gin.Context) {
	var req validation.AdvanceRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	actor, id := currentActor(c), c.Param("id")
	h.transition(c, func(ctx context.Context) (*orders.Order, error) {
		return h.orders.Advance(ctx, actor, id, orders.Status(req.Status))
	})
}

func (h *Handler) adminCancel(c *gin.Context) {
	var req validation.CancelRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	actor, id := currentActor(c), c.Param("id")
	h.transition(c, func(ctx context.Context) (*orders.Order, error) {
		return h.orders.Cancel(ctx, actor, id, req.Reason)
	})
}

func (h *Handler) forceStatus(c *gin.Context) {
	var req validation.StatusRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	actor, id := currentActor(c), c.Param("id")
	h.transition(c, func(ctx context.Context) (*orders.Order, error) {
		return h.orders.ForceSetStatus(ctx, actor, id, orders.Status(req.Status))
	})
}
