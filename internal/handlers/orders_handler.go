package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
	"github.com/imrishuroy/go-grocery-orderflow/internal/orders"
	"github.com/imrishuroy/go-grocery-orderflow/internal/validation"
)

// currentActor is safe to call behind Middleware; the zero actor fails every
// role check in the services.
func currentActor(c *gin.Context) auth.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}

func (h *Handler) createOrder(c *gin.Context) {
	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		// BindAndValidate already wrote a 400
		return
	}
	actor := currentActor(c)

	in := orders.CreateOrderInput{
		Lines:           make([]orders.LineInput, 0, len(req.Items)),
		LocationKey:     req.LocationKey,
		DeliveryAddress: req.DeliveryAddress,
		Notes:           req.Notes,
	}
	for _, it := range req.Items {
		in.Lines = append(in.Lines, orders.LineInput{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	h.idempotent(c, actor, func(ctx context.Context) (int, any, error) {
		o, err := h.orders.CreateOrder(ctx, actor, in)
		if err != nil {
			return 0, nil, err
		}
		ordersCreated.Inc()
		c.Header("Location", "/orders/"+o.ID)
		return http.StatusCreated, o, nil
	})
}

func (h *Handler) listMine(c *gin.Context) {
	list, err := h.orders.ListMine(c.Request.Context(), currentActor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

func (h *Handler) getOrder(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), currentActor(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) cancelMine(c *gin.Context) {
	var req validation.CancelRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	o, err := h.orders.Cancel(c.Request.Context(), currentActor(c), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	orderTransitions.WithLabelValues(string(o.Status)).Inc()
	c.JSON(http.StatusOK, o)
}

// transition runs a lifecycle call with conflict retries and writes the result.
func (h *Handler) transition(c *gin.Context, fn func(ctx context.Context) (*orders.Order, error)) {
	o, err := h.orders.WithRetry(c.Request.Context(), fn)
	if err != nil {
		writeError(c, err)
		return
	}
	orderTransitions.WithLabelValues(string(o.Status)).Inc()
	c.JSON(http.StatusOK, o)
}
