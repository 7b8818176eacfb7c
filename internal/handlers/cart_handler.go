package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
	"github.com/imrishuroy/go-grocery-orderflow/internal/cart"
	"github.com/imrishuroy/go-grocery-orderflow/internal/logging"
	"github.com/imrishuroy/go-grocery-orderflow/internal/orders"
	"github.com/imrishuroy/go-grocery-orderflow/internal/validation"
)

// cartView is the hydrated cart with a preview of checkout fees.
type cartView struct {
	LocationKey string          `json:"locationKey"`
	Items       []cart.Item     `json:"items"`
	ItemCount   int             `json:"itemCount"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	DeliveryFee decimal.Decimal `json:"deliveryFee"`
	Total       decimal.Decimal `json:"total"`
}

type cartChange struct {
	Change    cart.Change `json:"change"`
	ItemCount int         `json:"itemCount"`
}

func (h *Handler) openCart(ctx context.Context, actor auth.Actor) (*cart.Store, error) {
	return cart.Open(ctx, cart.NewRedisPersister(h.rdb, actor.ID, h.cartTTL), h.products)
}

func (h *Handler) getCart(c *gin.Context) {
	loc := c.Query("location")
	if loc == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "location_required"})
		return
	}
	ctx := c.Request.Context()
	store, err := h.openCart(ctx, currentActor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	items, err := store.Hydrate(ctx, loc)
	if err != nil {
		writeError(c, err)
		return
	}
	subtotal, err := store.Total(loc)
	if err != nil {
		writeError(c, err)
		return
	}
	q := h.orders.Quote(subtotal)
	c.JSON(http.StatusOK, cartView{
		LocationKey: loc,
		Items:       items,
		ItemCount:   store.ItemCount(),
		Subtotal:    q.Subtotal,
		Tax:         q.Tax,
		DeliveryFee: q.DeliveryFee,
		Total:       q.Total,
	})
}

// hydrateFor refreshes stock ceilings before a mutation when the client
// names its location.
func hydrateFor(ctx context.Context, store *cart.Store, loc string) error {
	if loc == "" {
		return nil
	}
	_, err := store.Hydrate(ctx, loc)
	return err
}

func (h *Handler) addCartLine(c *gin.Context) {
	var req validation.CartLineRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	ctx := c.Request.Context()
	store, err := h.openCart(ctx, currentActor(c))
	if err == nil {
		err = hydrateFor(ctx, store, req.LocationKey)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	ch, err := store.AddLine(ctx, req.ProductID, req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cartChange{Change: ch, ItemCount: store.ItemCount()})
}

func (h *Handler) updateCartLine(c *gin.Context) {
	var req validation.CartQuantityRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	ctx := c.Request.Context()
	store, err := h.openCart(ctx, currentActor(c))
	if err == nil {
		err = hydrateFor(ctx, store, req.LocationKey)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	ch, err := store.UpdateQuantity(ctx, c.Param("productId"), *req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cartChange{Change: ch, ItemCount: store.ItemCount()})
}

func (h *Handler) removeCartLine(c *gin.Context) {
	ctx := c.Request.Context()
	store, err := h.openCart(ctx, currentActor(c))
	if err == nil {
		err = store.RemoveLine(ctx, c.Param("productId"))
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) clearCart(c *gin.Context) {
	ctx := c.Request.Context()
	store, err := h.openCart(ctx, currentActor(c))
	if err == nil {
		err = store.Clear(ctx)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// checkout turns the stored skeleton into an order and clears the cart once
// the order is committed.
func (h *Handler) checkout(c *gin.Context) {
	var req validation.CheckoutRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	actor := currentActor(c)

	h.idempotent(c, actor, func(ctx context.Context) (int, any, error) {
		store, err := h.openCart(ctx, actor)
		if err != nil {
			return 0, nil, err
		}
		lines := store.Lines()
		in := orders.CreateOrderInput{
			Lines:           make([]orders.LineInput, 0, len(lines)),
			LocationKey:     req.LocationKey,
			DeliveryAddress: req.DeliveryAddress,
			Notes:           req.Notes,
		}
		for _, l := range lines {
			in.Lines = append(in.Lines, orders.LineInput{ProductID: l.ProductID, Quantity: l.Quantity})
		}

		o, err := h.orders.CreateOrder(ctx, actor, in)
		if err != nil {
			return 0, nil, err
		}
		ordersCreated.Inc()
		if err := store.Clear(ctx); err != nil {
			logging.FromCtx(ctx).Warn("clear cart after checkout", "order_id", o.ID, "error", err)
		}
		c.Header("Location", "/orders/"+o.ID)
		return http.StatusCreated, o, nil
	})
}
