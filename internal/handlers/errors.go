package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
	"github.com/imrishuroy/go-grocery-orderflow/internal/cart"
	"github.com/imrishuroy/go-grocery-orderflow/internal/delivery"
	"github.com/imrishuroy/go-grocery-orderflow/internal/logging"
	"github.com/imrishuroy/go-grocery-orderflow/internal/orders"
)

// classify maps a service error to an HTTP status and body. Unknown errors
// become internal_error and their detail stays in the logs.
func classify(err error) (int, gin.H) {
	var (
		stock   *orders.InsufficientStockError
		missing *orders.ProductNotFoundError
		price   *orders.PriceUnavailableError
	)
	switch {
	case errors.As(err, &stock):
		return http.StatusBadRequest, gin.H{
			"error":     "insufficient_stock",
			"productId": stock.ProductID,
			"available": stock.Available,
			"requested": stock.Requested,
		}
	case errors.As(err, &missing):
		return http.StatusBadRequest, gin.H{"error": "product_not_found", "productId": missing.ProductID}
	case errors.As(err, &price):
		return http.StatusBadRequest, gin.H{
			"error":       "price_unavailable",
			"productId":   price.ProductID,
			"locationKey": price.LocationKey,
		}
	case errors.Is(err, orders.ErrEmptyCart):
		return http.StatusBadRequest, gin.H{"error": "empty_cart"}
	case errors.Is(err, orders.ErrInvalidQuantity):
		return http.StatusBadRequest, gin.H{"error": "invalid_quantity"}
	case errors.Is(err, orders.ErrInvalidStatus):
		return http.StatusBadRequest, gin.H{"error": "invalid_status"}
	case errors.Is(err, orders.ErrInvalidCursor):
		return http.StatusBadRequest, gin.H{"error": "invalid_cursor"}

	case errors.Is(err, auth.ErrNoActor):
		return http.StatusUnauthorized, gin.H{"error": "invalid_request"}
	case errors.Is(err, orders.ErrForbidden):
		return http.StatusForbidden, gin.H{"error": "forbidden"}
	case errors.Is(err, delivery.ErrAgentNotVerified):
		return http.StatusForbidden, gin.H{"error": "agent_not_verified"}
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "order_not_found"}
	case errors.Is(err, delivery.ErrProfileNotFound):
		return http.StatusNotFound, gin.H{"error": "profile_not_found"}

	case errors.Is(err, orders.ErrOrderNotCancellable):
		return http.StatusConflict, gin.H{"error": "order_not_cancellable"}
	case errors.Is(err, orders.ErrInvalidTransition):
		return http.StatusConflict, gin.H{
			"error":    "invalid_transition",
			"terminal": errors.Is(err, orders.ErrTerminalState),
		}
	case errors.Is(err, orders.ErrAlreadyAssigned):
		return http.StatusConflict, gin.H{"error": "already_assigned"}
	case errors.Is(err, orders.ErrNotAssignedToAgent):
		return http.StatusConflict, gin.H{"error": "not_assigned_to_agent"}
	case errors.Is(err, orders.ErrConcurrentModification):
		return http.StatusConflict, gin.H{"error": "concurrent_modification", "retryable": true}
	case errors.Is(err, cart.ErrOutOfStock):
		return http.StatusConflict, gin.H{"error": "out_of_stock"}
	case errors.Is(err, cart.ErrQuantityTooLarge):
		return http.StatusBadRequest, gin.H{"error": "invalid_quantity"}
	}
	return http.StatusInternalServerError, gin.H{"error": "internal_error"}
}

func writeError(c *gin.Context, err error) {
	status, body := classify(err)
	_ = c.Error(err)
	if status == http.StatusInternalServerError {
		logging.From(c).Error("request failed", "error", err)
	} else if code, ok := body["error"].(string); ok {
		domainRejections.WithLabelValues(code).Inc()
	}
	c.AbortWithStatusJSON(status, body)
}
