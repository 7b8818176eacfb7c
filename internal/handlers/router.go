package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
	"github.com/imrishuroy/go-grocery-orderflow/internal/logging"
)

// NewRouter builds the engine with recovery, metrics and request logging.
func NewRouter(h *Handler, base *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), MetricsMiddleware(), Logging(base))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h.Register(r)
	return r
}

// Register mounts the order, cart, admin and agent routes behind the JWT
// middleware. Ownership checks happen in the services.
func (h *Handler) Register(r gin.IRouter) {
	buyer := auth.RequireRole(auth.RoleBuyer)
	admin := auth.RequireRole(auth.RoleAdmin)
	agent := auth.RequireRole(auth.RoleDelivery)

	api := r.Group("", h.auth.Middleware())
	{
		api.POST("/orders", buyer, h.createOrder)
		api.GET("/orders/my-orders", buyer, h.listMine)
		api.GET("/orders/:id", auth.RequireRole(auth.RoleBuyer, auth.RoleAdmin), h.getOrder)
		api.PATCH("/orders/:id/cancel", buyer, h.cancelMine)
		api.POST("/orders/available-orders", agent, h.listAvailable)
	}

	if h.rdb != nil {
		carts := api.Group("/cart", buyer)
		carts.GET("", h.getCart)
		carts.POST("/lines", h.addCartLine)
		carts.PATCH("/lines/:productId", h.updateCartLine)
		carts.DELETE("/lines/:productId", h.removeCartLine)
		carts.DELETE("", h.clearCart)
		carts.POST("/checkout", h.checkout)
	} else {
		logging.New("http").Info("redis not configured, cart routes disabled")
	}

	adm := api.Group("/admin/orders", admin)
	{
		adm.GET("", h.listAll)
		adm.PATCH("/:id/confirm", h.confirm)
		adm.PATCH("/:id/advance", h.adminAdvance)
		adm.PATCH("/:id/cancel", h.adminCancel)
		adm.PATCH("/:id/status", h.forceStatus)
	}

	ag := api.Group("/agent/:id", agent)
	{
		ag.PATCH("/accept", h.accept)
		ag.PATCH("/advance", h.agentAdvance)
		ag.POST("/deliver", h.deliver)
		ag.POST("/request-cancel", h.requestCancel)
	}
	api.GET("/agents/me", agent, h.profile)
}
