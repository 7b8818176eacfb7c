package handlers

import (
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
	"github.com/imrishuroy/go-grocery-orderflow/internal/cart"
	"github.com/imrishuroy/go-grocery-orderflow/internal/delivery"
	"github.com/imrishuroy/go-grocery-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-grocery-orderflow/internal/orders"
	"github.com/imrishuroy/go-grocery-orderflow/internal/validation"
)

// HandlerConfig groups dependencies for the HTTP handlers.
type HandlerConfig struct {
	Orders   *orders.Service
	Delivery *delivery.Service
	Products cart.ProductSource
	Auth     *auth.Authenticator
	// Idempotency is optional; nil ignores the Idempotency-Key header.
	Idempotency idempotency.Keeper
	// Redis holds server-side carts; nil leaves the /cart routes unregistered.
	Redis   redis.Cmdable
	CartTTL time.Duration
}

// Handler serves every route; see Register.
type Handler struct {
	orders   *orders.Service
	delivery *delivery.Service
	products cart.ProductSource
	auth     *auth.Authenticator
	keeper   idempotency.Keeper
	rdb      redis.Cmdable
	cartTTL  time.Duration
	v        *validatorv10.Validate
}

func New(cfg HandlerConfig) *Handler {
	return &Handler{
		orders:   cfg.Orders,
		delivery: cfg.Delivery,
		products: cfg.Products,
		auth:     cfg.Auth,
		keeper:   cfg.Idempotency,
		rdb:      cfg.Redis,
		cartTTL:  cfg.CartTTL,
		v:        validation.New(),
	}
}
