package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/imrishuroy/go-grocery-orderflow/internal/events"
)

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_ms",
			Help:    "Duration of HTTP requests in ms",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 400, 800, 1600},
		},
		[]string{"method", "path"},
	)

	ordersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Orders committed by the assembler",
	})

	orderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Committed lifecycle transitions by target status",
		},
		[]string{"to"},
	)

	domainRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_rejections_total",
			Help: "Requests rejected by a domain rule, by error code",
		},
		[]string{"code"},
	)

	idempotencyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_outcomes_total",
			Help: "Idempotency-Key lookups by outcome",
		},
		[]string{"outcome"},
	)

	eventPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_event_publish_failures_total",
			Help: "Order events that could not be handed to the sink",
		},
		[]string{"type"},
	)
)

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := float64(time.Since(start).Milliseconds())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		httpRequests.WithLabelValues(c.Request.Method, path,
			http.StatusText(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

type countingPublisher struct {
	next events.Publisher
}

// CountPublishFailures wraps p so failed publishes show up on /metrics.
func CountPublishFailures(p events.Publisher) events.Publisher {
	return countingPublisher{next: p}
}

func (p countingPublisher) Publish(ctx context.Context, e events.Event) error {
	err := p.next.Publish(ctx, e)
	if err != nil {
		eventPublishFailures.WithLabelValues(string(e.Type)).Inc()
	}
	return err
}
