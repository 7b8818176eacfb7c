package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-grocery-orderflow/internal/aws"
	orderevents "github.com/imrishuroy/go-grocery-orderflow/internal/events"
)

// MetricSink receives business metrics; *aws.MetricRecorder in production.
type MetricSink interface {
	Record(ctx context.Context, metrics ...aws.Metric) error
}

// Processor turns order lifecycle events into CloudWatch business metrics.
type Processor struct {
	sink MetricSink
	log  *slog.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(sink MetricSink, log *slog.Logger) *Processor {
	return &Processor{sink: sink, log: log}
}

// Handle receives an SQS batch event and processes each message.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	var batch []aws.Metric
	for _, rec := range ev.Records {
		e, err := orderevents.Decode([]byte(rec.Body))
		if err != nil {
			// Return error: Lambda will retry. If failed too many times, message goes to DLQ.
			p.log.Error("malformed order event", "message_id", rec.MessageId, "error", err)
			return fmt.Errorf("message %s: %w", rec.MessageId, err)
		}
		metrics := metricsFor(e)
		if len(metrics) == 0 {
			p.log.Info("skipping order event", "type", e.Type, "status", e.Status, "order_id", e.OrderID)
			continue
		}
		batch = append(batch, metrics...)
	}
	if len(batch) == 0 {
		return nil
	}
	if err := p.sink.Record(ctx, batch...); err != nil {
		return fmt.Errorf("record metrics: %w", err)
	}
	p.log.Info("recorded order metrics", "messages", len(ev.Records), "metrics", len(batch))
	return nil
}

// metricsFor maps one event to its metrics; nil means the event carries
// nothing we track.
func metricsFor(e orderevents.Event) []aws.Metric {
	count := func(name string) aws.Metric {
		return aws.Metric{
			Name:       name,
			Value:      1,
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: map[string]string{"LocationKey": e.LocationKey},
			Timestamp:  e.OccurredAt,
		}
	}

	switch e.Type {
	case orderevents.TypeOrderCreated:
		out := []aws.Metric{count("OrdersCreated")}
		if v, ok := parseTotal(e.Total); ok {
			value := count("OrderValue")
			value.Value = v
			value.Unit = cwtypes.StandardUnitNone
			out = append(out, value)
		}
		return out
	case orderevents.TypeStatusChanged:
		switch e.Status {
		case "cancelled":
			return []aws.Metric{count("OrdersCancelled")}
		case "confirmed":
			return []aws.Metric{count("OrdersConfirmed")}
		case "delivered":
			return []aws.Metric{count("OrdersDelivered")}
		}
	case orderevents.TypeOrderDelivered:
		return []aws.Metric{count("OrdersDelivered")}
	case orderevents.TypeOrderAssigned:
		return []aws.Metric{count("OrdersAssigned")}
	case orderevents.TypeCancellationRequested:
		return []aws.Metric{count("CancellationRequests")}
	}
	return nil
}

func parseTotal(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	return d.InexactFloat64(), true
}
