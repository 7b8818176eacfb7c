package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-grocery-orderflow/internal/aws"
	"github.com/imrishuroy/go-grocery-orderflow/internal/config"
	"github.com/imrishuroy/go-grocery-orderflow/internal/logging"
)

func main() {
	ctx := context.Background()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "./configs"
	}
	cfg, err := config.Load(configDir, env)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logging.Init(cfg.App.Name+"-worker", cfg.App.LogFile, cfg.App.LogLevel)
	log := logging.New("worker")

	clients, err := aws.NewClients(ctx, aws.ClientOptions{
		Region:      cfg.AWS.Region,
		Endpoint:    cfg.AWS.EndpointOverride,
		MaxAttempts: cfg.AWS.MaxAttempts,
	})
	if err != nil {
		log.Error("init aws clients", "error", err)
		os.Exit(1)
	}
	p := NewProcessor(aws.NewMetricRecorder(clients.CloudWatch, cfg.Metrics.CloudWatchNamespace), log)

	// If RUN_LOCAL=true, process a single event body from LOCAL_SQS_BODY.
	if cfg.App.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			body = `{"event_id":"local-1","type":"order.created","order_id":"local-order-1","status":"pending","total":"220","location_key":"mumbai"}`
		}
		event := events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local", Body: body}}}
		if err := p.Handle(ctx, event); err != nil {
			log.Error("local handler error", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(p.Handle)
}
