package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/go-grocery-orderflow/internal/auth"
	"github.com/imrishuroy/go-grocery-orderflow/internal/aws"
	"github.com/imrishuroy/go-grocery-orderflow/internal/catalog"
	"github.com/imrishuroy/go-grocery-orderflow/internal/config"
	"github.com/imrishuroy/go-grocery-orderflow/internal/delivery"
	"github.com/imrishuroy/go-grocery-orderflow/internal/handlers"
	"github.com/imrishuroy/go-grocery-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-grocery-orderflow/internal/logging"
	"github.com/imrishuroy/go-grocery-orderflow/internal/memstore"
	"github.com/imrishuroy/go-grocery-orderflow/internal/orders"

	orderevents "github.com/imrishuroy/go-grocery-orderflow/internal/events"
)

// storage is what a driver provides to the services.
type storage struct {
	repo     orders.Repository
	products catalog.Reader
	profiles delivery.ProfileStore
}

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

	base := logging.Init(cfg.App.Name, cfg.App.LogFile, cfg.App.LogLevel)
	log := logging.New("main")

	var clients *aws.Clients
	needAWS := cfg.Storage.Driver == config.DriverDynamoDB ||
		cfg.Events.Driver == config.DriverSQS ||
		cfg.Idempotency.Backend == config.DriverDynamoDB
	if needAWS {
		clients, err = aws.NewClients(ctx, aws.ClientOptions{
			Region:      cfg.AWS.Region,
			Endpoint:    cfg.AWS.EndpointOverride,
			MaxAttempts: cfg.AWS.MaxAttempts,
		})
		if err != nil {
			log.Error("init aws clients", "error", err)
			os.Exit(1)
		}
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("redis ping", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	st, err := openStorage(ctx, cfg, clients)
	if err != nil {
		log.Error("open storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}

	publisher, closePublisher, err := openPublisher(cfg, clients)
	if err != nil {
		log.Error("open event publisher", "driver", cfg.Events.Driver, "error", err)
		os.Exit(1)
	}
	defer closePublisher()

	policy, err := cfg.PricingPolicy()
	if err != nil {
		log.Error("pricing policy", "error", err)
		os.Exit(1)
	}
	orderSvc := orders.NewService(st.repo, st.products, orders.Options{
		Policy:    policy,
		LeadTime:  cfg.Pricing.DeliveryLeadTime,
		Publisher: handlers.CountPublishFailures(publisher),
		Logger:    logging.New("orders"),
	})

	hcfg := handlers.HandlerConfig{
		Orders:   orderSvc,
		Delivery: delivery.NewService(orderSvc, st.profiles),
		Products: st.products,
		Auth:     auth.NewAuthenticator(cfg.Security.JWTSecret, cfg.Security.Issuer, cfg.Security.Audience, cfg.Security.Leeway),
		CartTTL:  cfg.Redis.CartTTL,
	}
	if rdb != nil {
		hcfg.Redis = rdb
	}
	switch cfg.Idempotency.Backend {
	case config.DriverDynamoDB:
		hcfg.Idempotency = idempotency.NewStore(clients.DynamoDB, cfg.Storage.IdempotencyTable, cfg.Idempotency.TTL)
	case config.DriverRedis:
		hcfg.Idempotency = idempotency.NewRedisStore(rdb, cfg.Idempotency.TTL)
	}

	r := handlers.NewRouter(handlers.New(hcfg), base.With("subcomponent", "http"))

	if cfg.App.RunLocal {
		log.Info("running local server", "addr", cfg.App.HTTPAddr, "storage", cfg.Storage.Driver, "events", cfg.Events.Driver)
		srv := &http.Server{
			Addr:              cfg.App.HTTPAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			log.Error("local server stopped", "error", err)
			os.Exit(1)
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

func openStorage(ctx context.Context, cfg config.Config, clients *aws.Clients) (storage, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		mem := memstore.New()
		if cfg.Storage.SeedFile != "" {
			if err := mem.LoadSeedFile(ctx, cfg.Storage.SeedFile); err != nil {
				return storage{}, err
			}
		}
		return storage{repo: mem, products: mem, profiles: mem}, nil
	}
	return storage{
		repo: orders.NewStore(clients.DynamoDB, orders.Tables{
			Orders:      cfg.Storage.OrdersTable,
			Products:    cfg.Storage.ProductsTable,
			Assignments: cfg.Storage.AssignmentsTable,
		}),
		products: catalog.NewStore(clients.DynamoDB, cfg.Storage.ProductsTable),
		profiles: delivery.NewDynamoProfileStore(clients.DynamoDB, cfg.Storage.AgentsTable),
	}, nil
}

func openPublisher(cfg config.Config, clients *aws.Clients) (orderevents.Publisher, func(), error) {
	switch cfg.Events.Driver {
	case config.DriverSQS:
		return orderevents.NewSQSPublisher(aws.NewPublisher(clients.SQS, cfg.Events.QueueURL)), func() {}, nil
	case config.DriverKafka:
		kp, err := orderevents.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return kp, func() { _ = kp.Close() }, nil
	default:
		return orderevents.NewLogPublisher(logging.New("events")), func() {}, nil
	}
}
