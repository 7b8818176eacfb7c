package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-grocery-orderflow/internal/pricing"
)

// EnvPrefix is the prefix of environment overrides; nesting uses "__",
// e.g. ORDERFLOW_STORAGE__DRIVER=memory.
const EnvPrefix = "ORDERFLOW_"

const (
	DriverDynamoDB = "dynamodb"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverNone     = "none"
	DriverSQS      = "sqs"
	DriverKafka    = "kafka"
	DriverLog      = "log"
)

type Config struct {
	App struct {
		Name     string `koanf:"name"`
		Env      string `koanf:"env"`
		HTTPAddr string `koanf:"http_addr"`
		RunLocal bool   `koanf:"run_local"`
		LogLevel string `koanf:"log_level"`
		LogFile  string `koanf:"log_file"`
	} `koanf:"app"`

	AWS struct {
		Region           string `koanf:"region"`
		EndpointOverride string `koanf:"endpoint_override"`
		// MaxAttempts caps SDK retries per call; 0 keeps the SDK default.
		MaxAttempts int `koanf:"max_attempts"`
	} `koanf:"aws"`

	Storage struct {
		Driver           string `koanf:"driver"`
		OrdersTable      string `koanf:"orders_table"`
		ProductsTable    string `koanf:"products_table"`
		AssignmentsTable string `koanf:"assignments_table"`
		AgentsTable      string `koanf:"agents_table"`
		IdempotencyTable string `koanf:"idempotency_table"`
		SeedFile         string `koanf:"seed_file"`
	} `koanf:"storage"`

	Redis struct {
		Addr     string        `koanf:"addr"`
		Password string        `koanf:"password"`
		DB       int           `koanf:"db"`
		CartTTL  time.Duration `koanf:"cart_ttl"`
	} `koanf:"redis"`

	Idempotency struct {
		Backend string        `koanf:"backend"`
		TTL     time.Duration `koanf:"ttl"`
	} `koanf:"idempotency"`

	Events struct {
		Driver       string   `koanf:"driver"`
		QueueURL     string   `koanf:"queue_url"`
		KafkaBrokers []string `koanf:"kafka_brokers"`
		KafkaTopic   string   `koanf:"kafka_topic"`
	} `koanf:"events"`

	Security struct {
		JWTSecret string        `koanf:"jwt_secret"`
		Issuer    string        `koanf:"issuer"`
		Audience  string        `koanf:"audience"`
		Leeway    time.Duration `koanf:"leeway"`
	} `koanf:"security"`

	Pricing struct {
		TaxRate               string        `koanf:"tax_rate"`
		FreeDeliveryThreshold string        `koanf:"free_delivery_threshold"`
		FlatDeliveryFee       string        `koanf:"flat_delivery_fee"`
		DeliveryLeadTime      time.Duration `koanf:"delivery_lead_time"`
	} `koanf:"pricing"`

	Metrics struct {
		CloudWatchNamespace string `koanf:"cloudwatch_namespace"`
	} `koanf:"metrics"`
}

// Load layers <dir>/base.yaml, the optional <dir>/<envName>.yaml and the
// ORDERFLOW_ environment overlay, then validates the result.
func Load(dir, envName string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(fmt.Sprintf("%s/base.yaml", dir)), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("load base: %w", err)
	}

	if envName != "" {
		envFile := fmt.Sprintf("%s/%s.yaml", dir, envName)
		if _, err := os.Stat(envFile); err == nil {
			if err := k.Load(file.Provider(envFile), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if cfg.App.Env == "" {
		cfg.App.Env = envName
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":8080"
	}
	if c.App.LogFile == "" {
		c.App.LogFile = "./logs/app.log"
	}
	if c.AWS.Region == "" {
		c.AWS.Region = "us-east-1"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverDynamoDB
	}
	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = DriverNone
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 48 * time.Hour
	}
	if c.Events.Driver == "" {
		c.Events.Driver = DriverLog
	}
	if c.Security.Leeway == 0 {
		c.Security.Leeway = 30 * time.Second
	}
	if c.Pricing.TaxRate == "" {
		c.Pricing.TaxRate = "0"
	}
	if c.Pricing.FreeDeliveryThreshold == "" {
		c.Pricing.FreeDeliveryThreshold = "1000"
	}
	if c.Pricing.FlatDeliveryFee == "" {
		c.Pricing.FlatDeliveryFee = "50"
	}
	if c.Pricing.DeliveryLeadTime == 0 {
		c.Pricing.DeliveryLeadTime = 24 * time.Hour
	}
	if c.Redis.CartTTL == 0 {
		c.Redis.CartTTL = 30 * 24 * time.Hour
	}
	if c.Metrics.CloudWatchNamespace == "" {
		c.Metrics.CloudWatchNamespace = "GroceryOrderflow"
	}
}

func (c Config) Validate() error {
	if c.App.HTTPAddr == "" {
		return fmt.Errorf("app.http_addr required")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverDynamoDB:
		if c.Storage.OrdersTable == "" || c.Storage.ProductsTable == "" ||
			c.Storage.AssignmentsTable == "" || c.Storage.AgentsTable == "" {
			return fmt.Errorf("storage: orders, products, assignments and agents tables required for dynamodb")
		}
	default:
		return fmt.Errorf("storage.driver %q not supported", c.Storage.Driver)
	}
	switch c.Idempotency.Backend {
	case DriverNone:
	case DriverDynamoDB:
		if c.Storage.IdempotencyTable == "" {
			return fmt.Errorf("storage.idempotency_table required for dynamodb idempotency")
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr required for redis idempotency")
		}
	default:
		return fmt.Errorf("idempotency.backend %q not supported", c.Idempotency.Backend)
	}
	switch c.Events.Driver {
	case DriverLog:
	case DriverSQS:
		if c.Events.QueueURL == "" {
			return fmt.Errorf("events.queue_url required for sqs")
		}
	case DriverKafka:
		if len(c.Events.KafkaBrokers) == 0 || c.Events.KafkaTopic == "" {
			return fmt.Errorf("events.kafka_brokers and events.kafka_topic required for kafka")
		}
	default:
		return fmt.Errorf("events.driver %q not supported", c.Events.Driver)
	}
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret required")
	}
	if _, err := c.PricingPolicy(); err != nil {
		return err
	}
	return nil
}

// PricingPolicy parses the pricing section into a checkout policy.
func (c Config) PricingPolicy() (pricing.Policy, error) {
	rate, err := parseNonNegative("pricing.tax_rate", c.Pricing.TaxRate)
	if err != nil {
		return pricing.Policy{}, err
	}
	threshold, err := parseNonNegative("pricing.free_delivery_threshold", c.Pricing.FreeDeliveryThreshold)
	if err != nil {
		return pricing.Policy{}, err
	}
	fee, err := parseNonNegative("pricing.flat_delivery_fee", c.Pricing.FlatDeliveryFee)
	if err != nil {
		return pricing.Policy{}, err
	}
	return pricing.Policy{
		TaxRate:               rate,
		FreeDeliveryThreshold: threshold,
		FlatDeliveryFee:       fee,
	}, nil
}

func parseNonNegative(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", name, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must be >= 0", name)
	}
	return d, nil
}
