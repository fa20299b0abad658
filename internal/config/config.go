package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrConfigMissing = errors.New("config_missing")

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBRunMigrations   bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RabbitMQURL string

	Gateway       GatewayConfig
	Credits       CreditsConfig
	Reconcile     ReconcileConfig
	ToolCost      ToolCostConfig
	RateLimit     RateLimitConfig
	SnowflakeNode int64
}

// GatewayConfig holds payment gateway credentials. All three secrets are
// required; webhook authentication fails closed without WebhookSecret.
type GatewayConfig struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
	MaxRetries    int
}

// ObservabilityConfig drives logging, tracing and OTel metrics export.
type ObservabilityConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtlpEndpoint  string
	OtlpProtocol  string
	SamplingRatio float64
}

type CreditsConfig struct {
	StartingCredits int64
}

type ReconcileConfig struct {
	Enabled     bool
	Interval    time.Duration
	GracePeriod time.Duration
	AutoRetry   bool
	BatchSize   int
}

type ToolCostConfig struct {
	CacheTTL time.Duration
}

// RateLimitConfig throttles tool charges per account. It needs Redis.
type RateLimitConfig struct {
	Enabled     bool
	ChargeRate  float64
	ChargeBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "creditledger"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		Observability: ObservabilityConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OtlpEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317"))),
			OtlpProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creditledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBRunMigrations:   getenvBool("DATABASE_RUN_MIGRATIONS", true),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       int(getenvInt64("REDIS_DB", 0)),

		RabbitMQURL: strings.TrimSpace(getenv("RABBITMQ_URL", "")),

		Gateway: GatewayConfig{
			BaseURL:       strings.TrimRight(getenv("RAZORPAY_BASE_URL", "https://api.razorpay.com/v1"), "/"),
			KeyID:         strings.TrimSpace(getenv("RAZORPAY_KEY_ID", "")),
			KeySecret:     strings.TrimSpace(getenv("RAZORPAY_KEY_SECRET", "")),
			WebhookSecret: strings.TrimSpace(getenv("RAZORPAY_WEBHOOK_SECRET", "")),
			Timeout:       getenvDuration("RAZORPAY_TIMEOUT", 5*time.Second),
			MaxRetries:    int(getenvInt64("RAZORPAY_MAX_RETRIES", 1)),
		},
		Credits: CreditsConfig{
			StartingCredits: getenvInt64("STARTING_CREDITS", 10),
		},
		Reconcile: ReconcileConfig{
			Enabled:     getenvBool("RECONCILE_ENABLED", true),
			Interval:    getenvDuration("RECONCILE_INTERVAL", 5*time.Minute),
			GracePeriod: getenvDuration("RECONCILE_GRACE_PERIOD", 15*time.Minute),
			AutoRetry:   getenvBool("RECONCILE_AUTO_RETRY", false),
			BatchSize:   int(getenvInt64("RECONCILE_BATCH_SIZE", 50)),
		},
		ToolCost: ToolCostConfig{
			CacheTTL: getenvDuration("TOOL_COST_CACHE_TTL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getenvBool("RATE_LIMIT_ENABLED", false),
			ChargeRate:  getenvFloat("RATE_LIMIT_CHARGE_RATE", 2),
			ChargeBurst: int(getenvInt64("RATE_LIMIT_CHARGE_BURST", 20)),
		},
		SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),
	}

	return cfg
}

// Validate reports required settings that are absent.
func (c Config) Validate() error {
	missing := make([]string, 0, 3)
	if c.Gateway.KeyID == "" {
		missing = append(missing, "RAZORPAY_KEY_ID")
	}
	if c.Gateway.KeySecret == "" {
		missing = append(missing, "RAZORPAY_KEY_SECRET")
	}
	if c.Gateway.WebhookSecret == "" {
		missing = append(missing, "RAZORPAY_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigMissing, strings.Join(missing, ", "))
	}
	return nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
