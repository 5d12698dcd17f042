package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	GoEnv    string `envconfig:"GO_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	StoreBackend string `envconfig:"STORE_BACKEND" default:"memory"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`

	AWSRegion         string `envconfig:"AWS_REGION" default:"ap-northeast-2"`
	DynamoDBEndpoint  string `envconfig:"DYNAMODB_ENDPOINT"`
	ProductTableName  string `envconfig:"PRODUCT_TABLE_NAME" default:"storefront-products"`
	OrderTableName    string `envconfig:"ORDER_TABLE_NAME" default:"storefront-orders"`
	SettingsTableName string `envconfig:"SETTINGS_TABLE_NAME" default:"storefront-settings"`

	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `envconfig:"KAFKA_TOPIC" default:"storefront.changes"`

	InstanceID string `envconfig:"INSTANCE_ID"`

	StoreTimeout       time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`
	BreakerMaxFailures int           `envconfig:"BREAKER_MAX_FAILURES" default:"5"`
	BreakerTimeout     time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s"`

	PrefsPath     string `envconfig:"PREFS_PATH" default:".storefront-prefs.json"`
	StorefrontURL string `envconfig:"STOREFRONT_URL" default:"http://localhost:8080"`
}

// Load reads .env.<GO_ENV>, then .env, then the process environment.
// Variables already set in the environment are never overridden.
func Load() (*Config, error) {
	env := os.Getenv("GO_ENV")
	if env == "" {
		env = "development"
	}

	envFile := fmt.Sprintf(".env.%s", env)
	if err := godotenv.Load(envFile); err != nil {
		if err := godotenv.Load(); err != nil {
			logrus.Debug("No .env file found, using system environment variables")
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendDynamoDB:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}

// Brokers returns the configured Kafka brokers, or nil when the Kafka bridge is disabled.
func (c *Config) Brokers() []string {
	if strings.TrimSpace(c.KafkaBrokers) == "" {
		return nil
	}
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (c *Config) IsProduction() bool {
	return c.GoEnv == "production"
}

// NewLogger builds the JSON logger every binary uses.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
