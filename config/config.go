package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v7"
	"go.uber.org/zap"
)

// Service names accepted by SERVICE_NAME and the --service flag.
const (
	ServiceUser      = "user-service"
	ServicePrompt    = "prompt-service"
	ServiceAnalytics = "analytics-service"
)

// Broker kinds accepted by BROKER_KIND.
const (
	BrokerAMQP   = "amqp"
	BrokerNATS   = "nats"
	BrokerMemory = "memory"
)

// Analytics store kinds accepted by ANALYTICS_STORE.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// ServerConf holds server configuration
type ServerConf struct {
	Port        string `env:"SERVER_PORT" envDefault:"8080"`
	Env         string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"user-service"`
}

// DatabaseConf holds database configuration
type DatabaseConf struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:""`
	Name     string `env:"DB_NAME" envDefault:"promptforge"`
}

// BrokerConf selects the event transport.
type BrokerConf struct {
	Kind       string `env:"BROKER_KIND" envDefault:"amqp"`
	Partitions int    `env:"BROKER_PARTITIONS" envDefault:"8"`
}

// NATSConf holds the NATS transport settings.
type NATSConf struct {
	URL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
}

// ProducerConf tunes the fire-and-forget producer.
type ProducerConf struct {
	QueueSize         int           `env:"PRODUCER_QUEUE_SIZE" envDefault:"1024"`
	Lanes             int           `env:"PRODUCER_LANES" envDefault:"4"`
	SendTimeout       time.Duration `env:"PRODUCER_SEND_TIMEOUT" envDefault:"5s"`
	SpoolPath         string        `env:"PRODUCER_SPOOL_PATH" envDefault:""`
	RedeliverInterval time.Duration `env:"PRODUCER_REDELIVER_INTERVAL" envDefault:"30s"`
	RedeliverRate     float64       `env:"PRODUCER_REDELIVER_RATE" envDefault:"50"`
	MaxAttempts       int           `env:"PRODUCER_MAX_ATTEMPTS" envDefault:"10"`
}

// ConsumerConf tunes retry and dead-lettering in the consumer dispatcher.
type ConsumerConf struct {
	MaxAttempts   int           `env:"CONSUMER_MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoff  time.Duration `env:"CONSUMER_RETRY_BACKOFF" envDefault:"200ms"`
	RetryMaxDelay time.Duration `env:"CONSUMER_RETRY_MAX_DELAY" envDefault:"2s"`
	DeadLetter    bool          `env:"CONSUMER_DEAD_LETTER" envDefault:"true"`
}

// AnalyticsConf configures the read-model store.
type AnalyticsConf struct {
	Store string `env:"ANALYTICS_STORE" envDefault:"postgres"`
	Dedup bool   `env:"ANALYTICS_DEDUP" envDefault:"true"`
}

// AppConfig holds all application configuration
type AppConfig struct {
	Server    ServerConf
	Database  DatabaseConf
	Broker    BrokerConf
	RabbitMQ  RabbitMQConf
	NATS      NATSConf
	Producer  ProducerConf
	Consumer  ConsumerConf
	Analytics AnalyticsConf
}

// Config is the global configuration instance
var Config AppConfig

// InitConfig initializes application configuration from environment variables
func InitConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	Config = cfg
	return nil
}

// Load parses and validates configuration without touching the global.
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// validate validates the loaded configuration
func (c *AppConfig) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}

	switch c.Server.ServiceName {
	case ServiceUser, ServicePrompt, ServiceAnalytics:
	default:
		return fmt.Errorf("SERVICE_NAME %q is not one of %s, %s, %s",
			c.Server.ServiceName, ServiceUser, ServicePrompt, ServiceAnalytics)
	}

	requiredDBFields := map[string]string{
		"DB_HOST": c.Database.Host,
		"DB_PORT": c.Database.Port,
		"DB_USER": c.Database.User,
		"DB_NAME": c.Database.Name,
	}
	for field, value := range requiredDBFields {
		if value == "" {
			return fmt.Errorf("%s is required", field)
		}
	}

	switch c.Broker.Kind {
	case BrokerAMQP:
		if err := c.RabbitMQ.ValidateRabbitMQConfig(); err != nil {
			return err
		}
	case BrokerNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("NATS_URL is required when BROKER_KIND=nats")
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("BROKER_KIND %q is not one of amqp, nats, memory", c.Broker.Kind)
	}
	if c.Broker.Partitions <= 0 {
		c.Broker.Partitions = 8
	}

	if c.Producer.QueueSize <= 0 {
		c.Producer.QueueSize = 1024
	}
	if c.Producer.Lanes <= 0 {
		c.Producer.Lanes = 1
	}
	if c.Consumer.MaxAttempts <= 0 {
		c.Consumer.MaxAttempts = 1
	}

	switch c.Analytics.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("ANALYTICS_STORE %q is not one of postgres, memory", c.Analytics.Store)
	}

	return nil
}

// GetDatabaseDSN returns the database connection string
func (d *DatabaseConf) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		d.Host,
		d.User,
		d.Password,
		d.Name,
		d.Port,
	)
}

// IsProduction returns true if running in production environment
func (s *ServerConf) IsProduction() bool {
	return s.Env == "production" || s.Env == "prod"
}

// IsDevelopment returns true if running in development environment
func (s *ServerConf) IsDevelopment() bool {
	return s.Env == "development" || s.Env == "dev"
}

// IsTest returns true if running in test environment
func (s *ServerConf) IsTest() bool {
	return s.Env == "test"
}

// PrintConfig logs the current configuration (excluding sensitive data)
func PrintConfig(logger *zap.Logger) {
	logger.Info("📋 current configuration",
		zap.String("env", Config.Server.Env),
		zap.String("service", Config.Server.ServiceName),
		zap.String("port", Config.Server.Port),
		zap.String("db", fmt.Sprintf("%s:%s/%s", Config.Database.Host, Config.Database.Port, Config.Database.Name)),
		zap.String("broker", Config.Broker.Kind),
		zap.String("rabbitmq", fmt.Sprintf("%s:%s", Config.RabbitMQ.Host, Config.RabbitMQ.Port)),
		zap.String("exchange", Config.RabbitMQ.Exchange),
		zap.String("nats", Config.NATS.URL),
		zap.Bool("spool", Config.Producer.SpoolPath != ""),
		zap.String("analytics_store", Config.Analytics.Store),
		zap.Bool("analytics_dedup", Config.Analytics.Dedup),
	)
}

// GetEnv returns environment variable value or default
func GetEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}
