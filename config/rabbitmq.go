package config

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitMQConf struct {
	Host          string `env:"RABBITMQ_HOST" envDefault:"localhost"`
	Port          string `env:"RABBITMQ_PORT" envDefault:"5672"`
	User          string `env:"RABBITMQ_USER" envDefault:"guest"`
	Password      string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	Exchange      string `env:"RABBITMQ_EXCHANGE" envDefault:"promptforge.events"`
	ExchangeType  string `env:"RABBITMQ_EXCHANGE_TYPE" envDefault:"topic"`
	DLX           string `env:"RABBITMQ_DLX" envDefault:"promptforge.dlx"`
	PrefetchCount int    `env:"RABBITMQ_PREFETCH_COUNT" envDefault:"10"`
	PoolSize      int    `env:"RABBITMQ_POOL_SIZE" envDefault:"2"`
	Concurrency   int    `env:"RABBITMQ_CONCURRENCY" envDefault:"1"`
}

// GetRabbitMQURL constructs the RabbitMQ connection URL
func (r *RabbitMQConf) GetRabbitMQURL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		r.User,
		r.Password,
		r.Host,
		r.Port,
	)
}

// ValidateRabbitMQConfig validates RabbitMQ configuration
func (r *RabbitMQConf) ValidateRabbitMQConfig() error {
	requiredFields := map[string]string{
		"Host":     r.Host,
		"Port":     r.Port,
		"User":     r.User,
		"Password": r.Password,
		"Exchange": r.Exchange,
	}

	for field, value := range requiredFields {
		if value == "" {
			return fmt.Errorf("RabbitMQ configuration error: %s is required", field)
		}
	}

	if r.PrefetchCount <= 0 {
		r.PrefetchCount = 10
	}
	if r.PoolSize <= 0 {
		r.PoolSize = 2
	}
	if r.Concurrency <= 0 {
		r.Concurrency = 1
	}
	if r.ExchangeType == "" {
		r.ExchangeType = "topic"
	}

	return nil
}

// DialRabbitMQ connects to RabbitMQ, retrying while the broker starts up.
func DialRabbitMQ(r RabbitMQConf, logger *zap.Logger) (*amqp.Connection, error) {
	maxAttempts := 5
	retryInterval := 2 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := amqp.Dial(r.GetRabbitMQURL())
		if err == nil {
			logger.Info("✅ RabbitMQ connected", zap.String("host", r.Host), zap.String("port", r.Port))
			return conn, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			logger.Warn("⏳ RabbitMQ not ready, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("retry_in", retryInterval),
				zap.Error(err),
			)
			time.Sleep(retryInterval)
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxAttempts, lastErr)
}
