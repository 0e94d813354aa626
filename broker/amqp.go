package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"promptforge/config"

	amqp "github.com/rabbitmq/amqp091-go"
	paotaconfig "github.com/surendratiwari3/paota/config"
	"github.com/surendratiwari3/paota/schema"
	"github.com/surendratiwari3/paota/workerpool"
	"go.uber.org/zap"
)

// AMQPPublisher publishes task signatures onto the events exchange with the
// topic as routing key, so paota worker pools bound to that key pick them up.
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string
	kind     string
	logger   *zap.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

var _ Publisher = (*AMQPPublisher)(nil)

// DialAMQPPublisher connects to RabbitMQ and declares the events exchange.
func DialAMQPPublisher(rmq config.RabbitMQConf, logger *zap.Logger) (*AMQPPublisher, error) {
	if err := rmq.ValidateRabbitMQConfig(); err != nil {
		return nil, fmt.Errorf("invalid RabbitMQ configuration: %w", err)
	}
	conn, err := config.DialRabbitMQ(rmq, logger)
	if err != nil {
		return nil, err
	}
	p := &AMQPPublisher{conn: conn, exchange: rmq.Exchange, kind: rmq.ExchangeType, logger: logger}
	if _, err := p.channel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

// channel returns the open channel, reopening it after the broker closed it.
// Callers hold no lock.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		return nil, ErrClosed
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, p.kind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
	}
	p.ch = ch
	return ch, nil
}

// Publish sends msg as a persistent message routed by its topic.
func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(buildSignature(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal signature: %w", err)
	}
	ch, err := p.channel()
	if err != nil {
		return err
	}

	headers := amqp.Table{HeaderPartitionKey: msg.Key}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	err = ch.PublishWithContext(
		ctx,
		p.exchange,
		msg.Topic,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.Headers[HeaderEventID],
			Headers:      headers,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	if err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

// AMQPSubscriber consumes through one paota worker pool per topic. The pool's
// queue is named after the group, so every group owns a durable copy and
// members of one group compete on the same queue.
type AMQPSubscriber struct {
	rmq    config.RabbitMQConf
	logger *zap.Logger

	mu    sync.Mutex
	pools []workerpool.Pool
}

var _ Subscriber = (*AMQPSubscriber)(nil)

// NewAMQPSubscriber validates rmq and returns a subscriber. Connections are
// opened per Subscribe call.
func NewAMQPSubscriber(rmq config.RabbitMQConf, logger *zap.Logger) (*AMQPSubscriber, error) {
	if err := rmq.ValidateRabbitMQConfig(); err != nil {
		return nil, fmt.Errorf("invalid RabbitMQ configuration: %w", err)
	}
	return &AMQPSubscriber{rmq: rmq, logger: logger}, nil
}

// QueueName is the durable queue a group consumes topic from.
func QueueName(group, topic string) string {
	return group + "." + topic
}

func (s *AMQPSubscriber) poolConfig(group, topic string) paotaconfig.Config {
	return paotaconfig.Config{
		Broker:        "amqp",
		TaskQueueName: QueueName(group, topic),
		AMQP: &paotaconfig.AMQPConfig{
			Url:                s.rmq.GetRabbitMQURL(),
			Exchange:           s.rmq.Exchange,
			ExchangeType:       s.rmq.ExchangeType,
			BindingKey:         topic,
			PrefetchCount:      s.rmq.PrefetchCount,
			ConnectionPoolSize: s.rmq.PoolSize,
			DelayedQueue:       "",
			TimeoutQueue:       "",
			FailedQueue:        s.rmq.DLX,
		},
	}
}

// concurrency is the worker count per pool, at least one.
func (s *AMQPSubscriber) concurrency() uint {
	if s.rmq.Concurrency <= 0 {
		return 1
	}
	return uint(s.rmq.Concurrency)
}

// Subscribe starts a pool per topic and blocks until ctx is done.
func (s *AMQPSubscriber) Subscribe(ctx context.Context, group string, topics []string, handle HandlerFunc) error {
	pools := make([]workerpool.Pool, 0, len(topics))
	stopAll := func() {
		for _, pool := range pools {
			pool.Stop()
		}
	}

	for _, topic := range topics {
		tag := QueueName(group, topic) + "_consumer"
		pool, err := workerpool.NewWorkerPoolWithConfig(ctx, s.concurrency(), tag, s.poolConfig(group, topic))
		if err != nil {
			stopAll()
			return fmt.Errorf("failed to create worker pool for %s: %w", QueueName(group, topic), err)
		}
		if pool == nil {
			stopAll()
			return fmt.Errorf("worker pool creation returned nil for %s", QueueName(group, topic))
		}

		tasks := map[string]interface{}{
			topic: taskHandler(group, handle),
		}
		if err := pool.RegisterTasks(tasks); err != nil {
			stopAll()
			return fmt.Errorf("failed to register %s handler: %w", topic, err)
		}
		pools = append(pools, pool)
	}

	s.mu.Lock()
	s.pools = append(s.pools, pools...)
	s.mu.Unlock()

	errCh := make(chan error, len(pools))
	for i, pool := range pools {
		s.logger.Info("🎧 Starting consumer", zap.String("queue", QueueName(group, topics[i])), zap.String("binding_key", topics[i]))
		go func(pool workerpool.Pool, topic string) {
			if err := pool.Start(); err != nil {
				errCh <- fmt.Errorf("consumer for %s stopped: %w", topic, err)
			}
		}(pool, topics[i])
	}

	select {
	case <-ctx.Done():
		stopAll()
		return nil
	case err := <-errCh:
		stopAll()
		return err
	}
}

// taskHandler adapts handle to paota's task signature.
func taskHandler(group string, handle HandlerFunc) func(ctx context.Context, signature *schema.Signature) error {
	return func(ctx context.Context, signature *schema.Signature) error {
		msg, err := messageFromSignature(signature)
		if err != nil {
			return err
		}
		return handle(ctx, Delivery{Message: msg, Group: group})
	}
}

// Close stops every pool started by this subscriber.
func (s *AMQPSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("🔌 Stopping consumer worker pools...")
	for _, pool := range s.pools {
		pool.Stop()
	}
	s.pools = nil
	return nil
}

// buildSignature packs msg as a paota task named after its topic. Args carry
// the encoded event, the partition key, then the event id.
func buildSignature(msg Message) *schema.Signature {
	return &schema.Signature{
		Name:       msg.Topic,
		RoutingKey: msg.Topic,
		Args: []schema.Arg{
			{Type: "string", Value: string(msg.Value)},
			{Type: "string", Value: msg.Key},
			{Type: "string", Value: msg.Headers[HeaderEventID]},
		},
	}
}

func messageFromSignature(signature *schema.Signature) (Message, error) {
	if signature == nil || len(signature.Args) == 0 {
		return Message{}, fmt.Errorf("no arguments in signature")
	}
	value, ok := signature.Args[0].Value.(string)
	if !ok {
		return Message{}, fmt.Errorf("invalid argument type, expected string")
	}
	msg := Message{Topic: signature.Name, Value: []byte(value)}
	if len(signature.Args) > 1 {
		msg.Key, _ = signature.Args[1].Value.(string)
	}
	if len(signature.Args) > 2 {
		if id, _ := signature.Args[2].Value.(string); id != "" {
			msg.Headers = map[string]string{HeaderEventID: id}
		}
	}
	return msg, nil
}
