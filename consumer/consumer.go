// Package consumer turns broker deliveries into decoded events for the
// handlers a service registers, with bounded retry and dead-lettering.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"promptforge/broker"
	"promptforge/events"
	"promptforge/metrics"

	"go.uber.org/zap"
)

// Headers added to dead-lettered messages.
const (
	HeaderError         = "Error"
	HeaderOriginalTopic = "Original-Topic"
	HeaderGroup         = "Consumer-Group"
	HeaderAttempts      = "Attempts"
)

var ErrNoHandlers = errors.New("no handlers registered")

// HandlerFunc applies one decoded event.
type HandlerFunc func(ctx context.Context, env events.Envelope) error

// Dispatcher consumes every registered topic under one consumer group.
type Dispatcher struct {
	group       string
	sub         broker.Subscriber
	deadLetters broker.Publisher
	logger      *zap.Logger

	maxAttempts int
	backoff     time.Duration
	maxDelay    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithRetry sets the attempts per delivery and the exponential backoff
// between them, starting at backoff and capped at maxDelay.
func WithRetry(maxAttempts int, backoff, maxDelay time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		d.backoff = backoff
		d.maxDelay = maxDelay
	}
}

// WithDeadLetter publishes unprocessable deliveries to <topic>.DLT on pub.
func WithDeadLetter(pub broker.Publisher) Option {
	return func(d *Dispatcher) { d.deadLetters = pub }
}

// NewDispatcher returns a dispatcher for group reading from sub.
func NewDispatcher(group string, sub broker.Subscriber, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		group:       group,
		sub:         sub,
		logger:      zap.NewNop(),
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
		maxDelay:    2 * time.Second,
		sleep:       sleepContext,
		handlers:    make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("group", group))
	return d
}

func (d *Dispatcher) Group() string { return d.group }

// Handle registers the handler for topic. Each topic has exactly one handler
// per dispatcher; registering an unknown topic or a second handler panics.
func (d *Dispatcher) Handle(topic string, fn HandlerFunc) {
	if !events.Known(topic) {
		panic(fmt.Sprintf("consumer: unknown topic %q", topic))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.handlers[topic]; dup {
		panic(fmt.Sprintf("consumer: handler for %q already registered", topic))
	}
	d.handlers[topic] = fn
}

// Topics lists the registered topics in name order.
func (d *Dispatcher) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run subscribes to every registered topic and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	topics := d.Topics()
	if len(topics) == 0 {
		return ErrNoHandlers
	}
	d.logger.Info("🎧 Consumer group starting", zap.Strings("topics", topics))
	err := d.sub.Subscribe(ctx, d.group, topics, d.Dispatch)
	d.logger.Info("🛑 Consumer group stopped")
	return err
}

// Dispatch processes one delivery. It returns an error only when ctx ends
// mid-retry, so the transport keeps the message for redelivery; every other
// outcome acknowledges.
func (d *Dispatcher) Dispatch(ctx context.Context, del broker.Delivery) error {
	log := d.logger.With(
		zap.String("topic", del.Topic),
		zap.String("key", del.Key),
	)

	d.mu.RLock()
	handle, ok := d.handlers[del.Topic]
	d.mu.RUnlock()
	if !ok {
		log.Warn("⚠️ No handler for topic, skipping")
		return nil
	}

	env, err := events.Decode(del.Topic, del.Value)
	if err != nil {
		log.Error("❌ Failed to decode event, skipping", zap.Error(err))
		metrics.RecordConsumed(d.group, del.Topic, metrics.OutcomeDecodeFail)
		d.deadLetter(ctx, del, err, 0)
		return nil
	}
	log = log.With(zap.String("event_id", env.EventID))

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		start := time.Now()
		lastErr = handle(ctx, env)
		metrics.ObserveProjection(del.Topic, time.Since(start))
		if lastErr == nil {
			metrics.RecordConsumed(d.group, del.Topic, metrics.OutcomeProjected)
			return nil
		}
		if attempt == d.maxAttempts {
			break
		}

		delay := d.delay(attempt)
		log.Warn("⏳ Handler failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.maxAttempts),
			zap.Duration("retry_in", delay),
			zap.Error(lastErr),
		)
		metrics.RecordConsumed(d.group, del.Topic, metrics.OutcomeRetried)
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		log.Warn("🛑 Stopped while handling, leaving message for redelivery", zap.Error(lastErr))
		return err
	}

	log.Error("❌ Handler failed after retries, skipping",
		zap.Int("attempt", d.maxAttempts),
		zap.Error(lastErr),
	)
	d.deadLetter(ctx, del, lastErr, d.maxAttempts)
	return nil
}

// delay is the pause after the given failed attempt.
func (d *Dispatcher) delay(attempt int) time.Duration {
	delay := d.backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if d.maxDelay > 0 && delay >= d.maxDelay {
			return d.maxDelay
		}
	}
	if d.maxDelay > 0 && delay > d.maxDelay {
		return d.maxDelay
	}
	return delay
}

func (d *Dispatcher) deadLetter(ctx context.Context, del broker.Delivery, cause error, attempts int) {
	if d.deadLetters == nil {
		return
	}
	headers := make(map[string]string, len(del.Headers)+4)
	for k, v := range del.Headers {
		headers[k] = v
	}
	headers[HeaderOriginalTopic] = del.Topic
	headers[HeaderGroup] = d.group
	headers[HeaderAttempts] = strconv.Itoa(attempts)
	if cause != nil {
		headers[HeaderError] = cause.Error()
	}
	msg := broker.Message{
		Topic:   events.DeadLetterTopic(del.Topic),
		Key:     del.Key,
		Value:   del.Value,
		Headers: headers,
	}
	if err := d.deadLetters.Publish(context.WithoutCancel(ctx), msg); err != nil {
		d.logger.Error("❌ Dead-letter publish failed",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Error(err),
		)
		return
	}
	metrics.RecordConsumed(d.group, del.Topic, metrics.OutcomeDeadLetter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
