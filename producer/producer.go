// Package producer publishes domain events without ever blocking or failing
// the write path that triggered them.
package producer

import (
	"context"
	"errors"
	"sync"
	"time"

	"promptforge/broker"
	"promptforge/events"
	"promptforge/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	errQueueFull = errors.New("send queue full")
	errClosed    = errors.New("producer closed")
)

const (
	defaultLanes       = 4
	defaultQueueSize   = 1024
	defaultSendTimeout = 5 * time.Second
	defaultMaxAttempts = 10
	redeliverBatch     = 100
)

// Producer encodes events on the caller's goroutine and sends them on keyed
// lanes: one goroutine per lane, events with equal keys share a lane, so their
// send order matches publish order.
type Producer struct {
	pub         broker.Publisher
	spool       Spool
	logger      *zap.Logger
	now         func() time.Time
	sendTimeout time.Duration
	maxAttempts int
	limiter     *rate.Limiter
	queueSize   int

	lanes []chan broker.Message
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type Option func(*Producer)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Producer) { p.logger = logger }
}

// WithSpool routes failed and overflowing sends to s instead of dropping them.
func WithSpool(s Spool) Option {
	return func(p *Producer) { p.spool = s }
}

// WithLanes sets the number of sender lanes and the buffer of each.
func WithLanes(n, queueSize int) Option {
	return func(p *Producer) {
		if n > 0 {
			p.lanes = make([]chan broker.Message, n)
		}
		if queueSize > 0 {
			p.queueSize = queueSize
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(p *Producer) { p.sendTimeout = d }
}

// WithMaxAttempts bounds how many times a spooled message is retried.
func WithMaxAttempts(n int) Option {
	return func(p *Producer) { p.maxAttempts = n }
}

// WithRedeliverRate paces spool redelivery at perSecond messages.
func WithRedeliverRate(perSecond float64) Option {
	return func(p *Producer) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Producer) { p.now = now }
}

// New starts the sender lanes. Call Close to drain them.
func New(pub broker.Publisher, opts ...Option) *Producer {
	p := &Producer{
		pub:         pub,
		logger:      zap.NewNop(),
		now:         time.Now,
		sendTimeout: defaultSendTimeout,
		maxAttempts: defaultMaxAttempts,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		queueSize:   defaultQueueSize,
		lanes:       make([]chan broker.Message, defaultLanes),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan broker.Message, p.queueSize)
		p.wg.Add(1)
		go p.runLane(p.lanes[i])
	}
	return p
}

// Publish encodes payload and queues it for sending. It never fails: problems
// are logged, counted, and spooled when a spool is configured.
func (p *Producer) Publish(ctx context.Context, payload events.Payload) {
	if payload == nil {
		p.logger.Error("❌ Refusing to publish nil payload")
		return
	}
	env := events.NewEnvelope(payload, p.now())
	data, err := env.Encode()
	if err != nil {
		p.logger.Error("❌ Event encode failed",
			zap.String("topic", env.Topic()),
			zap.String("key", env.Key()),
			zap.Error(err),
		)
		metrics.RecordPublished(env.Topic(), metrics.OutcomeDropped)
		return
	}

	msg := broker.Message{
		Topic: env.Topic(),
		Key:   env.Key(),
		Value: data,
		Headers: map[string]string{
			broker.HeaderEventID:     env.EventID,
			broker.HeaderContentType: "application/json",
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.fallback(context.WithoutCancel(ctx), msg, errClosed)
		return
	}
	select {
	case p.lanes[broker.Partition(msg.Key, len(p.lanes))] <- msg:
	default:
		p.fallback(context.WithoutCancel(ctx), msg, errQueueFull)
	}
}

func (p *Producer) PublishUserRegistered(ctx context.Context, e events.UserRegistered) {
	p.Publish(ctx, e)
}

func (p *Producer) PublishPromptCreated(ctx context.Context, e events.PromptCreated) {
	p.Publish(ctx, e)
}

func (p *Producer) PublishPromptViewed(ctx context.Context, e events.PromptViewed) {
	p.Publish(ctx, e)
}

func (p *Producer) runLane(lane <-chan broker.Message) {
	defer p.wg.Done()
	for msg := range lane {
		if err := p.send(msg); err != nil {
			p.fallback(context.Background(), msg, err)
			continue
		}
		metrics.RecordPublished(msg.Topic, metrics.OutcomeSent)
		p.logger.Debug("✅ Event published",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.String("event_id", msg.Headers[broker.HeaderEventID]),
		)
	}
}

func (p *Producer) send(msg broker.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()
	return p.pub.Publish(ctx, msg)
}

// fallback spools msg, or logs and drops it when there is no spool.
func (p *Producer) fallback(ctx context.Context, msg broker.Message, cause error) {
	fields := []zap.Field{
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.String("event_id", msg.Headers[broker.HeaderEventID]),
		zap.NamedError("cause", cause),
	}
	if p.spool == nil {
		p.logger.Error("❌ Event publish failed, dropping", fields...)
		metrics.RecordPublished(msg.Topic, metrics.OutcomeDropped)
		return
	}
	if err := p.spool.Save(ctx, msg, cause); err != nil {
		p.logger.Error("❌ Event publish failed and spool write failed, dropping", append(fields, zap.Error(err))...)
		metrics.RecordPublished(msg.Topic, metrics.OutcomeDropped)
		return
	}
	p.logger.Warn("⚠️ Event publish failed, spooled for retry", fields...)
	metrics.RecordPublished(msg.Topic, metrics.OutcomeSpooled)
	p.reportDepth(ctx)
}

func (p *Producer) reportDepth(ctx context.Context) {
	if n, err := p.spool.Depth(ctx); err == nil {
		metrics.SetSpoolDepth(n)
	}
}

// RedeliverOnce resends one batch of spooled messages and returns how many
// were sent. Messages that keep failing are marked dead after MaxAttempts.
func (p *Producer) RedeliverOnce(ctx context.Context) (int, error) {
	if p.spool == nil {
		return 0, nil
	}
	pending, err := p.spool.Pending(ctx, redeliverBatch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, m := range pending {
		if err := p.limiter.Wait(ctx); err != nil {
			return sent, err
		}
		if err := p.send(m.Message); err != nil {
			dead, markErr := p.spool.MarkFailed(ctx, m.ID, err, p.maxAttempts)
			if markErr != nil {
				return sent, markErr
			}
			if dead {
				p.logger.Error("💀 Spooled event exhausted retries",
					zap.String("topic", m.Message.Topic),
					zap.String("key", m.Message.Key),
					zap.Int("attempt", m.Attempts+1),
					zap.Error(err),
				)
				metrics.RecordPublished(m.Message.Topic, metrics.OutcomeDropped)
			}
			continue
		}
		if err := p.spool.Delete(ctx, m.ID); err != nil {
			return sent, err
		}
		sent++
		metrics.RecordPublished(m.Message.Topic, metrics.OutcomeSent)
	}
	p.reportDepth(ctx)
	return sent, nil
}

// Redeliver drains the spool every interval until ctx is done.
func (p *Producer) Redeliver(ctx context.Context, interval time.Duration) {
	if p.spool == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.RedeliverOnce(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("❌ Spool redelivery failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Info("🔁 Redelivered spooled events", zap.Int("count", n))
			}
		}
	}
}

// Close stops accepting events and waits for queued sends to finish.
// Events published afterwards go straight to the spool.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, lane := range p.lanes {
		close(lane)
	}
	p.mu.Unlock()

	p.logger.Info("🔌 Draining producer lanes...")
	p.wg.Wait()
	p.logger.Info("✅ Producer closed")
	return nil
}
