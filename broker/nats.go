package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher publishes to core NATS subjects named after topics.
type NATSPublisher struct {
	conn *nats.Conn
}

var _ Publisher = (*NATSPublisher)(nil)

func NewNATSPublisher(url string, opts ...nats.Option) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc}, nil
}

// Publish sends msg with its key and headers as NATS headers.
func (p *NATSPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.conn.IsClosed() {
		return ErrClosed
	}
	out := nats.NewMsg(msg.Topic)
	out.Data = msg.Value
	out.Header.Set(HeaderPartitionKey, msg.Key)
	for k, v := range msg.Headers {
		out.Header.Set(k, v)
	}
	if err := p.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("publishing to %s: %w", msg.Topic, err)
	}
	return nil
}

// Flush waits until the server has processed every published message.
func (p *NATSPublisher) Flush() error {
	return p.conn.Flush()
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// NATSSubscriber consumes with queue subscriptions: the group is the queue
// name, so members of a group share messages and each group gets a copy.
// Core NATS does not redeliver; a handler error is logged and the message dropped.
type NATSSubscriber struct {
	conn   *nats.Conn
	logger *zap.Logger
}

var _ Subscriber = (*NATSSubscriber)(nil)

// NewNATSSubscriber connects with automatic reconnection. Extra options are
// appended to the defaults.
func NewNATSSubscriber(url string, logger *zap.Logger, opts ...nats.Option) (*NATSSubscriber, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSSubscriber{conn: nc, logger: logger}, nil
}

// Subscribe registers one queue subscription per topic and blocks until ctx is done.
func (s *NATSSubscriber) Subscribe(ctx context.Context, group string, topics []string, handle HandlerFunc) error {
	var (
		mu   sync.Mutex
		subs []*nats.Subscription
	)
	unsubscribe := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		subs = nil
	}

	for _, topic := range topics {
		sub, err := s.conn.QueueSubscribe(topic, group, func(m *nats.Msg) {
			d := Delivery{Message: messageFromNATS(m), Group: group}
			if err := handle(ctx, d); err != nil {
				s.logger.Warn("⚠️ NATS delivery failed, dropping",
					zap.String("topic", d.Topic),
					zap.String("group", group),
					zap.String("key", d.Key),
					zap.Error(err),
				)
			}
		})
		if err != nil {
			unsubscribe()
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		mu.Lock()
		subs = append(subs, sub)
		mu.Unlock()
	}

	// Registers the subscriptions on the server before returning control.
	if err := s.conn.Flush(); err != nil {
		unsubscribe()
		return fmt.Errorf("flushing subscription: %w", err)
	}

	<-ctx.Done()
	unsubscribe()
	return nil
}

func messageFromNATS(m *nats.Msg) Message {
	msg := Message{Topic: m.Subject, Value: m.Data}
	if m.Header == nil {
		return msg
	}
	msg.Key = m.Header.Get(HeaderPartitionKey)
	for k := range m.Header {
		if k == HeaderPartitionKey {
			continue
		}
		if msg.Headers == nil {
			msg.Headers = make(map[string]string)
		}
		msg.Headers[k] = m.Header.Get(k)
	}
	return msg
}

func (s *NATSSubscriber) Close() error {
	s.conn.Close()
	return nil
}
