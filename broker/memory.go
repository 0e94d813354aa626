package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemberState is the phase a group member's partition loop is in.
type MemberState int32

const (
	StateIdle MemberState = iota
	StateFetching
	StateProcessing
	StateCommitting
)

func (s MemberState) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateCommitting:
		return "committing"
	default:
		return "idle"
	}
}

const defaultRedeliveryDelay = 50 * time.Millisecond

// Memory is an in-process partitioned log. Each (group, topic, partition) has
// one committed offset, and at most one member processes a partition at a
// time, so per-key order holds even with competing members. Offsets are
// committed only after the handler succeeds: a failed delivery is retried.
type Memory struct {
	partitions      int
	redeliveryDelay time.Duration

	mu      sync.Mutex
	topics  map[string]*memTopic
	cursors map[cursorKey]*cursor
	closed  bool
	done    chan struct{}
}

type memTopic struct {
	parts []*memPartition
}

type memPartition struct {
	mu     sync.Mutex
	log    []Message
	notify chan struct{}
}

type cursorKey struct {
	group     string
	topic     string
	partition int
}

type cursor struct {
	lease chan struct{}
	next  atomic.Int64
	state atomic.Int32
}

// MemoryOption configures a Memory broker.
type MemoryOption func(*Memory)

// WithRedeliveryDelay sets the pause before a failed delivery is retried.
func WithRedeliveryDelay(d time.Duration) MemoryOption {
	return func(m *Memory) { m.redeliveryDelay = d }
}

// NewMemory returns an empty broker with the given partition count per topic.
func NewMemory(partitions int, opts ...MemoryOption) *Memory {
	if partitions <= 0 {
		partitions = 1
	}
	m := &Memory{
		partitions:      partitions,
		redeliveryDelay: defaultRedeliveryDelay,
		topics:          make(map[string]*memTopic),
		cursors:         make(map[cursorKey]*cursor),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var (
	_ Publisher  = (*Memory)(nil)
	_ Subscriber = (*Memory)(nil)
)

func (m *Memory) topic(name string) *memTopic {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{parts: make([]*memPartition, m.partitions)}
		for i := range t.parts {
			t.parts[i] = &memPartition{notify: make(chan struct{})}
		}
		m.topics[name] = t
	}
	return t
}

func (m *Memory) cursor(group, topic string, partition int) *cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cursorKey{group: group, topic: topic, partition: partition}
	c, ok := m.cursors[k]
	if !ok {
		c = &cursor{lease: make(chan struct{}, 1)}
		m.cursors[k] = c
	}
	return c
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Publish appends msg to the partition chosen by its key.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrClosed
	}
	p := m.topic(msg.Topic).parts[Partition(msg.Key, m.partitions)]

	stored := msg
	stored.Value = append([]byte(nil), msg.Value...)
	stored.Headers = cloneHeaders(msg.Headers)

	p.mu.Lock()
	p.log = append(p.log, stored)
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
	return nil
}

// at returns the message at offset, or the channel that is closed on the next append.
func (p *memPartition) at(offset int64) (Message, bool, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < int64(len(p.log)) {
		return p.log[offset], true, nil
	}
	return Message{}, false, p.notify
}

// Subscribe runs one loop per partition of each topic until ctx is done or the
// broker is closed.
func (m *Memory) Subscribe(ctx context.Context, group string, topics []string, handle HandlerFunc) error {
	if m.isClosed() {
		return ErrClosed
	}

	var wg sync.WaitGroup
	for _, name := range topics {
		t := m.topic(name)
		for i, p := range t.parts {
			c := m.cursor(group, name, i)
			wg.Add(1)
			go func(topic string, partition int, p *memPartition, c *cursor) {
				defer wg.Done()
				m.consume(ctx, group, topic, partition, p, c, handle)
			}(name, i, p, c)
		}
	}
	wg.Wait()
	return nil
}

func (m *Memory) consume(ctx context.Context, group, topic string, partition int, p *memPartition, c *cursor, handle HandlerFunc) {
	for {
		c.state.Store(int32(StateIdle))
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case c.lease <- struct{}{}:
		}

		c.state.Store(int32(StateFetching))
		offset := c.next.Load()
		msg, ok, wait := p.at(offset)
		if !ok {
			<-c.lease
			c.state.Store(int32(StateIdle))
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-wait:
			}
			continue
		}

		c.state.Store(int32(StateProcessing))
		err := handle(ctx, Delivery{Message: msg, Group: group, Partition: partition, Offset: offset})
		if err == nil {
			c.state.Store(int32(StateCommitting))
			c.next.Store(offset + 1)
		}
		<-c.lease

		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-time.After(m.redeliveryDelay):
			}
		}
	}
}

// Committed returns the group's committed offsets summed over a topic's partitions.
func (m *Memory) Committed(group, topic string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for k, c := range m.cursors {
		if k.group == group && k.topic == topic {
			total += c.next.Load()
		}
	}
	return total
}

// State reports the phase of a group's loop on one partition.
func (m *Memory) State(group, topic string, partition int) MemberState {
	return MemberState(m.cursor(group, topic, partition).state.Load())
}

// Messages returns every message stored on topic, partition by partition.
func (m *Memory) Messages(topic string) []Message {
	t := m.topic(topic)
	var out []Message
	for _, p := range t.parts {
		p.mu.Lock()
		out = append(out, p.log...)
		p.mu.Unlock()
	}
	return out
}

// Close stops every subscription and rejects further publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
