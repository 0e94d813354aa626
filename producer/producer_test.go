package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"promptforge/broker"
	"promptforge/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyPublisher fails while down is set and records what it accepted.
type flakyPublisher struct {
	down atomic.Bool
	mu   sync.Mutex
	sent []broker.Message
}

func (f *flakyPublisher) Publish(_ context.Context, msg broker.Message) error {
	if f.down.Load() {
		return errors.New("connection refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *flakyPublisher) Close() error { return nil }

func (f *flakyPublisher) messages() []broker.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.Message(nil), f.sent...)
}

// blockingPublisher holds every send until release is closed.
type blockingPublisher struct {
	release chan struct{}
}

func (b *blockingPublisher) Publish(ctx context.Context, _ broker.Message) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingPublisher) Close() error { return nil }

func TestProducer_PerKeyOrder(t *testing.T) {
	mem := broker.NewMemory(4)
	defer mem.Close()
	p := New(mem, WithLanes(3, 16))

	for i := 0; i < 10; i++ {
		for _, id := range []string{"p1", "p2"} {
			p.PublishPromptCreated(context.Background(), events.PromptCreated{PromptID: id, Title: fmt.Sprintf("%s-%d", id, i)})
		}
	}
	require.NoError(t, p.Close())

	msgs := mem.Messages(events.TopicPromptCreated)
	require.Len(t, msgs, 20)
	next := map[string]int{}
	for _, m := range msgs {
		env, err := events.Decode(m.Topic, m.Value)
		require.NoError(t, err)
		created := env.Payload.(events.PromptCreated)
		assert.Equal(t, fmt.Sprintf("%s-%d", m.Key, next[m.Key]), created.Title)
		assert.Equal(t, env.EventID, m.Headers[broker.HeaderEventID])
		next[m.Key]++
	}
}

func TestProducer_KeyIsSubjectID(t *testing.T) {
	pub := &flakyPublisher{}
	p := New(pub)
	p.PublishUserRegistered(context.Background(), events.UserRegistered{UserID: "u-9", Username: "alice"})
	p.PublishPromptViewed(context.Background(), events.PromptViewed{PromptID: "p-3", UserID: "u-9"})
	require.NoError(t, p.Close())

	got := map[string]string{}
	for _, m := range pub.messages() {
		got[m.Topic] = m.Key
	}
	assert.Equal(t, "u-9", got[events.TopicUserRegistered])
	assert.Equal(t, "p-3", got[events.TopicPromptViewed])
}

func TestProducer_FailureWithoutSpoolIsSwallowed(t *testing.T) {
	pub := &flakyPublisher{}
	pub.down.Store(true)
	p := New(pub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.PublishUserRegistered(context.Background(), events.UserRegistered{UserID: "u1"})
		p.Publish(context.Background(), nil)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a failing broker")
	}
	require.NoError(t, p.Close())
	assert.Empty(t, pub.messages())
}

func TestProducer_SpoolsFailuresAndRedelivers(t *testing.T) {
	ctx := context.Background()
	spool := openTestSpool(t)
	pub := &flakyPublisher{}
	pub.down.Store(true)
	p := New(pub, WithSpool(spool), WithRedeliverRate(1000))

	for i := 0; i < 3; i++ {
		p.PublishPromptViewed(ctx, events.PromptViewed{PromptID: fmt.Sprint("p", i)})
	}
	require.NoError(t, p.Close())

	depth, err := spool.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	pub.down.Store(false)
	n, err := p.RedeliverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	depth, err = spool.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	require.Len(t, pub.messages(), 3)
}

func TestProducer_SpooledMessageDiesAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	spool := openTestSpool(t)
	pub := &flakyPublisher{}
	pub.down.Store(true)
	p := New(pub, WithSpool(spool), WithMaxAttempts(2))

	p.PublishUserRegistered(ctx, events.UserRegistered{UserID: "u1"})
	require.NoError(t, p.Close())

	for i := 0; i < 2; i++ {
		n, err := p.RedeliverOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	depth, err := spool.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	dead, err := spool.Dead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dead)
}

func TestProducer_FullQueueSpoolsInsteadOfBlocking(t *testing.T) {
	ctx := context.Background()
	spool := openTestSpool(t)
	pub := &blockingPublisher{release: make(chan struct{})}
	p := New(pub, WithSpool(spool), WithLanes(1, 1), WithSendTimeout(5*time.Second))

	for i := 0; i < 5; i++ {
		p.PublishPromptViewed(ctx, events.PromptViewed{PromptID: "p1"})
	}

	// At most one send in flight and one buffered.
	depth, err := spool.Depth(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, depth, 3)

	close(pub.release)
	require.NoError(t, p.Close())
}

func TestProducer_PublishAfterCloseSpools(t *testing.T) {
	ctx := context.Background()
	spool := openTestSpool(t)
	p := New(&flakyPublisher{}, WithSpool(spool))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	p.PublishPromptCreated(ctx, events.PromptCreated{PromptID: "late"})
	depth, err := spool.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestProducer_RedeliverLoopStopsWithContext(t *testing.T) {
	spool := openTestSpool(t)
	p := New(&flakyPublisher{}, WithSpool(spool))
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Redeliver(ctx, 10*time.Millisecond)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Redeliver did not stop")
	}
}
