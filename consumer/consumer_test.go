package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"promptforge/broker"
	"promptforge/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func encode(t *testing.T, p events.Payload) []byte {
	t.Helper()
	data, err := events.NewEnvelope(p, time.Now()).Encode()
	require.NoError(t, err)
	return data
}

func run(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// recorder collects prompt ids in handling order.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) handle(_ context.Context, env events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, env.Key())
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestDispatcher_DecodeFailureDoesNotBlockBatch(t *testing.T) {
	ctx := context.Background()
	mem := broker.NewMemory(1)
	defer mem.Close()

	require.NoError(t, mem.Publish(ctx, broker.Message{Topic: events.TopicPromptCreated, Key: "p1", Value: encode(t, events.PromptCreated{PromptID: "p1"})}))
	require.NoError(t, mem.Publish(ctx, broker.Message{Topic: events.TopicPromptCreated, Key: "p2", Value: []byte(`{"promptId":`)}))
	require.NoError(t, mem.Publish(ctx, broker.Message{Topic: events.TopicPromptCreated, Key: "p3", Value: encode(t, events.PromptCreated{PromptID: "p3"})}))

	var rec recorder
	d := NewDispatcher("analytics-service-group", mem, WithDeadLetter(mem))
	d.Handle(events.TopicPromptCreated, rec.handle)
	run(t, d)

	require.Eventually(t, func() bool {
		return mem.Committed("analytics-service-group", events.TopicPromptCreated) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"p1", "p3"}, rec.snapshot())

	dlt := mem.Messages(events.DeadLetterTopic(events.TopicPromptCreated))
	require.Len(t, dlt, 1)
	assert.Equal(t, "p2", dlt[0].Key)
	assert.Equal(t, `{"promptId":`, string(dlt[0].Value))
	assert.Equal(t, "0", dlt[0].Headers[HeaderAttempts])
	assert.Contains(t, dlt[0].Headers[HeaderError], "decode event")
}

func TestDispatcher_RetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	mem := broker.NewMemory(1)
	defer mem.Close()

	var (
		mu     sync.Mutex
		calls  = map[string]int{}
		delays []time.Duration
	)
	d := NewDispatcher("g", mem, WithDeadLetter(mem), WithRetry(3, 200*time.Millisecond, 2*time.Second))
	d.sleep = func(_ context.Context, delay time.Duration) error {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
		return nil
	}
	d.Handle(events.TopicPromptViewed, func(_ context.Context, env events.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls[env.Key()]++
		if env.Key() == "poison" {
			return errors.New("constraint violation")
		}
		return nil
	})

	require.NoError(t, mem.Publish(ctx, broker.Message{Topic: events.TopicPromptViewed, Key: "poison", Value: encode(t, events.PromptViewed{PromptID: "poison"})}))
	require.NoError(t, mem.Publish(ctx, broker.Message{Topic: events.TopicPromptViewed, Key: "fine", Value: encode(t, events.PromptViewed{PromptID: "fine"})}))
	run(t, d)

	require.Eventually(t, func() bool { return mem.Committed("g", events.TopicPromptViewed) == 2 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls["poison"])
	assert.Equal(t, 1, calls["fine"])
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, delays)

	dlt := mem.Messages(events.DeadLetterTopic(events.TopicPromptViewed))
	require.Len(t, dlt, 1)
	assert.Equal(t, "constraint violation", dlt[0].Headers[HeaderError])
	assert.Equal(t, "3", dlt[0].Headers[HeaderAttempts])
	assert.Equal(t, "g", dlt[0].Headers[HeaderGroup])
	assert.Equal(t, events.TopicPromptViewed, dlt[0].Headers[HeaderOriginalTopic])
}

func TestDispatcher_TransientFailureRecovers(t *testing.T) {
	mem := broker.NewMemory(1)
	defer mem.Close()

	attempts := 0
	d := NewDispatcher("g", mem, WithDeadLetter(mem))
	d.sleep = noSleep
	d.Handle(events.TopicUserRegistered, func(context.Context, events.Envelope) error {
		attempts++
		if attempts < 2 {
			return errors.New("connection reset")
		}
		return nil
	})

	err := d.Dispatch(context.Background(), broker.Delivery{Message: broker.Message{
		Topic: events.TopicUserRegistered, Key: "u1", Value: encode(t, events.UserRegistered{UserID: "u1"}),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Empty(t, mem.Messages(events.DeadLetterTopic(events.TopicUserRegistered)))
}

func TestDispatcher_CanceledDuringRetryKeepsMessage(t *testing.T) {
	d := NewDispatcher("g", broker.NewMemory(1))
	d.Handle(events.TopicUserRegistered, func(context.Context, events.Envelope) error {
		return errors.New("down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Dispatch(ctx, broker.Delivery{Message: broker.Message{
		Topic: events.TopicUserRegistered, Value: encode(t, events.UserRegistered{UserID: "u1"}),
	}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcher_CanceledOnLastAttemptKeepsMessage(t *testing.T) {
	mem := broker.NewMemory(1)
	defer mem.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher("g", mem, WithDeadLetter(mem), WithRetry(1, time.Millisecond, time.Millisecond))
	d.Handle(events.TopicUserRegistered, func(ctx context.Context, _ events.Envelope) error {
		cancel()
		return ctx.Err()
	})

	err := d.Dispatch(ctx, broker.Delivery{Message: broker.Message{
		Topic: events.TopicUserRegistered, Key: "u1", Value: encode(t, events.UserRegistered{UserID: "u1"}),
	}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, mem.Messages(events.DeadLetterTopic(events.TopicUserRegistered)))
}

func TestDispatcher_PerKeyOrder(t *testing.T) {
	ctx := context.Background()
	mem := broker.NewMemory(4)
	defer mem.Close()

	var (
		mu     sync.Mutex
		titles = map[string][]string{}
	)
	d := NewDispatcher("analytics-service-group", mem)
	d.Handle(events.TopicPromptCreated, func(_ context.Context, env events.Envelope) error {
		e := env.Payload.(events.PromptCreated)
		mu.Lock()
		titles[e.PromptID] = append(titles[e.PromptID], e.Title)
		mu.Unlock()
		return nil
	})
	run(t, d)

	for _, title := range []string{"first", "second", "third"} {
		for _, id := range []string{"p1", "p2"} {
			require.NoError(t, mem.Publish(ctx, broker.Message{
				Topic: events.TopicPromptCreated, Key: id,
				Value: encode(t, events.PromptCreated{PromptID: id, Title: title}),
			}))
		}
	}

	require.Eventually(t, func() bool { return mem.Committed("analytics-service-group", events.TopicPromptCreated) == 6 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, titles["p1"])
	assert.Equal(t, []string{"first", "second", "third"}, titles["p2"])
}

func TestDispatcher_Delay(t *testing.T) {
	d := NewDispatcher("g", nil, WithRetry(6, 200*time.Millisecond, 2*time.Second))
	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, d.delay(i+1), "attempt %d", i+1)
	}
}

func TestDispatcher_Registration(t *testing.T) {
	d := NewDispatcher("g", broker.NewMemory(1))

	assert.ErrorIs(t, d.Run(context.Background()), ErrNoHandlers)
	assert.Panics(t, func() { d.Handle("prompt.deleted", nil) })

	d.Handle(events.TopicPromptViewed, func(context.Context, events.Envelope) error { return nil })
	d.Handle(events.TopicPromptCreated, func(context.Context, events.Envelope) error { return nil })
	assert.Panics(t, func() { d.Handle(events.TopicPromptViewed, nil) })
	assert.Equal(t, []string{events.TopicPromptCreated, events.TopicPromptViewed}, d.Topics())
	assert.Equal(t, "g", d.Group())
}

func TestDispatcher_UnhandledTopicIsAcked(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d := NewDispatcher("g", nil, WithLogger(zap.New(core)))
	d.Handle(events.TopicPromptViewed, func(context.Context, events.Envelope) error { return nil })

	err := d.Dispatch(context.Background(), broker.Delivery{Message: broker.Message{Topic: events.TopicUserRegistered}})
	assert.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessageSnippet("No handler").Len())
}

func TestSelfLogHandlers(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	public := true

	require.NoError(t, LogUserRegistered(logger)(context.Background(), events.NewEnvelope(events.UserRegistered{UserID: "u1", Email: "a@b.c"}, time.Now())))
	require.NoError(t, LogPromptCreated(logger)(context.Background(), events.NewEnvelope(events.PromptCreated{PromptID: "p1", IsPublic: &public}, time.Now())))
	require.NoError(t, LogPromptCreated(logger)(context.Background(), events.NewEnvelope(events.PromptViewed{PromptID: "p1"}, time.Now())))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "u1", entries[0].ContextMap()["user_id"])
	assert.Equal(t, true, entries[1].ContextMap()["public"])
}
