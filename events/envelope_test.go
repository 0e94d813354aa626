package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_EncodeDecodeFlatObject(t *testing.T) {
	public := true
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	env := NewEnvelope(PromptCreated{
		PromptID:  "p1",
		Title:     "T",
		UserID:    "u1",
		Username:  "alice",
		Category:  "dev",
		IsPublic:  &public,
		CreatedAt: At(created),
	}, created)

	data, err := env.Encode()
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, env.EventID, flat["eventId"])
	assert.Equal(t, "p1", flat["promptId"])
	assert.Equal(t, true, flat["isPublic"])
	assert.NotContains(t, flat, "payload")

	got, err := Decode(TopicPromptCreated, data)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
	assert.True(t, got.OccurredAt.Equal(created))

	pc, ok := got.Payload.(PromptCreated)
	require.True(t, ok, "payload type %T", got.Payload)
	assert.Equal(t, "alice", pc.Username)
	assert.True(t, pc.Public())
	assert.True(t, pc.CreatedAt.Equal(created))
	assert.Equal(t, "p1", got.Key())
	assert.Equal(t, TopicPromptCreated, got.Topic())
}

func TestNewEnvelope_FreshEventIDPerPublish(t *testing.T) {
	p := UserRegistered{UserID: "u1"}
	a := NewEnvelope(p, time.Now())
	b := NewEnvelope(p, time.Now())
	assert.NotEmpty(t, a.EventID)
	assert.NotEqual(t, a.EventID, b.EventID)
}

func TestDecode_MissingFieldsBecomeZeroValues(t *testing.T) {
	got, err := Decode(TopicUserRegistered, []byte(`{"username":"bob"}`))
	require.NoError(t, err)

	ur := got.Payload.(UserRegistered)
	assert.Equal(t, "bob", ur.Username)
	assert.Empty(t, ur.UserID)
	assert.True(t, ur.RegisteredAt.IsZero())
	assert.Empty(t, got.EventID)
}

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	got, err := Decode(TopicPromptViewed, []byte(`{"promptId":"p9","extra":{"nested":1},"viewedAt":null}`))
	require.NoError(t, err)
	assert.Equal(t, "p9", got.Payload.(PromptViewed).PromptID)
}

func TestDecode_AcceptsZonelessTimestamps(t *testing.T) {
	got, err := Decode(TopicPromptViewed, []byte(`{"promptId":"p1","viewedAt":"2025-03-01T10:15:30.123"}`))
	require.NoError(t, err)
	want := time.Date(2025, 3, 1, 10, 15, 30, 123000000, time.UTC)
	assert.True(t, got.Payload.(PromptViewed).ViewedAt.Equal(want))
}

func TestDecode_Errors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		topic string
		data  string
		want  error
	}{
		{"unknown topic", "billing.charged", `{}`, ErrUnknownTopic},
		{"malformed json", TopicUserRegistered, `{"userId":`, ErrDecode},
		{"wrong shape", TopicUserRegistered, `{"userId":42}`, ErrDecode},
		{"bad timestamp", TopicPromptViewed, `{"viewedAt":"yesterday"}`, ErrDecode},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.topic, []byte(tc.data))
			if !errors.Is(err, tc.want) {
				t.Fatalf("Decode() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEncode_NilPayload(t *testing.T) {
	_, err := Envelope{}.Encode()
	assert.ErrorIs(t, err, ErrNilPayload)
}

func TestCatalog(t *testing.T) {
	for _, topic := range Topics() {
		assert.True(t, Known(topic), topic)
		p, ok := newPayload(topic)
		require.True(t, ok)
		assert.Equal(t, topic, derefPayload(p).Topic())
	}
	assert.False(t, Known("prompt.deleted"))
	assert.Equal(t, "prompt.viewed.DLT", DeadLetterTopic(TopicPromptViewed))
}
