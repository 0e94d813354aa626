package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownTopic = errors.New("unknown topic")
	ErrDecode       = errors.New("decode event")
	ErrNilPayload   = errors.New("nil payload")
)

// Envelope wraps one payload with its delivery metadata. EventID is fresh per
// publish, so a redelivered fact does not keep the same id.
type Envelope struct {
	EventID    string
	OccurredAt time.Time
	Payload    Payload
}

// meta is the envelope part of the flat wire object.
type meta struct {
	EventID    string    `json:"eventId"`
	OccurredAt Timestamp `json:"occurredAt"`
}

// NewEnvelope wraps payload with a new random event id.
func NewEnvelope(payload Payload, now time.Time) Envelope {
	return Envelope{
		EventID:    uuid.NewString(),
		OccurredAt: now.UTC(),
		Payload:    payload,
	}
}

// Topic returns the payload's topic, or "" for an empty envelope.
func (e Envelope) Topic() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Topic()
}

// Key returns the payload's partition key.
func (e Envelope) Key() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.PartitionKey()
}

// Encode renders the envelope as one flat JSON object: eventId, occurredAt and
// the payload fields side by side.
func (e Envelope) Encode() ([]byte, error) {
	if e.Payload == nil {
		return nil, ErrNilPayload
	}
	head, err := json.Marshal(meta{EventID: e.EventID, OccurredAt: At(e.OccurredAt)})
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", e.Payload.Topic(), err)
	}

	body = bytes.TrimPrefix(body, []byte("{"))
	out := bytes.TrimSuffix(head, []byte("}"))
	if len(body) > 1 {
		out = append(out, ',')
	}
	return append(out, body...), nil
}

// Decode reads data using the payload type bound to topic. Missing fields are
// left at their zero values and unknown fields are ignored.
func Decode(topic string, data []byte) (Envelope, error) {
	target, ok := newPayload(topic)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Envelope{}, fmt.Errorf("%w on %s: %v", ErrDecode, topic, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return Envelope{}, fmt.Errorf("%w on %s: %v", ErrDecode, topic, err)
	}

	return Envelope{
		EventID:    m.EventID,
		OccurredAt: m.OccurredAt.Time,
		Payload:    derefPayload(target),
	}, nil
}
