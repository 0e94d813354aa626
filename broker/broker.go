// Package broker moves encoded events between services. Transports differ in
// durability but share one contract: messages with equal keys on a topic are
// delivered to a consumer group in publish order, each group receives its own
// copy of every topic it subscribes to, and members of one group share the load.
package broker

import (
	"context"
	"errors"
	"hash/fnv"
)

// ErrClosed is returned by transports used after Close.
var ErrClosed = errors.New("broker closed")

// Header names carried alongside the message body.
const (
	HeaderPartitionKey = "Partition-Key"
	HeaderEventID      = "Event-Id"
	HeaderContentType  = "Content-Type"
)

// Message is one encoded event addressed to a topic.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Delivery is a Message as seen by one consumer group.
type Delivery struct {
	Message
	Group     string
	Partition int
	Offset    int64
}

// HandlerFunc processes one delivery. Returning an error asks the transport to
// redeliver when it can; transports without redelivery log and drop.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Publisher sends messages to topics.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber consumes topics on behalf of a consumer group.
type Subscriber interface {
	// Subscribe blocks, feeding deliveries to handle until ctx is done.
	Subscribe(ctx context.Context, group string, topics []string, handle HandlerFunc) error
	Close() error
}

// Partition maps key onto one of n partitions. Equal keys always share a partition.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
