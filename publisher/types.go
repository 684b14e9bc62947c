package publisher

import "context"

// Message headers attached to every published record
const (
	HeaderContentType = "content-type"
	HeaderStream      = "relay-stream"
	HeaderToken       = "relay-token"
	HeaderMessageID   = "relay-msg-id"
	HeaderSession     = "relay-session"
)

// Message is one encoded record addressed to a topic
type Message struct {
	Topic   string
	Key     string // partition key, same key -> same partition
	Value   []byte
	Headers map[string]string
}

// Sink represents a destination for messages (e.g., Kafka, Event Hubs, NATS)
type Sink interface {
	// Publish delivers msgs in order. A non-nil error means the batch as a
	// whole must be considered undelivered.
	Publish(ctx context.Context, msgs []Message) error
	// Close releases any resources held by the sink
	Close() error
}
