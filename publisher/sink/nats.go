package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/changerelay/cfg"
	"github.com/maxpert/changerelay/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

// HeaderContentEncoding marks payloads compressed by the sink
const HeaderContentEncoding = "Content-Encoding"

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(NatsConfig{URL: config.NatsURL, Compression: config.Compression})
	})
}

// NatsConfig holds configuration for NatsSink
type NatsConfig struct {
	URL         string
	Compression string        // "zstd" or empty
	MaxAge      time.Duration // retention of auto-created streams (default: 24h)
}

// NatsSink implements the Sink interface for NATS JetStream publishing
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	maxAge  time.Duration
	encoder *zstd.Encoder
	streams *xsync.MapOf[string, struct{}] // subjects whose stream is known to exist
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(config NatsConfig) (*NatsSink, error) {
	var encoder *zstd.Encoder
	switch strings.ToLower(config.Compression) {
	case "", "none":
	case "zstd":
		var err error
		encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported nats compression: %s", config.Compression)
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}

	nc, err := nats.Connect(config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{
		nc:      nc,
		js:      js,
		maxAge:  config.MaxAge,
		encoder: encoder,
		streams: xsync.NewMapOf[string, struct{}](),
	}, nil
}

// ensureStream creates the stream for subject on first use
func (n *NatsSink) ensureStream(ctx context.Context, subject string) error {
	if _, ok := n.streams.Load(subject); ok {
		return nil
	}

	streamName := sanitizeStreamName(subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    n.maxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	n.streams.Store(subject, struct{}{})
	return nil
}

// Publish sends msgs to JetStream one by one, waiting for each ack.
// The relay message ID doubles as the JetStream de-duplication ID.
func (n *NatsSink) Publish(ctx context.Context, msgs []publisher.Message) error {
	for _, msg := range msgs {
		if err := n.ensureStream(ctx, msg.Topic); err != nil {
			return err
		}

		nmsg := &nats.Msg{
			Subject: msg.Topic,
			Data:    msg.Value,
			Header:  nats.Header{"key": []string{msg.Key}},
		}
		for key, value := range msg.Headers {
			nmsg.Header.Set(key, value)
		}
		if id := msg.Headers[publisher.HeaderMessageID]; id != "" {
			nmsg.Header.Set(nats.MsgIdHdr, id)
		}
		if n.encoder != nil {
			nmsg.Data = n.encoder.EncodeAll(msg.Value, nil)
			nmsg.Header.Set(HeaderContentEncoding, "zstd")
		}

		if _, err := n.js.PublishMsg(ctx, nmsg); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
		}
	}
	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.encoder != nil {
		n.encoder.Close()
	}
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name.
// Stream names can't contain ".", "*", ">" or whitespace.
func sanitizeStreamName(subject string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, subject)
}
