package publisher

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/changerelay/common"
	"github.com/maxpert/changerelay/encoding"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default timeout of a single sink attempt
	DefaultPublishTimeout = 10 * time.Second
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Default number of attempts before a batch is reported as failed
	DefaultMaxRetries = 10
)

// Config configures a Publisher
type Config struct {
	Sink            Sink           // Destination sink
	Codec           encoding.Codec // Record encoding
	StreamID        string         // Stream the records come from
	SessionID       string         // Relay process session, attached as a header
	Topic           string         // Fixed topic; empty derives one per namespace
	TopicPrefix     string         // Prefix of derived topics (e.g., "cdc")
	PublishTimeout  time.Duration  // Timeout of one sink attempt
	RetryInitial    time.Duration  // Initial retry delay
	RetryMax        time.Duration  // Max retry delay
	RetryMultiplier float64        // Backoff multiplier
	MaxRetries      int            // Attempts per batch
}

// Publisher encodes records and delivers them to a sink with bounded retry
type Publisher struct {
	config Config
}

// New creates a Publisher
func New(config Config) (*Publisher, error) {
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}

	// Set defaults
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Publisher{config: config}, nil
}

// Send delivers records in order as one batch. It returns nil only when the
// sink acknowledged every record, and *common.PublishError otherwise.
//
// An in-flight attempt is never interrupted: ctx is only checked between
// attempts.
func (p *Publisher) Send(ctx context.Context, records []common.Record) error {
	if len(records) == 0 {
		return nil
	}

	msgs, err := p.encode(records)
	if err != nil {
		// Encoding is deterministic, retrying cannot help
		return &common.PublishError{Topic: p.topic(records[0].Namespace), Records: len(records), Err: err}
	}

	return p.publishWithRetry(ctx, msgs)
}

func (p *Publisher) encode(records []common.Record) ([]Message, error) {
	msgs := make([]Message, len(records))
	for i, rec := range records {
		value, err := p.config.Codec.Encode(rec.Document)
		if err != nil {
			return nil, fmt.Errorf("failed to encode record %d: %w", i, err)
		}

		headers := map[string]string{
			HeaderContentType: p.config.Codec.ContentType(),
			HeaderStream:      p.config.StreamID,
			HeaderToken:       rec.Token.String(),
			HeaderMessageID:   messageID(rec.Token, i),
		}
		if p.config.SessionID != "" {
			headers[HeaderSession] = p.config.SessionID
		}

		msgs[i] = Message{
			Topic:   p.topic(rec.Namespace),
			Key:     rec.Key,
			Value:   value,
			Headers: headers,
		}
	}
	return msgs, nil
}

// messageID is stable across redeliveries of the same event, so brokers with
// de-duplication windows can drop replays.
func messageID(token common.ResumeToken, index int) string {
	d := xxhash.New()
	d.Write(token.Data)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index))
	d.Write(idx[:])
	return strconv.FormatUint(d.Sum64(), 16)
}

// topic builds the topic name for a namespace
func (p *Publisher) topic(ns common.Namespace) string {
	if p.config.Topic != "" {
		return p.config.Topic
	}
	if p.config.TopicPrefix == "" {
		return ns.String()
	}
	return p.config.TopicPrefix + "." + ns.String()
}

// publishWithRetry publishes msgs with exponential backoff retry
func (p *Publisher) publishWithRetry(ctx context.Context, msgs []Message) error {
	delay := p.config.RetryInitial
	attempts := 0
	topic := msgs[0].Topic

	for {
		err := p.attempt(ctx, msgs)
		attempts++
		if err == nil {
			telemetry.PublishAttemptsTotal.With("success").Inc()
			telemetry.RecordsPublishedTotal.Add(float64(len(msgs)))
			return nil
		}
		telemetry.PublishAttemptsTotal.With("failed").Inc()

		if attempts >= p.config.MaxRetries {
			return &common.PublishError{Topic: topic, Records: len(msgs), Attempts: attempts, Err: err}
		}

		log.Warn().
			Err(err).
			Str("topic", topic).
			Int("records", len(msgs)).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish records, retrying")

		if !sleep(ctx, delay) {
			return &common.PublishError{Topic: topic, Records: len(msgs), Attempts: attempts, Err: ctx.Err()}
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * p.config.RetryMultiplier)
		if delay > p.config.RetryMax {
			delay = p.config.RetryMax
		}
	}
}

// attempt runs one sink call detached from ctx cancellation, bounded by
// PublishTimeout.
func (p *Publisher) attempt(ctx context.Context, msgs []Message) error {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.PublishTimeout)
	defer cancel()

	start := time.Now()
	err := p.config.Sink.Publish(attemptCtx, msgs)
	telemetry.PublishDurationSeconds.Observe(time.Since(start).Seconds())
	return err
}

// Close closes the underlying sink
func (p *Publisher) Close() error {
	return p.config.Sink.Close()
}

// sleep sleeps for the given duration, checking ctx
// Returns true if sleep completed, false if ctx is done
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
