package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/changerelay/cfg"
	"github.com/maxpert/changerelay/publisher"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20 // 1MB
	DefaultKafkaBatchTimeout = 10 * time.Millisecond
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		kafkaConfig := DefaultKafkaConfig(config.Brokers)
		kafkaConfig.BatchSize = config.BatchSize
		kafkaConfig.TLS = config.TLS
		kafkaConfig.Compression = config.Compression
		if config.SASL.Enabled {
			kafkaConfig.SASLUsername = config.SASL.Username
			kafkaConfig.SASLPassword = config.SASL.Password
		}
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink implements the Sink interface for Kafka publishing
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	BatchSize        int                // Max messages per produce request (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	BatchTimeout     time.Duration      // Flush delay of a partial batch (default: 10ms)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create topics if they don't exist (default: true)
	Compression      string             // gzip, snappy, lz4, zstd or empty
	TLS              bool
	SASLUsername     string // SASL/PLAIN when set
	SASLPassword     string
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		BatchTimeout:     DefaultKafkaBatchTimeout,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

func compressionCodec(name string) (kafka.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("unknown kafka compression: %s", name)
	}
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	// Set defaults if not provided
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes <= 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = DefaultKafkaBatchTimeout
	}

	compression, err := compressionCodec(config.Compression)
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Partition by key for consistent routing
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           config.BatchTimeout,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false, // Sync writes: an ack means the batch is durable
		AllowAutoTopicCreation: config.AutoCreateTopics,
		Compression:            compression,
	}

	if config.TLS || config.SASLUsername != "" {
		transport := &kafka.Transport{}
		if config.TLS {
			transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if config.SASLUsername != "" {
			transport.SASL = plain.Mechanism{Username: config.SASLUsername, Password: config.SASLPassword}
		}
		writer.Transport = transport
	}

	return &KafkaSink{writer: writer}, nil
}

// Publish writes msgs in one synchronous call. Messages sharing a key land on
// the same partition in order.
func (k *KafkaSink) Publish(ctx context.Context, msgs []publisher.Message) error {
	kmsgs := make([]kafka.Message, len(msgs))
	for i, msg := range msgs {
		kmsgs[i] = toKafkaMessage(msg)
	}
	return k.writer.WriteMessages(ctx, kmsgs...)
}

func toKafkaMessage(msg publisher.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for key, value := range msg.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	return kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	}
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
