package sink

import (
	"fmt"
	"strings"

	"github.com/maxpert/changerelay/cfg"
	"github.com/maxpert/changerelay/publisher"
)

// Event Hubs exposes a Kafka endpoint on 9093 authenticated by SASL/PLAIN
// with the literal user "$ConnectionString".
const (
	eventHubKafkaPort = 9093
	eventHubSASLUser  = "$ConnectionString"
)

func init() {
	publisher.RegisterSink("eventhub", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		conn, err := ParseEventHubConnectionString(config.EventHubConnectionString)
		if err != nil {
			return nil, err
		}
		return NewEventHubSink(conn, config.BatchSize)
	})
}

// EventHubConnection is the parsed form of an Event Hubs connection string
type EventHubConnection struct {
	Namespace  string // e.g. myns.servicebus.windows.net
	KeyName    string
	EntityPath string // event hub name, used as the topic
	raw        string
}

// Broker returns the Kafka bootstrap address of the namespace
func (c EventHubConnection) Broker() string {
	return fmt.Sprintf("%s:%d", c.Namespace, eventHubKafkaPort)
}

// ParseEventHubConnectionString parses
// Endpoint=sb://<ns>/;SharedAccessKeyName=<name>;SharedAccessKey=<key>[;EntityPath=<hub>]
func ParseEventHubConnectionString(s string) (EventHubConnection, error) {
	conn := EventHubConnection{raw: strings.TrimSpace(s)}
	if conn.raw == "" {
		return conn, fmt.Errorf("event hub connection string is empty")
	}

	var hasKey bool
	for _, part := range strings.Split(conn.raw, ";") {
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return conn, fmt.Errorf("malformed event hub connection string segment %q", part)
		}
		switch strings.ToLower(name) {
		case "endpoint":
			host := strings.TrimPrefix(value, "sb://")
			conn.Namespace = strings.TrimSuffix(host, "/")
		case "sharedaccesskeyname":
			conn.KeyName = value
		case "sharedaccesskey":
			hasKey = value != ""
		case "entitypath":
			conn.EntityPath = value
		}
	}

	if conn.Namespace == "" {
		return conn, fmt.Errorf("event hub connection string has no Endpoint")
	}
	if conn.KeyName == "" || !hasKey {
		return conn, fmt.Errorf("event hub connection string has no shared access key")
	}
	return conn, nil
}

// EventHubSink publishes to Azure Event Hubs through its Kafka endpoint
type EventHubSink struct {
	*KafkaSink
	topic string
}

// NewEventHubSink creates a Kafka writer against the namespace of conn.
func NewEventHubSink(conn EventHubConnection, batchSize int) (*EventHubSink, error) {
	config := DefaultKafkaConfig([]string{conn.Broker()})
	config.BatchSize = batchSize
	config.TLS = true
	config.SASLUsername = eventHubSASLUser
	config.SASLPassword = conn.raw
	config.AutoCreateTopics = false // hubs are provisioned, not auto-created

	k, err := NewKafkaSink(config)
	if err != nil {
		return nil, err
	}
	return &EventHubSink{KafkaSink: k, topic: conn.EntityPath}, nil
}

// DefaultTopic is the event hub named by the connection string, if any
func (e *EventHubSink) DefaultTopic() string {
	return e.topic
}
