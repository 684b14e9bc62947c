package transform

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/changerelay/common"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

func init() {
	Register("debezium", func(opts Options) (Transformer, error) {
		return NewDebeziumTransformer(opts)
	})
}

const schemaCacheSize = 256

// DebeziumTransformer emits envelopes in the layout of the Debezium MongoDB
// connector, so Kafka Connect consumers can read the topic unchanged:
//
//	{schema: {...}, payload: {after: "<extended json>", op, ts_ms, source: {...}}}
//
// The envelope schema only depends on the namespace and is cached per
// namespace.
type DebeziumTransformer struct {
	connectorName string
	schemaCache   *lru.Cache[string, bson.D]
}

func NewDebeziumTransformer(opts Options) (*DebeziumTransformer, error) {
	opts = opts.withDefaults()
	cache, err := lru.New[string, bson.D](schemaCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}
	return &DebeziumTransformer{connectorName: opts.ConnectorName, schemaCache: cache}, nil
}

func (d *DebeziumTransformer) Name() string { return "debezium" }

func (d *DebeziumTransformer) Transform(event common.ChangeEvent) ([]common.Record, error) {
	op, ok := mapOperation(event.Operation)
	if !ok || len(event.FullDocument) == 0 {
		return nil, nil
	}

	after, err := bson.MarshalExtJSON(event.FullDocument, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to render document: %w", err)
	}

	var tsMs int64
	if !event.ObservedAt.IsZero() {
		tsMs = event.ObservedAt.UnixMilli()
	}

	payload := bson.D{
		{Key: "after", Value: string(after)},
		{Key: "op", Value: op},
		{Key: "ts_ms", Value: tsMs},
		{Key: "source", Value: bson.D{
			{Key: "connector", Value: d.connectorName},
			{Key: "db", Value: event.Namespace.Database},
			{Key: "collection", Value: event.Namespace.Collection},
			{Key: "resume_token", Value: event.Token.String()},
		}},
	}

	return []common.Record{{
		Key:       common.DocumentKeyString(event.DocumentKey),
		Namespace: event.Namespace,
		Document: bson.D{
			{Key: "schema", Value: d.schema(event.Namespace)},
			{Key: "payload", Value: payload},
		},
		Token: event.Token,
	}}, nil
}

// mapOperation maps an operation to the Debezium op code. Replacements are
// full-document updates.
func mapOperation(op common.Operation) (string, bool) {
	switch op {
	case common.OpInsert:
		return "c", true
	case common.OpUpdate, common.OpReplace:
		return "u", true
	default:
		log.Debug().Str("operation", op.String()).Msg("Debezium transformer ignoring operation")
		return "", false
	}
}

func (d *DebeziumTransformer) schema(ns common.Namespace) bson.D {
	key := ns.String()
	if cached, ok := d.schemaCache.Get(key); ok {
		return cached
	}
	s := buildEnvelopeSchema(ns)
	d.schemaCache.Add(key, s)
	return s
}

func field(name, typ string, optional bool) bson.D {
	f := bson.D{{Key: "field", Value: name}, {Key: "type", Value: typ}}
	if optional {
		f = append(f, bson.E{Key: "optional", Value: true})
	}
	return f
}

func buildEnvelopeSchema(ns common.Namespace) bson.D {
	after := append(field("after", "string", true), bson.E{Key: "name", Value: "io.debezium.data.Json"})
	source := bson.D{
		{Key: "field", Value: "source"},
		{Key: "type", Value: "struct"},
		{Key: "name", Value: "io.debezium.connector.mongo.Source"},
		{Key: "fields", Value: bson.A{
			field("connector", "string", false),
			field("db", "string", false),
			field("collection", "string", false),
			field("resume_token", "string", true),
		}},
	}

	return bson.D{
		{Key: "type", Value: "struct"},
		{Key: "name", Value: ns.String() + ".Envelope"},
		{Key: "fields", Value: bson.A{
			after,
			field("op", "string", false),
			field("ts_ms", "int64", true),
			source,
		}},
	}
}
