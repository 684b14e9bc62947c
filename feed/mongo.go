package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/changerelay/common"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Server error codes meaning the resume point fell off the oplog.
const (
	codeChangeStreamFatalError  = 280
	codeChangeStreamHistoryLost = 286
)

// MongoConfig configures a MongoSource
type MongoConfig struct {
	Client     *mongo.Client
	Database   string
	Collection string // empty watches the whole database
	StreamID   string

	BatchSize    int32
	MaxAwaitTime time.Duration
	Filter       *NamespaceFilter
}

// MongoSource reads a MongoDB change stream.
type MongoSource struct {
	config MongoConfig
}

type watcher interface {
	Watch(ctx context.Context, pipeline interface{}, opts ...*options.ChangeStreamOptions) (*mongo.ChangeStream, error)
}

func NewMongoSource(config MongoConfig) (*MongoSource, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if config.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	if config.StreamID == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	return &MongoSource{config: config}, nil
}

// Pipeline is the aggregation applied server side to every change stream:
// relayable operations only, projected to the fields the relay reads.
func Pipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "_id", Value: 1},
			{Key: "operationType", Value: 1},
			{Key: "clusterTime", Value: 1},
			{Key: "wallTime", Value: 1},
			{Key: "ns", Value: 1},
			{Key: "documentKey", Value: 1},
			{Key: "fullDocument", Value: 1},
		}}},
	}
}

func (s *MongoSource) namespace() common.Namespace {
	return common.Namespace{Database: s.config.Database, Collection: s.config.Collection}
}

func (s *MongoSource) watcher() watcher {
	db := s.config.Client.Database(s.config.Database)
	if s.config.Collection == "" {
		return db
	}
	return db.Collection(s.config.Collection)
}

func (s *MongoSource) Open(ctx context.Context, start *common.ResumeToken) (Cursor, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if s.config.BatchSize > 0 {
		opts.SetBatchSize(s.config.BatchSize)
	}
	if s.config.MaxAwaitTime > 0 {
		opts.SetMaxAwaitTime(s.config.MaxAwaitTime)
	}
	if start != nil && !start.IsZero() {
		opts.SetResumeAfter(bson.Raw(start.Data))
	}

	stream, err := s.watcher().Watch(ctx, Pipeline(), opts)
	if err != nil {
		if start != nil && isTokenExpired(err) {
			return nil, &common.TokenExpiredError{StreamID: s.config.StreamID, Token: start.String(), Err: err}
		}
		return nil, &common.OpenError{Namespace: s.namespace(), Err: err}
	}

	log.Info().
		Str("namespace", s.namespace().String()).
		Bool("resumed", start != nil && !start.IsZero()).
		Msg("Opened change stream")

	return &mongoCursor{
		stream:   stream,
		streamID: s.config.StreamID,
		filter:   s.config.Filter,
	}, nil
}

func isTokenExpired(err error) bool {
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorCode(codeChangeStreamHistoryLost) || se.HasErrorCode(codeChangeStreamFatalError)
	}
	return false
}

type mongoCursor struct {
	stream    *mongo.ChangeStream
	streamID  string
	filter    *NamespaceFilter
	closeOnce sync.Once
	closeErr  error
}

func (c *mongoCursor) Next(ctx context.Context) (common.ChangeEvent, error) {
	for {
		if !c.stream.Next(ctx) {
			if err := ctx.Err(); err != nil {
				return common.ChangeEvent{}, err
			}
			if err := c.stream.Err(); err != nil {
				if isTokenExpired(err) {
					return common.ChangeEvent{}, &common.TokenExpiredError{StreamID: c.streamID, Err: err}
				}
				return common.ChangeEvent{}, fmt.Errorf("change stream failed: %w", err)
			}
			return common.ChangeEvent{}, common.ErrFeedClosed
		}

		evt, err := decodeChange(c.streamID, c.stream.Current)
		if err != nil {
			return common.ChangeEvent{}, err
		}
		if !surfaced(evt, c.filter) {
			log.Debug().
				Str("operation", evt.Operation.String()).
				Str("namespace", evt.Namespace.String()).
				Msg("Dropped change event")
			continue
		}
		return evt, nil
	}
}

func (c *mongoCursor) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.stream.Close(ctx)
	})
	return c.closeErr
}

// decodeChange reads a projected change document. raw is only valid until
// the stream advances, so every retained slice is cloned.
func decodeChange(streamID string, raw bson.Raw) (common.ChangeEvent, error) {
	var evt common.ChangeEvent

	idVal, err := raw.LookupErr("_id")
	if err != nil {
		return evt, &common.TransformError{Err: errors.New("change event has no resume token")}
	}
	tokenDoc, ok := idVal.DocumentOK()
	if !ok {
		return evt, &common.TransformError{Err: fmt.Errorf("resume token has type %s", idVal.Type)}
	}
	evt.Token = common.ResumeToken{StreamID: streamID, Data: bytes.Clone(tokenDoc)}

	opVal, err := raw.LookupErr("operationType")
	if err != nil {
		return evt, &common.TransformError{Token: evt.Token, Err: errors.New("change event has no operationType")}
	}
	op, ok := opVal.StringValueOK()
	if !ok {
		return evt, &common.TransformError{Token: evt.Token, Err: fmt.Errorf("operationType has type %s", opVal.Type)}
	}
	evt.Operation = common.ParseOperation(op)

	if nsVal, err := raw.LookupErr("ns"); err == nil {
		if nsDoc, ok := nsVal.DocumentOK(); ok {
			evt.Namespace.Database, _ = nsDoc.Lookup("db").StringValueOK()
			evt.Namespace.Collection, _ = nsDoc.Lookup("coll").StringValueOK()
		}
	}

	if keyVal, err := raw.LookupErr("documentKey"); err == nil {
		if keyDoc, ok := keyVal.DocumentOK(); ok {
			evt.DocumentKey = bson.Raw(bytes.Clone(keyDoc))
		}
	}

	// fullDocument is null when an updated document was deleted before the lookup.
	if docVal, err := raw.LookupErr("fullDocument"); err == nil && docVal.Type == bsontype.EmbeddedDocument {
		evt.FullDocument = bson.Raw(bytes.Clone(docVal.Document()))
	}

	if wall, err := raw.LookupErr("wallTime"); err == nil && wall.Type == bsontype.DateTime {
		evt.ObservedAt = time.UnixMilli(wall.DateTime()).UTC()
	} else if cluster, err := raw.LookupErr("clusterTime"); err == nil && cluster.Type == bsontype.Timestamp {
		secs, _ := cluster.Timestamp()
		evt.ObservedAt = time.Unix(int64(secs), 0).UTC()
	}

	return evt, nil
}
