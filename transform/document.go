package transform

import (
	"fmt"
	"time"

	"github.com/maxpert/changerelay/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func init() {
	Register("document", func(opts Options) (Transformer, error) {
		return NewDocumentTransformer(opts)
	})
}

const rfc3339Millis = "2006-01-02T15:04:05.000Z07:00"

// DocumentTransformer emits the changed document itself: the full document
// without its store identifier, plus a timestamp taken from the event.
type DocumentTransformer struct {
	idField         string
	timestampField  string
	timestampFormat string
}

func NewDocumentTransformer(opts Options) (*DocumentTransformer, error) {
	opts = opts.withDefaults()
	switch opts.TimestampFormat {
	case TimestampRFC3339, TimestampUnixMS, TimestampDate:
	default:
		return nil, fmt.Errorf("unknown timestamp format: %s", opts.TimestampFormat)
	}
	return &DocumentTransformer{
		idField:         opts.IDField,
		timestampField:  opts.TimestampField,
		timestampFormat: opts.TimestampFormat,
	}, nil
}

func (d *DocumentTransformer) Name() string { return "document" }

func (d *DocumentTransformer) Transform(event common.ChangeEvent) ([]common.Record, error) {
	switch event.Operation {
	case common.OpInsert, common.OpUpdate, common.OpReplace:
	default:
		return nil, nil
	}
	if len(event.FullDocument) == 0 {
		return nil, nil
	}

	var full bson.D
	if err := bson.Unmarshal(event.FullDocument, &full); err != nil {
		return nil, fmt.Errorf("invalid full document: %w", err)
	}

	doc := make(bson.D, 0, len(full)+1)
	for _, elem := range full {
		if elem.Key == d.idField || elem.Key == d.timestampField {
			continue
		}
		doc = append(doc, elem)
	}
	// A timestamp already in the source document is dropped even when the
	// event carries no observation time.
	if !event.ObservedAt.IsZero() {
		doc = append(doc, bson.E{Key: d.timestampField, Value: d.timestamp(event.ObservedAt)})
	}

	key := common.DocumentKeyString(event.DocumentKey)
	if key == "" {
		key = common.DocumentKeyString(event.FullDocument)
	}

	return []common.Record{{
		Key:       key,
		Namespace: event.Namespace,
		Document:  doc,
		Token:     event.Token,
	}}, nil
}

func (d *DocumentTransformer) timestamp(t time.Time) interface{} {
	switch d.timestampFormat {
	case TimestampUnixMS:
		return t.UnixMilli()
	case TimestampDate:
		return primitive.NewDateTimeFromTime(t)
	default:
		return t.UTC().Format(rfc3339Millis)
	}
}
