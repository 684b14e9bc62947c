package common

import (
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Operation is the kind of change a feed event describes.
type Operation int

const (
	OpOther Operation = iota
	OpInsert
	OpUpdate
	OpReplace
)

// ParseOperation maps a change stream operationType to an Operation.
// Deletes and administrative events (drop, rename, invalidate, ...) are OpOther.
func ParseOperation(s string) Operation {
	switch s {
	case "insert":
		return OpInsert
	case "update":
		return OpUpdate
	case "replace":
		return OpReplace
	default:
		return OpOther
	}
}

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpReplace:
		return "replace"
	default:
		return "other"
	}
}

// Relayable reports whether events of this kind are handed to transformers.
func (o Operation) Relayable() bool {
	return o == OpInsert || o == OpUpdate || o == OpReplace
}

// Namespace identifies the collection an event belongs to.
type Namespace struct {
	Database   string
	Collection string
}

func (n Namespace) String() string {
	if n.Collection == "" {
		return n.Database
	}
	return n.Database + "." + n.Collection
}

// ChangeEvent is a single projected change stream event.
// FullDocument is nil when the feed did not carry one; ObservedAt is zero
// when neither wallTime nor clusterTime was present.
type ChangeEvent struct {
	Operation    Operation
	Namespace    Namespace
	DocumentKey  bson.Raw
	FullDocument bson.Raw
	Token        ResumeToken
	ObservedAt   time.Time
}

// Record is one output unit handed to the publisher.
type Record struct {
	Key       string
	Namespace Namespace
	Document  bson.D
	Token     ResumeToken
}

// DocumentKeyString renders the _id of a documentKey for use as a partition key.
func DocumentKeyString(key bson.Raw) string {
	if len(key) == 0 {
		return ""
	}
	val, err := key.LookupErr("_id")
	if err != nil {
		return ""
	}
	return rawValueString(val)
}

func rawValueString(val bson.RawValue) string {
	switch val.Type {
	case bsontype.ObjectID:
		return val.ObjectID().Hex()
	case bsontype.String:
		return val.StringValue()
	case bsontype.Int32:
		return strconv.FormatInt(int64(val.Int32()), 10)
	case bsontype.Int64:
		return strconv.FormatInt(val.Int64(), 10)
	default:
		return val.String()
	}
}
