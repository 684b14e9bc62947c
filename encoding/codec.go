package encoding

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Codec serializes an output document for the bus.
type Codec interface {
	Name() string
	ContentType() string
	Encode(doc bson.D) ([]byte, error)
}

// Codec names accepted by CodecFor
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// CodecFor returns the codec registered under name. An empty name selects JSON.
func CodecFor(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", FormatJSON:
		return JSONCodec{}, nil
	case FormatMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown record format: %s", name)
	}
}

// JSONCodec writes relaxed MongoDB extended JSON: plain numbers and strings
// stay plain, ObjectIDs and dates keep their $oid/$date wrappers.
type JSONCodec struct{}

func (JSONCodec) Name() string        { return FormatJSON }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(doc bson.D) ([]byte, error) {
	if doc == nil {
		doc = bson.D{}
	}
	return bson.MarshalExtJSON(doc, false, false)
}

// MsgpackCodec writes documents as msgpack maps preserving field order.
// BSON-specific scalars are lowered to their closest msgpack representation.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string        { return FormatMsgpack }
func (MsgpackCodec) ContentType() string { return "application/msgpack" }

func (MsgpackCodec) Encode(doc bson.D) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeDocument(enc, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeDocument(enc *msgpack.Encoder, doc bson.D) error {
	if err := enc.EncodeMapLen(len(doc)); err != nil {
		return err
	}
	for _, elem := range doc {
		if err := enc.EncodeString(elem.Key); err != nil {
			return err
		}
		if err := encodeValue(enc, elem.Value); err != nil {
			return fmt.Errorf("field %s: %w", elem.Key, err)
		}
	}
	return nil
}

func encodeValue(enc *msgpack.Encoder, v interface{}) error {
	switch val := v.(type) {
	case bson.D:
		return encodeDocument(enc, val)
	case bson.A:
		if err := enc.EncodeArrayLen(len(val)); err != nil {
			return err
		}
		for _, item := range val {
			if err := encodeValue(enc, item); err != nil {
				return err
			}
		}
		return nil
	case primitive.ObjectID:
		return enc.EncodeString(val.Hex())
	case primitive.DateTime:
		return enc.EncodeTime(val.Time().UTC())
	case time.Time:
		return enc.EncodeTime(val.UTC())
	case primitive.Decimal128:
		return enc.EncodeString(val.String())
	case primitive.Binary:
		return enc.EncodeBytes(val.Data)
	case primitive.Timestamp:
		return enc.EncodeUint(uint64(val.T)<<32 | uint64(val.I))
	case primitive.Regex:
		return enc.EncodeString(val.String())
	case primitive.JavaScript:
		return enc.EncodeString(string(val))
	case primitive.Symbol:
		return enc.EncodeString(string(val))
	case primitive.Null, primitive.Undefined:
		return enc.EncodeNil()
	case primitive.MinKey, primitive.MaxKey:
		return enc.EncodeNil()
	default:
		return enc.Encode(val)
	}
}
