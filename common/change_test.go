package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestParseOperation(t *testing.T) {
	tests := []struct {
		in        string
		want      Operation
		relayable bool
	}{
		{"insert", OpInsert, true},
		{"update", OpUpdate, true},
		{"replace", OpReplace, true},
		{"delete", OpOther, false},
		{"drop", OpOther, false},
		{"invalidate", OpOther, false},
		{"", OpOther, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			op := ParseOperation(tt.in)
			assert.Equal(t, tt.want, op)
			assert.Equal(t, tt.relayable, op.Relayable())
		})
	}
}

func TestResumeTokenRoundTrip(t *testing.T) {
	tok := ResumeToken{StreamID: "students", Data: []byte{0x01, 0xff, 0x10}}

	parsed, err := ParseResumeToken("students", tok.String())
	require.NoError(t, err)
	assert.True(t, tok.Equal(parsed))
	assert.False(t, parsed.IsZero())

	_, err = ParseResumeToken("students", "not base64!")
	assert.Error(t, err)
}

func TestResumeTokenClone(t *testing.T) {
	tok := ResumeToken{StreamID: "s", Data: []byte("abc")}
	clone := tok.Clone()
	clone.Data[0] = 'x'
	assert.Equal(t, "abc", string(tok.Data))
}

func TestDocumentKeyString(t *testing.T) {
	oid := primitive.NewObjectID()

	tests := []struct {
		name string
		key  bson.D
		want string
	}{
		{"object id", bson.D{{Key: "_id", Value: oid}}, oid.Hex()},
		{"string", bson.D{{Key: "_id", Value: "x"}}, "x"},
		{"int32", bson.D{{Key: "_id", Value: int32(-7)}}, "-7"},
		{"int64", bson.D{{Key: "_id", Value: int64(42)}}, "42"},
		{"missing", bson.D{{Key: "other", Value: 1}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := bson.Marshal(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, DocumentKeyString(raw))
		})
	}

	assert.Equal(t, "", DocumentKeyString(nil))
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("boom")

	var storageErr *StorageError
	err := error(&StorageError{Op: "save", StreamID: "s", Err: base})
	require.True(t, errors.As(err, &storageErr))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "checkpoint save failed for stream s")

	var pubErr *PublishError
	err = error(&PublishError{Topic: "t", Records: 2, Attempts: 3, Err: base})
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, 3, pubErr.Attempts)
	assert.ErrorIs(t, err, base)

	expired := &TokenExpiredError{StreamID: "s", Token: "abc"}
	assert.Contains(t, expired.Error(), "no longer available")
}
