package common

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"time"
)

// ResumeToken is an opaque position in a change feed. Data is compared only
// by the feed that produced it; the relay never interprets it.
type ResumeToken struct {
	StreamID string
	Data     []byte
}

// IsZero reports whether the token carries no position.
func (t ResumeToken) IsZero() bool {
	return len(t.Data) == 0
}

// String returns the standard base64 form used for persistence and logs.
func (t ResumeToken) String() string {
	return base64.StdEncoding.EncodeToString(t.Data)
}

func (t ResumeToken) Equal(other ResumeToken) bool {
	return t.StreamID == other.StreamID && bytes.Equal(t.Data, other.Data)
}

// Clone returns a token that does not share Data with t.
func (t ResumeToken) Clone() ResumeToken {
	return ResumeToken{StreamID: t.StreamID, Data: bytes.Clone(t.Data)}
}

// ParseResumeToken decodes the base64 form produced by String.
func ParseResumeToken(streamID, encoded string) (ResumeToken, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ResumeToken{}, fmt.Errorf("invalid resume token for stream %s: %w", streamID, err)
	}
	return ResumeToken{StreamID: streamID, Data: data}, nil
}

// Checkpoint is the durable record of the last relayed position of a stream.
type Checkpoint struct {
	StreamID  string
	TokenData []byte
	WrittenAt time.Time
}

// Token returns the checkpointed position as a ResumeToken.
func (c *Checkpoint) Token() ResumeToken {
	return ResumeToken{StreamID: c.StreamID, Data: c.TokenData}
}
