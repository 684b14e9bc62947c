package common

import (
	"errors"
	"fmt"
)

// ErrFeedClosed is returned by a cursor whose underlying feed has ended.
var ErrFeedClosed = errors.New("change feed closed")

// StorageError represents a failure of the checkpoint storage layer
type StorageError struct {
	Op       string // "load" or "save"
	StreamID string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("checkpoint %s failed for stream %s: %v", e.Op, e.StreamID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// OpenError represents a failure to open a change feed cursor
type OpenError struct {
	Namespace Namespace
	Err       error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open change feed on %s: %v", e.Namespace, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// TokenExpiredError indicates the feed no longer retains the position a
// cursor was asked to resume from. Resuming would silently skip changes.
type TokenExpiredError struct {
	StreamID string
	Token    string
	Err      error
}

func (e *TokenExpiredError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resume token %s for stream %s is no longer available", e.Token, e.StreamID)
	}
	return fmt.Sprintf("resume token %s for stream %s is no longer available: %v", e.Token, e.StreamID, e.Err)
}

func (e *TokenExpiredError) Unwrap() error { return e.Err }

// TransformError represents an event that could not be decoded or transformed.
// Token is zero when the event was too malformed to carry one.
type TransformError struct {
	Transformer string
	Token       ResumeToken
	Err         error
}

func (e *TransformError) Error() string {
	if e.Transformer == "" {
		return fmt.Sprintf("malformed change event: %v", e.Err)
	}
	return fmt.Sprintf("transformer %s failed: %v", e.Transformer, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// PublishError represents a batch that could not be delivered to the bus
type PublishError struct {
	Topic    string
	Records  int
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish of %d records to %s failed after %d attempts: %v",
		e.Records, e.Topic, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
