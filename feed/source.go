// Package feed opens resumable cursors on a change feed.
//
// Cursors only surface insert, update and replace events. Deletes and
// administrative events never reach the caller, and neither do events
// outside the configured namespace filter.
package feed

import (
	"context"

	"github.com/maxpert/changerelay/common"
)

// Source opens cursors on a change feed.
type Source interface {
	// Open starts a cursor strictly after start, or at the current end of
	// the feed when start is nil. A start position the feed no longer
	// retains fails with *common.TokenExpiredError.
	Open(ctx context.Context, start *common.ResumeToken) (Cursor, error)
}

// Cursor is a lazy, ordered and non-restartable sequence of events.
type Cursor interface {
	// Next blocks until the next qualifying event or until ctx is done.
	// An undecodable event is returned as *common.TransformError; a feed
	// that ended returns common.ErrFeedClosed.
	Next(ctx context.Context) (common.ChangeEvent, error)
	// Close releases the cursor. Safe to call more than once.
	Close(ctx context.Context) error
}

// surfaced reports whether evt passes the operation and namespace filters.
func surfaced(evt common.ChangeEvent, filter *NamespaceFilter) bool {
	if !evt.Operation.Relayable() {
		return false
	}
	return filter == nil || filter.Match(evt.Namespace)
}
