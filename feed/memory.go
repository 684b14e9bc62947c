package feed

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/maxpert/changerelay/common"
)

type memoryEntry struct {
	seq   uint64
	event common.ChangeEvent
	err   error
}

// MemorySource is an in-process change feed with the same resume semantics
// as a change stream. Tokens are 8-byte big-endian sequence numbers.
type MemorySource struct {
	mu        sync.Mutex
	streamID  string
	filter    *NamespaceFilter
	entries   []memoryEntry
	lastSeq   uint64
	compacted uint64 // positions < compacted can no longer be resumed from
	notify    chan struct{}
	ended     bool
	openErr   error
	opens     int
}

func NewMemorySource(streamID string, filter *NamespaceFilter) *MemorySource {
	return &MemorySource{
		streamID: streamID,
		filter:   filter,
		notify:   make(chan struct{}),
	}
}

func (s *MemorySource) token(seq uint64) common.ResumeToken {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, seq)
	return common.ResumeToken{StreamID: s.streamID, Data: data}
}

func (s *MemorySource) push(entry memoryEntry) common.ResumeToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeq++
	entry.seq = s.lastSeq
	tok := s.token(entry.seq)
	if entry.err == nil {
		entry.event.Token = tok
		if entry.event.ObservedAt.IsZero() {
			entry.event.ObservedAt = time.Now().UTC()
		}
	}
	s.entries = append(s.entries, entry)

	close(s.notify)
	s.notify = make(chan struct{})
	return tok
}

// Append adds evt to the feed and returns the token assigned to it.
func (s *MemorySource) Append(evt common.ChangeEvent) common.ResumeToken {
	return s.push(memoryEntry{event: evt})
}

// AppendError makes cursors return err when they reach this position.
func (s *MemorySource) AppendError(err error) {
	s.push(memoryEntry{err: err})
}

// Compact discards the history before tok. Opening a cursor at an earlier
// position fails with *common.TokenExpiredError; tok itself stays resumable.
func (s *MemorySource) Compact(tok common.ResumeToken) {
	seq, ok := decodeSeq(tok)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.compacted {
		s.compacted = seq
	}
}

// End closes the feed; cursors return common.ErrFeedClosed once drained.
func (s *MemorySource) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.notify)
		s.notify = make(chan struct{})
	}
}

// FailOpen makes subsequent Open calls fail with err. nil clears it.
func (s *MemorySource) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// Opens returns the number of successful Open calls.
func (s *MemorySource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func decodeSeq(tok common.ResumeToken) (uint64, bool) {
	if len(tok.Data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(tok.Data), true
}

func (s *MemorySource) Open(_ context.Context, start *common.ResumeToken) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openErr != nil {
		return nil, &common.OpenError{Namespace: common.Namespace{Database: s.streamID}, Err: s.openErr}
	}

	pos := s.lastSeq
	if start != nil && !start.IsZero() {
		seq, ok := decodeSeq(*start)
		switch {
		case !ok || seq > s.lastSeq:
			return nil, &common.TokenExpiredError{StreamID: s.streamID, Token: start.String(), Err: errors.New("unknown resume token")}
		case seq < s.compacted:
			return nil, &common.TokenExpiredError{StreamID: s.streamID, Token: start.String()}
		}
		pos = seq
	}

	s.opens++
	return &memoryCursor{source: s, pos: pos, closed: make(chan struct{})}, nil
}

type memoryCursor struct {
	source    *MemorySource
	pos       uint64
	closed    chan struct{}
	closeOnce sync.Once
}

// following returns the first entry after pos, or the channel to wait on.
func (c *memoryCursor) following() (memoryEntry, bool, bool, <-chan struct{}) {
	s := c.source
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.seq > c.pos {
			return e, true, false, nil
		}
	}
	return memoryEntry{}, false, s.ended, s.notify
}

func (c *memoryCursor) Next(ctx context.Context) (common.ChangeEvent, error) {
	for {
		select {
		case <-c.closed:
			return common.ChangeEvent{}, common.ErrFeedClosed
		default:
		}

		entry, found, ended, wait := c.following()
		if found {
			c.pos = entry.seq
			if entry.err != nil {
				return common.ChangeEvent{}, entry.err
			}
			if !surfaced(entry.event, c.source.filter) {
				continue
			}
			return entry.event, nil
		}
		if ended {
			return common.ChangeEvent{}, common.ErrFeedClosed
		}

		select {
		case <-ctx.Done():
			return common.ChangeEvent{}, ctx.Err()
		case <-c.closed:
			return common.ChangeEvent{}, common.ErrFeedClosed
		case <-wait:
		}
	}
}

func (c *memoryCursor) Close(context.Context) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
