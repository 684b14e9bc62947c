package checkpoint

import (
	"bytes"
	"context"
	"time"

	"github.com/maxpert/changerelay/common"
	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore keeps checkpoints in process memory. Nothing survives a restart.
type MemoryStore struct {
	checkpoints *xsync.MapOf[string, common.Checkpoint]
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: xsync.NewMapOf[string, common.Checkpoint](),
		now:         time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, streamID string) (*common.Checkpoint, error) {
	cp, ok := s.checkpoints.Load(streamID)
	if !ok {
		return nil, nil
	}
	cp.TokenData = bytes.Clone(cp.TokenData)
	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, streamID string, token common.ResumeToken) error {
	if err := checkToken(streamID, token); err != nil {
		return saveError(streamID, err)
	}
	s.checkpoints.Store(streamID, common.Checkpoint{
		StreamID:  streamID,
		TokenData: bytes.Clone(token.Data),
		WrittenAt: s.now().UTC(),
	})
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
