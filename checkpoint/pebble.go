package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/changerelay/common"
	"github.com/maxpert/changerelay/encoding"
	"github.com/rs/zerolog/log"
)

// /checkpoint/{streamID} -> msgpack pebbleRecord
const prefixCheckpoint = "/checkpoint/"

type pebbleRecord struct {
	Token     []byte `msgpack:"tok"`
	WrittenAt int64  `msgpack:"ts"` // unix milliseconds
}

// PebbleStore keeps checkpoints in a local Pebble database. Every write is
// synced before Save returns.
type PebbleStore struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool
}

// NewPebbleStore creates or opens the store under dataDir/checkpoints
func NewPebbleStore(dataDir string) (*PebbleStore, error) {
	path := filepath.Join(dataDir, "checkpoints")

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", path, err)
	}

	log.Debug().Str("path", path).Msg("Opened pebble checkpoint store")
	return &PebbleStore{db: db, path: path}, nil
}

func (s *PebbleStore) Load(_ context.Context, streamID string) (*common.Checkpoint, error) {
	if s.closed.Load() {
		return nil, loadError(streamID, fmt.Errorf("checkpoint store is closed"))
	}

	val, closer, err := s.db.Get([]byte(prefixCheckpoint + streamID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, loadError(streamID, err)
	}
	defer closer.Close()

	var rec pebbleRecord
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return nil, loadError(streamID, fmt.Errorf("corrupted checkpoint: %w", err))
	}

	return &common.Checkpoint{
		StreamID:  streamID,
		TokenData: rec.Token,
		WrittenAt: time.UnixMilli(rec.WrittenAt).UTC(),
	}, nil
}

func (s *PebbleStore) Save(_ context.Context, streamID string, token common.ResumeToken) error {
	if err := checkToken(streamID, token); err != nil {
		return saveError(streamID, err)
	}
	if s.closed.Load() {
		return saveError(streamID, fmt.Errorf("checkpoint store is closed"))
	}

	val, err := encoding.Marshal(&pebbleRecord{Token: token.Data, WrittenAt: time.Now().UnixMilli()})
	if err != nil {
		return saveError(streamID, fmt.Errorf("failed to marshal checkpoint: %w", err))
	}

	if err := s.db.Set([]byte(prefixCheckpoint+streamID), val, pebble.Sync); err != nil {
		return saveError(streamID, err)
	}
	return nil
}

// Close closes the Pebble database
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("checkpoint store already closed")
	}
	return s.db.Close()
}
