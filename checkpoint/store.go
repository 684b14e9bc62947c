// Package checkpoint persists the last relayed resume token of each stream.
//
// A Store has a single writer per stream: the relay loop. Save is an
// idempotent upsert, and a successful Save is visible to every later Load.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/maxpert/changerelay/common"
	"go.mongodb.org/mongo-driver/mongo"
)

// Store is a durable streamID -> resume token mapping.
type Store interface {
	// Load returns the checkpoint of streamID, or nil when none was written.
	Load(ctx context.Context, streamID string) (*common.Checkpoint, error)
	// Save upserts token as the checkpoint of streamID.
	Save(ctx context.Context, streamID string, token common.ResumeToken) error
	Close() error
}

// Supported backends
const (
	BackendMongo    = "mongo"
	BackendPebble   = "pebble"
	BackendSQLite   = "sqlite"
	BackendMySQL    = "mysql"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Defaults shared by the backends
const (
	DefaultCollection = "resumeToken"
	DefaultTable      = "relay_checkpoints"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options selects and configures a backend.
type Options struct {
	Backend string

	// pebble: directory holding the database
	Path string

	// sqlite, mysql, postgres
	DSN   string
	Table string

	// mongo
	Database   string
	Collection string
}

// Open creates the Store described by opts. client is only used by the
// mongo backend and may be nil otherwise.
func Open(ctx context.Context, opts Options, client *mongo.Client) (Store, error) {
	switch opts.Backend {
	case BackendMongo:
		if client == nil {
			return nil, errors.New("mongo checkpoint backend requires a client")
		}
		return NewMongoStore(ctx, client.Database(opts.Database), opts.Collection)
	case BackendPebble:
		return NewPebbleStore(opts.Path)
	case BackendSQLite, BackendMySQL, BackendPostgres:
		return NewSQLStore(ctx, opts.Backend, opts.DSN, opts.Table)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", opts.Backend)
	}
}

// checkToken rejects saves that would corrupt the stream's checkpoint.
func checkToken(streamID string, token common.ResumeToken) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	if token.IsZero() {
		return errors.New("resume token is empty")
	}
	if token.StreamID != "" && token.StreamID != streamID {
		return fmt.Errorf("token belongs to stream %s", token.StreamID)
	}
	return nil
}

func loadError(streamID string, err error) error {
	return &common.StorageError{Op: "load", StreamID: streamID, Err: err}
}

func saveError(streamID string, err error) error {
	return &common.StorageError{Op: "save", StreamID: streamID, Err: err}
}
