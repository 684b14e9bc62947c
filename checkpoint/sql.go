package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/maxpert/changerelay/common"
	"github.com/rs/zerolog/log"
)

type sqlBackend struct {
	driver  string // database/sql driver name
	dialect string // goqu dialect name
}

var sqlBackends = map[string]sqlBackend{
	BackendSQLite:   {driver: "sqlite3", dialect: "sqlite3"},
	BackendMySQL:    {driver: "mysql", dialect: "mysql"},
	BackendPostgres: {driver: "pgx", dialect: "postgres"},
}

// SQLStore keeps checkpoints in a relational table, one row per stream:
//
//	stream_id  VARCHAR(255) PRIMARY KEY
//	token      TEXT    -- base64 resume token
//	written_at BIGINT  -- unix milliseconds
type SQLStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	table   string
}

// NewSQLStore opens dsn with the driver for backend and creates the
// checkpoint table if it does not exist.
func NewSQLStore(ctx context.Context, backend, dsn, table string) (*SQLStore, error) {
	b, ok := sqlBackends[backend]
	if !ok {
		return nil, fmt.Errorf("unsupported sql checkpoint backend: %s", backend)
	}
	if dsn == "" {
		return nil, fmt.Errorf("%s checkpoint backend requires a dsn", backend)
	}
	if table == "" {
		table = DefaultTable
	}
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid checkpoint table name: %q", table)
	}

	db, err := sql.Open(b.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s checkpoint store: %w", backend, err)
	}

	if backend == BackendSQLite {
		// One writer; WAL keeps readers off the writer's lock.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set journal mode: %w", err)
		}
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		stream_id VARCHAR(255) NOT NULL PRIMARY KEY,
		token TEXT NOT NULL,
		written_at BIGINT NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint table: %w", err)
	}

	log.Debug().Str("backend", backend).Str("table", table).Msg("Opened sql checkpoint store")
	return &SQLStore{db: db, dialect: goqu.Dialect(b.dialect), table: table}, nil
}

func (s *SQLStore) selectSQL(streamID string) (string, []interface{}, error) {
	return s.dialect.From(s.table).
		Select("token", "written_at").
		Where(goqu.C("stream_id").Eq(streamID)).
		Prepared(true).
		ToSQL()
}

func (s *SQLStore) upsertSQL(streamID, token string, writtenAt int64) (string, []interface{}, error) {
	return s.dialect.Insert(s.table).
		Rows(goqu.Record{"stream_id": streamID, "token": token, "written_at": writtenAt}).
		OnConflict(goqu.DoUpdate("stream_id", goqu.Record{"token": token, "written_at": writtenAt})).
		Prepared(true).
		ToSQL()
}

func (s *SQLStore) Load(ctx context.Context, streamID string) (*common.Checkpoint, error) {
	query, args, err := s.selectSQL(streamID)
	if err != nil {
		return nil, loadError(streamID, err)
	}

	var (
		encoded   string
		writtenAt int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&encoded, &writtenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, loadError(streamID, err)
	}

	token, err := common.ParseResumeToken(streamID, encoded)
	if err != nil {
		return nil, loadError(streamID, err)
	}

	return &common.Checkpoint{
		StreamID:  streamID,
		TokenData: token.Data,
		WrittenAt: time.UnixMilli(writtenAt).UTC(),
	}, nil
}

func (s *SQLStore) Save(ctx context.Context, streamID string, token common.ResumeToken) error {
	if err := checkToken(streamID, token); err != nil {
		return saveError(streamID, err)
	}

	query, args, err := s.upsertSQL(streamID, token.String(), time.Now().UnixMilli())
	if err != nil {
		return saveError(streamID, err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return saveError(streamID, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
