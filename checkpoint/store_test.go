package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/maxpert/changerelay/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Compile-time interface checks
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PebbleStore)(nil)
	_ Store = (*SQLStore)(nil)
	_ Store = (*MongoStore)(nil)
)

func token(stream, data string) common.ResumeToken {
	return common.ResumeToken{StreamID: stream, Data: []byte(data)}
}

// testStoreContract exercises the behaviour every backend must share.
func testStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("LoadAbsent", func(t *testing.T) {
		s := open(t)
		cp, err := s.Load(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("SaveThenLoad", func(t *testing.T) {
		s := open(t)
		before := time.Now().Add(-time.Second)

		require.NoError(t, s.Save(ctx, "students", token("students", "t1")))

		cp, err := s.Load(ctx, "students")
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, "students", cp.StreamID)
		assert.Equal(t, []byte("t1"), cp.TokenData)
		assert.True(t, cp.WrittenAt.After(before), "written_at %v should be after %v", cp.WrittenAt, before)
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Save(ctx, "students", token("students", "t1")))
		require.NoError(t, s.Save(ctx, "students", token("students", "t2")))
		require.NoError(t, s.Save(ctx, "students", token("students", "t2")))

		cp, err := s.Load(ctx, "students")
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, []byte("t2"), cp.TokenData)
	})

	t.Run("StreamsAreIndependent", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Save(ctx, "a", token("a", "ta")))
		require.NoError(t, s.Save(ctx, "b", token("", "tb")))

		a, err := s.Load(ctx, "a")
		require.NoError(t, err)
		b, err := s.Load(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, []byte("ta"), a.TokenData)
		assert.Equal(t, []byte("tb"), b.TokenData)
	})

	t.Run("RejectsForeignToken", func(t *testing.T) {
		s := open(t)
		err := s.Save(ctx, "a", token("b", "x"))

		var storageErr *common.StorageError
		require.True(t, errors.As(err, &storageErr), "expected StorageError, got %v", err)
		assert.Equal(t, "save", storageErr.Op)
	})

	t.Run("RejectsEmptyToken", func(t *testing.T) {
		s := open(t)
		assert.Error(t, s.Save(ctx, "a", common.ResumeToken{}))
	})

	t.Run("BinaryToken", func(t *testing.T) {
		s := open(t)
		data := []byte{0x00, 0xff, 0x82, 0x0a}
		require.NoError(t, s.Save(ctx, "bin", common.ResumeToken{Data: data}))

		cp, err := s.Load(ctx, "bin")
		require.NoError(t, err)
		assert.Equal(t, data, cp.TokenData)
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestPebbleStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		s, err := NewPebbleStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewPebbleStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "students", token("students", "t9")))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close()

	cp, err := s.Load(ctx, "students")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, []byte("t9"), cp.TokenData)
}

func TestPebbleStore_Closed(t *testing.T) {
	s, err := NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Error(t, s.Close())
	assert.Error(t, s.Save(context.Background(), "s", token("s", "x")))
}

func TestSQLiteStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		dsn := filepath.Join(t.TempDir(), "checkpoints.db")
		s, err := NewSQLStore(context.Background(), BackendSQLite, dsn, "")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLStore_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := NewSQLStore(ctx, "oracle", "dsn", "")
	assert.Error(t, err)

	_, err = NewSQLStore(ctx, BackendSQLite, "", "")
	assert.Error(t, err)

	_, err = NewSQLStore(ctx, BackendSQLite, filepath.Join(t.TempDir(), "x.db"), "drop table;")
	assert.Error(t, err)
}

func TestSQLStore_DialectUpserts(t *testing.T) {
	tests := []struct {
		dialect     string
		conflict    string
		placeholder string
	}{
		{"postgres", "ON CONFLICT", "$1"},
		{"sqlite3", "ON CONFLICT", "?"},
		{"mysql", "ON DUPLICATE KEY UPDATE", "?"},
	}

	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			s := &SQLStore{dialect: goqu.Dialect(tt.dialect), table: DefaultTable}

			query, args, err := s.upsertSQL("students", "dDE=", 1700000000000)
			require.NoError(t, err)
			assert.Contains(t, query, tt.conflict)
			assert.Contains(t, query, tt.placeholder)
			assert.Contains(t, args, "students")
			assert.Contains(t, args, "dDE=")

			query, args, err = s.selectSQL("students")
			require.NoError(t, err)
			assert.Contains(t, query, "stream_id")
			assert.Equal(t, []interface{}{"students"}, args)
		})
	}
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("CHANGERELAY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CHANGERELAY_TEST_MONGO_URI not set")
	}

	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	testStoreContract(t, func(t *testing.T) Store {
		db := client.Database("changerelay_test")
		coll := fmt.Sprintf("resumeToken_%d", time.Now().UnixNano())
		s, err := NewMongoStore(ctx, db, coll)
		require.NoError(t, err)
		t.Cleanup(func() { db.Collection(coll).Drop(context.Background()) })
		return s
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Backend: BackendMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Options{Backend: BackendPebble, Path: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &PebbleStore{}, s)
	s.Close()

	_, err = Open(ctx, Options{Backend: BackendMongo}, nil)
	assert.Error(t, err)

	_, err = Open(ctx, Options{Backend: "etcd"}, nil)
	assert.Error(t, err)
}
