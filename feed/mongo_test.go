package feed

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/maxpert/changerelay/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ Source = (*MongoSource)(nil)

func rawChange(t *testing.T, doc bson.D) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func TestPipeline(t *testing.T) {
	p := Pipeline()
	require.Len(t, p, 2)
	assert.Equal(t, "$match", p[0][0].Key)
	assert.Equal(t, "$project", p[1][0].Key)

	projected := map[string]bool{}
	for _, e := range p[1][0].Value.(bson.D) {
		projected[e.Key] = true
	}
	for _, field := range []string{"_id", "operationType", "clusterTime", "wallTime", "ns", "documentKey", "fullDocument"} {
		assert.True(t, projected[field], "missing projected field %s", field)
	}
}

func TestDecodeChange_Insert(t *testing.T) {
	oid := primitive.NewObjectID()
	wall := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	raw := rawChange(t, bson.D{
		{Key: "_id", Value: bson.D{{Key: "_data", Value: "8263A1"}}},
		{Key: "operationType", Value: "insert"},
		{Key: "clusterTime", Value: primitive.Timestamp{T: 1, I: 1}},
		{Key: "wallTime", Value: primitive.NewDateTimeFromTime(wall)},
		{Key: "ns", Value: bson.D{{Key: "db", Value: "school"}, {Key: "coll", Value: "students"}}},
		{Key: "documentKey", Value: bson.D{{Key: "_id", Value: oid}}},
		{Key: "fullDocument", Value: bson.D{{Key: "_id", Value: oid}, {Key: "name", Value: "A"}}},
	})

	evt, err := decodeChange("students", raw)
	require.NoError(t, err)

	assert.Equal(t, common.OpInsert, evt.Operation)
	assert.Equal(t, common.Namespace{Database: "school", Collection: "students"}, evt.Namespace)
	assert.Equal(t, oid.Hex(), common.DocumentKeyString(evt.DocumentKey))
	assert.Equal(t, "A", evt.FullDocument.Lookup("name").StringValue())
	assert.True(t, wall.Equal(evt.ObservedAt))
	assert.Equal(t, "students", evt.Token.StreamID)

	var tok bson.D
	require.NoError(t, bson.Unmarshal(evt.Token.Data, &tok))
	assert.Equal(t, "8263A1", tok[0].Value)
}

func TestDecodeChange_ClusterTimeFallback(t *testing.T) {
	raw := rawChange(t, bson.D{
		{Key: "_id", Value: bson.D{{Key: "_data", Value: "x"}}},
		{Key: "operationType", Value: "update"},
		{Key: "clusterTime", Value: primitive.Timestamp{T: 1700000000, I: 3}},
		{Key: "fullDocument", Value: nil},
	})

	evt, err := decodeChange("s", raw)
	require.NoError(t, err)
	assert.Equal(t, common.OpUpdate, evt.Operation)
	assert.Nil(t, evt.FullDocument)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), evt.ObservedAt)
}

func TestDecodeChange_Malformed(t *testing.T) {
	tests := []struct {
		name      string
		doc       bson.D
		wantToken bool
	}{
		{"no token", bson.D{{Key: "operationType", Value: "insert"}}, false},
		{"scalar token", bson.D{{Key: "_id", Value: "x"}, {Key: "operationType", Value: "insert"}}, false},
		{"no operation", bson.D{{Key: "_id", Value: bson.D{{Key: "_data", Value: "x"}}}}, true},
		{"numeric operation", bson.D{{Key: "_id", Value: bson.D{{Key: "_data", Value: "x"}}}, {Key: "operationType", Value: 1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeChange("s", rawChange(t, tt.doc))
			var te *common.TransformError
			require.True(t, errors.As(err, &te), "expected TransformError, got %v", err)
			assert.Equal(t, tt.wantToken, !te.Token.IsZero())
		})
	}
}

func TestNewMongoSource_Validation(t *testing.T) {
	_, err := NewMongoSource(MongoConfig{})
	assert.Error(t, err)

	_, err = NewMongoSource(MongoConfig{Client: &mongo.Client{}, StreamID: "s"})
	assert.Error(t, err)
}

// TestMongoSource_Live needs a replica set; change streams are unavailable
// on standalone servers.
func TestMongoSource_Live(t *testing.T) {
	uri := os.Getenv("CHANGERELAY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CHANGERELAY_TEST_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer client.Disconnect(context.Background())

	coll := client.Database("changerelay_test").Collection("students")
	src, err := NewMongoSource(MongoConfig{
		Client:       client,
		Database:     "changerelay_test",
		Collection:   "students",
		StreamID:     "students",
		MaxAwaitTime: time.Second,
	})
	require.NoError(t, err)

	cur, err := src.Open(ctx, nil)
	require.NoError(t, err)
	defer cur.Close(context.Background())

	_, err = coll.InsertOne(ctx, bson.D{{Key: "name", Value: "A"}})
	require.NoError(t, err)
	_, err = coll.DeleteMany(ctx, bson.D{})
	require.NoError(t, err)
	_, err = coll.InsertOne(ctx, bson.D{{Key: "name", Value: "B"}})
	require.NoError(t, err)

	first, err := cur.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", first.FullDocument.Lookup("name").StringValue())

	second, err := cur.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", second.FullDocument.Lookup("name").StringValue())

	resumed, err := src.Open(ctx, &first.Token)
	require.NoError(t, err)
	defer resumed.Close(context.Background())

	again, err := resumed.Next(ctx)
	require.NoError(t, err)
	assert.True(t, second.Token.Equal(again.Token))
}
