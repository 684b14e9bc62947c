package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/changerelay/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

type mongoCheckpoint struct {
	StreamID  string    `bson:"_id"`
	Token     string    `bson:"token"`
	WrittenAt time.Time `bson:"writtenAt"`
}

// MongoStore keeps checkpoints in a collection of the watched database,
// one document per stream keyed by _id.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore returns a store over db.collection (resumeToken by default).
func NewMongoStore(_ context.Context, db *mongo.Database, collection string) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("mongo checkpoint store requires a database")
	}
	if collection == "" {
		collection = DefaultCollection
	}

	// Majority writes so a checkpoint survives a primary failover.
	coll := db.Collection(collection, options.Collection().SetWriteConcern(writeconcern.Majority()))
	return &MongoStore{collection: coll}, nil
}

func (s *MongoStore) Load(ctx context.Context, streamID string) (*common.Checkpoint, error) {
	var doc mongoCheckpoint

	err := s.collection.
		FindOne(ctx, bson.D{{Key: "_id", Value: streamID}},
			options.FindOne().SetSort(bson.D{{Key: "writtenAt", Value: -1}})).
		Decode(&doc)

	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, loadError(streamID, fmt.Errorf("failed to find checkpoint: %w", err))
	}

	token, err := common.ParseResumeToken(streamID, doc.Token)
	if err != nil {
		return nil, loadError(streamID, err)
	}

	return &common.Checkpoint{
		StreamID:  streamID,
		TokenData: token.Data,
		WrittenAt: doc.WrittenAt.UTC(),
	}, nil
}

func (s *MongoStore) Save(ctx context.Context, streamID string, token common.ResumeToken) error {
	if err := checkToken(streamID, token); err != nil {
		return saveError(streamID, err)
	}

	doc := mongoCheckpoint{
		StreamID:  streamID,
		Token:     token.String(),
		WrittenAt: time.Now().UTC(),
	}

	_, err := s.collection.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: streamID}},
		doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return saveError(streamID, fmt.Errorf("failed to upsert checkpoint: %w", err))
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (s *MongoStore) Close() error {
	return nil
}
