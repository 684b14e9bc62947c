package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

type operation string

const (
	opInsert operation = "insert"
	opUpdate operation = "update"
	opDelete operation = "delete"
)

func execute(ctx context.Context, cfg *Config, op operation) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetAppName("changerelay-seed"))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
	}()
	coll := client.Database(cfg.Database).Collection(cfg.Collection)

	fmt.Printf("Running %d %s operations on %s.%s with %d writers\n", cfg.Count, op, cfg.Database, cfg.Collection, cfg.Threads)

	var done, missed atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Threads; w++ {
		gen := newStudentGenerator(cfg.Seed + int64(w))
		n := cfg.share(w)
		g.Go(func() error {
			for i := 0; i < n; i++ {
				if i > 0 && cfg.Interval > 0 {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-time.After(cfg.Interval):
					}
				}

				hit, err := apply(gctx, coll, gen, op)
				if err != nil {
					return err
				}
				if hit {
					done.Add(1)
				} else {
					missed.Add(1)
				}
			}
			return nil
		})
	}

	err = g.Wait()
	elapsed := time.Since(start)
	fmt.Printf("Completed %d %s operations in %s (%d found nothing to change)\n", done.Load(), op, elapsed.Round(time.Millisecond), missed.Load())
	if errors.Is(err, context.Canceled) {
		fmt.Println("Interrupted")
		return nil
	}
	return err
}

// apply runs one operation and reports whether it changed a document
func apply(ctx context.Context, coll *mongo.Collection, gen *studentGenerator, op operation) (bool, error) {
	switch op {
	case opInsert:
		student := gen.next()
		if _, err := coll.InsertOne(ctx, student); err != nil {
			return false, fmt.Errorf("failed to insert student: %w", err)
		}
		return true, nil
	case opUpdate, opDelete:
		id, err := randomID(ctx, coll)
		if err != nil || id == nil {
			return false, err
		}
		if op == opUpdate {
			res, err := coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, gen.rename())
			if err != nil {
				return false, fmt.Errorf("failed to update student: %w", err)
			}
			return res.ModifiedCount > 0, nil
		}
		res, err := coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
		if err != nil {
			return false, fmt.Errorf("failed to delete student: %w", err)
		}
		return res.DeletedCount > 0, nil
	default:
		return false, fmt.Errorf("unknown operation: %s", op)
	}
}

// randomID picks the _id of a random document, nil when the collection is empty
func randomID(ctx context.Context, coll *mongo.Collection) (interface{}, error) {
	cur, err := coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$sample", Value: bson.D{{Key: "size", Value: 1}}}},
		{{Key: "$project", Value: bson.D{{Key: "_id", Value: 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sample students: %w", err)
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		return nil, cur.Err()
	}
	var doc struct {
		ID interface{} `bson:"_id"`
	}
	if err := cur.Decode(&doc); err != nil {
		return nil, err
	}
	return doc.ID, nil
}
