// Package source adapts MongoDB to the sync engine's Source contract:
// offset-paginated collection reads and a server-side filtered change
// stream with fullDocument lookup semantics.
package source

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/yourorg/search-mirror/internal/sync"
	"github.com/yourorg/search-mirror/internal/transform"
)

type Client struct {
	mc *mongo.Client
}

// Connect opens and pings the MongoDB client. The returned client is safe
// for concurrent use by every pipeline.
func Connect(ctx context.Context, uri string, maxPoolSize uint64) (*Client, error) {
	opts := options.Client().ApplyURI(uri)
	if maxPoolSize > 0 {
		opts.SetMaxPoolSize(maxPoolSize)
	}
	mc, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := mc.Ping(ctx, nil); err != nil {
		_ = mc.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &Client{mc: mc}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.mc.Ping(ctx, nil)
}

func (c *Client) Close(ctx context.Context) error {
	return c.mc.Disconnect(ctx)
}

// Database binds the client to one database and returns a sync.Source.
func (c *Client) Database(name string) *Store {
	return &Store{db: c.mc.Database(name)}
}

type Store struct {
	db *mongo.Database
}

func (s *Store) Page(ctx context.Context, collection string, skip, limit int64) ([]transform.Record, error) {
	opts := options.Find().SetSkip(skip).SetLimit(limit).SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.db.Collection(collection).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []transform.Record
	for cur.Next(ctx) {
		var rec bson.M
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, transform.Record(rec))
	}
	return out, cur.Err()
}

func (s *Store) Watch(ctx context.Context, collection string, resumeAfter []byte) (sync.EventStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{
				{Key: "$in", Value: bson.A{sync.OpInsert, sync.OpUpdate, sync.OpReplace, sync.OpDelete}},
			}},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if len(resumeAfter) > 0 {
		opts.SetResumeAfter(bson.Raw(resumeAfter))
	}
	cs, err := s.db.Collection(collection).Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, err
	}
	return &stream{cs: cs}, nil
}

type stream struct {
	cs *mongo.ChangeStream
}

func (st *stream) Next(ctx context.Context) (sync.ChangeEvent, error) {
	if !st.cs.Next(ctx) {
		if err := st.cs.Err(); err != nil {
			return sync.ChangeEvent{}, err
		}
		return sync.ChangeEvent{}, sync.ErrStreamClosed
	}

	var raw struct {
		OperationType string `bson:"operationType"`
		DocumentKey   bson.M `bson:"documentKey"`
		FullDocument  bson.M `bson:"fullDocument"`
	}
	if err := st.cs.Decode(&raw); err != nil {
		return sync.ChangeEvent{}, err
	}

	ev := sync.ChangeEvent{
		Op: raw.OperationType,
		ID: transform.IDString(raw.DocumentKey["_id"]),
	}
	if raw.FullDocument != nil {
		ev.FullDocument = transform.Record(raw.FullDocument)
	}
	if token := st.cs.ResumeToken(); token != nil {
		ev.ResumeToken = append([]byte(nil), token...)
	}
	return ev, nil
}

func (st *stream) Close(ctx context.Context) error {
	return st.cs.Close(ctx)
}
