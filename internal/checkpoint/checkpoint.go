// Package checkpoint persists change-feed resume tokens so a pipeline
// restart can resume the stream instead of rescanning the collection.
package checkpoint

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Store saves and loads one resume token per collection. Load returns
// (nil, nil) when no token has been saved.
type Store interface {
	Save(ctx context.Context, collection string, token []byte) error
	Load(ctx context.Context, collection string) ([]byte, error)
	Clear(ctx context.Context, collection string) error
}

const keyPrefix = "search-mirror:resume:"

type Redis struct {
	rdb *redis.Client
}

func NewRedis(addr, password string, db int) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Save(ctx context.Context, collection string, token []byte) error {
	return r.rdb.Set(ctx, keyPrefix+collection, token, 0).Err()
}

func (r *Redis) Load(ctx context.Context, collection string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, keyPrefix+collection).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Redis) Clear(ctx context.Context, collection string) error {
	return r.rdb.Del(ctx, keyPrefix+collection).Err()
}

// Noop disables checkpointing; every restart does a full rescan.
type Noop struct{}

func (Noop) Save(context.Context, string, []byte) error   { return nil }
func (Noop) Load(context.Context, string) ([]byte, error) { return nil, nil }
func (Noop) Clear(context.Context, string) error          { return nil }
