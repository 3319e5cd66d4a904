// Package sync keeps a search index continuously consistent with a source
// collection: a full bulk load on start, then change-capture mirroring of
// every insert, update, replace and delete. Writes are idempotent by id and
// the whole pipeline restarts on stream failure, so the mirror converges
// rather than guaranteeing exactly-once delivery.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/yourorg/search-mirror/internal/transform"
	"github.com/yourorg/search-mirror/meili"
)

// Change event operation types mirrored from the source feed.
const (
	OpInsert  = "insert"
	OpUpdate  = "update"
	OpReplace = "replace"
	OpDelete  = "delete"
)

// ErrStreamClosed marks an event stream that ended without a transport
// error, e.g. server-side invalidation.
var ErrStreamClosed = errors.New("sync: change stream closed")

// ChangeEvent is one mutation from the source feed. FullDocument carries the
// current record state under lookup semantics and is nil for deletes, or for
// mutations whose record vanished before the lookup ran.
type ChangeEvent struct {
	Op           string
	ID           string
	FullDocument transform.Record
	ResumeToken  []byte
}

// EventStream is an ordered feed of mutation events. Next blocks until an
// event arrives, the stream breaks, or ctx is cancelled.
type EventStream interface {
	Next(ctx context.Context) (ChangeEvent, error)
	Close(ctx context.Context) error
}

// Source is the store being mirrored.
type Source interface {
	// Page reads one offset-based page of the collection.
	Page(ctx context.Context, collection string, skip, limit int64) ([]transform.Record, error)
	// Watch opens a server-side filtered change stream, optionally resuming
	// after a previously saved token.
	Watch(ctx context.Context, collection string, resumeAfter []byte) (EventStream, error)
}

// Config drives exactly one sync pipeline. Immutable after startup.
type Config struct {
	Collection   string
	Index        string
	PrimaryKey   string
	Transform    transform.Func
	Settings     meili.Settings
	PageSize     int64
	RestartDelay time.Duration
	Resume       bool
	MaxPageRate  float64 // bulk page reads per second, 0 = unlimited
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 5000
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 10 * time.Second
	}
	if c.PrimaryKey == "" {
		c.PrimaryKey = "_id"
	}
	if c.Transform == nil {
		c.Transform = transform.Compile(c.PrimaryKey, nil)
	}
	return c
}
