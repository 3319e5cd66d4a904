package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yourorg/search-mirror/internal/checkpoint"
)

// Listener consumes the change feed and resolves each event into an index
// write. Per-event write failures are contained by the writer; any stream
// failure is returned to the supervisor, which owns restarts.
type Listener struct {
	Source     Source
	Writer     IndexWriter
	Checkpoint checkpoint.Store
	Stats      *Stats
	Config     Config
}

// Run attaches to the feed and streams until ctx is cancelled or the stream
// breaks. A nil return means orderly shutdown; anything else is a feed
// failure the supervisor must recover from.
func (l *Listener) Run(ctx context.Context, resumeAfter []byte) error {
	cfg := l.Config.withDefaults()

	if l.Stats != nil {
		l.Stats.SetState(StateAttaching)
	}
	stream, err := l.Source.Watch(ctx, cfg.Collection, resumeAfter)
	if err != nil {
		return fmt.Errorf("attach change stream for %s: %w", cfg.Collection, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = stream.Close(closeCtx)
	}()

	// Event handlers run on id-sharded queues so two rapid mutations of the
	// same record can never have their writes land out of order.
	disp := newDispatcher(ctx, defaultShards, defaultShardCapacity)
	defer disp.Close()

	var tracker *tokenTracker
	if l.Checkpoint != nil {
		tracker = newTokenTracker()
	}

	if l.Stats != nil {
		l.Stats.SetState(StateStreaming)
	}
	log.Info().Str("collection", cfg.Collection).Str("index", cfg.Index).Msg("change stream attached")

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("change stream for %s: %w", cfg.Collection, err)
		}
		if l.Stats != nil {
			l.Stats.EventsSeen.Add(1)
		}
		l.dispatch(ctx, disp, cfg, ev, l.commitFunc(tracker, cfg.Collection, ev.ResumeToken))
	}
}

// commitFunc ties one event into the checkpoint watermark. The returned
// function runs after the event's write has landed (or the event resolved
// without a write); the token only becomes durable once every earlier
// event has completed too, so a crash can never leave a saved token ahead
// of an unwritten event.
func (l *Listener) commitFunc(tracker *tokenTracker, collection string, token []byte) func(context.Context) {
	if tracker == nil {
		return nil
	}
	seq := tracker.add(token)
	return func(ctx context.Context) {
		tok, advanced := tracker.complete(seq)
		if !advanced || len(tok) == 0 {
			return
		}
		if err := l.Checkpoint.Save(ctx, collection, tok); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("collection", collection).Msg("checkpoint save failed")
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, disp *dispatcher, cfg Config, ev ChangeEvent, commit func(context.Context)) {
	switch ev.Op {
	case OpDelete:
		id := ev.ID
		disp.Enqueue(id, func(jobCtx context.Context) {
			if err := l.Writer.DeleteByID(jobCtx, cfg.Index, id); err == nil && l.Stats != nil {
				l.Stats.Deletes.Add(1)
			}
			if commit != nil {
				commit(jobCtx)
			}
		})
	case OpInsert, OpUpdate, OpReplace:
		if ev.FullDocument == nil {
			// Lookup raced a delete; the delete event will follow.
			if l.Stats != nil {
				l.Stats.Dropped.Add(1)
			}
			if commit != nil {
				commit(ctx)
			}
			return
		}
		doc, ok := cfg.Transform(ev.FullDocument)
		if !ok {
			if l.Stats != nil {
				l.Stats.Skipped.Add(1)
			}
			if commit != nil {
				commit(ctx)
			}
			return
		}
		shardKey, _ := doc["id"].(string)
		if shardKey == "" {
			shardKey = ev.ID
		}
		disp.Enqueue(shardKey, func(jobCtx context.Context) {
			if err := l.Writer.UpsertOne(jobCtx, cfg.Index, doc); err == nil && l.Stats != nil {
				l.Stats.Upserts.Add(1)
			}
			if commit != nil {
				commit(jobCtx)
			}
		})
	default:
		if l.Stats != nil {
			l.Stats.Dropped.Add(1)
		}
		if commit != nil {
			commit(ctx)
		}
	}
}
