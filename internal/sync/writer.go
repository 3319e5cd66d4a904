package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yourorg/search-mirror/internal/deadletter"
	"github.com/yourorg/search-mirror/internal/transform"
	"github.com/yourorg/search-mirror/meili"
)

// IndexWriter is the idempotent write surface of the target index. Repeating
// an upsert converges to the last applied value; deleting an absent id is a
// no-op. Ordering across concurrent calls for the same id is the caller's
// job (see the dispatcher).
type IndexWriter interface {
	EnsureIndex(ctx context.Context, index string, settings meili.Settings) error
	UpsertBatch(ctx context.Context, index string, docs []transform.Document) error
	UpsertOne(ctx context.Context, index string, doc transform.Document) error
	DeleteByID(ctx context.Context, index, id string) error
}

// MeiliWriter writes through the Meilisearch client. HTTP-level retries live
// inside the client; callers decide what a failed write means.
type MeiliWriter struct {
	Client *meili.Client
}

func (w *MeiliWriter) EnsureIndex(ctx context.Context, index string, settings meili.Settings) error {
	// Transformed documents always carry a derived string "id"; the index
	// keys on it regardless of the source primary key field.
	_, err := w.Client.GetIndex(ctx, index)
	if err == meili.ErrIndexNotFound {
		if err := w.Client.CreateIndex(ctx, index, "id"); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return w.Client.UpdateSettings(ctx, index, settings)
}

func (w *MeiliWriter) UpsertBatch(ctx context.Context, index string, docs []transform.Document) error {
	if len(docs) == 0 {
		return nil
	}
	return w.Client.AddDocuments(ctx, index, docs)
}

func (w *MeiliWriter) UpsertOne(ctx context.Context, index string, doc transform.Document) error {
	return w.Client.AddDocuments(ctx, index, []transform.Document{doc})
}

func (w *MeiliWriter) DeleteByID(ctx context.Context, index, id string) error {
	return w.Client.DeleteDocument(ctx, index, id)
}

// DeadLetterWriter records per-write failures: after the wrapped writer
// (and its internal retries) gives up, the write goes to the sink and the
// error is returned so callers can account for it. The listener drops the
// event rather than halting the stream.
type DeadLetterWriter struct {
	Next  IndexWriter
	Sink  deadletter.Sink
	Stats *Stats
}

func (w *DeadLetterWriter) EnsureIndex(ctx context.Context, index string, settings meili.Settings) error {
	return w.Next.EnsureIndex(ctx, index, settings)
}

func (w *DeadLetterWriter) UpsertBatch(ctx context.Context, index string, docs []transform.Document) error {
	// Bulk-load batches surface their error: the loader logs and moves on,
	// and the next full pass repairs the gap.
	return w.Next.UpsertBatch(ctx, index, docs)
}

func (w *DeadLetterWriter) UpsertOne(ctx context.Context, index string, doc transform.Document) error {
	err := w.Next.UpsertOne(ctx, index, doc)
	if err != nil && ctx.Err() == nil {
		id, _ := doc["id"].(string)
		w.record(ctx, index, "upsert", id, doc, err)
	}
	return err
}

func (w *DeadLetterWriter) DeleteByID(ctx context.Context, index, id string) error {
	err := w.Next.DeleteByID(ctx, index, id)
	if err != nil && ctx.Err() == nil {
		w.record(ctx, index, "delete", id, nil, err)
	}
	return err
}

func (w *DeadLetterWriter) record(ctx context.Context, index, op, id string, doc transform.Document, cause error) {
	var payload []byte
	if doc != nil {
		payload, _ = json.Marshal(doc)
	}
	entry := deadletter.Entry{
		Index:   index,
		Op:      op,
		DocID:   id,
		Payload: payload,
		Cause:   cause.Error(),
		At:      time.Now().UTC(),
	}
	if w.Stats != nil {
		w.Stats.WriteFailures.Add(1)
		w.Stats.DeadLetters.Add(1)
	}
	log.Error().Err(cause).Str("index", index).Str("op", op).Str("id", id).Msg("index write dead-lettered")
	if w.Sink != nil {
		w.Sink.Record(ctx, entry)
	}
}
