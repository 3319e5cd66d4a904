package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/search-mirror/internal/transform"
)

var errFeedBroken = errors.New("cursor invalidated")

func listenerFor(src *fakeSource, w IndexWriter, stats *Stats) *Listener {
	return &Listener{
		Source: src,
		Writer: w,
		Stats:  stats,
		Config: Config{Collection: "products", Index: "products"},
	}
}

func TestListenerInsertUpdateDelete(t *testing.T) {
	events := []ChangeEvent{
		{Op: OpInsert, ID: "x", FullDocument: transform.Record{"_id": "x", "Name": "foo", "Price": 10}},
		{Op: OpUpdate, ID: "x", FullDocument: transform.Record{"_id": "x", "Name": "foo", "Price": 20}},
		{Op: OpDelete, ID: "x"},
	}
	src := &fakeSource{watch: func(context.Context, []byte) (EventStream, error) {
		return &scriptedStream{events: events, err: errFeedBroken}, nil
	}}
	w := newFakeWriter()
	stats := &Stats{}

	err := listenerFor(src, w, stats).Run(context.Background(), nil)
	require.ErrorIs(t, err, errFeedBroken)

	// The listener tears down its dispatcher before returning, so all
	// writes have been applied by now.
	_, ok := w.get("products", "x")
	assert.False(t, ok, "x deleted after insert and update")

	hist := w.historyFor("x")
	require.Len(t, hist, 3)
	assert.Equal(t, 10, hist[0]["price"])
	assert.Equal(t, "foo", hist[0]["name"])
	assert.Equal(t, 20, hist[1]["price"])
	assert.Nil(t, hist[2], "delete recorded last")

	assert.Equal(t, int64(3), stats.EventsSeen.Load())
	assert.Equal(t, int64(2), stats.Upserts.Load())
	assert.Equal(t, int64(1), stats.Deletes.Load())
}

func TestListenerDropsEventWithoutFullDocument(t *testing.T) {
	// Under lookup semantics an update whose record was already deleted
	// arrives without fullDocument; it must be dropped, not fail.
	events := []ChangeEvent{
		{Op: OpUpdate, ID: "gone"},
	}
	src := &fakeSource{watch: func(context.Context, []byte) (EventStream, error) {
		return &scriptedStream{events: events, err: errFeedBroken}, nil
	}}
	w := newFakeWriter()
	stats := &Stats{}

	err := listenerFor(src, w, stats).Run(context.Background(), nil)
	require.ErrorIs(t, err, errFeedBroken)

	assert.Equal(t, int64(1), stats.Dropped.Load())
	assert.Empty(t, w.historyFor("gone"))
}

func TestListenerDeleteIgnoresTransform(t *testing.T) {
	skipAll := func(transform.Record) (transform.Document, bool) { return nil, false }
	events := []ChangeEvent{
		{Op: OpInsert, ID: "a", FullDocument: transform.Record{"_id": "a"}},
		{Op: OpDelete, ID: "a"},
	}
	src := &fakeSource{watch: func(context.Context, []byte) (EventStream, error) {
		return &scriptedStream{events: events, err: errFeedBroken}, nil
	}}
	w := newFakeWriter()
	stats := &Stats{}
	l := listenerFor(src, w, stats)
	l.Config.Transform = skipAll

	err := l.Run(context.Background(), nil)
	require.ErrorIs(t, err, errFeedBroken)

	assert.Equal(t, int64(1), stats.Skipped.Load(), "insert skipped by transform")
	assert.Equal(t, int64(1), stats.Deletes.Load(), "delete issued regardless")
}

func TestListenerPerIDOrdering(t *testing.T) {
	const n = 200
	events := make([]ChangeEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, ChangeEvent{
			Op:           OpUpdate,
			ID:           "hot",
			FullDocument: transform.Record{"_id": "hot", "Price": i},
		})
	}
	src := &fakeSource{watch: func(context.Context, []byte) (EventStream, error) {
		return &scriptedStream{events: events, err: errFeedBroken}, nil
	}}
	w := newFakeWriter()
	// Jitter the write path so reordering would surface if dispatch were
	// not serialized per id.
	w.beforeWrite = func(string) { time.Sleep(time.Microsecond) }

	err := listenerFor(src, w, &Stats{}).Run(context.Background(), nil)
	require.ErrorIs(t, err, errFeedBroken)

	hist := w.historyFor("hot")
	require.Len(t, hist, n)
	for i, doc := range hist {
		require.Equal(t, i, doc["price"], "write %d out of order", i)
	}
	final, ok := w.get("products", "hot")
	require.True(t, ok)
	assert.Equal(t, n-1, final["price"])
}

func TestListenerConcurrentIDsAllApplied(t *testing.T) {
	const ids = 50
	events := make([]ChangeEvent, 0, ids)
	for i := 0; i < ids; i++ {
		id := fmt.Sprintf("id%02d", i)
		events = append(events, ChangeEvent{
			Op:           OpInsert,
			ID:           id,
			FullDocument: transform.Record{"_id": id, "Price": i},
		})
	}
	src := &fakeSource{watch: func(context.Context, []byte) (EventStream, error) {
		return &scriptedStream{events: events, err: errFeedBroken}, nil
	}}
	w := newFakeWriter()

	err := listenerFor(src, w, &Stats{}).Run(context.Background(), nil)
	require.ErrorIs(t, err, errFeedBroken)
	assert.Equal(t, ids, w.count("products"))
}

func TestListenerCancellationIsNotAnError(t *testing.T) {
	src := &fakeSource{watch: func(context.Context, []byte) (EventStream, error) {
		return &scriptedStream{}, nil // blocks after zero events
	}}
	w := newFakeWriter()

	ctx, cancel := context.WithCancel(context.Background())
	var wg stdsync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = listenerFor(src, w, &Stats{}).Run(ctx, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()
	assert.NoError(t, runErr, "shutdown is orderly termination, not a feed failure")
}

func TestListenerSavesCheckpoints(t *testing.T) {
	events := []ChangeEvent{
		{Op: OpInsert, ID: "a", FullDocument: transform.Record{"_id": "a"}, ResumeToken: []byte("t1")},
		{Op: OpInsert, ID: "b", FullDocument: transform.Record{"_id": "b"}, ResumeToken: []byte("t2")},
	}
	src := &fakeSource{watch: func(context.Context, []byte) (EventStream, error) {
		return &scriptedStream{events: events, err: errFeedBroken}, nil
	}}
	ckpt := newMemCheckpoint()
	l := listenerFor(src, newFakeWriter(), &Stats{})
	l.Checkpoint = ckpt

	err := l.Run(context.Background(), nil)
	require.ErrorIs(t, err, errFeedBroken)

	token, _ := ckpt.Load(context.Background(), "products")
	assert.Equal(t, []byte("t2"), token, "last completed event's token persisted")
}

func TestListenerCheckpointWaitsForWrite(t *testing.T) {
	// A token must not become durable while its event's index write is
	// still in flight: a crash in that window would resume past an
	// unwritten event.
	started := make(chan struct{})
	release := make(chan struct{})
	var once stdsync.Once
	w := newFakeWriter()
	w.beforeWrite = func(id string) {
		if id == "a" {
			once.Do(func() { close(started) })
			<-release
		}
	}
	src := &fakeSource{watch: func(context.Context, []byte) (EventStream, error) {
		return &scriptedStream{events: []ChangeEvent{
			{Op: OpInsert, ID: "a", FullDocument: transform.Record{"_id": "a"}, ResumeToken: []byte("t1")},
		}}, nil // blocks after the event
	}}
	ckpt := newMemCheckpoint()
	l := listenerFor(src, w, &Stats{})
	l.Checkpoint = ckpt

	ctx, cancel := context.WithCancel(context.Background())
	var wg stdsync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Run(ctx, nil)
	}()

	<-started
	token, _ := ckpt.Load(context.Background(), "products")
	assert.Nil(t, token, "token held back while the write is in flight")

	close(release)
	require.Eventually(t, func() bool {
		tok, _ := ckpt.Load(context.Background(), "products")
		return string(tok) == "t1"
	}, 2*time.Second, time.Millisecond, "token persisted once the write landed")

	cancel()
	wg.Wait()
}

func TestListenerCheckpointHeldByEarlierPendingWrite(t *testing.T) {
	// Shards complete independently; a later event's token must still wait
	// for every earlier event's write.
	started := make(chan struct{})
	release := make(chan struct{})
	var once stdsync.Once
	w := newFakeWriter()
	w.beforeWrite = func(id string) {
		if id == "a" {
			once.Do(func() { close(started) })
			<-release
		}
	}
	src := &fakeSource{watch: func(context.Context, []byte) (EventStream, error) {
		return &scriptedStream{events: []ChangeEvent{
			{Op: OpInsert, ID: "a", FullDocument: transform.Record{"_id": "a"}, ResumeToken: []byte("t1")},
			{Op: OpInsert, ID: "b", FullDocument: transform.Record{"_id": "b"}, ResumeToken: []byte("t2")},
		}}, nil
	}}
	ckpt := newMemCheckpoint()
	l := listenerFor(src, w, &Stats{})
	l.Checkpoint = ckpt

	ctx, cancel := context.WithCancel(context.Background())
	var wg stdsync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Run(ctx, nil)
	}()

	<-started
	require.Eventually(t, func() bool {
		_, ok := w.get("products", "b")
		return ok
	}, 2*time.Second, time.Millisecond, "independent shard applied b")
	token, _ := ckpt.Load(context.Background(), "products")
	assert.Nil(t, token, "t2 held back behind a's pending write")

	close(release)
	require.Eventually(t, func() bool {
		tok, _ := ckpt.Load(context.Background(), "products")
		return string(tok) == "t2"
	}, 2*time.Second, time.Millisecond, "watermark advanced through both events")

	cancel()
	wg.Wait()
}

func TestListenerDoesNotCountDeadLetteredWrites(t *testing.T) {
	inner := newFakeWriter()
	inner.failUpsert = map[string]error{"bad": errors.New("engine says no")}
	sink := &captureSink{}
	stats := &Stats{}
	w := &DeadLetterWriter{Next: inner, Sink: sink, Stats: stats}

	events := []ChangeEvent{
		{Op: OpInsert, ID: "bad", FullDocument: transform.Record{"_id": "bad"}},
		{Op: OpInsert, ID: "ok", FullDocument: transform.Record{"_id": "ok"}},
	}
	src := &fakeSource{watch: func(context.Context, []byte) (EventStream, error) {
		return &scriptedStream{events: events, err: errFeedBroken}, nil
	}}
	l := listenerFor(src, w, stats)

	err := l.Run(context.Background(), nil)
	require.ErrorIs(t, err, errFeedBroken)

	assert.Equal(t, int64(1), stats.Upserts.Load(), "only the landed write counts")
	assert.Equal(t, int64(1), stats.WriteFailures.Load())
	assert.Equal(t, int64(1), stats.DeadLetters.Load())
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "bad", sink.entries[0].DocID)
}
