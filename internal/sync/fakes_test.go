package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"

	"github.com/yourorg/search-mirror/internal/transform"
	"github.com/yourorg/search-mirror/meili"
)

// fakeWriter models the target index: a map per index keyed by document id,
// last-write-wins, deletes of absent ids are no-ops.
type fakeWriter struct {
	mu          stdsync.Mutex
	indexes     map[string]map[string]transform.Document
	history     map[string][]transform.Document // per doc id, in apply order
	batchCalls  int
	failUpsert  map[string]error
	failDelete  map[string]error
	beforeWrite func(id string) // runs outside the lock, for ordering tests
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		indexes: map[string]map[string]transform.Document{},
		history: map[string][]transform.Document{},
	}
}

func (w *fakeWriter) EnsureIndex(_ context.Context, index string, _ meili.Settings) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.indexes[index]; !ok {
		w.indexes[index] = map[string]transform.Document{}
	}
	return nil
}

func (w *fakeWriter) UpsertBatch(ctx context.Context, index string, docs []transform.Document) error {
	w.mu.Lock()
	w.batchCalls++
	w.mu.Unlock()
	for _, doc := range docs {
		if err := w.UpsertOne(ctx, index, doc); err != nil {
			return err
		}
	}
	return nil
}

func (w *fakeWriter) UpsertOne(_ context.Context, index string, doc transform.Document) error {
	id, _ := doc["id"].(string)
	if w.beforeWrite != nil {
		w.beforeWrite(id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err, ok := w.failUpsert[id]; ok {
		return err
	}
	if _, ok := w.indexes[index]; !ok {
		w.indexes[index] = map[string]transform.Document{}
	}
	w.indexes[index][id] = doc
	w.history[id] = append(w.history[id], doc)
	return nil
}

func (w *fakeWriter) DeleteByID(_ context.Context, index, id string) error {
	if w.beforeWrite != nil {
		w.beforeWrite(id)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err, ok := w.failDelete[id]; ok {
		return err
	}
	// Absent id: still a no-op, not an error.
	delete(w.indexes[index], id)
	w.history[id] = append(w.history[id], nil)
	return nil
}

func (w *fakeWriter) get(index, id string) (transform.Document, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc, ok := w.indexes[index][id]
	return doc, ok
}

func (w *fakeWriter) count(index string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.indexes[index])
}

func (w *fakeWriter) historyFor(id string) []transform.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]transform.Document(nil), w.history[id]...)
}

// fakeSource serves pages from an in-memory record slice and hands out
// scripted event streams.
type fakeSource struct {
	mu        stdsync.Mutex
	records   []transform.Record
	pageCalls int

	watch func(ctx context.Context, resumeAfter []byte) (EventStream, error)

	activeStreams atomic.Int32
	maxActive     atomic.Int32
}

func (s *fakeSource) setRecords(recs []transform.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = recs
}

func (s *fakeSource) Page(_ context.Context, _ string, skip, limit int64) ([]transform.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageCalls++
	if skip >= int64(len(s.records)) {
		return nil, nil
	}
	end := skip + limit
	if end > int64(len(s.records)) {
		end = int64(len(s.records))
	}
	return append([]transform.Record(nil), s.records[skip:end]...), nil
}

func (s *fakeSource) pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageCalls
}

func (s *fakeSource) Watch(ctx context.Context, _ string, resumeAfter []byte) (EventStream, error) {
	if s.watch == nil {
		return nil, errors.New("no watch configured")
	}
	st, err := s.watch(ctx, resumeAfter)
	if err != nil {
		return nil, err
	}
	n := s.activeStreams.Add(1)
	for {
		max := s.maxActive.Load()
		if n <= max || s.maxActive.CompareAndSwap(max, n) {
			break
		}
	}
	return &countedStream{EventStream: st, src: s}, nil
}

type countedStream struct {
	EventStream
	src  *fakeSource
	once stdsync.Once
}

func (c *countedStream) Close(ctx context.Context) error {
	c.once.Do(func() { c.src.activeStreams.Add(-1) })
	return c.EventStream.Close(ctx)
}

// scriptedStream replays a fixed event list, then either returns err or
// blocks until ctx is done.
type scriptedStream struct {
	events []ChangeEvent
	err    error
	pos    int
}

func (st *scriptedStream) Next(ctx context.Context) (ChangeEvent, error) {
	if st.pos < len(st.events) {
		ev := st.events[st.pos]
		st.pos++
		return ev, nil
	}
	if st.err != nil {
		return ChangeEvent{}, st.err
	}
	<-ctx.Done()
	return ChangeEvent{}, ctx.Err()
}

func (st *scriptedStream) Close(context.Context) error { return nil }

// memCheckpoint is an in-memory checkpoint.Store.
type memCheckpoint struct {
	mu     stdsync.Mutex
	tokens map[string][]byte
}

func newMemCheckpoint() *memCheckpoint {
	return &memCheckpoint{tokens: map[string][]byte{}}
}

func (m *memCheckpoint) Save(_ context.Context, collection string, token []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[collection] = append([]byte(nil), token...)
	return nil
}

func (m *memCheckpoint) Load(_ context.Context, collection string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[collection], nil
}

func (m *memCheckpoint) Clear(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, collection)
	return nil
}

func recordsFor(n int) []transform.Record {
	out := make([]transform.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, transform.Record{
			"_id":   fmt.Sprintf("r%03d", i),
			"Name":  fmt.Sprintf("item %d", i),
			"Price": i * 10,
		})
	}
	return out
}
