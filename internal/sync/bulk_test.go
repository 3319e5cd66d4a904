package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/search-mirror/internal/transform"
)

func TestBulkLoadPagination(t *testing.T) {
	src := &fakeSource{records: recordsFor(12)}
	w := newFakeWriter()
	loader := &BulkLoader{
		Source: src,
		Writer: w,
		Config: Config{Collection: "products", Index: "products", PageSize: 5},
	}

	count, err := loader.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, count)
	assert.Equal(t, 3, src.pages(), "pages of 5, 5, 2")
	assert.Equal(t, 3, w.batchCalls)
	assert.Equal(t, 12, w.count("products"))

	doc, ok := w.get("products", "r007")
	require.True(t, ok)
	assert.Equal(t, "item 7", doc["name"])
	assert.Equal(t, 70, doc["price"])
}

func TestBulkLoadEmptyCollection(t *testing.T) {
	src := &fakeSource{}
	w := newFakeWriter()
	loader := &BulkLoader{
		Source: src,
		Writer: w,
		Config: Config{Collection: "products", Index: "products", PageSize: 5},
	}

	count, err := loader.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, count)
	assert.Equal(t, 1, src.pages())
	assert.Equal(t, 0, w.batchCalls, "no write call for an empty scan")
}

func TestBulkLoadFullySkippedPage(t *testing.T) {
	src := &fakeSource{records: recordsFor(10)}
	w := newFakeWriter()

	// Skip everything cheaper than 50: the whole first page of 5 filters
	// away, which must not issue a write nor stop the scan.
	fn := func(rec transform.Record) (transform.Document, bool) {
		price, _ := rec["Price"].(int)
		if price < 50 {
			return nil, false
		}
		return transform.Document{"id": rec["_id"].(string), "price": price}, true
	}
	loader := &BulkLoader{
		Source: src,
		Writer: w,
		Config: Config{Collection: "products", Index: "products", PageSize: 5, Transform: fn},
	}

	count, err := loader.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, count)
	assert.Equal(t, 1, w.batchCalls, "only the second page writes")
	assert.Equal(t, 5, w.count("products"))
}

func TestBulkLoadCancelled(t *testing.T) {
	src := &fakeSource{records: recordsFor(100)}
	w := newFakeWriter()
	loader := &BulkLoader{
		Source: src,
		Writer: w,
		Config: Config{Collection: "products", Index: "products", PageSize: 10},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := loader.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBulkLoadCountsSkipsInStats(t *testing.T) {
	recs := recordsFor(4)
	recs[2]["Price"] = -1
	src := &fakeSource{records: recs}
	w := newFakeWriter()
	stats := &Stats{}
	fn := func(rec transform.Record) (transform.Document, bool) {
		if p, _ := rec["Price"].(int); p < 0 {
			return nil, false
		}
		return transform.Document{"id": rec["_id"].(string)}, true
	}
	loader := &BulkLoader{
		Source: src,
		Writer: w,
		Stats:  stats,
		Config: Config{Collection: "products", Index: "products", PageSize: 10, Transform: fn},
	}

	count, err := loader.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, int64(1), stats.Skipped.Load())
	assert.Equal(t, int64(3), stats.BulkDocs.Load())
}
