package sync

import (
	"context"
	"hash/fnv"
	"sync"
)

// dispatcher routes event handling into a fixed pool of single-consumer
// shards keyed by document id. Events for the same id always land on the
// same shard and run strictly in arrival order; events for different ids
// proceed concurrently across shards. Enqueue blocks when a shard queue is
// full, which is the listener's backpressure.
type dispatcher struct {
	shards []chan func(context.Context)
	wg     sync.WaitGroup
	ctx    context.Context
}

func newDispatcher(ctx context.Context, shardCount, capacity int) *dispatcher {
	if shardCount <= 0 {
		shardCount = 4
	}
	if capacity <= 0 {
		capacity = 256
	}
	d := &dispatcher{
		shards: make([]chan func(context.Context), shardCount),
		ctx:    ctx,
	}
	for i := range d.shards {
		ch := make(chan func(context.Context), capacity)
		d.shards[i] = ch
		d.wg.Add(1)
		go d.consume(ch)
	}
	return d
}

func (d *dispatcher) consume(ch <-chan func(context.Context)) {
	defer d.wg.Done()
	for job := range ch {
		job(d.ctx)
	}
}

// Enqueue queues one job on the shard owning id. Returns false when ctx is
// done and the job was not accepted.
func (d *dispatcher) Enqueue(id string, job func(context.Context)) bool {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	ch := d.shards[int(h.Sum32())%len(d.shards)]
	select {
	case ch <- job:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// Close stops accepting work and waits for queued jobs to run. Callers must
// not Enqueue after Close.
func (d *dispatcher) Close() {
	for _, ch := range d.shards {
		close(ch)
	}
	d.wg.Wait()
}
