package sync

import "sync/atomic"

// Pipeline states reported via Stats.
const (
	StateIdle      = "idle"
	StateLoading   = "loading"
	StateAttaching = "attaching"
	StateStreaming = "streaming"
	StateWaiting   = "waiting_restart"
	StateStopped   = "stopped"
)

// Stats are per-pipeline counters exposed on the ops surface.
type Stats struct {
	state atomic.Value // string

	BulkRuns      atomic.Int64
	BulkDocs      atomic.Int64
	EventsSeen    atomic.Int64
	Upserts       atomic.Int64
	Deletes       atomic.Int64
	Dropped       atomic.Int64
	Skipped       atomic.Int64
	WriteFailures atomic.Int64
	DeadLetters   atomic.Int64
	Restarts      atomic.Int64
}

func (s *Stats) SetState(state string) { s.state.Store(state) }

func (s *Stats) State() string {
	v, _ := s.state.Load().(string)
	if v == "" {
		return StateIdle
	}
	return v
}

// Snapshot is the JSON shape served by /status.
type Snapshot struct {
	Collection    string `json:"collection"`
	Index         string `json:"index"`
	State         string `json:"state"`
	BulkRuns      int64  `json:"bulk_runs"`
	BulkDocs      int64  `json:"bulk_docs"`
	EventsSeen    int64  `json:"events_seen"`
	Upserts       int64  `json:"upserts"`
	Deletes       int64  `json:"deletes"`
	Dropped       int64  `json:"dropped"`
	Skipped       int64  `json:"skipped"`
	WriteFailures int64  `json:"write_failures"`
	DeadLetters   int64  `json:"dead_letters"`
	Restarts      int64  `json:"restarts"`
}

func (s *Stats) Snapshot(collection, index string) Snapshot {
	return Snapshot{
		Collection:    collection,
		Index:         index,
		State:         s.State(),
		BulkRuns:      s.BulkRuns.Load(),
		BulkDocs:      s.BulkDocs.Load(),
		EventsSeen:    s.EventsSeen.Load(),
		Upserts:       s.Upserts.Load(),
		Deletes:       s.Deletes.Load(),
		Dropped:       s.Dropped.Load(),
		Skipped:       s.Skipped.Load(),
		WriteFailures: s.WriteFailures.Load(),
		DeadLetters:   s.DeadLetters.Load(),
		Restarts:      s.Restarts.Load(),
	}
}
