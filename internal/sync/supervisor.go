package sync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yourorg/search-mirror/internal/checkpoint"
)

const (
	defaultShards        = 8
	defaultShardCapacity = 512
	closeTimeout         = 5 * time.Second
)

// Pipeline is one supervised sync process: ensure index, bulk load, then
// stream changes until failure or shutdown.
type Pipeline struct {
	Source     Source
	Writer     IndexWriter
	Checkpoint checkpoint.Store
	Config     Config
	Stats      *Stats
}

func (p *Pipeline) stats() *Stats {
	if p.Stats == nil {
		p.Stats = &Stats{}
	}
	return p.Stats
}

func (p *Pipeline) Snapshot() Snapshot {
	return p.stats().Snapshot(p.Config.Collection, p.Config.Index)
}

// runOnce executes a single bulk-load + listen cycle. It returns only after
// the listener and its dispatcher are fully torn down, which is what keeps
// two listeners for the same collection from ever overlapping across
// restarts.
func (p *Pipeline) runOnce(ctx context.Context) error {
	cfg := p.Config.withDefaults()

	if err := p.Writer.EnsureIndex(ctx, cfg.Index, cfg.Settings); err != nil {
		return err
	}

	var resumeAfter []byte
	if cfg.Resume && p.Checkpoint != nil {
		token, err := p.Checkpoint.Load(ctx, cfg.Collection)
		if err != nil {
			log.Warn().Err(err).Str("collection", cfg.Collection).Msg("checkpoint load failed, full rescan")
		} else {
			resumeAfter = token
		}
	}

	// With a valid saved token the feed replays everything missed, so the
	// full rescan can be skipped. Default is rescan-on-every-start.
	if resumeAfter == nil {
		p.stats().SetState(StateLoading)
		loader := &BulkLoader{Source: p.Source, Writer: p.Writer, Stats: p.stats(), Config: cfg}
		if _, err := loader.Run(ctx); err != nil {
			return err
		}
	}

	listener := &Listener{
		Source:     p.Source,
		Writer:     p.Writer,
		Checkpoint: p.checkpointIfEnabled(),
		Stats:      p.stats(),
		Config:     cfg,
	}
	err := listener.Run(ctx, resumeAfter)
	if err != nil && resumeAfter != nil && p.Checkpoint != nil {
		// The token may be the reason the attach failed; clear it so the
		// next cycle falls back to a full rescan.
		if cerr := p.Checkpoint.Clear(context.WithoutCancel(ctx), cfg.Collection); cerr != nil {
			log.Warn().Err(cerr).Str("collection", cfg.Collection).Msg("checkpoint clear failed")
		}
	}
	return err
}

func (p *Pipeline) checkpointIfEnabled() checkpoint.Store {
	if p.Config.Resume {
		return p.Checkpoint
	}
	return nil
}

// Supervisor owns one pipeline per configured collection. On stream failure
// it waits the configured delay, then restarts the whole pipeline: a fresh
// bulk pass repairs whatever the outage missed.
type Supervisor struct {
	pipelines []*Pipeline
	wg        sync.WaitGroup
}

func NewSupervisor(pipelines ...*Pipeline) *Supervisor {
	for _, p := range pipelines {
		p.stats() // materialize before any goroutine reads the field
	}
	return &Supervisor{pipelines: pipelines}
}

func (s *Supervisor) Pipelines() []*Pipeline { return s.pipelines }

// Start launches every pipeline. Returns immediately; Wait blocks until all
// pipelines have stopped after ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	for _, p := range s.pipelines {
		p := p
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx, p)
		}()
	}
}

func (s *Supervisor) Wait() { s.wg.Wait() }

func (s *Supervisor) run(ctx context.Context, p *Pipeline) {
	cfg := p.Config.withDefaults()
	for {
		err := p.runOnce(ctx)
		if ctx.Err() != nil {
			p.stats().SetState(StateStopped)
			log.Info().Str("collection", cfg.Collection).Msg("pipeline stopped")
			return
		}
		if err == nil {
			// Stream ended cleanly without cancellation; treat like a failure
			// so the mirror does not silently go stale.
			err = ErrStreamClosed
		}
		p.stats().Restarts.Add(1)
		p.stats().SetState(StateWaiting)
		log.Error().Err(err).Str("collection", cfg.Collection).
			Dur("delay", cfg.RestartDelay).Msg("pipeline failed, restarting")
		select {
		case <-ctx.Done():
			p.stats().SetState(StateStopped)
			return
		case <-time.After(cfg.RestartDelay):
		}
	}
}

// Snapshots returns the current stats of every pipeline, for /status.
func (s *Supervisor) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p.Snapshot())
	}
	return out
}
