package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	httpapi "github.com/yourorg/search-mirror/http"
	"github.com/yourorg/search-mirror/internal/checkpoint"
	"github.com/yourorg/search-mirror/internal/config"
	"github.com/yourorg/search-mirror/internal/deadletter"
	"github.com/yourorg/search-mirror/internal/env"
	"github.com/yourorg/search-mirror/internal/logger"
	"github.com/yourorg/search-mirror/internal/source"
	"github.com/yourorg/search-mirror/internal/sync"
	"github.com/yourorg/search-mirror/meili"
)

func main() {
	cfgPath := env.Get("SYNC_CONFIG", "config.yml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.App.Name, cfg.App.LogLevel)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(rootCtx, env.GetDuration("STARTUP_TIMEOUT", 15*time.Second))
	defer cancel()

	mongoClient, err := source.Connect(startCtx, cfg.Mongo.URI, cfg.Mongo.MaxPoolSize)
	if err != nil {
		log.Error().Err(err).Msg("source store unreachable")
		os.Exit(1)
	}
	searchClient := meili.NewClient(cfg.Meili.Host, cfg.Meili.APIKey)
	if err := searchClient.Health(startCtx); err != nil {
		log.Error().Err(err).Msg("search engine unreachable")
		os.Exit(1)
	}

	var ckpt checkpoint.Store = checkpoint.Noop{}
	if cfg.Redis.Addr != "" {
		r := checkpoint.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := r.Ping(startCtx); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, checkpoints disabled")
		} else {
			ckpt = r
		}
	}

	var sink deadletter.Sink = deadletter.LogSink{}
	var dlStore *deadletter.Store
	if cfg.Postgres.DSN != "" {
		st, err := deadletter.Open(cfg.Postgres.DSN)
		if err == nil {
			err = st.Ping(startCtx)
		}
		if err == nil {
			err = st.Migrate(startCtx)
		}
		if err != nil {
			log.Warn().Err(err).Msg("postgres unreachable, dead letters go to log")
		} else {
			sink = st
			dlStore = st
		}
	}

	db := mongoClient.Database(cfg.Mongo.Database)

	pipelines := make([]*sync.Pipeline, 0, len(cfg.Collections))
	for _, col := range cfg.Collections {
		fn, err := col.TransformFunc()
		if err != nil {
			log.Error().Err(err).Str("collection", col.Collection).Msg("transform resolution failed")
			os.Exit(1)
		}
		stats := &sync.Stats{}
		p := &sync.Pipeline{
			Source:     db,
			Checkpoint: ckpt,
			Stats:      stats,
			Config: sync.Config{
				Collection:   col.Collection,
				Index:        col.Index,
				PrimaryKey:   col.PrimaryKey,
				Transform:    fn,
				Settings:     col.Settings.Meili(),
				PageSize:     col.PageSize,
				RestartDelay: col.RestartDelay,
				Resume:       col.Resume,
				MaxPageRate:  col.MaxPageRate,
			},
		}
		p.Writer = &sync.DeadLetterWriter{
			Next:  &sync.MeiliWriter{Client: searchClient},
			Sink:  sink,
			Stats: stats,
		}
		pipelines = append(pipelines, p)
	}

	supervisor := sync.NewSupervisor(pipelines...)
	supervisor.Start(rootCtx)
	log.Info().Int("pipelines", len(pipelines)).Str("config", cfgPath).Msg("search-mirror started")

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.App.Port),
		Handler: BuildRouter(httpapi.StatusDeps{
			Supervisor: supervisor,
			Source:     mongoClient,
			Search:     searchClient,
			DeadLetter: dlStore,
		}),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down")

	// In-flight index writes are not drained: they are idempotent and the
	// next start's bulk pass repairs any gap.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	supervisor.Wait()
	if err := mongoClient.Close(shutCtx); err != nil {
		log.Warn().Err(err).Msg("mongo close")
	}
}
