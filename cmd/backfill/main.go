// Command backfill runs the bulk-load pass for every configured collection
// once and exits, without attaching change capture. Useful for seeding a new
// index or repairing one out of band.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yourorg/search-mirror/internal/config"
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
		log.Error().Err(err).Msg("config")
		os.Exit(1)
	}
	logger.Init(cfg.App.Name+"-backfill", cfg.App.LogLevel)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(rootCtx, 15*time.Second)
	defer cancel()

	mongoClient, err := source.Connect(startCtx, cfg.Mongo.URI, cfg.Mongo.MaxPoolSize)
	if err != nil {
		log.Error().Err(err).Msg("source store unreachable")
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = mongoClient.Close(closeCtx)
	}()

	searchClient := meili.NewClient(cfg.Meili.Host, cfg.Meili.APIKey)
	if err := searchClient.Health(startCtx); err != nil {
		log.Error().Err(err).Msg("search engine unreachable")
		os.Exit(1)
	}

	db := mongoClient.Database(cfg.Mongo.Database)
	writer := &sync.MeiliWriter{Client: searchClient}

	failed := false
	for _, col := range cfg.Collections {
		fn, err := col.TransformFunc()
		if err != nil {
			log.Error().Err(err).Str("collection", col.Collection).Msg("transform resolution failed")
			failed = true
			continue
		}
		scfg := sync.Config{
			Collection:  col.Collection,
			Index:       col.Index,
			PrimaryKey:  col.PrimaryKey,
			Transform:   fn,
			Settings:    col.Settings.Meili(),
			PageSize:    col.PageSize,
			MaxPageRate: col.MaxPageRate,
		}
		if err := writer.EnsureIndex(rootCtx, scfg.Index, scfg.Settings); err != nil {
			log.Error().Err(err).Str("index", scfg.Index).Msg("ensure index failed")
			failed = true
			continue
		}
		loader := &sync.BulkLoader{Source: db, Writer: writer, Config: scfg}
		count, err := loader.Run(rootCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("backfill interrupted")
				return
			}
			log.Error().Err(err).Str("collection", col.Collection).Msg("backfill failed")
			failed = true
			continue
		}
		log.Info().Str("collection", col.Collection).Int("documents", count).Msg("backfill done")
	}
	if failed {
		os.Exit(1)
	}
}
