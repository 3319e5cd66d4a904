package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/yourorg/search-mirror/internal/deadletter"
	"github.com/yourorg/search-mirror/internal/sync"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

type StatusDeps struct {
	Supervisor *sync.Supervisor
	Source     Pinger
	Search     HealthChecker
	DeadLetter *deadletter.Store // nil when dead letters are log-only
}

func RegisterStatus(r chi.Router, deps StatusDeps) {
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
		defer cancel()

		ok := true
		out := map[string]any{}
		if deps.Source != nil {
			if err := deps.Source.Ping(ctx); err != nil {
				ok = false
				out["source"] = err.Error()
			}
		}
		if deps.Search != nil {
			if err := deps.Search.Health(ctx); err != nil {
				ok = false
				out["search"] = err.Error()
			}
		}
		out["ok"] = ok
		if !ok {
			render.Status(req, http.StatusServiceUnavailable)
		}
		render.JSON(w, req, out)
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		var snaps []sync.Snapshot
		if deps.Supervisor != nil {
			snaps = deps.Supervisor.Snapshots()
		}
		render.JSON(w, req, map[string]any{"pipelines": snaps})
	})

	r.Get("/deadletters", func(w http.ResponseWriter, req *http.Request) {
		if deps.DeadLetter == nil {
			render.Status(req, http.StatusNotFound)
			render.JSON(w, req, map[string]string{"error": "dead-letter store not configured"})
			return
		}
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		entries, err := deps.DeadLetter.Recent(req.Context(), limit)
		if err != nil {
			render.Status(req, http.StatusInternalServerError)
			render.JSON(w, req, map[string]string{"error": err.Error()})
			return
		}
		if entries == nil {
			entries = []deadletter.Entry{}
		}
		render.JSON(w, req, map[string]any{"entries": entries})
	})
}
