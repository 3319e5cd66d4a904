package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"

	httpapi "github.com/yourorg/search-mirror/http"
)

// BuildRouter wires the read-only ops surface. The sync core itself exposes
// no API; this exists for probes and operators.
func BuildRouter(deps httpapi.StatusDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(httprate.LimitByIP(60, 1*time.Minute))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	httpapi.RegisterStatus(r, deps)

	return r
}
