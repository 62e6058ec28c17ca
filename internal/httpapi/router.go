// Package httpapi wires the HTTP routes and middleware of the export API.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"monkids/internal/httpapi/handlers"
	"monkids/internal/httpkit"
	"monkids/internal/metrics"
	"monkids/internal/pkg/logger"
	"monkids/internal/pkg/middleware"
	"monkids/internal/tracing"
)

type Deps struct {
	Handlers       handlers.Deps
	CORSOrigins    []string
	RequestTimeout time.Duration
	Log            *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	if d.Handlers.Log == nil {
		d.Handlers.Log = log
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	if d.RequestTimeout > 0 {
		r.Use(middleware.Timeout(d.RequestTimeout))
	}
	r.Use(middleware.Metrics(metrics.HTTP{}))
	r.Use(middleware.Tracing(tracing.Tracer()))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.CORSOrigins,
		ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
		MaxAgeSeconds:  600,
	}))

	h := handlers.New(d.Handlers)
	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(h.Log(), fn)
	}

	// ---- HEALTH ----
	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	// ---- EXPORT ----
	r.Route("/export", func(r chi.Router) {
		r.Post("/bulk", wrap(h.PostBulk))
		r.Get("/runs/{runId}", wrap(h.GetRun))
		r.Get("/runs/{runId}/archive", wrap(h.GetRunArchive))
	})

	return r
}
