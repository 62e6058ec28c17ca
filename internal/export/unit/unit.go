// Package unit runs one chunk of jobs sequentially on a private render
// engine.
package unit

import (
	"context"
	"sync"
	"time"

	"monkids/internal/export/lease"
	"monkids/internal/export/renderer"
	"monkids/internal/export/templates"
	"monkids/internal/metrics"
	"monkids/internal/models"
	"monkids/internal/pkg/errors"
	"monkids/internal/pkg/logger"
	"monkids/internal/ports"
)

// Outcome is what a unit produced for one chunk. Failures holds jobs whose
// renders were exhausted; they do not make the unit itself fail.
type Outcome struct {
	Paths    []string
	Failures []models.Failure
}

type Config struct {
	Renderer      renderer.Config
	Factory       ports.EngineFactory
	EngineRefresh time.Duration
	// QRPath is the payment QR image embedded in student receipts.
	QRPath string
	Log    *logger.Logger
}

// Unit is safe for concurrent Run calls; every call leases its own engine.
type Unit struct {
	cfg Config
	log *logger.Logger

	qrOnce sync.Once
	qr     string
}

func New(cfg Config) *Unit {
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	if cfg.Renderer.Log == nil {
		cfg.Renderer.Log = cfg.Log
	}
	if cfg.Renderer.RootSelector == "" {
		cfg.Renderer.RootSelector = templates.RootSelector
	}
	return &Unit{cfg: cfg, log: cfg.Log.WithComponent("unit")}
}

// Run renders every job of chunk in order. A non-nil error means the unit
// itself failed and the whole chunk should be retried.
func (u *Unit) Run(ctx context.Context, chunk models.Chunk) (Outcome, error) {
	ctx = logger.ContextWithChunkID(ctx, chunk.ID)
	log := u.log.FromContext(ctx)

	if err := ctx.Err(); err != nil {
		return Outcome{}, errors.WorkerCrash(chunk.ID, err)
	}

	l := lease.New(u.cfg.Factory, lease.Config{Refresh: u.cfg.EngineRefresh, Log: u.cfg.Log})
	defer l.Release()

	r := renderer.New(u.cfg.Renderer, u.markup(ctx, chunk))

	log.Debug("unit started", "jobs", len(chunk.Jobs), "attempt", chunk.Attempt)
	started := time.Now()

	var out Outcome
	for _, job := range chunk.Jobs {
		path, err := r.Render(ctx, job, l)
		if err != nil {
			log.WithError(err).Error("job failed", "record_id", job.Record.RecordID(), "output_key", job.OutputKey)
			metrics.JobsTotal.WithLabelValues(string(job.RecordType), "failed").Inc()
			out.Failures = append(out.Failures, models.Failure{Job: job, Err: err})
			continue
		}
		metrics.JobsTotal.WithLabelValues(string(job.RecordType), "ok").Inc()
		out.Paths = append(out.Paths, path)
	}

	log.Info("unit finished",
		"rendered", len(out.Paths),
		"failed", len(out.Failures),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return out, nil
}

func (u *Unit) markup(ctx context.Context, chunk models.Chunk) renderer.Markup {
	t := templates.New()
	if !hasStudents(chunk) {
		return t
	}
	u.qrOnce.Do(func() {
		qr, err := templates.LoadQRDataURI(u.cfg.QRPath)
		if err != nil {
			u.log.FromContext(ctx).WithError(err).Warn("payment QR unreadable, receipts render without it", "path", u.cfg.QRPath)
			return
		}
		u.qr = qr
	})
	if u.qr == "" {
		return t
	}
	return t.WithQR(u.qr)
}

func hasStudents(chunk models.Chunk) bool {
	for _, j := range chunk.Jobs {
		if j.RecordType == models.RecordStudent {
			return true
		}
	}
	return false
}
