// Package renderer turns one job into one PNG file, retrying failed attempts
// with a fresh engine.
package renderer

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/xraph/dispatch/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"monkids/internal/metrics"
	"monkids/internal/models"
	"monkids/internal/pkg/errors"
	"monkids/internal/pkg/logger"
	"monkids/internal/ports"
	"monkids/internal/tracing"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxRetries  = 3
	DefaultIdleTimeout = 300 * time.Second
	DefaultBackoffBase = time.Second
)

// DefaultSurface is an A4 page at 150 dpi, rendered at 2x.
var DefaultSurface = ports.SurfaceOptions{
	Width:       1240,
	Height:      1754,
	ScaleFactor: 2,
	Allowed:     ports.DefaultAllowedResources,
}

// Markup produces the document for a job.
type Markup interface {
	Render(job models.Job) (string, error)
}

// Lease is the engine source of a single worker unit.
type Lease interface {
	Acquire(ctx context.Context) (ports.RenderEngine, error)
	Drop()
}

type Config struct {
	// OutputRoot is the directory run directories are created in.
	OutputRoot string
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries  int
	IdleTimeout time.Duration
	SettleDelay time.Duration
	// Backoff spaces retries; nil means NewBackoff(DefaultBackoffBase).
	Backoff backoff.Strategy
	Surface ports.SurfaceOptions
	// RootSelector is the element captures are clipped to; empty captures
	// the full surface.
	RootSelector string
	Log          *logger.Logger
}

type Renderer struct {
	cfg    Config
	markup Markup
	log    *logger.Logger
}

// New builds a renderer. Zero durations and an empty surface take the
// package defaults; MaxRetries is used as given.
func New(cfg Config, markup Markup) *Renderer {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(DefaultBackoffBase)
	}
	if cfg.Surface.Width == 0 {
		cfg.Surface = DefaultSurface
	}
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	return &Renderer{cfg: cfg, markup: markup, log: cfg.Log.WithComponent("renderer")}
}

// Attempts is the total number of tries per job.
func (r *Renderer) Attempts() int {
	return r.cfg.MaxRetries + 1
}

// Render produces the artifact for job and returns its path. After the
// last failed attempt it returns a CodeRender error wrapping the last cause.
func (r *Renderer) Render(ctx context.Context, job models.Job, l Lease) (string, error) {
	ctx, span := tracing.Tracer().Start(ctx, "renderer.Render")
	defer span.End()
	span.SetAttributes(
		attribute.String("record.type", string(job.RecordType)),
		attribute.String("record.id", job.Record.RecordID()),
		attribute.String("output.key", job.OutputKey),
	)

	log := r.log.FromContext(ctx).WithFields(map[string]any{
		"record_id":  job.Record.RecordID(),
		"output_key": job.OutputKey,
	})

	var (
		lastErr error
		tries   int
	)
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, r.cfg.Backoff.Delay(attempt)); err != nil {
				break
			}
		}

		tries++
		out, err := r.attempt(ctx, job, l)
		if err == nil {
			metrics.ItemAttempts.WithLabelValues("ok").Inc()
			span.SetAttributes(attribute.Int("attempts", tries))
			return out, nil
		}

		lastErr = err
		l.Drop()
		log.WithError(err).Warn("render attempt failed", "attempt", tries, "max_attempts", r.Attempts())

		if ctx.Err() != nil || !errors.IsRetryableRender(err) {
			break
		}
		if attempt < r.cfg.MaxRetries {
			metrics.ItemAttempts.WithLabelValues("retry").Inc()
		}
	}

	metrics.ItemAttempts.WithLabelValues("failed").Inc()
	err := errors.Render(lastErr, tries)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Message)
	return "", err
}

func (r *Renderer) attempt(ctx context.Context, job models.Job, l Lease) (string, error) {
	dir := filepath.Join(r.cfg.OutputRoot, job.Period.RunLabel(), filepath.FromSlash(job.Group()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "renderer.mkdir", "create output directory")
	}

	eng, err := l.Acquire(ctx)
	if err != nil {
		return "", err
	}

	surf, err := eng.NewSurface(ctx, r.cfg.Surface)
	if err != nil {
		return "", errors.Wrap(err, "renderer.surface", "open surface")
	}
	defer func() {
		if cerr := surf.Close(); cerr != nil {
			r.log.Debug("closing surface failed", "error", cerr.Error())
		}
	}()

	markup, err := r.markup.Render(job)
	if err != nil {
		return "", err
	}

	if err := surf.Load(ctx, markup, r.cfg.IdleTimeout); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", errors.RenderTimeout(err)
		}
		return "", errors.Wrap(err, "renderer.load", "load markup")
	}

	if err := sleep(ctx, r.cfg.SettleDelay); err != nil {
		return "", err
	}

	raw, err := r.captureRoot(ctx, surf)
	if errors.Is(err, ports.ErrNoContentRoot) {
		r.log.Debug("content root missing, capturing full surface", "output_key", job.OutputKey)
		raw, err = surf.CaptureFull(ctx)
	}
	if err != nil {
		return "", errors.Capture(err)
	}

	data, err := recompress(raw)
	if err != nil {
		return "", errors.Capture(err)
	}

	out, err := writeAtomic(dir, path.Base(job.OutputKey), data)
	if err != nil {
		return "", errors.Wrap(err, "renderer.write", "write artifact")
	}
	return out, nil
}

// captureRoot clips to RootSelector. Without a selector there is no content
// root and the caller captures the full surface.
func (r *Renderer) captureRoot(ctx context.Context, surf ports.Surface) ([]byte, error) {
	if r.cfg.RootSelector == "" {
		return nil, ports.ErrNoContentRoot
	}
	return surf.CaptureElement(ctx, r.cfg.RootSelector)
}
