// Package scheduler runs chunks on a bounded number of concurrent worker
// units and requeues chunks whose unit failed.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"monkids/internal/export/unit"
	"monkids/internal/metrics"
	"monkids/internal/models"
	"monkids/internal/pkg/errors"
	"monkids/internal/pkg/logger"
	"monkids/internal/tracing"
)

const (
	DefaultMaxChunkRetries = 2
	DefaultPollInterval    = 100 * time.Millisecond
)

// Runner executes one chunk. *unit.Unit is the production implementation.
type Runner interface {
	Run(ctx context.Context, chunk models.Chunk) (unit.Outcome, error)
}

// Observer is notified of dispatch and settle events. active is the number
// of running units after the event.
type Observer interface {
	ChunkDispatched(chunkID string, attempt int, active int)
	ChunkSettled(chunkID string, outcome string, active int)
}

type Config struct {
	// Concurrency caps the number of units running at once.
	Concurrency     int
	MaxChunkRetries int
	// PollInterval paces progress logging while waiting on units.
	PollInterval time.Duration
	Observer     Observer
	Log          *logger.Logger
}

// DefaultConcurrency is half the CPUs, at least 2.
func DefaultConcurrency() int {
	return max(runtime.NumCPU()/2, 2)
}

type Scheduler struct {
	runner Runner
	cfg    Config
	log    *logger.Logger
}

// New builds a scheduler. Concurrency and PollInterval default when zero;
// MaxChunkRetries is used as given.
func New(runner Runner, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency()
	}
	if cfg.MaxChunkRetries < 0 {
		cfg.MaxChunkRetries = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.Scheduler{}
	}
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	return &Scheduler{runner: runner, cfg: cfg, log: cfg.Log.WithComponent("scheduler")}
}

// Concurrency is the effective unit cap.
func (s *Scheduler) Concurrency() int {
	return s.cfg.Concurrency
}

// outcome is the one message a dispatched unit sends back.
type outcome struct {
	chunk models.Chunk
	res   unit.Outcome
	err   error
}

// Run drives chunks until every one has succeeded or been exhausted and
// returns everything that was produced. It never fails: unit errors end up
// as requeues or exhausted jobs in the result.
func (s *Scheduler) Run(ctx context.Context, chunks []models.Chunk) *models.ResultSet {
	log := s.log.FromContext(ctx)
	result := &models.ResultSet{}

	pending := make([]models.Chunk, len(chunks))
	copy(pending, chunks)

	done := make(chan outcome, s.cfg.Concurrency)
	active := 0

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	lastReport := time.Now()

	for len(pending) > 0 || active > 0 {
		for active < s.cfg.Concurrency && len(pending) > 0 {
			c := pending[0]
			pending = pending[1:]
			active++
			s.cfg.Observer.ChunkDispatched(c.ID, c.Attempt, active)
			log.Debug("chunk dispatched", "chunk_id", c.ID, "attempt", c.Attempt, "jobs", len(c.Jobs), "active", active)
			go s.dispatch(ctx, c, done)
		}

		var o outcome
		select {
		case o = <-done:
		case <-ticker.C:
			if time.Since(lastReport) >= 10*time.Second {
				log.Info("export in progress", "active", active, "pending", len(pending), "settled_jobs", result.Len())
				lastReport = time.Now()
			}
			continue
		}
		active--

		if o.err == nil {
			result.AddPaths(o.res.Paths...)
			result.AddFailures(o.res.Failures...)
			s.cfg.Observer.ChunkSettled(o.chunk.ID, metrics.OutcomeSucceeded, active)
			continue
		}

		if o.chunk.Attempt < s.cfg.MaxChunkRetries {
			next := o.chunk
			next.Attempt++
			pending = append([]models.Chunk{next}, pending...)
			s.cfg.Observer.ChunkSettled(o.chunk.ID, metrics.OutcomeRequeued, active)
			log.WithError(o.err).Warn("unit failed, chunk requeued", "chunk_id", o.chunk.ID, "attempt", next.Attempt)
			continue
		}

		exhausted := errors.ChunkExhausted(o.chunk.ID, o.chunk.Attempt+1, o.err)
		failures := make([]models.Failure, 0, len(o.chunk.Jobs))
		for _, j := range o.chunk.Jobs {
			failures = append(failures, models.Failure{Job: j, Err: exhausted})
		}
		result.AddFailures(failures...)
		s.cfg.Observer.ChunkSettled(o.chunk.ID, metrics.OutcomeExhausted, active)
		log.WithError(exhausted).Error("chunk exhausted", "chunk_id", o.chunk.ID, "jobs", len(o.chunk.Jobs))
	}

	return result
}

// dispatch runs one chunk and always sends exactly one outcome, turning a
// panic into a crash.
func (s *Scheduler) dispatch(ctx context.Context, c models.Chunk, done chan<- outcome) {
	ctx, span := tracing.Tracer().Start(ctx, "scheduler.chunk", trace.WithAttributes(
		attribute.String("chunk.id", c.ID),
		attribute.Int("chunk.attempt", c.Attempt),
		attribute.Int("chunk.jobs", len(c.Jobs)),
	))

	o := outcome{chunk: c}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("unit panicked", "chunk_id", c.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			o.res = unit.Outcome{}
			o.err = errors.WorkerCrash(c.ID, fmt.Errorf("panic: %v", r))
		}
		if o.err != nil {
			span.RecordError(o.err)
			span.SetStatus(codes.Error, "unit failed")
		}
		span.End()
		done <- o
	}()

	res, err := s.runner.Run(ctx, c)
	if err != nil && !errors.IsCode(err, errors.CodeWorkerCrash) {
		err = errors.WorkerCrash(c.ID, err)
	}
	o.res, o.err = res, err
}
