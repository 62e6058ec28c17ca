// Package lease hands out a render engine to one worker unit and replaces it
// when it gets old or breaks.
package lease

import (
	"context"
	"time"

	"monkids/internal/metrics"
	"monkids/internal/pkg/errors"
	"monkids/internal/pkg/logger"
	"monkids/internal/ports"
)

// DefaultRefresh is how long an engine is reused before being replaced.
const DefaultRefresh = 5 * time.Minute

type Config struct {
	Refresh time.Duration
	Log     *logger.Logger
	// Now is the clock; tests override it.
	Now func() time.Time
}

// Lease owns at most one engine. It is not safe for concurrent use: each
// worker unit creates its own.
type Lease struct {
	factory ports.EngineFactory
	refresh time.Duration
	log     *logger.Logger
	now     func() time.Time

	engine    ports.RenderEngine
	createdAt time.Time
}

func New(factory ports.EngineFactory, cfg Config) *Lease {
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultRefresh
	}
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Lease{
		factory: factory,
		refresh: cfg.Refresh,
		log:     cfg.Log.WithComponent("lease"),
		now:     cfg.Now,
	}
}

// Acquire returns the current engine, creating a new one when there is none
// or the current one is older than the refresh window.
func (l *Lease) Acquire(ctx context.Context) (ports.RenderEngine, error) {
	if l.engine != nil && l.now().Sub(l.createdAt) <= l.refresh {
		return l.engine, nil
	}
	if l.engine != nil {
		l.log.Debug("engine expired, replacing", "age", l.now().Sub(l.createdAt).String())
		l.closeCurrent()
	}

	eng, err := l.factory(ctx)
	if err != nil {
		return nil, errors.EngineCreation(err)
	}
	metrics.EngineLaunches.Inc()

	l.engine = eng
	l.createdAt = l.now()
	return eng, nil
}

// Drop discards the current engine after a failed render so the next
// Acquire starts fresh.
func (l *Lease) Drop() {
	l.closeCurrent()
}

// Release closes the engine at the end of a unit run.
func (l *Lease) Release() {
	l.closeCurrent()
}

// Held reports whether an engine is currently leased.
func (l *Lease) Held() bool {
	return l.engine != nil
}

func (l *Lease) closeCurrent() {
	if l.engine == nil {
		return
	}
	if err := l.engine.Close(); err != nil {
		l.log.Warn("closing engine failed", "error", err.Error())
	}
	l.engine = nil
	l.createdAt = time.Time{}
}
