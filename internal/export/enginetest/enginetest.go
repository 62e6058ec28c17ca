// Package enginetest provides an in-memory render engine for tests.
package enginetest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	"monkids/internal/ports"
)

// Stage identifies where a scripted failure is injected.
type Stage int

const (
	StageSurface Stage = iota
	StageLoad
	StageCapture
)

// Factory creates fake engines and records what happened to them.
type Factory struct {
	// FailCreate makes the first N engine creations fail.
	FailCreate int
	// Fail is called for every stage of every surface with the 1-based
	// surface number counted across all engines. A non-nil result fails
	// that stage.
	Fail func(surface int, stage Stage) error
	// NoRoot makes CaptureElement report a missing content root.
	NoRoot bool
	// LoadDelay is slept inside Load, honoring ctx.
	LoadDelay time.Duration

	mu        sync.Mutex
	creates   int
	surfaces  int
	engines   []*Engine
	loaded    []string
	fullShots int
	open      int
}

// New satisfies ports.EngineFactory.
func (f *Factory) New(ctx context.Context) (ports.RenderEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.creates <= f.FailCreate {
		return nil, errCreate
	}
	e := &Engine{f: f}
	f.engines = append(f.engines, e)
	return e, nil
}

// Launches is the number of engines successfully created.
func (f *Factory) Launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// OpenEngines is the number of created engines not yet closed.
func (f *Factory) OpenEngines() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.engines {
		if !e.closed {
			n++
		}
	}
	return n
}

// OpenSurfaces is the number of surfaces not yet closed.
func (f *Factory) OpenSurfaces() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Loaded returns every markup passed to Load.
func (f *Factory) Loaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loaded...)
}

// FullCaptures counts CaptureFull calls.
func (f *Factory) FullCaptures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fullShots
}

func (f *Factory) fail(n int, s Stage) error {
	if f.Fail == nil {
		return nil
	}
	return f.Fail(n, s)
}

type Engine struct {
	f      *Factory
	closed bool
}

func (e *Engine) NewSurface(ctx context.Context, opts ports.SurfaceOptions) (ports.Surface, error) {
	e.f.mu.Lock()
	e.f.surfaces++
	n := e.f.surfaces
	e.f.mu.Unlock()

	if err := e.f.fail(n, StageSurface); err != nil {
		return nil, err
	}

	e.f.mu.Lock()
	e.f.open++
	e.f.mu.Unlock()
	return &Surface{f: e.f, n: n, opts: opts}, nil
}

func (e *Engine) Close() error {
	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	e.closed = true
	return nil
}

type Surface struct {
	f      *Factory
	n      int
	opts   ports.SurfaceOptions
	closed bool
}

func (s *Surface) Load(ctx context.Context, markup string, idleTimeout time.Duration) error {
	if s.f.LoadDelay > 0 {
		select {
		case <-time.After(s.f.LoadDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.f.mu.Lock()
	s.f.loaded = append(s.f.loaded, markup)
	s.f.mu.Unlock()
	return s.f.fail(s.n, StageLoad)
}

func (s *Surface) CaptureElement(ctx context.Context, selector string) ([]byte, error) {
	if err := s.f.fail(s.n, StageCapture); err != nil {
		return nil, err
	}
	if s.f.NoRoot {
		return nil, ports.ErrNoContentRoot
	}
	return PNG(8, 12), nil
}

func (s *Surface) CaptureFull(ctx context.Context) ([]byte, error) {
	s.f.mu.Lock()
	s.f.fullShots++
	s.f.mu.Unlock()
	return PNG(16, 16), nil
}

func (s *Surface) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.f.open--
	}
	return nil
}

// PNG encodes a w x h image for use as a fake capture.
func PNG(w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 16), G: uint8(y * 16), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

type createError struct{}

func (createError) Error() string { return "enginetest: scripted creation failure" }

var errCreate error = createError{}
