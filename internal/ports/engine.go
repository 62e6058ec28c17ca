package ports

import (
	"context"
	"errors"
	"time"
)

// ErrNoContentRoot is returned by Surface.CaptureElement when the selector
// matches nothing or the element has no layout box.
var ErrNoContentRoot = errors.New("content root not found")

// ResourceType is a subresource category as reported by the engine.
type ResourceType string

const (
	ResourceDocument   ResourceType = "document"
	ResourceStylesheet ResourceType = "stylesheet"
	ResourceImage      ResourceType = "image"
	ResourceFont       ResourceType = "font"
	ResourceScript     ResourceType = "script"
)

// DefaultAllowedResources are the only subresources a surface may fetch.
var DefaultAllowedResources = []ResourceType{
	ResourceDocument,
	ResourceStylesheet,
	ResourceImage,
	ResourceFont,
	ResourceScript,
}

// SurfaceOptions configures a new rendering surface.
type SurfaceOptions struct {
	Width       int
	Height      int
	ScaleFactor float64
	Allowed     []ResourceType
}

// RenderEngine is a headless rendering engine instance. One instance is owned
// by a single worker unit at a time.
type RenderEngine interface {
	NewSurface(ctx context.Context, opts SurfaceOptions) (Surface, error)
	Close() error
}

// Surface is one page of a RenderEngine.
type Surface interface {
	// Load sets the page markup and waits until the network is idle or
	// idleTimeout elapses.
	Load(ctx context.Context, markup string, idleTimeout time.Duration) error
	// CaptureElement returns a PNG of the element matched by selector,
	// clipped to its bounding box.
	CaptureElement(ctx context.Context, selector string) ([]byte, error)
	// CaptureFull returns a PNG of the whole surface.
	CaptureFull(ctx context.Context) ([]byte, error)
	Close() error
}

// EngineFactory creates render engines.
type EngineFactory func(ctx context.Context) (RenderEngine, error)
