// Package chromium implements ports.RenderEngine on headless Chromium driven
// through go-rod.
package chromium

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"monkids/internal/ports"
)

// requestIdle is how long the network must stay quiet for a page to count
// as loaded.
const requestIdle = 500 * time.Millisecond

// launchFlags keep Chromium lean inside containers.
var launchFlags = []string{
	"disable-setuid-sandbox",
	"disable-dev-shm-usage",
	"disable-gpu",
	"disable-extensions",
	"disable-background-networking",
	"disable-default-apps",
	"disable-sync",
	"disable-translate",
	"hide-scrollbars",
	"metrics-recording-only",
	"mute-audio",
	"no-first-run",
	"no-zygote",
	"safebrowsing-disable-auto-update",
}

type Options struct {
	// Bin is the browser executable. Empty means look it up or download it.
	Bin string
}

// Factory returns an EngineFactory that launches a dedicated browser process
// per engine.
func Factory(opts Options) ports.EngineFactory {
	return func(ctx context.Context) (ports.RenderEngine, error) {
		return Launch(ctx, opts)
	}
}

// Engine is one Chromium process.
type Engine struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// Launch starts Chromium and connects to it.
func Launch(ctx context.Context, opts Options) (*Engine, error) {
	l := launcher.New().
		Context(ctx).
		Headless(true).
		NoSandbox(true).
		Leakless(true)
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	for _, f := range launchFlags {
		l = l.Set(f)
	}

	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("connect chromium: %w", err)
	}
	return &Engine{launcher: l, browser: b}, nil
}

func (e *Engine) NewSurface(ctx context.Context, opts ports.SurfaceOptions) (ports.Surface, error) {
	page, err := e.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}

	if err := page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.Width,
		Height:            opts.Height,
		DeviceScaleFactor: opts.ScaleFactor,
	}); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	allowed := make(map[proto.NetworkResourceType]bool, len(opts.Allowed))
	for _, t := range opts.Allowed {
		allowed[resourceType(t)] = true
	}

	router := page.HijackRequests()
	if err := router.Add("*", "", func(h *rod.Hijack) {
		if allowed[h.Request.Type()] {
			h.ContinueRequest(&proto.FetchContinueRequest{})
			return
		}
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
	}); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("install request filter: %w", err)
	}
	go router.Run()

	return &Surface{page: page, router: router}, nil
}

// Close disconnects and kills the browser process, removing its profile
// directory.
func (e *Engine) Close() error {
	err := e.browser.Close()
	e.launcher.Kill()
	e.launcher.Cleanup()
	return err
}

type Surface struct {
	page   *rod.Page
	router *rod.HijackRouter
}

func (s *Surface) Load(ctx context.Context, markup string, idleTimeout time.Duration) error {
	p := s.page.Context(ctx).Timeout(idleTimeout)
	defer p.CancelTimeout()

	wait := p.WaitRequestIdle(requestIdle, nil, nil, nil)
	if err := p.SetDocumentContent(markup); err != nil {
		return err
	}
	wait()
	if err := p.WaitLoad(); err != nil {
		return err
	}
	return p.GetContext().Err()
}

// rootBoxJS returns the element box in page coordinates so the clip stays
// correct when the element is taller than the viewport.
const rootBoxJS = `function () {
	const r = this.getBoundingClientRect();
	return { x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height };
}`

func (s *Surface) CaptureElement(ctx context.Context, selector string) ([]byte, error) {
	p := s.page.Context(ctx)

	found, el, err := p.Has(selector)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ports.ErrNoContentRoot
	}

	box, err := el.Eval(rootBoxJS)
	if err != nil {
		return nil, err
	}
	w, h := box.Value.Get("width").Num(), box.Value.Get("height").Num()
	if w <= 0 || h <= 0 {
		return nil, ports.ErrNoContentRoot
	}

	return p.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X:      box.Value.Get("x").Num(),
			Y:      box.Value.Get("y").Num(),
			Width:  w,
			Height: h,
			Scale:  1,
		},
		CaptureBeyondViewport: true,
	})
}

func (s *Surface) CaptureFull(ctx context.Context) ([]byte, error) {
	return s.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (s *Surface) Close() error {
	_ = s.router.Stop()
	return s.page.Close()
}

func resourceType(t ports.ResourceType) proto.NetworkResourceType {
	switch t {
	case ports.ResourceDocument:
		return proto.NetworkResourceTypeDocument
	case ports.ResourceStylesheet:
		return proto.NetworkResourceTypeStylesheet
	case ports.ResourceImage:
		return proto.NetworkResourceTypeImage
	case ports.ResourceFont:
		return proto.NetworkResourceTypeFont
	case ports.ResourceScript:
		return proto.NetworkResourceTypeScript
	default:
		return proto.NetworkResourceType(t)
	}
}
