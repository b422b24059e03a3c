// Package sources provides the capture backends built into breeze-capture:
// still images, animated GIFs and virtual displays that render a test
// pattern. Platform capture APIs (desktop duplication, window capture,
// cameras) plug into the same registry from outside this package.
package sources

import (
	"image"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/breeze-rmm/capturemgr/internal/capture"
	"github.com/breeze-rmm/capturemgr/internal/gpu"
	"github.com/breeze-rmm/capturemgr/internal/logging"
)

var log = logging.L("sources")

// Register installs every built-in backend into reg.
func Register(reg *capture.Registry) {
	display := capture.BackendFactory{New: newVirtualDisplay, Resolve: resolveVirtualDisplay}
	reg.Register(capture.KindDisplay, capture.APIDuplication, display)
	reg.Register(capture.KindDisplay, capture.APIGraphicsCapture, display)

	reg.Register(capture.KindImage, capture.APIDefault, capture.BackendFactory{
		New:     newImageSource,
		Resolve: resolveImageSource,
	})
	reg.Register(capture.KindAnimatedImage, capture.APIDefault, capture.BackendFactory{
		New:     newAnimatedImage,
		Resolve: resolveAnimatedImage,
	})
}

// NewRegistry returns a registry holding the built-in backends.
func NewRegistry() *capture.Registry {
	reg := capture.NewRegistry()
	Register(reg)
	return reg
}

// frameBuffer is the CPU copy of a backend's latest frame plus the state
// shared by every built-in backend.
type frameBuffer struct {
	ctx   *gpu.Context
	dev   *gpu.Device
	img   *image.RGBA
	dirty bool
}

func (f *frameBuffer) Initialize(ctx *gpu.Context, dev *gpu.Device) error {
	if err := dev.Err(); err != nil {
		return err
	}
	f.ctx = ctx
	f.dev = dev
	return nil
}

// GetMouse leaves the pointer untouched; only virtual displays have one.
func (f *frameBuffer) GetMouse(*capture.PointerState, bool, image.Rectangle, image.Point) error {
	return nil
}

func (f *frameBuffer) WriteNextFrameToSharedSurface(_ int, dst *gpu.Texture, offset image.Point, frameRect, sourceRect image.Rectangle) (bool, error) {
	if !f.dirty || f.img == nil {
		return false, nil
	}
	if err := f.ctx.CopyImage(dst, frameRect.Min.Add(offset), f.img, sourceRect); err != nil {
		return false, err
	}
	f.dirty = false
	return true, nil
}

func (f *frameBuffer) Close() error {
	f.img = nil
	return nil
}

// toRGBA converts any decoded image to a 0,0-based RGBA copy.
func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Rect, src, b.Min, xdraw.Src)
	return dst
}

// pacer releases frames at a fixed or per-frame interval.
type pacer struct {
	next time.Time
}

// wait blocks until the next frame is due or timeout elapses. It reports
// whether the frame is due.
func (p *pacer) wait(timeout time.Duration) bool {
	if p.next.IsZero() {
		p.next = time.Now()
	}
	remaining := time.Until(p.next)
	if remaining <= 0 {
		return true
	}
	if remaining > timeout {
		time.Sleep(timeout)
		return false
	}
	time.Sleep(remaining)
	return true
}

// advance schedules the following frame interval after the current one.
// A pacer that fell far behind restarts from now instead of bursting.
func (p *pacer) advance(interval time.Duration) {
	p.next = p.next.Add(interval)
	if now := time.Now(); p.next.Before(now.Add(-interval)) {
		p.next = now.Add(interval)
	}
}
