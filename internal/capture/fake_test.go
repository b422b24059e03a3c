package capture

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breeze-rmm/capturemgr/internal/gpu"
)

// fakeSource scripts one backend. Zero values produce a source that writes a
// new frame every millisecond.
type fakeSource struct {
	rect  image.Rectangle
	color color.RGBA

	// frames limits how many frames are written; 0 means unlimited.
	frames int
	// failWith is returned by AcquireNextFrame once frames are exhausted.
	failWith error
	// idle keeps an exhausted source cycling the shared surface without
	// writing anything new.
	idle bool
	// gate delays the first frame until closed.
	gate chan struct{}
	// hold is how long a writer stays inside the shared surface.
	hold time.Duration
	// cursor, when set, is reported as the pointer position in frame
	// coordinates.
	cursor *image.Point

	// inside is shared between sources to detect overlapping writers and
	// readers.
	inside  *atomic.Int32
	overlap *atomic.Int32

	written atomic.Int32
	closed  atomic.Int32
}

type fakeBackend struct {
	src  *fakeSource
	ctx  *gpu.Context
	img  *image.RGBA
	sent int
	// ready is set when AcquireNextFrame produced a frame not yet written.
	ready bool
}

func (b *fakeBackend) Initialize(ctx *gpu.Context, dev *gpu.Device) error {
	b.ctx = ctx
	return dev.Err()
}

func (b *fakeBackend) StartCapture(desc Descriptor) error {
	size := b.src.rect.Size()
	b.img = image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(b.img, b.img.Rect, &image.Uniform{C: b.src.color}, image.Point{}, draw.Src)
	return nil
}

func (b *fakeBackend) AcquireNextFrame(timeout time.Duration) error {
	if b.src.gate != nil {
		select {
		case <-b.src.gate:
		case <-time.After(timeout):
			return gpu.ErrWaitTimeout
		}
	}
	if b.src.frames > 0 && b.sent >= b.src.frames {
		if b.src.failWith != nil {
			return b.src.failWith
		}
		time.Sleep(time.Millisecond)
		if b.src.idle {
			return nil
		}
		return gpu.ErrWaitTimeout
	}
	time.Sleep(time.Millisecond)
	b.ready = true
	return nil
}

func (b *fakeBackend) GetMouse(ptr *PointerState, cursorEnabled bool, frameRect image.Rectangle, offset image.Point) error {
	if !cursorEnabled || b.src.cursor == nil {
		return nil
	}
	ptr.Position = frameRect.Min.Add(offset).Add(*b.src.cursor)
	ptr.Visible = true
	return nil
}

func (b *fakeBackend) WriteNextFrameToSharedSurface(frameIndex int, dst *gpu.Texture, offset image.Point, frameRect, sourceRect image.Rectangle) (bool, error) {
	if in := b.src.inside; in != nil {
		if in.Add(1) != 1 {
			b.src.overlap.Add(1)
		}
		defer in.Add(-1)
	}
	if b.src.hold > 0 {
		time.Sleep(b.src.hold)
	}
	if !b.ready {
		return false, nil
	}
	b.ready = false
	if err := b.ctx.CopyImage(dst, frameRect.Min.Add(offset), b.img, sourceRect); err != nil {
		return false, err
	}
	b.sent++
	b.src.written.Add(1)
	return true, nil
}

func (b *fakeBackend) Close() error {
	b.src.closed.Add(1)
	return nil
}

// newFakeRegistry registers every source as a display keyed by locator.
func newFakeRegistry(sources map[string]*fakeSource) *Registry {
	reg := NewRegistry()
	lookup := func(desc Descriptor) (*fakeSource, error) {
		src, ok := sources[desc.Locator]
		if !ok {
			return nil, gpu.ErrInvalidArg
		}
		return src, nil
	}
	reg.Register(KindDisplay, APIDefault, BackendFactory{
		New: func(desc Descriptor) (Backend, error) {
			src, err := lookup(desc)
			if err != nil {
				return nil, err
			}
			return &fakeBackend{src: src}, nil
		},
		Resolve: func(desc Descriptor) (image.Rectangle, error) {
			src, err := lookup(desc)
			if err != nil {
				return image.Rectangle{}, err
			}
			return src.rect, nil
		},
	})
	return reg
}

func displays(locators ...string) []Descriptor {
	out := make([]Descriptor, len(locators))
	for i, l := range locators {
		out[i] = Descriptor{Kind: KindDisplay, Locator: l}
	}
	return out
}

// fakeOverlays is an OverlayCompositor that checks no writer is inside the
// shared surface while frames are processed.
type fakeOverlays struct {
	mu        sync.Mutex
	inside    *atomic.Int32
	overlap   *atomic.Int32
	pending   atomic.Bool
	started   int
	stopped   int
	processed int
}

func (o *fakeOverlays) StartCapture(h gpu.SharedHandle, overlays []OverlayDescriptor, unexpected, expected *Signal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
	return nil
}

func (o *fakeOverlays) IsUpdatedFramesAvailable() bool { return o.pending.Load() }

func (o *fakeOverlays) ProcessOverlays(dst *gpu.Texture) (int, error) {
	if o.inside != nil && o.inside.Load() != 0 {
		o.overlap.Add(1)
	}
	o.mu.Lock()
	o.processed++
	o.mu.Unlock()
	if o.pending.Swap(false) {
		return 1, nil
	}
	return 0, nil
}

func (o *fakeOverlays) StopCapture() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped++
	return nil
}

func newTestManager(t *testing.T, reg *Registry, opts ...Option) (*Manager, *gpu.Device) {
	t.Helper()
	dev, ctx, err := gpu.NewDevice("test")
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	all := append([]Option{
		WithRegistry(reg),
		WithTimeouts(10*time.Millisecond, 10*time.Millisecond),
	}, opts...)
	m := NewManager(all...)
	if err := m.Initialize(ctx, dev); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, dev
}

// waitFrame polls until a frame is returned or the deadline passes.
func waitFrame(t *testing.T, m *Manager, within time.Duration) *CapturedFrame {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		f, err := m.AcquireNextFrame(20 * time.Millisecond)
		if errors.Is(err, ErrNoFrame) {
			continue
		}
		if err != nil {
			t.Fatalf("AcquireNextFrame: %v", err)
		}
		return f
	}
	t.Fatalf("no frame within %v", within)
	return nil
}

func waitSignal(t *testing.T, s *Signal, within time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(within):
		t.Fatalf("signal %q not fired within %v", s.Name(), within)
	}
}
