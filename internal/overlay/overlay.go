// Package overlay draws auxiliary layers (logos, webcams, secondary
// captures) over composed frames. Each overlay runs its own backend in a
// worker and publishes into a private shared texture; the capture manager
// pulls the latest of each at read time.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/capturemgr/internal/capture"
	"github.com/breeze-rmm/capturemgr/internal/gpu"
	"github.com/breeze-rmm/capturemgr/internal/logging"
	"github.com/breeze-rmm/capturemgr/internal/workerpool"
)

var log = logging.L("overlay")

const (
	defaultBackendTimeout = 100 * time.Millisecond
	defaultLockTimeout    = 100 * time.Millisecond
)

// layer is one running overlay.
type layer struct {
	index int
	desc  capture.OverlayDescriptor
	// frame is the overlay's placement inside its own private texture.
	frame capture.PlacedSource

	texture *gpu.Texture
	mutex   *gpu.KeyedMutex
	handle  gpu.SharedHandle
	device  *gpu.Device
	context *gpu.Context

	written  atomic.Uint64
	consumed uint64
	// cache is the last frame pulled from texture; drawn every frame.
	cache *image.RGBA
}

// Manager is the default capture.OverlayCompositor.
type Manager struct {
	mu       sync.Mutex
	textures *gpu.TextureManager
	registry *capture.Registry
	pool     *workerpool.Pool
	layers   []*layer

	backendTimeout time.Duration
	lockTimeout    time.Duration
}

// New creates an overlay manager drawing with ctx/dev and building backends
// from reg.
func New(ctx *gpu.Context, dev *gpu.Device, reg *capture.Registry) (*Manager, error) {
	textures, err := gpu.NewTextureManager(ctx, dev)
	if err != nil {
		return nil, err
	}
	return &Manager{
		textures:       textures,
		registry:       reg,
		backendTimeout: defaultBackendTimeout,
		lockTimeout:    defaultLockTimeout,
	}, nil
}

// Factory adapts New to capture.OverlayFactory.
func Factory(ctx *gpu.Context, dev *gpu.Device, reg *capture.Registry) (capture.OverlayCompositor, error) {
	return New(ctx, dev, reg)
}

// StartCapture resolves every overlay, allocates its private texture and
// starts one worker per overlay. The shared surface handle is not needed:
// overlays are drawn on the consumer's copy.
func (m *Manager) StartCapture(_ gpu.SharedHandle, overlays []capture.OverlayDescriptor, unexpected, expected *capture.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pool != nil {
		m.stopLocked()
	}

	layers := make([]*layer, 0, len(overlays))
	for i, o := range overlays {
		l, err := m.newLayer(i, o)
		if err != nil {
			for _, l := range layers {
				l.release()
			}
			return fmt.Errorf("overlay %d %s: %w", i, o.Source, err)
		}
		layers = append(layers, l)
	}
	m.layers = layers

	m.pool = workerpool.New(context.Background(),
		workerpool.WithLockedThreads(),
		workerpool.WithPanicHandler(func(name string, r any) {
			unexpected.Fire(fmt.Errorf("%s panicked: %v", name, r))
		}),
	)
	for _, l := range layers {
		w := &worker{
			layer:          l,
			registry:       m.registry,
			unexpected:     unexpected,
			expected:       expected,
			backendTimeout: m.backendTimeout,
			lockTimeout:    m.lockTimeout,
			log:            logging.WithSource(log, l.index, string(l.desc.Source.Kind), l.desc.Source.Locator),
		}
		m.pool.Go(fmt.Sprintf("overlay-%d", l.index), w.run)
	}
	log.Info("overlays started", "count", len(layers))
	return nil
}

func (m *Manager) newLayer(i int, o capture.OverlayDescriptor) (*layer, error) {
	layout, err := capture.ResolveLayout(m.registry, []capture.Descriptor{o.Source})
	if err != nil {
		return nil, err
	}
	placed := layout.Sources[0]
	size := placed.FrameRect.Size()

	tex, err := m.textures.Device().CreateTexture(gpu.TextureDesc{Width: size.X, Height: size.Y, Shared: true})
	if err != nil {
		return nil, err
	}
	mutex, err := tex.KeyedMutex()
	if err != nil {
		tex.Release()
		return nil, err
	}
	handle, err := tex.SharedHandle()
	if err != nil {
		tex.Release()
		return nil, err
	}
	dev, ctx, err := gpu.NewDevice(fmt.Sprintf("overlay-%d", i))
	if err != nil {
		tex.Release()
		return nil, err
	}
	// The private texture starts at 0,0; shift the frame there.
	placed.Offset = placed.FrameRect.Min.Mul(-1)
	return &layer{
		index:   i,
		desc:    o,
		frame:   placed,
		texture: tex,
		mutex:   mutex,
		handle:  handle,
		device:  dev,
		context: ctx,
	}, nil
}

func (l *layer) release() {
	if l.texture != nil {
		l.texture.Release()
		l.texture = nil
	}
	if l.device != nil {
		l.device.Close()
		l.device = nil
	}
}

// IsUpdatedFramesAvailable reports whether any overlay wrote a frame that
// ProcessOverlays has not drawn yet.
func (m *Manager) IsUpdatedFramesAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.layers {
		if l.written.Load() > l.consumed {
			return true
		}
	}
	return false
}

// ProcessOverlays pulls each overlay's latest frame when it is available
// without waiting and draws every overlay onto dst. It returns how many
// overlays changed since the previous call.
func (m *Manager) ProcessOverlays(dst *gpu.Texture) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	canvas := dst.Bounds()
	updated := 0
	var errs []error
	for _, l := range m.layers {
		if l.mutex == nil {
			continue
		}
		changed, err := l.pull()
		if err != nil {
			errs = append(errs, fmt.Errorf("overlay %d: %w", l.index, err))
		}
		if changed {
			updated++
		}
		if l.cache == nil {
			continue
		}
		r := l.desc.Place(canvas, l.cache.Rect.Size())
		if err := m.textures.DrawScaled(dst, r, l.cache, l.cache.Rect); err != nil {
			errs = append(errs, fmt.Errorf("overlay %d: %w", l.index, err))
		}
	}
	return updated, errors.Join(errs...)
}

// pull copies the private texture into the cache if the worker handed it
// over with a new frame.
func (l *layer) pull() (bool, error) {
	err := l.mutex.AcquireSync(gpu.KeyReader, 0)
	if errors.Is(err, gpu.ErrWaitTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer l.mutex.ReleaseSync(gpu.KeyWriter)

	written := l.written.Load()
	if written <= l.consumed {
		return false, nil
	}
	src := l.texture.RGBA()
	if l.cache == nil || l.cache.Rect != src.Rect {
		l.cache = image.NewRGBA(src.Rect)
	}
	copy(l.cache.Pix, src.Pix)
	l.consumed = written
	return true, nil
}

// StopCapture stops every overlay worker and releases the private textures.
func (m *Manager) StopCapture() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	return nil
}

func (m *Manager) stopLocked() {
	if m.pool != nil {
		m.pool.Stop()
		m.pool.Wait()
		m.pool = nil
	}
	for _, l := range m.layers {
		l.release()
	}
	m.layers = nil
}

// Layers returns how many overlays are active.
func (m *Manager) Layers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.layers)
}

type worker struct {
	layer      *layer
	registry   *capture.Registry
	unexpected *capture.Signal
	expected   *capture.Signal

	backendTimeout time.Duration
	lockTimeout    time.Duration
	log            *slog.Logger
}

func (w *worker) run(ctx context.Context) {
	err := w.capture(ctx)
	capture.Notify(w.log, err, w.unexpected, w.expected)
}

func (w *worker) capture(ctx context.Context) error {
	l := w.layer
	desc := l.desc.Source

	backend, err := w.registry.NewBackend(desc)
	if err != nil {
		w.log.Error("failed to create overlay source", "error", err)
		return err
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			w.log.Debug("failed to close overlay source", "error", cerr)
		}
	}()

	tex, err := l.device.OpenSharedResource(l.handle)
	if err != nil {
		w.log.Error("opening overlay texture failed", "error", err)
		return err
	}
	defer tex.Release()
	mutex, err := tex.KeyedMutex()
	if err != nil {
		w.log.Error("failed to get keyed mutex of overlay texture", "error", err)
		return err
	}

	if err := backend.Initialize(l.context, l.device); err != nil {
		w.log.Error("failed to initialize overlay source", "error", err)
		return err
	}
	if err := backend.StartCapture(desc); err != nil {
		w.log.Error("failed to start overlay source", "error", err)
		return err
	}

	pending := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !pending {
			err := backend.AcquireNextFrame(w.backendTimeout)
			if errors.Is(err, gpu.ErrWaitTimeout) {
				continue
			}
			if err != nil {
				return err
			}
		}
		err := mutex.AcquireSync(gpu.KeyWriter, w.lockTimeout)
		if errors.Is(err, gpu.ErrWaitTimeout) {
			pending = true
			continue
		}
		if err != nil {
			return err
		}
		pending = false

		f := l.frame
		updated, werr := backend.WriteNextFrameToSharedSurface(0, tex, f.Offset, f.FrameRect, f.SourceRect)
		// Only a written frame is handed to the reader. Otherwise the
		// texture stays with the writer key: the reader only pulls when
		// written has moved and would never release it.
		next := gpu.KeyWriter
		if updated {
			l.written.Add(1)
			next = gpu.KeyReader
		}
		if rerr := mutex.ReleaseSync(next); rerr != nil {
			return rerr
		}
		if werr != nil && !errors.Is(werr, gpu.ErrWaitTimeout) {
			return werr
		}
	}
}
