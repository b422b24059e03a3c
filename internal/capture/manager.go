package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/breeze-rmm/capturemgr/internal/gpu"
	"github.com/breeze-rmm/capturemgr/internal/health"
	"github.com/breeze-rmm/capturemgr/internal/logging"
	"github.com/breeze-rmm/capturemgr/internal/workerpool"
)

const (
	defaultBackendTimeout = 100 * time.Millisecond
	defaultLockTimeout    = 100 * time.Millisecond
)

// OverlayCompositor draws auxiliary layers onto composed frames.
type OverlayCompositor interface {
	// StartCapture starts overlay acquisition against the shared surface.
	StartCapture(h gpu.SharedHandle, overlays []OverlayDescriptor, unexpected, expected *Signal) error
	// IsUpdatedFramesAvailable reports whether any overlay changed since the
	// last ProcessOverlays.
	IsUpdatedFramesAvailable() bool
	// ProcessOverlays draws every overlay onto dst and returns how many
	// changed since the previous call.
	ProcessOverlays(dst *gpu.Texture) (int, error)
	// StopCapture stops overlay acquisition and waits for it to finish.
	StopCapture() error
}

// OverlayFactory builds the overlay compositor bound to the manager's
// device.
type OverlayFactory func(ctx *gpu.Context, dev *gpu.Device, reg *Registry) (OverlayCompositor, error)

// CapturedFrame is one composed frame handed to the consumer. The texture is
// an independent copy; the consumer owns it and must Release it.
type CapturedFrame struct {
	Texture            *gpu.Texture
	Pointer            PointerState
	FrameUpdateCount   int
	OverlayUpdateCount int
}

// Release frees the frame's texture.
func (f *CapturedFrame) Release() {
	if f != nil && f.Texture != nil {
		f.Texture.Release()
		f.Texture = nil
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry sets the backend registry used to resolve and build sources.
func WithRegistry(reg *Registry) Option {
	return func(m *Manager) { m.registry = reg }
}

// WithOverlayFactory sets the overlay compositor factory. Without one,
// overlays are ignored.
func WithOverlayFactory(f OverlayFactory) Option {
	return func(m *Manager) { m.overlayFactory = f }
}

// WithTimeouts sets how long workers wait for a backend frame and for the
// writer key of the shared surface.
func WithTimeouts(backend, lock time.Duration) Option {
	return func(m *Manager) {
		if backend > 0 {
			m.backendTimeout = backend
		}
		if lock > 0 {
			m.lockTimeout = lock
		}
	}
}

// WithClock replaces the freshness clock.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithHealth reports per-source health into mon.
func WithHealth(mon *health.Monitor) Option {
	return func(m *Manager) { m.health = mon }
}

// WithLogger replaces the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager composes every source of a session into one shared surface and
// hands out copies of it to a single consumer.
type Manager struct {
	// mu serializes the lifecycle calls and AcquireNextFrame.
	mu sync.Mutex

	device   *gpu.Device
	context  *gpu.Context
	textures *gpu.TextureManager
	overlays OverlayCompositor

	registry       *Registry
	overlayFactory OverlayFactory
	backendTimeout time.Duration
	lockTimeout    time.Duration
	clock          Clock
	health         *health.Monitor
	log            *slog.Logger

	surface    *gpu.Texture
	keyMutex   *gpu.KeyedMutex
	outputRect image.Rectangle
	pool       *workerpool.Pool
	capturing  bool

	// recMu guards the records slice header so GetCaptureDataForRect can be
	// called from overlay code running inside AcquireNextFrame.
	recMu   sync.RWMutex
	records []SourceRecord

	pointer      PointerState
	lastAcquired int64
}

// NewManager creates a manager. Initialize must be called before
// StartCapture.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		backendTimeout: defaultBackendTimeout,
		lockTimeout:    defaultLockTimeout,
		pointer:        PointerState{UpdatedBy: -1},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	if m.clock == nil {
		m.clock = newMonotonicClock()
	}
	if m.health == nil {
		m.health = health.NewMonitor()
	}
	if m.log == nil {
		m.log = logging.L("capture")
	}
	return m
}

// Initialize binds the device/context used for composition and builds the
// texture and overlay helpers.
func (m *Manager) Initialize(ctx *gpu.Context, dev *gpu.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	textures, err := gpu.NewTextureManager(ctx, dev)
	if err != nil {
		return fmt.Errorf("initialize texture manager: %w", err)
	}
	var overlays OverlayCompositor
	if m.overlayFactory != nil {
		overlays, err = m.overlayFactory(ctx, dev, m.registry)
		if err != nil {
			return fmt.Errorf("initialize overlay manager: %w", err)
		}
	}

	m.device = dev
	m.context = ctx
	m.textures = textures
	m.overlays = overlays
	return nil
}

// StartCapture resolves the sources, allocates the shared surface and one
// record per source, and starts one worker per source plus the overlays.
// On failure the partially built session is left for StopCapture/Clean.
func (m *Manager) StartCapture(sources []Descriptor, overlays []OverlayDescriptor, unexpected, expected *Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.textures == nil {
		return ErrNotInitialized
	}
	if m.pool != nil {
		// A previous session is still allocated; its termination signal must
		// not leak into the new one.
		m.stopLocked()
		m.cleanLocked()
	}

	sources = append([]Descriptor(nil), sources...)
	layout, err := ResolveLayout(m.registry, sources)
	if err != nil {
		m.log.Error("failed to calculate output rects for recording sources", "error", err)
		return err
	}

	if err := m.createSharedSurface(layout.Bounds); err != nil {
		return err
	}
	handle, err := m.surface.SharedHandle()
	if err != nil {
		return fmt.Errorf("export shared surface: %w", err)
	}

	m.pool = workerpool.New(context.Background(),
		workerpool.WithLockedThreads(),
		workerpool.WithPanicHandler(func(name string, r any) {
			unexpected.Fire(fmt.Errorf("%s panicked: %v", name, r))
		}),
	)
	m.pointer.reset()
	m.lastAcquired = 0
	m.health.Reset()

	records := make([]SourceRecord, len(layout.Sources))
	m.recMu.Lock()
	m.records = records
	m.recMu.Unlock()

	for i, placed := range layout.Sources {
		rec := &records[i]
		rec.Index = i
		rec.Descriptor = placed.Descriptor
		rec.FrameRect = placed.FrameRect
		rec.Offset = placed.Offset
		rec.SourceRect = placed.SourceRect

		dev, ctx, err := gpu.NewDevice(fmt.Sprintf("source-%d", i))
		if err != nil {
			return fmt.Errorf("create device for source %d: %w", i, err)
		}
		rec.device = dev
		rec.context = ctx

		w := &worker{
			rec:            rec,
			handle:         handle,
			pointer:        &m.pointer,
			registry:       m.registry,
			unexpected:     unexpected,
			expected:       expected,
			backendTimeout: m.backendTimeout,
			lockTimeout:    m.lockTimeout,
			clock:          m.clock,
			health:         m.health,
			log:            logging.WithSource(m.log, i, string(rec.Descriptor.Kind), rec.Descriptor.Locator),
		}
		if !m.pool.Go(fmt.Sprintf("source-%d", i), w.run) {
			return fmt.Errorf("start capture worker %d: %w", i, gpu.ErrFail)
		}
	}

	if m.overlays != nil && len(overlays) > 0 {
		if err := m.overlays.StartCapture(handle, overlays, unexpected, expected); err != nil {
			return fmt.Errorf("start overlays: %w", err)
		}
	}

	m.capturing = true
	m.log.Info("capture started",
		"sources", len(records),
		"overlays", len(overlays),
		"outputRect", m.outputRect.String(),
	)
	return nil
}

func (m *Manager) createSharedSurface(bounds image.Rectangle) error {
	surface, err := m.device.CreateTexture(gpu.TextureDesc{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Shared: true,
	})
	if err != nil {
		m.log.Error("failed to create shared texture", "error", err)
		return fmt.Errorf("create shared surface: %w", err)
	}
	keyMutex, err := surface.KeyedMutex()
	if err != nil {
		surface.Release()
		m.log.Error("failed to query keyed mutex of shared texture", "error", err)
		return fmt.Errorf("create shared surface: %w", err)
	}
	m.surface = surface
	m.keyMutex = keyMutex
	m.outputRect = bounds
	return nil
}

// AcquireNextFrame waits up to timeout for the shared surface and returns a
// copy of it with overlays applied. ErrNoFrame means nothing new is ready
// (surface busy, no source or overlay changed, or some source has not
// written its first frame yet). ErrNotCapturing is returned outside a
// session, including between StopCapture and Clean.
func (m *Manager) AcquireNextFrame(timeout time.Duration) (*CapturedFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.capturing || m.keyMutex == nil {
		return nil, ErrNotCapturing
	}

	waitStart := time.Now()
	err := m.keyMutex.AcquireSync(gpu.KeyReader, timeout)
	if errors.Is(err, gpu.ErrWaitTimeout) {
		return nil, ErrNoFrame
	}
	if err != nil {
		return nil, err
	}
	m.log.Debug("acquired shared surface", "waitMs", time.Since(waitStart).Milliseconds())

	defer func() {
		if rerr := m.keyMutex.ReleaseSync(gpu.KeyWriter); rerr != nil {
			m.log.Error("failed to release shared surface", "error", rerr)
		}
	}()

	overlayPending := m.overlays != nil && m.overlays.IsUpdatedFramesAvailable()
	if !(m.updatedFramesAvailable() || overlayPending) || !m.initialFrameWriteComplete() {
		return nil, ErrNoFrame
	}

	updatedFrames := m.updatedFrameCount(true)

	frame, err := m.textures.Clone(m.surface)
	if err != nil {
		return nil, fmt.Errorf("copy shared surface: %w", err)
	}

	updatedOverlays := 0
	if m.overlays != nil {
		n, err := m.overlays.ProcessOverlays(frame)
		if err != nil {
			m.log.Warn("failed to process overlays", "error", err)
		}
		updatedOverlays = n
	}

	if updatedFrames > 0 || updatedOverlays > 0 {
		m.lastAcquired = m.clock.Now()
	}

	return &CapturedFrame{
		Texture:            frame,
		Pointer:            m.pointer.Snapshot(),
		FrameUpdateCount:   updatedFrames,
		OverlayUpdateCount: updatedOverlays,
	}, nil
}

// updatedFramesAvailable reports whether any source wrote after the last
// acquired frame. Reader key must be held.
func (m *Manager) updatedFramesAvailable() bool {
	for i := range m.records {
		if m.records[i].LastUpdate() > m.lastAcquired {
			return true
		}
	}
	return false
}

// initialFrameWriteComplete reports whether every source has written at
// least one frame. Reader key must be held.
func (m *Manager) initialFrameWriteComplete() bool {
	for i := range m.records {
		if m.records[i].TotalUpdated() == 0 {
			return false
		}
	}
	return true
}

// updatedFrameCount sums the frames written since the last acquire by
// sources that are newer than it, optionally resetting their counters.
// Reader key must be held.
func (m *Manager) updatedFrameCount(reset bool) int {
	n := 0
	for i := range m.records {
		rec := &m.records[i]
		if rec.LastUpdate() > m.lastAcquired {
			n += rec.updatedSinceReset
			if reset {
				rec.updatedSinceReset = 0
			}
		}
	}
	return n
}

// StopCapture signals every worker to terminate and waits for all of them.
// Safe to call after a partially failed StartCapture and more than once.
func (m *Manager) StopCapture() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *Manager) stopLocked() error {
	var overlayErr error
	if m.overlays != nil {
		overlayErr = m.overlays.StopCapture()
	}
	if m.pool != nil {
		m.pool.Stop()
		m.pool.Wait()
	}
	if m.capturing {
		m.log.Info("capture stopped")
	}
	m.capturing = false
	return overlayErr
}

// Clean releases the shared surface, the pointer buffer and every source
// record. Idempotent; stops workers that are still running first.
func (m *Manager) Clean() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanLocked()
}

func (m *Manager) cleanLocked() {
	if m.pool != nil {
		m.stopLocked()
		m.pool = nil
	}
	if m.surface != nil {
		m.surface.Release()
		m.surface = nil
	}
	m.keyMutex = nil
	m.pointer.reset()

	m.recMu.Lock()
	for i := range m.records {
		m.records[i].release()
	}
	m.records = nil
	m.recMu.Unlock()
}

// Close stops capture and releases everything, including the helpers built
// by Initialize.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.stopLocked()
	m.cleanLocked()
	m.overlays = nil
	m.textures = nil
	return err
}

// GetCaptureDataForRect returns the source whose desktop rectangle contains
// r's top-left corner, or nil.
func (m *Manager) GetCaptureDataForRect(r image.Rectangle) *SourceRecord {
	m.recMu.RLock()
	defer m.recMu.RUnlock()
	for i := range m.records {
		if r.Min.In(m.records[i].FrameRect) {
			return &m.records[i]
		}
	}
	return nil
}

// IsCapturing reports whether a session is active.
func (m *Manager) IsCapturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing
}

// OutputRect returns the composite's bounding rectangle in desktop
// coordinates.
func (m *Manager) OutputRect() image.Rectangle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputRect
}

// SourceStatuses returns a status view of every source of the session.
func (m *Manager) SourceStatuses() []SourceStatus {
	m.recMu.RLock()
	defer m.recMu.RUnlock()
	out := make([]SourceStatus, len(m.records))
	for i := range m.records {
		out[i] = m.records[i].status()
	}
	return out
}

// Health returns the monitor receiving per-source health.
func (m *Manager) Health() *health.Monitor {
	return m.health
}
