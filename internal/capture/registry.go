package capture

import (
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/capturemgr/internal/gpu"
)

// Backend acquires frames from one source and writes them into the shared
// surface. One backend instance is owned by exactly one worker.
type Backend interface {
	// Initialize binds the backend to the worker's device/context.
	Initialize(ctx *gpu.Context, dev *gpu.Device) error
	// StartCapture begins acquisition for desc.
	StartCapture(desc Descriptor) error
	// AcquireNextFrame waits up to timeout for a new source frame.
	// gpu.ErrWaitTimeout means no new frame yet.
	AcquireNextFrame(timeout time.Duration) error
	// GetMouse updates ptr with the source's pointer data. frameRect and
	// offset map source coordinates into composite coordinates.
	GetMouse(ptr *PointerState, cursorEnabled bool, frameRect image.Rectangle, offset image.Point) error
	// WriteNextFrameToSharedSurface copies sourceRect of the latest frame to
	// frameRect.Min+offset in dst. It returns false when there was nothing
	// new to write.
	WriteNextFrameToSharedSurface(frameIndex int, dst *gpu.Texture, offset image.Point, frameRect, sourceRect image.Rectangle) (bool, error)
	// Close releases backend resources.
	Close() error
}

// BackendFactory builds backends for one source kind and resolves a
// source's current native rectangle.
type BackendFactory struct {
	New func(desc Descriptor) (Backend, error)
	// Resolve returns the source's native rectangle: desktop coordinates for
	// displays and windows, 0,0-based for everything else.
	Resolve func(desc Descriptor) (image.Rectangle, error)
}

type registryKey struct {
	kind Kind
	api  API
}

// RegistryEntry describes one registered factory.
type RegistryEntry struct {
	Kind Kind
	API  API
}

// Registry maps source kinds (and display API hints) to backend factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[registryKey]BackendFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[registryKey]BackendFactory)}
}

// Register installs f for kind and api. APIDefault registers the fallback
// used when no api-specific factory exists.
func (r *Registry) Register(kind Kind, api API, f BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[registryKey{kind, api}] = f
}

func (r *Registry) lookup(desc Descriptor) (BackendFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.factories[registryKey{desc.Kind, desc.EffectiveAPI()}]; ok {
		return f, true
	}
	f, ok := r.factories[registryKey{desc.Kind, APIDefault}]
	return f, ok
}

// NewBackend selects and builds the backend for desc.
func (r *Registry) NewBackend(desc Descriptor) (Backend, error) {
	f, ok := r.lookup(desc)
	if !ok || f.New == nil {
		return nil, fmt.Errorf("no capture backend for %s: %w", desc, gpu.ErrUnsupported)
	}
	return f.New(desc)
}

// Resolve returns desc's native rectangle.
func (r *Registry) Resolve(desc Descriptor) (image.Rectangle, error) {
	f, ok := r.lookup(desc)
	if !ok || f.Resolve == nil {
		return image.Rectangle{}, fmt.Errorf("no resolver for %s: %w", desc, gpu.ErrUnsupported)
	}
	return f.Resolve(desc)
}

// Entries lists registered factories sorted by kind then api.
func (r *Registry) Entries() []RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegistryEntry, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, RegistryEntry{Kind: k.kind, API: k.api})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].API < out[j].API
	})
	return out
}
