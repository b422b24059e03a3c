package capture

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/capturemgr/internal/gpu"
)

// SourceRecord is the runtime state of one source. Geometry is fixed at
// creation. Freshness fields are written only by the owning worker while it
// holds the writer key, and read by the manager while it holds the reader
// key.
type SourceRecord struct {
	Index      int
	Descriptor Descriptor
	FrameRect  image.Rectangle
	Offset     image.Point
	SourceRect image.Rectangle

	device  *gpu.Device
	context *gpu.Context

	lastUpdate        atomic.Int64
	updatedSinceReset int
	totalUpdated      atomic.Uint64

	mu       sync.Mutex
	result   error
	exited   bool
	exitedAt time.Time
}

// CompositeRect returns the region the source occupies in the composite.
func (r *SourceRecord) CompositeRect() image.Rectangle {
	return r.FrameRect.Add(r.Offset)
}

// Device returns the worker's device.
func (r *SourceRecord) Device() *gpu.Device { return r.device }

// LastUpdate returns the clock tick of the source's last written frame.
func (r *SourceRecord) LastUpdate() int64 { return r.lastUpdate.Load() }

// TotalUpdated returns how many frames the source has written this session.
func (r *SourceRecord) TotalUpdated() uint64 { return r.totalUpdated.Load() }

// Result reports whether the worker has exited and with which error.
func (r *SourceRecord) Result() (exited bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exited, r.result
}

func (r *SourceRecord) markUpdated(tick int64) {
	r.updatedSinceReset++
	r.totalUpdated.Add(1)
	r.lastUpdate.Store(tick)
}

func (r *SourceRecord) setResult(err error) {
	r.mu.Lock()
	r.result = err
	r.exited = true
	r.exitedAt = time.Now()
	r.mu.Unlock()
}

func (r *SourceRecord) release() {
	if r.device != nil {
		r.device.Close()
		r.device = nil
		r.context = nil
	}
}

// SourceStatus is a read-only view of a source for status reporting.
type SourceStatus struct {
	Index         int       `json:"index" yaml:"index"`
	Kind          Kind      `json:"kind" yaml:"kind"`
	Locator       string    `json:"locator" yaml:"locator"`
	CompositeRect string    `json:"compositeRect" yaml:"compositeRect"`
	FramesWritten uint64    `json:"framesWritten" yaml:"framesWritten"`
	Running       bool      `json:"running" yaml:"running"`
	Error         string    `json:"error,omitempty" yaml:"error,omitempty"`
	ExitedAt      time.Time `json:"exitedAt,omitempty" yaml:"exitedAt,omitempty"`
}

func (r *SourceRecord) status() SourceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := SourceStatus{
		Index:         r.Index,
		Kind:          r.Descriptor.Kind,
		Locator:       r.Descriptor.Locator,
		CompositeRect: r.CompositeRect().String(),
		FramesWritten: r.totalUpdated.Load(),
		Running:       !r.exited,
	}
	if r.exited {
		st.ExitedAt = r.exitedAt
	}
	if r.result != nil {
		st.Error = r.result.Error()
	}
	return st
}
