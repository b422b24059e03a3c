package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/breeze-rmm/capturemgr/internal/gpu"
	"github.com/breeze-rmm/capturemgr/internal/health"
)

// worker drives one source: it pulls frames from the backend and writes them
// into the shared surface at the source's place in the composite.
type worker struct {
	rec      *SourceRecord
	handle   gpu.SharedHandle
	pointer  *PointerState
	registry *Registry

	unexpected *Signal
	expected   *Signal

	backendTimeout time.Duration
	lockTimeout    time.Duration
	clock          Clock
	health         *health.Monitor
	log            *slog.Logger
}

func (w *worker) healthName() string {
	return fmt.Sprintf("source-%d", w.rec.Index)
}

// run executes the worker until ctx is cancelled or the source fails, then
// records and classifies the outcome.
func (w *worker) run(ctx context.Context) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capture worker panic: %v", r)
		}
		w.exit(err)
	}()
	err = w.capture(ctx)
}

func (w *worker) capture(ctx context.Context) error {
	desc := w.rec.Descriptor

	backend, err := w.registry.NewBackend(desc)
	if err != nil {
		w.log.Error("failed to create recording source", "error", err)
		return err
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			w.log.Debug("failed to close recording source", "error", cerr)
		}
	}()

	surface, err := w.rec.device.OpenSharedResource(w.handle)
	if err != nil {
		w.log.Error("opening shared texture failed", "error", err)
		return err
	}
	defer surface.Release()

	mutex, err := surface.KeyedMutex()
	if err != nil {
		w.log.Error("failed to get keyed mutex of shared texture", "error", err)
		return err
	}

	if err := backend.Initialize(w.rec.context, w.rec.device); err != nil {
		w.log.Error("failed to initialize recording source", "error", err)
		return err
	}
	if err := backend.StartCapture(desc); err != nil {
		w.log.Error("failed to start capture", "error", err)
		return err
	}
	w.health.Update(w.healthName(), health.Healthy, "capturing")
	w.log.Debug("capture worker started", "compositeRect", w.rec.CompositeRect().String())

	// pending is set when a frame was acquired from the backend but the
	// shared surface was busy; the next iteration writes it without
	// acquiring a newer one.
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
			w.log.Debug("shared surface is busy, retrying")
			pending = true
			continue
		}
		if err != nil {
			w.log.Error("unexpected error acquiring keyed mutex", "error", err)
			return err
		}
		pending = false

		if err := w.writeFrame(backend, surface, mutex); err != nil {
			return err
		}
	}
}

// writeFrame runs with the writer key held and always hands the surface to
// the reader on return.
func (w *worker) writeFrame(backend Backend, surface *gpu.Texture, mutex *gpu.KeyedMutex) (err error) {
	defer func() {
		if rerr := mutex.ReleaseSync(gpu.KeyReader); rerr != nil && err == nil {
			err = rerr
		}
	}()

	rec := w.rec
	pos, visible := w.pointer.Position, w.pointer.Visible
	if err := backend.GetMouse(w.pointer, rec.Descriptor.CursorEnabled(), rec.FrameRect, rec.Offset); err != nil {
		w.log.Warn("failed to get mouse data", "error", err)
	} else if w.pointer.Position != pos || w.pointer.Visible != visible {
		w.pointer.LastUpdate = w.clock.Now()
		w.pointer.UpdatedBy = rec.Index
	}

	updated, err := backend.WriteNextFrameToSharedSurface(0, surface, rec.Offset, rec.FrameRect, rec.SourceRect)
	if errors.Is(err, gpu.ErrWaitTimeout) {
		return nil
	}
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	rec.markUpdated(w.clock.Now())
	return nil
}

func (w *worker) exit(err error) {
	w.rec.setResult(err)
	switch Notify(w.log, err, w.unexpected, w.expected) {
	case ClassClean:
		w.log.Debug("capture worker stopped", "frames", w.rec.TotalUpdated())
		w.health.Update(w.healthName(), health.Healthy, "stopped")
	case ClassSilent:
		w.health.Update(w.healthName(), health.Healthy, "stopped by source")
	case ClassExpected:
		w.health.Update(w.healthName(), health.Degraded, err.Error())
	case ClassUnexpected:
		w.health.Update(w.healthName(), health.Unhealthy, err.Error())
	}
}
