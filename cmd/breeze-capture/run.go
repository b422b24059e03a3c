package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/capturemgr/internal/capture"
	"github.com/breeze-rmm/capturemgr/internal/config"
	"github.com/breeze-rmm/capturemgr/internal/eventfeed"
	"github.com/breeze-rmm/capturemgr/internal/gpu"
	"github.com/breeze-rmm/capturemgr/internal/health"
	"github.com/breeze-rmm/capturemgr/internal/logging"
	"github.com/breeze-rmm/capturemgr/internal/metrics"
	"github.com/breeze-rmm/capturemgr/internal/overlay"
	"github.com/breeze-rmm/capturemgr/internal/snapshot"
	"github.com/breeze-rmm/capturemgr/internal/snapshot/providers"
	"github.com/breeze-rmm/capturemgr/internal/sources"
)

var log = logging.L("main")

// ErrUnexpectedStop is returned by runCapture when a worker failed in a way
// a restart cannot fix.
var ErrUnexpectedStop = errors.New("capture stopped on an unexpected error")

type stopReason int

const (
	stopShutdown stopReason = iota
	stopUnexpected
	stopExpected
)

// runner owns the capture manager and the per-process consumers of its
// frames.
type runner struct {
	cfg      *config.Config
	sources  []capture.Descriptor
	overlays []capture.OverlayDescriptor

	mgr      *capture.Manager
	monitor  *health.Monitor
	metrics  *metrics.FrameMetrics
	proc     *metrics.ProcessCollector
	hub      *eventfeed.Hub
	provider providers.Provider

	device *gpu.Device

	mu        sync.Mutex
	sessionID string
}

func runCapture(parent context.Context, cfg *config.Config) error {
	out, closer, err := logging.OpenOutput(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer closer.Close()
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := newRunner(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.close()

	log.Info("starting breeze capture",
		"version", version,
		"sources", len(r.sources),
		"overlays", len(r.overlays),
	)

	if cfg.EventFeedAddr != "" {
		srv := eventfeed.NewServer(r.hub, r.status)
		if err := srv.Listen(cfg.EventFeedAddr); err != nil {
			return fmt.Errorf("event feed: %w", err)
		}
		go func() {
			if err := srv.Serve(ctx); err != nil {
				log.Warn("event feed stopped", "error", err)
			}
		}()
	}

	return r.run(ctx)
}

func newRunner(ctx context.Context, cfg *config.Config) (*runner, error) {
	descs, overlays, err := cfg.Descriptors()
	if err != nil {
		return nil, err
	}

	dev, gctx, err := gpu.NewDevice("compositor")
	if err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}

	r := &runner{
		cfg:      cfg,
		sources:  descs,
		overlays: overlays,
		monitor:  health.NewMonitor(),
		metrics:  metrics.NewFrameMetrics(),
		hub:      eventfeed.NewHub(),
		device:   dev,
	}
	r.mgr = capture.NewManager(
		capture.WithRegistry(sources.NewRegistry()),
		capture.WithOverlayFactory(overlay.Factory),
		capture.WithTimeouts(cfg.BackendTimeout(), cfg.WriteLockTimeout()),
		capture.WithHealth(r.monitor),
	)
	if err := r.mgr.Initialize(gctx, dev); err != nil {
		r.close()
		return nil, err
	}

	if proc, err := metrics.NewProcessCollector(int32(os.Getpid())); err != nil {
		log.Warn("process metrics unavailable", "error", err)
	} else {
		r.proc = proc
	}

	if cfg.Snapshot.Enabled {
		r.provider, err = providers.New(ctx, cfg.Snapshot.Config)
		if err != nil {
			r.close()
			return nil, fmt.Errorf("snapshot provider: %w", err)
		}
	}

	r.monitor.OnChange(func(c health.Check) {
		r.publish(eventfeed.TypeHealth, c)
	})
	return r, nil
}

func (r *runner) close() {
	if err := r.mgr.Close(); err != nil {
		log.Warn("capture manager close failed", "error", err)
	}
	r.hub.Close()
	r.device.Close()
}

func (r *runner) publish(typ string, data any) {
	r.hub.Publish(eventfeed.Event{
		Type:      typ,
		SessionID: r.currentSession(),
		Time:      time.Now(),
		Data:      data,
	})
}

func (r *runner) currentSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *runner) status() any {
	return map[string]any{
		"sessionId": r.currentSession(),
		"capturing": r.mgr.IsCapturing(),
		"output":    r.mgr.OutputRect().String(),
		"sources":   r.mgr.SourceStatuses(),
		"health":    r.monitor.Summary(),
		"metrics":   r.metrics.Snapshot(),
	}
}

// run starts sessions until shutdown. An expected error restarts the session
// after a backoff, at most MaxRestarts times.
func (r *runner) run(ctx context.Context) error {
	restarts := 0
	for {
		reason, cause, err := r.session(ctx)
		if err != nil {
			return err
		}
		switch reason {
		case stopShutdown:
			log.Info("capture stopped")
			return nil
		case stopUnexpected:
			return fmt.Errorf("%w: %v", ErrUnexpectedStop, cause)
		}

		if !r.cfg.RestartOnExpectedError {
			return fmt.Errorf("capture stopped: %w", cause)
		}
		if restarts >= r.cfg.MaxRestarts {
			return fmt.Errorf("capture stopped after %d restarts: %w", restarts, cause)
		}
		restarts++
		r.metrics.RecordRestart()
		log.Warn("restarting capture session",
			"attempt", restarts,
			"backoff", r.cfg.RestartBackoff().String(),
			"error", cause,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.RestartBackoff()):
		}
	}
}

// session runs one capture session to completion.
func (r *runner) session(ctx context.Context) (reason stopReason, cause error, err error) {
	sessionID := uuid.NewString()
	r.mu.Lock()
	r.sessionID = sessionID
	r.mu.Unlock()
	logger := logging.WithSession(log, sessionID)

	unexpected := capture.NewSignal("unexpected")
	expected := capture.NewSignal("expected")
	if err := r.mgr.StartCapture(r.sources, r.overlays, unexpected, expected); err != nil {
		return stopShutdown, nil, fmt.Errorf("start capture: %w", err)
	}
	logger.Info("capture session started", "output", r.mgr.OutputRect().String())
	r.publish(eventfeed.TypeSessionStarted, map[string]any{"output": r.mgr.OutputRect().String()})

	var snaps *snapshot.Snapshotter
	if r.provider != nil {
		snaps = snapshot.New(r.provider, snapshot.Config{
			Interval:  time.Duration(r.cfg.Snapshot.IntervalSeconds) * time.Second,
			Prefix:    r.cfg.Snapshot.Prefix,
			SessionID: sessionID,
			Retention: r.cfg.Snapshot.Retention,
		}, func(key string, err error) {
			r.metrics.RecordSnapshot(err)
			data := map[string]any{"key": key}
			if err != nil {
				data["error"] = err.Error()
			}
			r.publish(eventfeed.TypeSnapshot, data)
		})
		if err := snaps.Start(); err != nil {
			logger.Warn("snapshots disabled for session", "error", err)
			snaps = nil
		}
	}

	reason, cause = r.pump(ctx, snaps, unexpected, expected)

	if snaps != nil {
		snaps.Stop()
	}
	if err := r.mgr.StopCapture(); err != nil {
		logger.Warn("stop capture failed", "error", err)
	}
	r.mgr.Clean()

	switch reason {
	case stopUnexpected:
		logger.Error("capture session failed", "error", cause)
		r.publish(eventfeed.TypeUnexpected, errorData(cause))
	case stopExpected:
		logger.Warn("capture session interrupted", "error", cause)
		r.publish(eventfeed.TypeExpected, errorData(cause))
	}
	r.publish(eventfeed.TypeSessionStopped, r.metrics.Snapshot())
	return reason, cause, nil
}

func errorData(err error) map[string]any {
	data := map[string]any{"error": fmt.Sprint(err)}
	var code gpu.Code
	if errors.As(err, &code) {
		data["code"] = fmt.Sprintf("0x%08X", uint32(code))
	}
	return data
}

// pump polls the manager for frames until shutdown or a session signal.
func (r *runner) pump(ctx context.Context, snaps *snapshot.Snapshotter, unexpected, expected *capture.Signal) (stopReason, error) {
	poll := time.NewTicker(r.cfg.PollInterval())
	defer poll.Stop()
	stats := time.NewTicker(r.cfg.StatsInterval())
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return stopShutdown, nil
		case <-unexpected.Done():
			return stopUnexpected, unexpected.Err()
		case <-expected.Done():
			return stopExpected, expected.Err()
		case <-stats.C:
			r.reportStats()
		case <-poll.C:
			r.acquire(snaps)
		}
	}
}

func (r *runner) acquire(snaps *snapshot.Snapshotter) {
	start := time.Now()
	frame, err := r.mgr.AcquireNextFrame(r.cfg.AcquireTimeout())
	switch {
	case errors.Is(err, capture.ErrNoFrame):
		r.metrics.RecordEmpty()
		return
	case err != nil:
		r.metrics.RecordError()
		log.Debug("acquire failed", "error", err)
		return
	}
	defer frame.Release()
	r.metrics.RecordFrame(time.Since(start), frame.FrameUpdateCount, frame.OverlayUpdateCount)

	if snaps != nil && snaps.Due(start) {
		if img := copyRGBA(frame.Texture.RGBA()); img != nil {
			snaps.Offer(start, img)
		}
	}
}

func (r *runner) reportStats() {
	snap := r.metrics.Snapshot()
	data := map[string]any{"frames": snap, "sources": r.mgr.SourceStatuses()}
	attrs := []any{
		"fps", fmt.Sprintf("%.1f", snap.FPS),
		"frames", snap.FramesAcquired,
		"empty", snap.FramesEmpty,
		"acquireMs", snap.AcquireMs,
	}
	if r.proc != nil {
		if usage, err := r.proc.Collect(); err == nil {
			data["process"] = usage
			attrs = append(attrs, "cpuPercent", fmt.Sprintf("%.1f", usage.CPUPercent), "rssMB", usage.RSSMB)
		}
	}
	log.Info("capture stats", attrs...)
	r.publish(eventfeed.TypeStats, data)
}

func copyRGBA(src *image.RGBA) *image.RGBA {
	if src == nil {
		return nil
	}
	return &image.RGBA{Pix: slices.Clone(src.Pix), Stride: src.Stride, Rect: src.Rect}
}
