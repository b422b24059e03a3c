// Package metrics tracks per-session frame statistics and the resource usage
// of the capture process.
package metrics

import (
	"sync"
	"time"
)

// FrameMetrics tracks real-time frame delivery for a capture session.
type FrameMetrics struct {
	mu sync.RWMutex

	FramesAcquired  uint64
	FramesEmpty     uint64
	AcquireErrors   uint64
	SourceUpdates   uint64
	OverlayUpdates  uint64
	SnapshotsStored uint64
	SnapshotErrors  uint64
	Restarts        uint64

	LastAcquireTime time.Duration
	LastFrameAt     time.Time
	startTime       time.Time
}

// NewFrameMetrics starts a metrics window at the current time.
func NewFrameMetrics() *FrameMetrics {
	return &FrameMetrics{startTime: time.Now()}
}

// RecordFrame counts a delivered frame and the updates it carried.
func (m *FrameMetrics) RecordFrame(d time.Duration, sourceUpdates, overlayUpdates int) {
	m.mu.Lock()
	m.FramesAcquired++
	m.SourceUpdates += uint64(sourceUpdates)
	m.OverlayUpdates += uint64(overlayUpdates)
	m.LastAcquireTime = d
	m.LastFrameAt = time.Now()
	m.mu.Unlock()
}

// RecordEmpty counts an acquire that returned no new frame.
func (m *FrameMetrics) RecordEmpty() {
	m.mu.Lock()
	m.FramesEmpty++
	m.mu.Unlock()
}

func (m *FrameMetrics) RecordError() {
	m.mu.Lock()
	m.AcquireErrors++
	m.mu.Unlock()
}

func (m *FrameMetrics) RecordSnapshot(err error) {
	m.mu.Lock()
	if err != nil {
		m.SnapshotErrors++
	} else {
		m.SnapshotsStored++
	}
	m.mu.Unlock()
}

func (m *FrameMetrics) RecordRestart() {
	m.mu.Lock()
	m.Restarts++
	m.mu.Unlock()
}

// Snapshot is a point-in-time copy of frame metrics for logging and the
// event feed.
type Snapshot struct {
	FramesAcquired  uint64        `json:"framesAcquired" yaml:"framesAcquired"`
	FramesEmpty     uint64        `json:"framesEmpty" yaml:"framesEmpty"`
	AcquireErrors   uint64        `json:"acquireErrors" yaml:"acquireErrors"`
	SourceUpdates   uint64        `json:"sourceUpdates" yaml:"sourceUpdates"`
	OverlayUpdates  uint64        `json:"overlayUpdates" yaml:"overlayUpdates"`
	SnapshotsStored uint64        `json:"snapshotsStored" yaml:"snapshotsStored"`
	SnapshotErrors  uint64        `json:"snapshotErrors" yaml:"snapshotErrors"`
	Restarts        uint64        `json:"restarts" yaml:"restarts"`
	AcquireMs       float64       `json:"acquireMs" yaml:"acquireMs"`
	FPS             float64       `json:"fps" yaml:"fps"`
	Uptime          time.Duration `json:"uptime" yaml:"uptime"`
}

func (m *FrameMetrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	fps := float64(0)
	if uptime.Seconds() > 0 {
		fps = float64(m.FramesAcquired) / uptime.Seconds()
	}

	return Snapshot{
		FramesAcquired:  m.FramesAcquired,
		FramesEmpty:     m.FramesEmpty,
		AcquireErrors:   m.AcquireErrors,
		SourceUpdates:   m.SourceUpdates,
		OverlayUpdates:  m.OverlayUpdates,
		SnapshotsStored: m.SnapshotsStored,
		SnapshotErrors:  m.SnapshotErrors,
		Restarts:        m.Restarts,
		AcquireMs:       float64(m.LastAcquireTime.Microseconds()) / 1000.0,
		FPS:             fps,
		Uptime:          uptime,
	}
}
