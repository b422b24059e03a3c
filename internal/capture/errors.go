package capture

import "errors"

var (
	// ErrNoFrame means no new composite is available yet. It is a retry
	// signal for the consumer, not a failure.
	ErrNoFrame = errors.New("no new frame available")

	ErrNotInitialized = errors.New("capture manager not initialized")
	ErrNotCapturing   = errors.New("capture not started")
	ErrNoSources      = errors.New("no capture sources")
)
