package capture

import (
	"errors"
	"log/slog"

	"github.com/breeze-rmm/capturemgr/internal/gpu"
)

// Class is the outcome category of a worker exit.
type Class int

const (
	// ClassClean is a normal exit after termination was requested.
	ClassClean Class = iota
	// ClassExpected is a recoverable source failure (DRM, screensaver,
	// desktop switch, fullscreen transition). The owner may restart the
	// source or substitute a blank frame.
	ClassExpected
	// ClassUnexpected is session-fatal: device loss, capture API limits, or
	// anything unrecognized.
	ClassUnexpected
	// ClassSilent stops the source without notifying anyone; recording goes
	// on with the other sources.
	ClassSilent
)

func (c Class) String() string {
	switch c {
	case ClassClean:
		return "clean"
	case ClassExpected:
		return "expected"
	case ClassUnexpected:
		return "unexpected"
	case ClassSilent:
		return "silent"
	default:
		return "unknown"
	}
}

// Classify maps a worker's terminal error to its class.
func Classify(err error) Class {
	if err == nil {
		return ClassClean
	}
	var code gpu.Code
	if !errors.As(err, &code) {
		return ClassUnexpected
	}
	switch code {
	case gpu.ErrDeviceRemoved, gpu.ErrDeviceReset, gpu.ErrNotCurrentlyAvailable:
		return ClassUnexpected
	case gpu.ErrAccessDenied, gpu.ErrModeChangeInProgress, gpu.ErrSessionDisconnected, gpu.ErrAccessLost:
		return ClassExpected
	case gpu.ErrAbort:
		return ClassSilent
	default:
		return ClassUnexpected
	}
}

// Notify classifies err, logs it and fires the matching signal. It returns
// the class so callers can update their own bookkeeping.
func Notify(logger *slog.Logger, err error, unexpected, expected *Signal) Class {
	class := Classify(err)
	switch class {
	case ClassUnexpected:
		var code gpu.Code
		switch {
		case errors.As(err, &code) && (code == gpu.ErrDeviceRemoved || code == gpu.ErrDeviceReset):
			logger.Error("display device unavailable", "error", err)
		case errors.As(err, &code) && code == gpu.ErrNotCurrentlyAvailable:
			logger.Error("capture api concurrency limit reached, no more capture interfaces can be created until other applications close", "error", err)
		default:
			logger.Error("capture failed with unexpected error, aborting", "error", err)
		}
		unexpected.Fire(err)
	case ClassExpected:
		logger.Warn("source temporarily unavailable", "error", err)
		expected.Fire(err)
	case ClassSilent:
		logger.Info("source capture stopped, recording continues", "error", err)
	}
	return class
}
