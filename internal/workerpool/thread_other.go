//go:build !linux && !windows

package workerpool

// threadID is not exposed on this platform.
func threadID() int { return 0 }
