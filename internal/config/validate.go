package config

import (
	"fmt"
	"net"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop startup from values that
// were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

func clamp(name string, v *int, lo, hi int, warn *[]error) {
	if *v < lo {
		*warn = append(*warn, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo))
		*v = lo
	} else if *v > hi {
		*warn = append(*warn, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi))
		*v = hi
	}
}

// ValidateTiered checks the config. Descriptors that cannot be built, a bad
// event feed address and an unusable snapshot provider are fatal. Out of
// range timings are clamped and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if len(c.Sources) == 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("at least one source is required"))
	}
	for i, s := range c.Sources {
		if _, err := s.Descriptor(); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("sources[%d]: %w", i, err))
		}
	}
	for i, o := range c.Overlays {
		if _, err := o.Descriptor(); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("overlays[%d]: %w", i, err))
		}
	}

	if c.EventFeedAddr != "" {
		if _, _, err := net.SplitHostPort(c.EventFeedAddr); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("event_feed_addr %q is not host:port: %w", c.EventFeedAddr, err))
		}
	}

	if c.Snapshot.Enabled {
		if err := c.Snapshot.Config.Validate(); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("snapshot: %w", err))
		}
	}

	clamp("acquire_timeout_ms", &c.AcquireTimeoutMs, 0, 10000, &r.Warnings)
	clamp("poll_interval_ms", &c.PollIntervalMs, 1, 1000, &r.Warnings)
	clamp("backend_timeout_ms", &c.BackendTimeoutMs, 1, 10000, &r.Warnings)
	clamp("write_lock_timeout_ms", &c.WriteLockTimeoutMs, 1, 10000, &r.Warnings)
	clamp("restart_backoff_ms", &c.RestartBackoffMs, 0, 60000, &r.Warnings)
	clamp("max_restarts", &c.MaxRestarts, 0, 1000, &r.Warnings)
	clamp("stats_interval_seconds", &c.StatsIntervalSeconds, 1, 3600, &r.Warnings)
	clamp("log_max_size_mb", &c.LogMaxSizeMB, 1, 1024, &r.Warnings)
	clamp("log_max_backups", &c.LogMaxBackups, 0, 100, &r.Warnings)
	if c.Snapshot.Enabled {
		clamp("snapshot.interval_seconds", &c.Snapshot.IntervalSeconds, 1, 86400, &r.Warnings)
		clamp("snapshot.retention", &c.Snapshot.Retention, 0, 100000, &r.Warnings)
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return r
}
