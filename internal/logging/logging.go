// Package logging wires log/slog for breeze-capture. Package-level loggers
// are created at init time with L and follow whatever handler Init installs
// later, so capture workers never hold a stale handler.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Structured field names shared across packages.
const (
	KeyComponent  = "component"
	KeySessionID  = "sessionId"
	KeySource     = "source"
	KeySourceKind = "kind"
	KeyLocator    = "locator"
)

type contextKey struct{}

// root is the currently installed handler plus a generation counter that
// derived handlers compare against to know when to rebuild.
type root struct {
	mu      sync.Mutex
	handler slog.Handler
	gen     uint64
	level   slog.LevelVar
}

func (r *root) install(h slog.Handler) {
	r.mu.Lock()
	r.handler = h
	r.gen++
	r.mu.Unlock()
}

func (r *root) current() (slog.Handler, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler, r.gen
}

// step replays one WithAttrs or WithGroup call onto a fresh base handler.
type step struct {
	group string
	attrs []slog.Attr
}

// deferred is the handler behind every logger this package hands out. It
// records the With/WithGroup chain and rebuilds it on top of root's handler
// whenever Init swaps that handler.
type deferred struct {
	root  *root
	steps []step

	mu    sync.Mutex
	built slog.Handler
	gen   uint64
}

func (d *deferred) resolve() slog.Handler {
	base, gen := d.root.current()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.built != nil && d.gen == gen {
		return d.built
	}
	h := base
	for _, s := range d.steps {
		if s.group != "" {
			h = h.WithGroup(s.group)
		} else {
			h = h.WithAttrs(s.attrs)
		}
	}
	d.built, d.gen = h, gen
	return h
}

func (d *deferred) Enabled(_ context.Context, level slog.Level) bool {
	return level >= d.root.level.Level()
}

func (d *deferred) Handle(ctx context.Context, rec slog.Record) error {
	return d.resolve().Handle(ctx, rec)
}

func (d *deferred) with(s step) *deferred {
	steps := make([]step, len(d.steps), len(d.steps)+1)
	copy(steps, d.steps)
	return &deferred{root: d.root, steps: append(steps, s)}
}

func (d *deferred) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return d
	}
	return d.with(step{attrs: attrs})
}

func (d *deferred) WithGroup(name string) slog.Handler {
	if name == "" {
		return d
	}
	return d.with(step{group: name})
}

var (
	std           = newRoot()
	defaultLogger = slog.New(&deferred{root: std})
)

func newRoot() *root {
	r := &root{}
	r.install(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &r.level}))
	return r
}

func init() {
	slog.SetDefault(defaultLogger)
}

// Init installs the process handler. format is "json" or "text", level one
// of debug, info, warn, error. A nil output logs to stderr.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	std.level.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{Level: &std.level}
	if strings.EqualFold(format, "json") {
		std.install(slog.NewJSONHandler(output, opts))
	} else {
		std.install(slog.NewTextHandler(output, opts))
	}
}

// SetLevel changes the minimum level without replacing the handler.
func SetLevel(level string) {
	std.level.Set(ParseLevel(level))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(KeyComponent, component)
}

// WithSource returns a child logger carrying capture source fields.
func WithSource(logger *slog.Logger, index int, kind, locator string) *slog.Logger {
	return logger.With(
		slog.Int(KeySource, index),
		slog.String(KeySourceKind, kind),
		slog.String(KeyLocator, locator),
	)
}

// WithSession returns a child logger carrying the capture session id.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(KeySessionID, sessionID)
}

func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored by NewContext or the default one.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// ParseLevel maps a config level name to a slog level. Unknown names are
// info.
func ParseLevel(s string) slog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
