// Package snapshot periodically stores composed frames as PNG images through
// a storage provider and enforces a per-session retention limit.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"path"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/capturemgr/internal/logging"
	"github.com/breeze-rmm/capturemgr/internal/snapshot/providers"
)

var log = logging.L("snapshot")

const (
	contentType     = "image/png"
	keyTimeFormat   = "20060102T150405.000Z"
	pruneParallel   = 4
	storeTimeout    = 30 * time.Second
	defaultRetain   = 0
	defaultInterval = 10 * time.Second
)

// Config controls snapshot cadence and naming.
type Config struct {
	Interval  time.Duration
	Prefix    string
	SessionID string
	// Retention keeps at most this many snapshots per session; 0 keeps all.
	Retention int
}

// StoredFunc is called after every store attempt.
type StoredFunc func(key string, err error)

// Snapshotter accepts frames from the capture loop without blocking it and
// stores them in the background.
type Snapshotter struct {
	provider providers.Provider
	cfg      Config
	onStored StoredFunc

	mu        sync.Mutex
	running   bool
	lastOffer time.Time
	frames    chan *image.RGBA
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a snapshotter writing through provider.
func New(provider providers.Provider, cfg Config, onStored StoredFunc) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Retention < 0 {
		cfg.Retention = defaultRetain
	}
	return &Snapshotter{
		provider: provider,
		cfg:      cfg,
		onStored: onStored,
		frames:   make(chan *image.RGBA, 1),
	}
}

// Due reports whether the interval since the last accepted frame elapsed.
func (s *Snapshotter) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOffer.IsZero() || now.Sub(s.lastOffer) >= s.cfg.Interval
}

// Offer queues img if a snapshot is due and the previous one was picked up.
// img must not be modified by the caller afterwards.
func (s *Snapshotter) Offer(now time.Time, img *image.RGBA) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	if !s.lastOffer.IsZero() && now.Sub(s.lastOffer) < s.cfg.Interval {
		return false
	}
	select {
	case s.frames <- img:
		s.lastOffer = now
		return true
	default:
		return false
	}
}

// Start runs the background store loop.
func (s *Snapshotter) Start() error {
	if s.provider == nil {
		return errors.New("snapshot provider is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("snapshotter already started")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	log.Info("snapshots enabled",
		"provider", s.provider.Name(),
		"interval", s.cfg.Interval.String(),
		"retention", s.cfg.Retention,
	)
	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop stops the loop after the in-flight store finishes.
func (s *Snapshotter) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.running = false
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (s *Snapshotter) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case img := <-s.frames:
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			key, err := s.Store(ctx, img, time.Now())
			if err == nil && s.cfg.Retention > 0 {
				if perr := s.Prune(ctx); perr != nil {
					log.Warn("failed to enforce snapshot retention", "error", perr)
				}
			}
			cancel()
			if err != nil {
				log.Warn("snapshot store failed", "key", key, "error", err)
			} else {
				log.Debug("snapshot stored", "key", key)
			}
			if s.onStored != nil {
				s.onStored(key, err)
			}
		}
	}
}

func (s *Snapshotter) sessionPrefix() string {
	return path.Join(s.cfg.Prefix, s.cfg.SessionID)
}

// Key returns the object key for a snapshot taken at t.
func (s *Snapshotter) Key(t time.Time) string {
	return path.Join(s.sessionPrefix(), t.UTC().Format(keyTimeFormat)+".png")
}

// Store encodes img as PNG and writes it under the session prefix.
func (s *Snapshotter) Store(ctx context.Context, img image.Image, at time.Time) (string, error) {
	key := s.Key(at)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return key, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.provider.Put(ctx, key, &buf, int64(buf.Len()), contentType); err != nil {
		return key, err
	}
	return key, nil
}

// Prune deletes the oldest snapshots of the session beyond the retention
// limit.
func (s *Snapshotter) Prune(ctx context.Context) error {
	if s.cfg.Retention <= 0 {
		return nil
	}
	keys, err := s.provider.List(ctx, s.sessionPrefix()+"/")
	if err != nil {
		return err
	}
	if len(keys) <= s.cfg.Retention {
		return nil
	}
	sort.Strings(keys)
	stale := keys[:len(keys)-s.cfg.Retention]

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pruneParallel)
	for _, key := range stale {
		g.Go(func() error {
			if err := s.provider.Delete(gctx, key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}
