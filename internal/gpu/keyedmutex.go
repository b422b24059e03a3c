package gpu

import (
	"sync"
	"time"
)

// Keys used on the shared composite surface. Writers acquire KeyWriter and
// release KeyReader; the reader acquires KeyReader and releases KeyWriter.
const (
	KeyWriter uint64 = 0
	KeyReader uint64 = 1
)

// Infinite makes AcquireSync wait without a deadline.
const Infinite time.Duration = -1

// KeyedMutex is a mutex that can only be acquired with the key it was last
// released with. A new mutex starts released with key 0.
type KeyedMutex struct {
	mu        sync.Mutex
	key       uint64
	held      bool
	abandoned bool
	changed   chan struct{}
}

func newKeyedMutex() *KeyedMutex {
	return &KeyedMutex{changed: make(chan struct{})}
}

// AcquireSync blocks until the mutex is free and was released with key, or
// until timeout elapses (ErrWaitTimeout). A zero timeout polls once.
func (m *KeyedMutex) AcquireSync(key uint64, timeout time.Duration) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	var deadline <-chan time.Time

	for {
		m.mu.Lock()
		if m.abandoned {
			m.mu.Unlock()
			return ErrAbandoned
		}
		if !m.held && m.key == key {
			m.held = true
			m.mu.Unlock()
			return nil
		}
		changed := m.changed
		m.mu.Unlock()

		if timeout == 0 {
			return ErrWaitTimeout
		}
		if timer == nil && timeout > 0 {
			timer = time.NewTimer(timeout)
			deadline = timer.C
		}
		select {
		case <-changed:
		case <-deadline:
			return ErrWaitTimeout
		}
	}
}

// ReleaseSync releases the mutex and sets the key the next owner must use.
func (m *KeyedMutex) ReleaseSync(key uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return ErrInvalidCall
	}
	m.held = false
	m.key = key
	m.broadcast()
	return nil
}

func (m *KeyedMutex) abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned = true
	m.broadcast()
}

func (m *KeyedMutex) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}
