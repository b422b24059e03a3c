package capture

import "sync"

// Signal is a one-shot notification shared by every worker of a session.
// The first Fire wins; later fires are ignored. A nil *Signal is valid and
// drops every notification.
type Signal struct {
	name string
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

// NewSignal creates an unfired signal.
func NewSignal(name string) *Signal {
	return &Signal{name: name, done: make(chan struct{})}
}

// Name returns the label given at creation.
func (s *Signal) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Fire sets the signal and records err. It reports whether this call was the
// one that set it.
func (s *Signal) Fire(err error) bool {
	if s == nil {
		return false
	}
	fired := false
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		fired = true
	})
	return fired
}

// Done returns a channel closed when the signal fires. A nil signal never
// fires.
func (s *Signal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Fired reports whether the signal has been set.
func (s *Signal) Fired() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err returns the error recorded by the first Fire.
func (s *Signal) Err() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
