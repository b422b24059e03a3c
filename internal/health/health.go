// Package health tracks the condition of each capture source. Workers
// report after start and on exit; the runner forwards transitions to the
// event feed.
package health

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/breeze-rmm/capturemgr/internal/logging"
)

var log = logging.L("health")

// Status is ordered: a larger value is worse.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

var severity = map[Status]int{
	Healthy:   0,
	Degraded:  1,
	Unhealthy: 2,
	Unknown:   3,
}

func (s Status) IsValid() bool {
	_, ok := severity[s]
	return ok
}

// Check is the latest report for one component. Since is when Status last
// changed; UpdatedAt is the last report of any kind.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Since       time.Time `json:"since"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Transitions int       `json:"transitions"`
}

// Listener is called after every status transition, outside the monitor's
// lock.
type Listener func(Check)

// Monitor holds one Check per component name.
type Monitor struct {
	mu        sync.RWMutex
	checks    map[string]Check
	listeners []Listener
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// OnChange registers fn for status transitions.
func (m *Monitor) OnChange(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Update records a report for name. Unrecognised statuses become Unknown.
// Listeners only hear about the first report and real transitions.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		status = Unknown
	}
	now := time.Now()

	m.mu.Lock()
	prev, seen := m.checks[name]
	changed := !seen || prev.Status != status
	c := Check{
		Name:        name,
		Status:      status,
		Message:     message,
		Since:       prev.Since,
		UpdatedAt:   now,
		Transitions: prev.Transitions,
	}
	if changed {
		c.Since = now
		if seen {
			c.Transitions++
		}
	}
	m.checks[name] = c
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	if !changed {
		return
	}
	if status != Healthy {
		log.Warn("source health changed", "name", name, "status", string(status), "message", message)
	}
	for _, fn := range listeners {
		fn(c)
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Reset forgets every component; called when a capture session starts.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.checks)
}

// Overall is the worst status reported, or Unknown with no reports.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return overall(m.checks)
}

func overall(checks map[string]Check) Status {
	if len(checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range checks {
		if severity[c.Status] > severity[worst] {
			worst = c.Status
		}
	}
	return worst
}

// All returns every check ordered by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Check, 0, len(m.checks))
	for _, name := range slices.Sorted(maps.Keys(m.checks)) {
		out = append(out, m.checks[name])
	}
	return out
}

// Report is the monitor state as published on /status.
type Report struct {
	Status     Status            `json:"status"`
	Components map[string]Status `json:"components"`
	Unhealthy  []string          `json:"unhealthy,omitempty"`
}

// Summary takes one consistent Report of every component.
func (m *Monitor) Summary() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := Report{
		Status:     overall(m.checks),
		Components: make(map[string]Status, len(m.checks)),
	}
	for name, c := range m.checks {
		r.Components[name] = c.Status
		if c.Status != Healthy {
			r.Unhealthy = append(r.Unhealthy, name)
		}
	}
	slices.Sort(r.Unhealthy)
	return r
}
