package health

import (
	"sync"
	"testing"
)

func TestNewMonitorOverallReturnsUnknown(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Unknown {
		t.Fatalf("Overall() on empty monitor = %q, want %q", got, Unknown)
	}
}

func TestOverallReturnsWorstStatus(t *testing.T) {
	m := NewMonitor()
	m.Update("source-0", Healthy, "")
	m.Update("source-1", Degraded, "access lost")
	m.Update("source-2", Healthy, "")

	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want %q", got, Degraded)
	}
}

func TestOverallUnhealthyWorseThanDegraded(t *testing.T) {
	m := NewMonitor()
	m.Update("source-0", Degraded, "")
	m.Update("source-1", Unhealthy, "device removed")

	if got := m.Overall(); got != Unhealthy {
		t.Fatalf("Overall() = %q, want %q", got, Unhealthy)
	}
}

func TestUpdateCoercesInvalidStatus(t *testing.T) {
	m := NewMonitor()
	m.Update("source-0", Status("garbage"), "bad value")

	c, ok := m.Get("source-0")
	if !ok {
		t.Fatal("component not found after Update")
	}
	if c.Status != Unknown {
		t.Fatalf("Status = %q, want %q", c.Status, Unknown)
	}
}

func TestListenerFiresOnTransitionOnly(t *testing.T) {
	m := NewMonitor()
	var calls []Status
	m.OnChange(func(c Check) { calls = append(calls, c.Status) })

	m.Update("source-0", Healthy, "")
	m.Update("source-0", Healthy, "")
	m.Update("source-0", Degraded, "mode change")

	if len(calls) != 2 {
		t.Fatalf("listener calls = %v, want 2 transitions", calls)
	}
	if calls[1] != Degraded {
		t.Fatalf("second transition = %q, want %q", calls[1], Degraded)
	}
}

func TestResetClearsChecks(t *testing.T) {
	m := NewMonitor()
	m.Update("source-0", Unhealthy, "")
	m.Reset()
	if got := len(m.All()); got != 0 {
		t.Fatalf("len(All()) after Reset = %d, want 0", got)
	}
}

func TestSummaryListsComponents(t *testing.T) {
	m := NewMonitor()
	m.Update("source-0", Healthy, "")
	m.Update("source-1", Degraded, "")

	s := m.Summary()
	if s.Status != Degraded {
		t.Fatalf("Summary status = %q, want degraded", s.Status)
	}
	if s.Components["source-1"] != Degraded {
		t.Fatalf("source-1 = %q, want degraded", s.Components["source-1"])
	}
	if len(s.Unhealthy) != 1 || s.Unhealthy[0] != "source-1" {
		t.Fatalf("Unhealthy = %v, want [source-1]", s.Unhealthy)
	}
}

func TestTransitionsAndSince(t *testing.T) {
	m := NewMonitor()
	m.Update("source-0", Healthy, "capturing")
	first, _ := m.Get("source-0")
	if first.Transitions != 0 {
		t.Fatalf("Transitions after first report = %d, want 0", first.Transitions)
	}

	m.Update("source-0", Healthy, "still capturing")
	same, _ := m.Get("source-0")
	if !same.Since.Equal(first.Since) || same.Message != "still capturing" {
		t.Fatalf("repeat report moved Since or lost message: %+v", same)
	}

	m.Update("source-0", Unhealthy, "device removed")
	m.Update("source-0", Healthy, "capturing")
	last, _ := m.Get("source-0")
	if last.Transitions != 2 {
		t.Fatalf("Transitions = %d, want 2", last.Transitions)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Update("source", Healthy, "")
				_ = m.Overall()
			}
		}(i)
	}
	wg.Wait()
	if got := m.Overall(); got != Healthy {
		t.Fatalf("Overall() = %q, want %q", got, Healthy)
	}
}
