package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// startSources launches n workers that spin until cancelled, the way
// capture workers poll their backends.
func startSources(t *testing.T, p *Pool, n int) *atomic.Int32 {
	t.Helper()
	var exited atomic.Int32
	for i := 0; i < n; i++ {
		if !p.Go(fmt.Sprintf("source-%d", i), func(ctx context.Context) {
			for ctx.Err() == nil {
				time.Sleep(time.Millisecond)
			}
			exited.Add(1)
		}) {
			t.Fatalf("source-%d rejected", i)
		}
	}
	return &exited
}

func TestStopCancelsEveryWorker(t *testing.T) {
	p := New(context.Background())
	exited := startSources(t, p, 3)
	if n := p.Running(); n != 3 {
		t.Fatalf("Running = %d, want 3", n)
	}

	p.Stop()
	p.Wait()
	if n := exited.Load(); n != 3 {
		t.Fatalf("%d of 3 workers exited", n)
	}
	if n := p.Running(); n != 0 {
		t.Fatalf("Running after Wait = %d", n)
	}
	if p.Go("source-3", func(context.Context) {}) {
		t.Fatal("stopped pool accepted a worker")
	}
}

func TestParentCancelReachesWorkers(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	p := New(parent)
	exited := startSources(t, p, 2)

	cancel()
	p.Wait()
	if exited.Load() != 2 {
		t.Fatal("workers ignored the parent context")
	}
}

func TestStopAcceptingLeavesWorkersRunning(t *testing.T) {
	p := New(context.Background())
	startSources(t, p, 1)

	p.StopAccepting()
	if p.Go("overlay-0", func(context.Context) {}) {
		t.Fatal("Go succeeded after StopAccepting")
	}
	if p.Context().Err() != nil {
		t.Fatal("StopAccepting cancelled running workers")
	}
	p.Stop()
	p.Wait()
}

func TestDrainGivesUpOnStuckWorker(t *testing.T) {
	p := New(context.Background())
	release := make(chan struct{})
	p.Go("stuck", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := p.Drain(ctx); err == nil {
		t.Fatal("Drain returned nil with a worker still blocked")
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Fatalf("Drain took %v", d)
	}
	if p.Context().Err() == nil {
		t.Fatal("Drain should cancel the pool context")
	}

	close(release)
	p.Wait()
}

func TestPanickingWorkerIsReported(t *testing.T) {
	var mu sync.Mutex
	var got []string
	p := New(context.Background(), WithPanicHandler(func(name string, r any) {
		mu.Lock()
		got = append(got, fmt.Sprintf("%s: %v", name, r))
		mu.Unlock()
	}))

	var healthy atomic.Bool
	p.Go("source-0", func(context.Context) { panic("backend crashed") })
	p.Go("source-1", func(context.Context) { healthy.Store(true) })
	p.Wait()

	if !healthy.Load() {
		t.Fatal("panic in one worker stopped another")
	}
	if len(got) != 1 || got[0] != "source-0: backend crashed" {
		t.Fatalf("panic reports = %v", got)
	}
}

func TestLockedThreadWorkerRuns(t *testing.T) {
	p := New(context.Background(), WithLockedThreads())
	ran := make(chan struct{})
	p.Go("source-0", func(context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("pinned worker never ran")
	}
	p.Wait()
}
