package pool

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	loggingpkg "github.com/drblury/msgflow/internal/engine/logging"
)

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.DiscardHandler))
}

func TestPoolRunsAllSubmittedWork(t *testing.T) {
	p := New(4, testLogger())

	var counter atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10000; i++ {
		wg.Add(1)
		if !p.Submit(func() {
			defer wg.Done()
			counter.Add(1)
		}) {
			t.Fatalf("submit %d rejected on a live pool", i)
		}
	}
	wg.Wait()
	p.Shutdown()

	if got := counter.Load(); got != 10000 {
		t.Fatalf("expected 10000 executions, got %d", got)
	}
	if pending := p.Pending(); pending != 0 {
		t.Fatalf("expected empty queue after shutdown, got %d", pending)
	}
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	p := New(2, testLogger())
	p.Shutdown()

	if p.Submit(func() {}) {
		t.Fatal("expected submit to report false after shutdown")
	}
	if !p.IsShutdown() {
		t.Fatal("expected pool to report shut down")
	}
}

func TestPoolShutdownIsIdempotent(t *testing.T) {
	p := New(2, testLogger())

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		p.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("double shutdown deadlocked")
	}
}

func TestPoolRejectsNilWork(t *testing.T) {
	p := New(1, testLogger())
	defer p.Shutdown()

	if p.Submit(nil) {
		t.Fatal("expected nil work to be rejected")
	}
}

func TestPoolSurvivesPanickingWork(t *testing.T) {
	p := New(1, testLogger())
	defer p.Shutdown()

	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(2)

	p.Submit(func() {
		defer wg.Done()
		panic("worker must survive this")
	})
	p.Submit(func() {
		defer wg.Done()
		ran.Store(true)
	})

	wg.Wait()
	if !ran.Load() {
		t.Fatal("worker did not run follow-up work after a panic")
	}
}

func TestPoolMinimumSize(t *testing.T) {
	p := New(0, testLogger())
	defer p.Shutdown()

	if got := p.Size(); got != 1 {
		t.Fatalf("expected pool size clamped to 1, got %d", got)
	}
}
