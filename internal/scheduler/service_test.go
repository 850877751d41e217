package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"workerscheduler/internal/domain"
	"workerscheduler/internal/runner"
	"workerscheduler/internal/worker"
)

type nopProc struct{}

func (nopProc) Pid() int    { return 1 }
func (nopProc) Kill() error { return nil }

type countingLauncher struct {
	mu sync.Mutex
	n  int
}

func (l *countingLauncher) Launch(string, domain.TaskRef, runner.Handler) (runner.Process, error) {
	l.mu.Lock()
	l.n++
	l.mu.Unlock()
	return nopProc{}, nil
}

func (l *countingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

func newWorker(t *testing.T, name string, l runner.Launcher, now func() time.Time) *worker.Worker {
	t.Helper()
	w, err := worker.New(name, domain.TaskRef{Name: "noop"}, time.Second,
		worker.WithLauncher(l), worker.WithClock(now), worker.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	return w
}

func TestNewServiceDefaults(t *testing.T) {
	t.Parallel()
	s := NewService(Config{})
	if s.Timeout() != DefaultTimeout || s.TickInterval() != DefaultTickInterval {
		t.Fatalf("timeout = %v tick = %v", s.Timeout(), s.TickInterval())
	}
	s = NewService(Config{Timeout: 3 * time.Second, TickInterval: 200 * time.Millisecond})
	if s.Timeout() != 3*time.Second || s.TickInterval() != 200*time.Millisecond {
		t.Fatalf("timeout = %v tick = %v", s.Timeout(), s.TickInterval())
	}
}

func TestWorkerByNameMissing(t *testing.T) {
	t.Parallel()
	s := NewService(Config{}, WithLogger(zerolog.Nop()))
	if _, ok := s.WorkerByName("imnothere"); ok {
		t.Fatal("found worker in empty registry")
	}
	s.AddWorker(newWorker(t, "a", &countingLauncher{}, time.Now))
	if _, ok := s.WorkerByName("imnothere"); ok {
		t.Fatal("found non-matching worker")
	}
}

func TestRegistryOrderAndFirstMatch(t *testing.T) {
	t.Parallel()
	s := NewService(Config{}, WithLogger(zerolog.Nop()))
	l := &countingLauncher{}
	first := newWorker(t, "dup", l, time.Now)
	if got := s.AddWorker(first); got != first {
		t.Fatal("AddWorker did not return its argument")
	}
	s.AddWorker(newWorker(t, "other", l, time.Now))
	s.AddWorker(newWorker(t, "dup", l, time.Now))

	ws := s.Workers()
	if len(ws) != 3 || ws[0] != first || ws[1].Name() != "other" {
		t.Fatalf("unexpected registry order")
	}
	got, ok := s.WorkerByName("dup")
	if !ok || got != first {
		t.Fatal("lookup did not return the first match")
	}
}

func TestTickCountsLaunches(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return base }
	l := &countingLauncher{}

	var observed []int
	s := NewService(Config{Timeout: time.Minute}, WithLogger(zerolog.Nop()))
	s.OnTick(func(n int, _ time.Duration) { observed = append(observed, n) })
	for _, name := range []string{"a", "b", "c"} {
		s.AddWorker(newWorker(t, name, l, clock))
	}
	if n := s.Tick(base); n != 0 {
		t.Fatalf("launched %d before due", n)
	}
	if n := s.Tick(base.Add(2 * time.Second)); n != 3 {
		t.Fatalf("launched %d, want 3", n)
	}
	if n := s.Tick(base.Add(3 * time.Second)); n != 0 {
		t.Fatalf("relaunched %d workers", n)
	}
	if l.count() != 3 {
		t.Fatalf("launcher saw %d launches", l.count())
	}
	if len(observed) != 3 || observed[1] != 3 {
		t.Fatalf("observed = %v", observed)
	}
}

func TestStartAndShutdown(t *testing.T) {
	t.Parallel()
	l := &countingLauncher{}
	s := NewService(Config{TickInterval: 10 * time.Millisecond}, WithLogger(zerolog.Nop()))
	s.AddWorker(newWorker(t, "fast", l, time.Now))

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for l.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never launched")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Shutdown()
	s.Shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestStartStopsOnContext(t *testing.T) {
	t.Parallel()
	s := NewService(Config{TickInterval: 10 * time.Millisecond}, WithLogger(zerolog.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
