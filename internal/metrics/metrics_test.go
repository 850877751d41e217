package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"workerscheduler/internal/domain"
	"workerscheduler/internal/runner"
	"workerscheduler/internal/worker"
)

type stubLauncher struct{}

func (stubLauncher) Launch(string, domain.TaskRef, runner.Handler) (runner.Process, error) {
	return nil, nil
}

type source []*worker.Worker

func (s source) Workers() []*worker.Worker { return s }

func newWorker(t *testing.T, name string) *worker.Worker {
	t.Helper()
	w, err := worker.New(name, domain.TaskRef{Name: "noop"}, time.Minute,
		worker.WithLauncher(stubLauncher{}), worker.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	return w
}

func TestEventCounters(t *testing.T) {
	t.Parallel()
	m := New(source{})

	m.HandleEvent(domain.Event{Worker: "a", Kind: domain.EventLaunch})
	m.HandleEvent(domain.Event{Worker: "a", Kind: domain.EventLaunch})
	m.HandleEvent(domain.Event{Worker: "a", Kind: domain.EventFinish})
	m.HandleEvent(domain.Event{Worker: "a", Kind: domain.EventFail, Reason: domain.ReasonTimeout})
	m.HandleEvent(domain.Event{Worker: "a", Kind: domain.EventFail, Reason: "imanerror"})
	m.HandleEvent(domain.Event{Worker: "a", Kind: domain.EventFail, Reason: "something else"})

	if got := testutil.ToFloat64(m.launches.WithLabelValues("a")); got != 2 {
		t.Fatalf("launches = %v", got)
	}
	if got := testutil.ToFloat64(m.finishes.WithLabelValues("a")); got != 1 {
		t.Fatalf("finishes = %v", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("a", domain.ReasonTimeout)); got != 1 {
		t.Fatalf("timeouts = %v", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("a", reasonError)); got != 2 {
		t.Fatalf("errors = %v", got)
	}
	if n := testutil.CollectAndCount(m.failures); n != 2 {
		t.Fatalf("failure series = %d, want 2", n)
	}
}

func TestObserveTick(t *testing.T) {
	t.Parallel()
	m := New(source{})
	m.ObserveTick(3, 2*time.Millisecond)
	m.ObserveTick(0, time.Millisecond)
	if got := testutil.ToFloat64(m.launched); got != 3 {
		t.Fatalf("tick launches = %v", got)
	}
	if n := testutil.CollectAndCount(m.ticks); n != 1 {
		t.Fatalf("histogram series = %d", n)
	}
}

func TestWorkerCollector(t *testing.T) {
	t.Parallel()
	a := newWorker(t, "a")
	b := newWorker(t, "b")
	b.Deactivate()
	c := newWorkerCollector(source{a, b, newWorker(t, "a")})

	// one status series per known status plus one active series, per unique name
	want := 2 * (len(domain.Statuses) + 1)
	if n := testutil.CollectAndCount(c); n != want {
		t.Fatalf("series = %d, want %d", n, want)
	}

	expected := `
# HELP workerscheduler_worker_active Whether the worker is scheduled to run again.
# TYPE workerscheduler_worker_active gauge
workerscheduler_worker_active{worker="a"} 1
workerscheduler_worker_active{worker="b"} 0
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "workerscheduler_worker_active"); err != nil {
		t.Fatal(err)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()
	m := New(source{newWorker(t, "web")})
	m.HandleEvent(domain.Event{Worker: "web", Kind: domain.EventLaunch})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`workerscheduler_launches_total{worker="web"} 1`,
		`workerscheduler_worker_status{status="QUEUED",worker="web"} 1`,
		`workerscheduler_worker_status{status="RUNNING",worker="web"} 0`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in scrape", want)
		}
	}
}
