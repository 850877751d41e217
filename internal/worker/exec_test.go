package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"workerscheduler/internal/domain"
	"workerscheduler/internal/handlers/shell"
	"workerscheduler/internal/runner"
	"workerscheduler/internal/tasks"
)

func TestMain(m *testing.M) {
	runner.Main(tasks.NewRegistry().
		Register("normal", func(context.Context, tasks.LogFunc, json.RawMessage) (any, error) {
			return true, nil
		}).
		Register("error", func(context.Context, tasks.LogFunc, json.RawMessage) (any, error) {
			return nil, errors.New("imanerror")
		}).
		Register("premature", func(context.Context, tasks.LogFunc, json.RawMessage) (any, error) {
			os.Exit(1)
			return nil, nil
		}).
		Register("toolong", func(context.Context, tasks.LogFunc, json.RawMessage) (any, error) {
			time.Sleep(time.Minute)
			return true, nil
		}).
		Register("shell", shell.Run))
	os.Exit(m.Run())
}

// runWorker creates a worker backed by a real subprocess and ticks it until
// it emits a finish or fail event.
func runWorker(t *testing.T, task string, runTimeout time.Duration) (*Worker, domain.Event) {
	t.Helper()
	return runTask(t, domain.TaskRef{Name: task}, runTimeout)
}

func runTask(t *testing.T, task domain.TaskRef, runTimeout time.Duration) (*Worker, domain.Event) {
	t.Helper()
	l := &runner.ExecLauncher{Path: os.Args[0], Args: []string{"-test.run=^$"}}
	w, err := New("exec_"+task.Name, task, 100*time.Millisecond,
		WithLauncher(l),
		WithLogger(zerolog.Nop()),
		WithAbort(func(name string) { t.Errorf("abort requested for %s", name) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := make(chan domain.Event, 8)
	w.Subscribe(ListenerFunc(func(ev domain.Event) {
		if ev.Kind == domain.EventLaunch {
			w.Deactivate()
		}
		events <- ev
	}))

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case now := <-ticker.C:
			w.Tick(now, runTimeout)
		case ev := <-events:
			if ev.Kind != domain.EventLaunch {
				return w, ev
			}
		case <-deadline:
			t.Fatalf("worker %s produced no result; status %s", task.Name, w.Status())
		}
	}
}

func TestExecNormalWorker(t *testing.T) {
	t.Parallel()
	w, ev := runWorker(t, "normal", 3*time.Second)
	if ev.Kind != domain.EventFinish || string(ev.Value) != "true" {
		t.Fatalf("event = %s %s %s", ev.Kind, ev.Value, ev.Reason)
	}
	if w.Status().String() != "FINISHED" {
		t.Fatalf("status = %s", w.Status())
	}
}

func TestExecErrorWorker(t *testing.T) {
	t.Parallel()
	w, ev := runWorker(t, "error", 3*time.Second)
	if ev.Kind != domain.EventFail || !strings.Contains(ev.Reason, "imanerror") {
		t.Fatalf("event = %s %q", ev.Kind, ev.Reason)
	}
	if w.Status().String() != "ERRORED" {
		t.Fatalf("status = %s", w.Status())
	}
}

func TestExecPrematureWorker(t *testing.T) {
	t.Parallel()
	w, ev := runWorker(t, "premature", 3*time.Second)
	if ev.Kind != domain.EventFail || ev.Reason != domain.ReasonTermUnexpected {
		t.Fatalf("event = %s %q", ev.Kind, ev.Reason)
	}
	if w.Status().String() != "INACTIVE" {
		t.Fatalf("status = %s", w.Status())
	}
}

func TestExecTooLongWorker(t *testing.T) {
	t.Parallel()
	w, ev := runWorker(t, "toolong", 300*time.Millisecond)
	if ev.Kind != domain.EventFail || ev.Reason != domain.ReasonTimeout {
		t.Fatalf("event = %s %q", ev.Kind, ev.Reason)
	}
	if w.Status() != domain.StatusInactive || w.Active() {
		t.Fatalf("status = %s active = %v", w.Status(), w.Active())
	}
}

func TestExecShellTimeoutKillsCommand(t *testing.T) {
	t.Parallel()
	task := domain.TaskRef{Name: "shell", Args: json.RawMessage(`{"command":"sleep","args":["40"]}`)}
	start := time.Now()
	w, ev := runTask(t, task, 300*time.Millisecond)
	if ev.Kind != domain.EventFail || ev.Reason != domain.ReasonTimeout {
		t.Fatalf("event = %s %q", ev.Kind, ev.Reason)
	}
	if took := time.Since(start); took >= KillGrace {
		t.Fatalf("timeout settled after %v", took)
	}
	if w.Status() != domain.StatusInactive || w.Active() {
		t.Fatalf("status = %s active = %v", w.Status(), w.Active())
	}
}
