package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"workerscheduler/internal/domain"
	"workerscheduler/internal/jitter"
	"workerscheduler/internal/protocol"
	"workerscheduler/internal/runner"
)

const (
	// ExitGrace is how long a worker may take to exit after reporting a
	// result before it is killed.
	ExitGrace = 5 * time.Second
	// KillGrace is how long a killed worker may take to exit before the
	// supervisor gives up on it.
	KillGrace = 10 * time.Second

	unexpectedByline = "SEVERE ERROR: Process terminated unexpectedly, worker deactivated"
)

var ErrInvalidWorker = errors.New("invalid worker")

// Worker runs one task on a recurring, jittered interval. Each run happens
// in its own subprocess; a Worker owns at most one at a time.
type Worker struct {
	mu sync.Mutex

	name     string
	task     domain.TaskRef
	interval time.Duration

	status     domain.Status
	active     bool
	nextRun    time.Time
	lastStart  time.Time
	lastEnd    time.Time
	lastResult json.RawMessage
	byline     string
	proc       runner.Process

	launcher runner.Launcher
	now      func() time.Time
	abort    func(name string)
	log      zerolog.Logger
	outLimit *rate.Limiter

	lmu       sync.Mutex
	listeners []subscription
	nextLID   int
}

type Option func(*Worker)

func WithLauncher(l runner.Launcher) Option { return func(w *Worker) { w.launcher = l } }

func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

// WithAbort replaces the action taken when a killed subprocess refuses to
// exit. The default logs at fatal level, which exits the supervisor.
func WithAbort(fn func(name string)) Option { return func(w *Worker) { w.abort = fn } }

func WithLogger(l zerolog.Logger) Option { return func(w *Worker) { w.log = l } }

// WithOutputRate limits how many captured output lines per second are
// logged. Bylines are always updated.
func WithOutputRate(perSec int) Option {
	return func(w *Worker) {
		if perSec > 0 {
			w.outLimit = rate.NewLimiter(rate.Limit(perSec), perSec)
		}
	}
}

// New creates a worker and queues its first run.
func New(name string, task domain.TaskRef, interval time.Duration, opts ...Option) (*Worker, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidWorker)
	}
	if task.Name == "" {
		return nil, fmt.Errorf("%w: %s: empty task", ErrInvalidWorker, name)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s: interval must be > 0", ErrInvalidWorker, name)
	}
	w := &Worker{
		name:     name,
		task:     task,
		interval: interval,
		status:   domain.StatusInactive,
		active:   true,
		launcher: &runner.ExecLauncher{},
		now:      time.Now,
		abort:    hardAbort,
		log:      log.With().Str("component", "worker").Logger(),
		outLimit: rate.NewLimiter(20, 20),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With().Str("worker", name).Logger()

	w.mu.Lock()
	w.enqueueLocked()
	w.mu.Unlock()
	return w, nil
}

func hardAbort(name string) {
	log.Fatal().Str("worker", name).Msg("worker did not exit after termination signal; shutting down supervisor")
}

func (w *Worker) Name() string            { return w.name }
func (w *Worker) Task() domain.TaskRef    { return w.task }
func (w *Worker) Interval() time.Duration { return w.interval }

func (w *Worker) Status() domain.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Tick evaluates the worker at now. It launches a due run, or enforces the
// run timeout and exit grace periods. It reports whether a run was launched.
func (w *Worker) Tick(now time.Time, timeout time.Duration) bool {
	w.mu.Lock()
	var evs []domain.Event
	defer func() {
		w.mu.Unlock()
		w.notify(evs)
	}()

	if w.status == domain.StatusQueued && !w.nextRun.After(now) {
		var ok bool
		ok, evs = w.launchLocked()
		return ok
	}

	if w.status == domain.StatusRunning && now.Sub(w.lastStart) > timeout {
		w.log.Warn().Dur("running", now.Sub(w.lastStart)).Msg("timeout; been running with no result, terminating")
		w.terminateLocked()
	}

	if (w.status == domain.StatusFinishedWaiting || w.status == domain.StatusErroredWaiting) &&
		now.Sub(w.lastEnd) > ExitGrace {
		w.log.Warn().Dur("waiting", now.Sub(w.lastEnd)).Msg("timeout; process did not close after reporting, terminating")
		w.terminateLocked()
	}

	if w.status == domain.StatusKilledWaiting && now.Sub(w.lastEnd) > KillGrace {
		w.log.Error().Dur("waiting", now.Sub(w.lastEnd)).Msg("process ignored termination signal")
		w.abort(w.name)
	}
	return false
}

// Activate makes the worker eligible for scheduling again. A worker without
// a live subprocess is queued right away; otherwise it is queued when the
// subprocess exits.
func (w *Worker) Activate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = true
	if !w.status.Live() {
		w.enqueueLocked()
	}
	w.log.Debug().Msg("worker activated")
}

// Deactivate stops future runs. A running subprocess is left alone and
// settles on its own. Every status that owns a subprocess (awaiting handoff,
// running, or any waiting status) is kept until the exit, not only RUNNING.
func (w *Worker) Deactivate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deactivateLocked()
	w.log.Debug().Msg("worker deactivated")
}

func (w *Worker) deactivateLocked() {
	w.active = false
	w.setStatusLocked(domain.TriggerDeactivate)
}

func (w *Worker) setStatusLocked(t domain.Trigger) bool {
	next, err := domain.Transition(w.status, t)
	if err != nil {
		w.log.Warn().Err(err).Msg("ignoring event")
		return false
	}
	if next != w.status {
		w.log.Debug().Stringer("from", w.status).Stringer("to", next).Msg("worker status changed")
	}
	w.status = next
	return true
}

func (w *Worker) enqueueLocked() {
	if !w.active {
		w.log.Debug().Msg("refusing to queue an inactive worker")
		return
	}
	if !w.setStatusLocked(domain.TriggerEnqueue) {
		return
	}
	w.nextRun = jitter.NextRun(w.now(), w.interval)
}

// terminateLocked is only used by the timeout checks in Tick.
func (w *Worker) terminateLocked() {
	w.lastEnd = w.now()
	if w.proc != nil {
		if err := w.proc.Kill(); err != nil {
			w.log.Warn().Err(err).Msg("termination signal failed")
		} else {
			w.log.Debug().Msg("termination signal sent")
		}
	}
	w.setStatusLocked(domain.TriggerKill)
}

func (w *Worker) launchLocked() (bool, []domain.Event) {
	w.log.Trace().Str("task", w.task.Name).Msg("launching subprocess")
	w.setStatusLocked(domain.TriggerLaunch)
	// a run that never reports must not inherit the previous run's times
	w.lastStart, w.lastEnd = time.Time{}, time.Time{}
	proc, err := w.launcher.Launch(w.name, w.task, &handler{w: w})
	if err != nil {
		w.log.Error().Err(err).Msg("launch failed; not queuing it again")
		w.setStatusLocked(domain.TriggerCrash)
		w.active = false
		w.byline = unexpectedByline
		return false, []domain.Event{w.eventLocked(domain.EventFail, domain.ReasonTermUnexpected)}
	}
	w.proc = proc
	return true, nil
}

func (w *Worker) eventLocked(kind domain.EventKind, reason string) domain.Event {
	ev := domain.Event{
		Worker:    w.name,
		Task:      w.task.Name,
		Kind:      kind,
		Reason:    reason,
		Status:    w.status,
		StartedAt: w.lastStart,
		EndedAt:   w.lastEnd,
	}
	if kind == domain.EventFinish {
		ev.Value = w.lastResult
	}
	return ev
}

func (w *Worker) handleMessage(m protocol.Message) {
	w.mu.Lock()
	var evs []domain.Event
	switch m.Kind {
	case protocol.KindStart:
		if w.setStatusLocked(domain.TriggerStart) {
			w.lastStart = m.Time
			if w.lastStart.IsZero() {
				w.lastStart = w.now()
			}
			evs = append(evs, w.eventLocked(domain.EventLaunch, ""))
		}
	case protocol.KindLog:
		w.byline = m.Text()
		w.log.Debug().Str("line", w.byline).Msg("log")
	case protocol.KindFinish:
		if w.setStatusLocked(domain.TriggerFinish) {
			w.lastEnd = m.Time
			if w.lastEnd.IsZero() {
				w.lastEnd = w.now()
			}
			w.lastResult = append(json.RawMessage(nil), m.Payload...)
			w.log.Debug().RawJSON("returned", w.lastResult).Dur("took", w.lastEnd.Sub(w.lastStart)).
				Msg("worker finished; waiting for process to stop")
		}
	case protocol.KindFatal:
		if w.setStatusLocked(domain.TriggerFatal) {
			w.lastEnd = w.now()
			stack := m.Stack()
			headline := protocol.Headline(stack)
			w.byline = headline
			w.lastResult, _ = json.Marshal(headline)
			w.log.Warn().Str("error", headline).Msg("task failed")
			w.log.Debug().Str("trace", stack).Msg("task failure trace")
		}
	}
	w.mu.Unlock()
	w.notify(evs)
}

func (w *Worker) handleOutput(line string) {
	w.mu.Lock()
	w.byline = line
	w.mu.Unlock()
	if w.outLimit == nil || w.outLimit.Allow() {
		w.log.Debug().Str("line", line).Msg("output")
	}
}

func (w *Worker) handleExit(code int) {
	w.mu.Lock()
	var evs []domain.Event
	w.proc = nil
	switch {
	case w.status == domain.StatusKilledWaiting:
		w.log.Debug().Int("code", code).Msg("process terminated")
		w.setStatusLocked(domain.TriggerCrash)
		w.active = false
		evs = append(evs, w.eventLocked(domain.EventFail, domain.ReasonTimeout))

	case code != 0:
		w.log.Error().Int("code", code).Msg("process terminated unexpectedly; not queuing it again")
		w.setStatusLocked(domain.TriggerCrash)
		w.active = false
		w.byline = unexpectedByline
		evs = append(evs, w.eventLocked(domain.EventFail, domain.ReasonTermUnexpected))

	case w.status == domain.StatusFinishedWaiting:
		w.log.Debug().Msg("worker process exited (code 0)")
		w.setStatusLocked(domain.TriggerExit)
		evs = append(evs, w.eventLocked(domain.EventFinish, ""))
		w.enqueueLocked()

	case w.status == domain.StatusErroredWaiting:
		w.log.Debug().Msg("worker process exited (code 0)")
		w.setStatusLocked(domain.TriggerExit)
		var headline string
		_ = json.Unmarshal(w.lastResult, &headline)
		evs = append(evs, w.eventLocked(domain.EventFail, headline))
		w.enqueueLocked()

	default:
		w.log.Warn().Stringer("status", w.status).Msg("process exited without reporting a result; deactivating")
		w.setStatusLocked(domain.TriggerExit)
		w.active = false
		w.byline = unexpectedByline
		evs = append(evs, w.eventLocked(domain.EventFail, domain.ReasonTermUnexpected))
	}
	w.mu.Unlock()
	w.notify(evs)
}

// handler adapts a Worker to runner.Handler.
type handler struct{ w *Worker }

func (h *handler) Message(m protocol.Message) { h.w.handleMessage(m) }
func (h *handler) Output(line string)         { h.w.handleOutput(line) }
func (h *handler) Exit(code int)              { h.w.handleExit(code) }
