package worker

import (
	"encoding/json"
	"time"

	"workerscheduler/internal/domain"
)

// Listener receives worker events. HandleEvent is called without any worker
// lock held, so it may call back into the worker.
type Listener interface {
	HandleEvent(ev domain.Event)
}

type ListenerFunc func(ev domain.Event)

func (f ListenerFunc) HandleEvent(ev domain.Event) { f(ev) }

// Subscribe registers l and returns a function that removes it. Listeners
// are called in subscription order.
func (w *Worker) Subscribe(l Listener) (unsubscribe func()) {
	w.lmu.Lock()
	id := w.nextLID
	w.nextLID++
	w.listeners = append(w.listeners, subscription{id: id, l: l})
	w.lmu.Unlock()
	return func() {
		w.lmu.Lock()
		defer w.lmu.Unlock()
		for i, s := range w.listeners {
			if s.id == id {
				w.listeners = append(w.listeners[:i:i], w.listeners[i+1:]...)
				return
			}
		}
	}
}

type subscription struct {
	id int
	l  Listener
}

func (w *Worker) notify(evs []domain.Event) {
	if len(evs) == 0 {
		return
	}
	w.lmu.Lock()
	subs := append([]subscription(nil), w.listeners...)
	w.lmu.Unlock()

	for _, ev := range evs {
		for _, s := range subs {
			s.l.HandleEvent(ev)
		}
	}
}

// Snapshot is a point-in-time view of a worker.
type Snapshot struct {
	Name       string          `json:"name"`
	Task       string          `json:"task"`
	Interval   time.Duration   `json:"interval"`
	Status     domain.Status   `json:"status"`
	Active     bool            `json:"active"`
	NextRun    time.Time       `json:"next_run"`
	LastStart  time.Time       `json:"last_start"`
	LastEnd    time.Time       `json:"last_end"`
	LastResult json.RawMessage `json:"last_result,omitempty"`
	Byline     string          `json:"byline,omitempty"`
	PID        int             `json:"pid,omitempty"`
}

func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{
		Name:       w.name,
		Task:       w.task.Name,
		Interval:   w.interval,
		Status:     w.status,
		Active:     w.active,
		LastStart:  w.lastStart,
		LastEnd:    w.lastEnd,
		LastResult: append(json.RawMessage(nil), w.lastResult...),
		Byline:     w.byline,
	}
	if w.status == domain.StatusQueued {
		s.NextRun = w.nextRun
	}
	if w.proc != nil {
		s.PID = w.proc.Pid()
	}
	return s
}
