package main

import (
	"bytes"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"

	"workerscheduler/internal/config"
	"workerscheduler/internal/domain"
	"workerscheduler/internal/scheduler"
	"workerscheduler/internal/worker"
)

// Registry is the subset of scheduler.Service that reconciliation needs.
type Registry interface {
	AddWorker(w *worker.Worker) *worker.Worker
	WorkerByName(name string) (*worker.Worker, bool)
}

var _ Registry = (*scheduler.Service)(nil)

// app keeps the running workers in line with the latest config.
type app struct {
	mu        sync.Mutex
	reg       Registry
	listeners []worker.Listener
	opts      []worker.Option
	current   *config.Config
}

func newApp(reg Registry, listeners ...worker.Listener) *app {
	return &app{reg: reg, listeners: listeners}
}

// apply reconciles the registry with cfg. New entries are added, toggled
// entries are activated or deactivated, and entries that disappeared are
// deactivated. Workers are never removed; a changed task or interval
// needs a restart.
func (a *app) apply(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, wc := range cfg.Workers {
		w, ok := a.reg.WorkerByName(wc.Name)
		if !ok {
			a.add(wc)
			continue
		}
		var prev config.Worker
		had := false
		if a.current != nil {
			prev, had = a.current.Worker(wc.Name)
		}
		if had && changed(prev, wc) {
			log.Warn().Str("worker", wc.Name).Msg("task or interval changed; restart to apply")
		}
		switch {
		case wc.Enabled && !(had && prev.Enabled):
			w.Activate()
			log.Info().Str("worker", wc.Name).Msg("worker enabled by config")
		case !wc.Enabled && had && prev.Enabled:
			w.Deactivate()
			log.Info().Str("worker", wc.Name).Msg("worker disabled by config")
		}
	}

	if a.current != nil {
		for _, old := range a.current.Workers {
			if _, still := cfg.Worker(old.Name); still || !old.Enabled {
				continue
			}
			if w, ok := a.reg.WorkerByName(old.Name); ok {
				w.Deactivate()
				log.Info().Str("worker", old.Name).Msg("worker removed from config; deactivated")
			}
		}
	}
	a.current = cfg
}

func (a *app) add(wc config.Worker) {
	w, err := worker.New(wc.Name, wc.Task, wc.Interval, a.opts...)
	if err != nil {
		log.Error().Err(err).Str("worker", wc.Name).Msg("cannot create worker")
		return
	}
	for _, l := range a.listeners {
		w.Subscribe(l)
	}
	if !wc.Enabled {
		w.Deactivate()
	}
	a.reg.AddWorker(w)
}

func changed(a, b config.Worker) bool {
	return a.Task.Name != b.Task.Name || a.Interval != b.Interval || !bytes.Equal(a.Task.Args, b.Task.Args)
}

// eventLogger writes one line per worker event.
type eventLogger struct{}

func (eventLogger) HandleEvent(ev domain.Event) {
	switch ev.Kind {
	case domain.EventLaunch:
		log.Debug().Str("worker", ev.Worker).Str("task", ev.Task).Msg("run started")
	case domain.EventFinish:
		log.Info().Str("worker", ev.Worker).Str("task", ev.Task).RawJSON("result", rawOrNull(ev.Value)).
			Dur("took", ev.EndedAt.Sub(ev.StartedAt)).Msg("run finished")
	case domain.EventFail:
		log.Warn().Str("worker", ev.Worker).Str("task", ev.Task).Str("reason", ev.Reason).
			Str("status", ev.Status.String()).Msg("run failed")
	}
}

func rawOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

// notify sends state to systemd when running under a notify-type unit.
func notify(state string) {
	if ok, err := daemon.SdNotify(false, state); err != nil {
		log.Warn().Err(err).Str("state", state).Msg("sd_notify failed")
	} else if ok {
		log.Debug().Str("state", state).Msg("sd_notify sent")
	}
}

// systemdWatchdog returns a tick observer that pings the systemd watchdog
// at half its timeout, or nil when the unit has no watchdog.
func systemdWatchdog() scheduler.TickObserver {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	log.Info().Dur("timeout", interval).Msg("systemd watchdog enabled")
	var last time.Time
	return func(int, time.Duration) {
		if now := time.Now(); now.Sub(last) >= interval/2 {
			last = now
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
