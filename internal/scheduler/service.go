package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"workerscheduler/internal/worker"
)

const (
	DefaultTimeout      = 30 * time.Minute
	DefaultTickInterval = time.Second
)

type Config struct {
	// Timeout is the longest a single run may take before it is killed.
	Timeout time.Duration
	// TickInterval is how often every worker is evaluated.
	TickInterval time.Duration
}

// TickObserver is told how many runs a tick launched and how long it took.
type TickObserver func(launched int, took time.Duration)

// Service drives a registry of workers from a fixed-cadence ticker. It owns
// no subprocess state itself.
type Service struct {
	mu      sync.RWMutex
	workers []*worker.Worker

	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger

	observers []TickObserver

	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func NewService(cfg Config, opts ...Option) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	s := &Service{
		timeout:  cfg.Timeout,
		interval: cfg.TickInterval,
		now:      time.Now,
		log:      log.With().Str("component", "scheduler").Logger(),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Timeout() time.Duration      { return s.timeout }
func (s *Service) TickInterval() time.Duration { return s.interval }

// Start ticks every worker until ctx is done or Shutdown is called.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Dur("timeout", s.timeout).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Shutdown stops future ticks. Running subprocesses are not touched; their
// workers still settle when they exit.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() {
		s.log.Info().Msg("shutting down master tick; running workers are left to finish")
		close(s.stop)
	})
}

// AddWorker registers w and returns it.
func (s *Service) AddWorker(w *worker.Worker) *worker.Worker {
	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()
	s.log.Debug().Str("worker", w.Name()).Str("task", w.Task().Name).Dur("interval", w.Interval()).
		Msg("registered new worker")
	return w
}

// Workers returns the registered workers in registration order.
func (s *Service) Workers() []*worker.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*worker.Worker(nil), s.workers...)
}

// OnTick registers fn to be called after every tick.
func (s *Service) OnTick(fn TickObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// WorkerByName returns the first worker registered under name.
func (s *Service) WorkerByName(name string) (*worker.Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		if w.Name() == name {
			return w, true
		}
	}
	return nil, false
}

// Tick evaluates every worker once at now and returns the number of runs
// launched.
func (s *Service) Tick(now time.Time) int {
	start := time.Now()
	launched := 0
	for _, w := range s.Workers() {
		if w.Tick(now, s.timeout) {
			launched++
		}
	}
	took := time.Since(start)
	s.log.Trace().Int("launched", launched).Dur("took", took).Msg("tick finished")

	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(launched, took)
	}
	return launched
}
