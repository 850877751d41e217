// Package metrics exposes supervisor counters and per-worker state to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"workerscheduler/internal/domain"
	"workerscheduler/internal/worker"
)

const namespace = "workerscheduler"

// reasonError groups task-reported failures so arbitrary error headlines
// don't become label values.
const reasonError = "ERROR"

// WorkerSource lists the workers to report on.
type WorkerSource interface {
	Workers() []*worker.Worker
}

type Metrics struct {
	reg *prometheus.Registry

	launches *prometheus.CounterVec
	finishes *prometheus.CounterVec
	failures *prometheus.CounterVec
	ticks    prometheus.Histogram
	launched prometheus.Counter
}

// New registers supervisor metrics, including Go runtime and process
// collectors, on a fresh registry.
func New(src WorkerSource) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Subprocesses launched, by worker.",
		}, []string{"worker"}),
		finishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finishes_total",
			Help:      "Runs that reported a result, by worker.",
		}, []string{"worker"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed runs, by worker and reason (TIMEOUT, TERM_UNEXPECTED or ERROR).",
		}, []string{"worker", "reason"}),
		ticks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent evaluating all workers in one tick.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
		launched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_launches_total",
			Help:      "Launches counted by the scheduler tick.",
		}),
	}
	m.reg.MustRegister(
		m.launches, m.finishes, m.failures, m.ticks, m.launched,
		newWorkerCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// HandleEvent implements worker.Listener.
func (m *Metrics) HandleEvent(ev domain.Event) {
	switch ev.Kind {
	case domain.EventLaunch:
		m.launches.WithLabelValues(ev.Worker).Inc()
	case domain.EventFinish:
		m.finishes.WithLabelValues(ev.Worker).Inc()
	case domain.EventFail:
		reason := ev.Reason
		if reason != domain.ReasonTimeout && reason != domain.ReasonTermUnexpected {
			reason = reasonError
		}
		m.failures.WithLabelValues(ev.Worker, reason).Inc()
	}
}

// ObserveTick is a scheduler.TickObserver.
func (m *Metrics) ObserveTick(launched int, took time.Duration) {
	m.ticks.Observe(took.Seconds())
	m.launched.Add(float64(launched))
}

type workerCollector struct {
	src    WorkerSource
	status *prometheus.Desc
	active *prometheus.Desc
}

func newWorkerCollector(src WorkerSource) *workerCollector {
	return &workerCollector{
		src: src,
		status: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "worker_status"),
			"1 for the worker's current status, 0 for every other status.",
			[]string{"worker", "status"}, nil),
		active: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "worker_active"),
			"Whether the worker is scheduled to run again.",
			[]string{"worker"}, nil),
	}
}

func (c *workerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.status
	ch <- c.active
}

func (c *workerCollector) Collect(ch chan<- prometheus.Metric) {
	seen := make(map[string]bool)
	for _, w := range c.src.Workers() {
		// duplicate names would produce an inconsistent scrape
		if seen[w.Name()] {
			continue
		}
		seen[w.Name()] = true

		snap := w.Snapshot()
		for _, s := range domain.Statuses {
			v := 0.0
			if s == snap.Status {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, v, snap.Name, s.String())
		}
		active := 0.0
		if snap.Active {
			active = 1
		}
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, active, snap.Name)
	}
}
