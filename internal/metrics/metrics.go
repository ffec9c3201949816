// Package metrics exposes scan pipeline counters and timings to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spectra"

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	scansTriggered  *prometheus.CounterVec
	scansFinished   *prometheus.CounterVec
	scansInFlight   prometheus.Gauge
	scanDuration    prometheus.Histogram
	analyzerSeconds *prometheus.HistogramVec
	analyzerErrors  *prometheus.CounterVec
	analyzerWarns   *prometheus.CounterVec
	findingsTotal   *prometheus.CounterVec
	cloneFailures   prometheus.Counter
	schedulerPolls  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scansTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_triggered_total",
			Help:      "Scans dispatched to the worker pool by trigger type.",
		}, []string{"trigger"}),
		scansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_finished_total",
			Help:      "Scans that reached a terminal status.",
		}, []string{"status"}),
		scansInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_in_flight",
			Help:      "Scans currently executing.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of a scan run.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		}),
		analyzerSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyzer_duration_seconds",
			Help:      "Wall time of one analyzer invocation.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"analyzer"}),
		analyzerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_failures_total",
			Help:      "Analyzer runs that produced no usable output.",
		}, []string{"analyzer"}),
		analyzerWarns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_warnings_total",
			Help:      "Analyzer runs that exited non-zero but produced output.",
		}, []string{"analyzer"}),
		findingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings persisted by kind.",
		}, []string{"kind"}),
		cloneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clone_failures_total",
			Help:      "Repositories that could not be cloned.",
		}),
		schedulerPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_polls_total",
			Help:      "Scheduler poll ticks evaluated.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.scansTriggered, m.scansFinished, m.scansInFlight, m.scanDuration,
			m.analyzerSeconds, m.analyzerErrors, m.analyzerWarns, m.findingsTotal,
			m.cloneFailures, m.schedulerPolls,
		)
	}
	return m
}

func (m *Metrics) ScanTriggered(trigger string) {
	if m == nil {
		return
	}
	m.scansTriggered.WithLabelValues(trigger).Inc()
}

func (m *Metrics) ScanStarted() {
	if m == nil {
		return
	}
	m.scansInFlight.Inc()
}

// ScanFinished records the terminal status of a run that ScanStarted counted.
func (m *Metrics) ScanFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.scansInFlight.Dec()
	m.scansFinished.WithLabelValues(status).Inc()
	m.scanDuration.Observe(d.Seconds())
}

// ScanRejected counts a scan that failed before it ever ran.
func (m *Metrics) ScanRejected() {
	if m == nil {
		return
	}
	m.scansFinished.WithLabelValues("FAILED").Inc()
}

func (m *Metrics) AnalyzerRun(analyzer string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.analyzerSeconds.WithLabelValues(analyzer).Observe(d.Seconds())
	if err != nil {
		m.analyzerErrors.WithLabelValues(analyzer).Inc()
	}
}

func (m *Metrics) AnalyzerWarning(analyzer string) {
	if m == nil {
		return
	}
	m.analyzerWarns.WithLabelValues(analyzer).Inc()
}

func (m *Metrics) Findings(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.findingsTotal.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) CloneFailed() {
	if m == nil {
		return
	}
	m.cloneFailures.Inc()
}

func (m *Metrics) SchedulerPoll() {
	if m == nil {
		return
	}
	m.schedulerPolls.Inc()
}
