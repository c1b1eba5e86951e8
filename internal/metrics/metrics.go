// Package metrics exposes Prometheus collectors for the cleanup job.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "cleanupd"
	subsystem = "job"
)

// Run outcomes used as the "outcome" label.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
	OutcomeSkipped   = "skipped"
)

// Metrics holds the job collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	runs           *prometheus.CounterVec
	runDuration    prometheus.Histogram
	itemsProcessed prometheus.Counter
	retries        prometheus.Counter
	abandoned      prometheus.Counter
	clockSkew      prometheus.Counter
	dueTimestamp   prometheus.Gauge
	retriesLeft    prometheus.Gauge
}

// MustNewMetrics builds and registers the collectors on reg
// (prometheus.DefaultRegisterer when nil). Collectors already registered with
// the same descriptor are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "runs_total",
			Help: "Completed job runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "run_duration_seconds",
			Help:    "Wall time of one maintenance run.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		itemsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "items_processed_total",
			Help: "Items removed by successful runs.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "retries_total",
			Help: "Failed runs that were rescheduled for a retry.",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "abandoned_total",
			Help: "Times the job was abandoned after exhausting retries.",
		}),
		clockSkew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "clock_skew_total",
			Help: "Observed instants earlier than the previous scheduling instant.",
		}),
		dueTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "due_timestamp_seconds",
			Help: "Unix time of the job's current due date (0 when not scheduled).",
		}),
		retriesLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "retries_remaining",
			Help: "Retries left before the job is abandoned.",
		}),
	}

	m.runs = register(reg, m.runs)
	m.runDuration = register(reg, m.runDuration)
	m.itemsProcessed = register(reg, m.itemsProcessed)
	m.retries = register(reg, m.retries)
	m.abandoned = register(reg, m.abandoned)
	m.clockSkew = register(reg, m.clockSkew)
	m.dueTimestamp = register(reg, m.dueTimestamp)
	m.retriesLeft = register(reg, m.retriesLeft)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(outcome string, items int, took time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(took.Seconds())
	if items > 0 {
		m.itemsProcessed.Add(float64(items))
	}
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) IncAbandoned() {
	if m == nil {
		return
	}
	m.abandoned.Inc()
}

func (m *Metrics) IncClockSkew() {
	if m == nil {
		return
	}
	m.clockSkew.Inc()
}

// SetDue publishes the current due date and retry budget.
func (m *Metrics) SetDue(due time.Time, retriesRemaining int) {
	if m == nil {
		return
	}
	if due.IsZero() {
		m.dueTimestamp.Set(0)
	} else {
		m.dueTimestamp.Set(float64(due.UnixMilli()) / 1000)
	}
	m.retriesLeft.Set(float64(retriesRemaining))
}
