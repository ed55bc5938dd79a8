// Package metrics exposes reservation daemon counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "resvd"

// Manager owns a private registry and the daemon's metrics. It satisfies
// resv.Recorder.
type Manager struct {
	registry *prometheus.Registry

	// OperationsCounterVec counts create, update and delete requests by
	// outcome. Labels: "op", "result" (ok or error).
	OperationsCounterVec *prometheus.CounterVec

	// ReservationsGauge is the number of reservations currently held.
	ReservationsGauge prometheus.Gauge

	// AdvancedCounter counts recurring reservations moved to their next window.
	AdvancedCounter prometheus.Counter

	// PurgedCounter counts ended reservations removed by the scheduler pass.
	PurgedCounter prometheus.Counter

	// SaveLatencySecondsVec is how long state saves take. Label: "result".
	SaveLatencySecondsVec *prometheus.HistogramVec

	// SchedulerPassSeconds is how long a scheduler pass holds the store.
	SchedulerPassSeconds prometheus.Histogram
}

// NewManager creates and registers every metric, plus the Go runtime and
// process collectors.
func NewManager() *Manager {
	m := &Manager{
		registry: prometheus.NewRegistry(),
		OperationsCounterVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_operations_total",
			Help:      "Reservation create, update and delete requests by outcome.",
		}, []string{"op", "result"}),
		ReservationsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reservations",
			Help:      "Reservations currently held.",
		}),
		AdvancedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_advanced_total",
			Help:      "Recurring reservations moved to their next window.",
		}),
		PurgedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_purged_total",
			Help:      "Ended reservations removed.",
		}),
		SaveLatencySecondsVec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_save_seconds",
			Help:      "Time taken to write the reservation state file.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"result"}),
		SchedulerPassSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_pass_seconds",
			Help:      "Time taken by one reservation scheduler pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.OperationsCounterVec,
		m.ReservationsGauge,
		m.AdvancedCounter,
		m.PurgedCounter,
		m.SaveLatencySecondsVec,
		m.SchedulerPassSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Operation records the outcome of a store request.
func (m *Manager) Operation(op string, err error) {
	m.OperationsCounterVec.WithLabelValues(op, result(err)).Inc()
}

// Reservations sets the reservation gauge.
func (m *Manager) Reservations(n int) {
	m.ReservationsGauge.Set(float64(n))
}

func (m *Manager) Advanced() { m.AdvancedCounter.Inc() }

func (m *Manager) Purged() { m.PurgedCounter.Inc() }

// ObserveSave records a state save that started at start.
func (m *Manager) ObserveSave(start time.Time, err error) {
	m.SaveLatencySecondsVec.WithLabelValues(result(err)).Observe(time.Since(start).Seconds())
}

// ObservePass records a scheduler pass that started at start.
func (m *Manager) ObservePass(start time.Time) {
	m.SchedulerPassSeconds.Observe(time.Since(start).Seconds())
}

// Registry returns the registry the metrics live in.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
