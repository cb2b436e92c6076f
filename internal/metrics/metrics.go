package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessionwatch"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "starts_total",
			Help:      "Start invocations by result (started, already_running, failed, invalid).",
		}, []string{"result"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "stops_total",
			Help:      "Stop invocations by termination outcome.",
		}, []string{"outcome"},
	)
	staleLocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "stale_locks_total",
			Help:      "Stale lock records that were reclaimed.",
		},
	)
	cleanupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "cleanup_failures_total",
			Help:      "Lock or log files that could not be removed.",
		},
	)
	terminationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "termination_duration_seconds",
			Help:      "Time spent terminating a worker, by outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{starts, stops, staleLocks, cleanupFailures, terminationSeconds}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the given gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has been called.

func IncStart(result string) {
	if regOK.Load() {
		starts.WithLabelValues(result).Inc()
	}
}

func IncStop(outcome string) {
	if regOK.Load() {
		stops.WithLabelValues(outcome).Inc()
	}
}

func IncStaleLock() {
	if regOK.Load() {
		staleLocks.Inc()
	}
}

func IncCleanupFailure() {
	if regOK.Load() {
		cleanupFailures.Inc()
	}
}

func ObserveTermination(outcome string, seconds float64) {
	if regOK.Load() {
		terminationSeconds.WithLabelValues(outcome).Observe(seconds)
	}
}
