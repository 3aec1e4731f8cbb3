package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	acquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridvisor",
			Subsystem: "engine",
			Name:      "acquire_total",
			Help:      "Number of acquire calls by result (fast, launched, unavailable, canceled).",
		}, []string{"result"},
	)
	launches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridvisor",
			Subsystem: "engine",
			Name:      "launches_total",
			Help:      "Number of engine processes started.",
		},
	)
	launchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridvisor",
			Subsystem: "engine",
			Name:      "launch_failures_total",
			Help:      "Number of engine starts the OS refused.",
		},
	)
	probeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridvisor",
			Subsystem: "engine",
			Name:      "probe_failures_total",
			Help:      "Number of health probes that did not get a version back.",
		},
	)
	engineExits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridvisor",
			Subsystem: "engine",
			Name:      "exits_total",
			Help:      "Number of launched engine processes that exited.",
		},
	)
	reaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridvisor",
			Subsystem: "engine",
			Name:      "reaped_total",
			Help:      "Number of engine processes reaped, by final signal.",
		}, []string{"signal"},
	)
	probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gridvisor",
			Subsystem: "engine",
			Name:      "probe_duration_seconds",
			Help:      "Time spent in GetVersion health probes.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 4, 8},
		},
	)
	reapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gridvisor",
			Subsystem: "engine",
			Name:      "reap_duration_seconds",
			Help:      "Time spent reaping stray engine processes.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10},
		},
	)
	instanceUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gridvisor",
			Subsystem: "engine",
			Name:      "instance_up",
			Help:      "1 while a supervised engine instance is stored, 0 otherwise.",
		},
	)
)

// Register registers all metrics with the provided registerer. Registering
// again on the same or another registerer is allowed; collectors already
// present are skipped.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{acquireTotal, launches, launchFailures, probeFailures, engineExits, reaped, probeDuration, reapDuration, instanceUp}
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

// Handler serves the metrics gathered by g, the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// GathererFor returns r as a gatherer when it is one, else the default gatherer.
func GathererFor(r prometheus.Registerer) prometheus.Gatherer {
	if g, ok := r.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

// Helpers below no-op until Register succeeds.

func IncAcquire(result string) {
	if regOK.Load() {
		acquireTotal.WithLabelValues(result).Inc()
	}
}

func IncLaunch() {
	if regOK.Load() {
		launches.Inc()
	}
}

func IncLaunchFailure() {
	if regOK.Load() {
		launchFailures.Inc()
	}
}

func IncProbeFailure() {
	if regOK.Load() {
		probeFailures.Inc()
	}
}

func IncEngineExit() {
	if regOK.Load() {
		engineExits.Inc()
	}
}

func AddReaped(signal string, n int) {
	if regOK.Load() && n > 0 {
		reaped.WithLabelValues(signal).Add(float64(n))
	}
}

func ObserveProbeDuration(seconds float64) {
	if regOK.Load() {
		probeDuration.Observe(seconds)
	}
}

func ObserveReapDuration(seconds float64) {
	if regOK.Load() {
		reapDuration.Observe(seconds)
	}
}

func SetInstanceUp(up bool) {
	if regOK.Load() {
		var v float64
		if up {
			v = 1
		}
		instanceUp.Set(v)
	}
}
