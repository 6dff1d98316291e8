package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "entrypoint"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	probeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "probe_attempts_total",
			Help:      "Database connectivity probes by result.",
		}, []string{"result"},
	)
	probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "probe_duration_seconds",
			Help:      "Time from the first probe until the database was reachable or the budget ran out.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	migrationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "runs_total",
			Help:      "Migration runs by migrator and result.",
		}, []string{"migrator", "result"},
	)
	migrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "duration_seconds",
			Help:      "Duration of migration runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"migrator"},
	)
	childStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      "starts_total",
			Help:      "Number of successful server child starts.",
		}, []string{"name"},
	)
	childExitCode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      "exit_code",
			Help:      "Exit code of the last server child that exited.",
		}, []string{"name"},
	)
	signalsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      "signals_forwarded_total",
			Help:      "Termination signals forwarded to the server child.",
		}, []string{"signal"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "state_transitions_total",
			Help:      "Number of orchestrator state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "current_state",
			Help:      "Current orchestrator state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		probeAttempts, probeDuration, migrationRuns, migrationDuration,
		childStarts, childExitCode, signalsForwarded, stateTransitions, currentState,
		childCPUPercent, childMemoryRSS, childNumThreads,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncProbeAttempt(success bool) {
	if regOK.Load() {
		probeAttempts.WithLabelValues(result(success)).Inc()
	}
}

func ObserveProbeDuration(seconds float64) {
	if regOK.Load() {
		probeDuration.Observe(seconds)
	}
}

func ObserveMigration(migrator string, success bool, seconds float64) {
	if regOK.Load() {
		migrationRuns.WithLabelValues(migrator, result(success)).Inc()
		migrationDuration.WithLabelValues(migrator).Observe(seconds)
	}
}

func IncChildStart(name string) {
	if regOK.Load() {
		childStarts.WithLabelValues(name).Inc()
	}
}

func SetChildExitCode(name string, code int) {
	if regOK.Load() {
		childExitCode.WithLabelValues(name).Set(float64(code))
	}
}

func IncSignalForwarded(signal string) {
	if regOK.Load() {
		signalsForwarded.WithLabelValues(signal).Inc()
	}
}

// RecordStateTransition counts the transition and moves the current_state
// gauge from one state to the other.
func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
		currentState.WithLabelValues(from).Set(0)
		currentState.WithLabelValues(to).Set(1)
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
