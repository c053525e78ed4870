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

	processStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful server process starts.",
		},
	)
	processStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of requested stops (graceful or kill).",
		},
	)
	processCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of unexpected server process exits.",
		},
	)
	processRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "process",
			Name:      "running",
			Help:      "Whether the server process is currently running (1 or 0).",
		},
	)
	consoleLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "console",
			Name:      "lines_total",
			Help:      "Console lines ingested into the ring store, by stream.",
		}, []string{"stream"},
	)
	restartTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "restart",
			Name:      "triggers_total",
			Help:      "Accepted restart triggers by kind.",
		}, []string{"kind"},
	)
	droppedTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "restart",
			Name:      "dropped_triggers_total",
			Help:      "Restart triggers dropped because one was in progress or the server was down.",
		}, []string{"kind"},
	)
	restartsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "restart",
			Name:      "completed_total",
			Help:      "Number of restart cycles that ended with a running server.",
		},
	)
	restartsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "restart",
			Name:      "failed_total",
			Help:      "Number of restart cycles that exhausted all retries.",
		},
	)
	ritualFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "restart",
			Name:      "action_failures_total",
			Help:      "Pre-restart action failures by action.",
		}, []string{"action"},
	)
	restartInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "restart",
			Name:      "in_progress",
			Help:      "Whether a restart cycle is currently running (1 or 0).",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStops, processCrashes, processRunning,
		consoleLines, restartTriggers, droppedTriggers,
		restartsCompleted, restartsFailed, ritualFailures, restartInProgress,
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncProcessStart() {
	if regOK.Load() {
		processStarts.Inc()
	}
}

func IncProcessStop() {
	if regOK.Load() {
		processStops.Inc()
	}
}

func IncProcessCrash() {
	if regOK.Load() {
		processCrashes.Inc()
	}
}

func SetProcessRunning(running bool) {
	if !regOK.Load() {
		return
	}
	if running {
		processRunning.Set(1)
	} else {
		processRunning.Set(0)
	}
}

func IncConsoleLine(stream string) {
	if regOK.Load() {
		consoleLines.WithLabelValues(stream).Inc()
	}
}

func IncTrigger(kind string) {
	if regOK.Load() {
		restartTriggers.WithLabelValues(kind).Inc()
	}
}

func IncDroppedTrigger(kind string) {
	if regOK.Load() {
		droppedTriggers.WithLabelValues(kind).Inc()
	}
}

func IncRestartCompleted() {
	if regOK.Load() {
		restartsCompleted.Inc()
	}
}

func IncRestartFailed() {
	if regOK.Load() {
		restartsFailed.Inc()
	}
}

func IncRitualFailure(action string) {
	if regOK.Load() {
		ritualFailures.WithLabelValues(action).Inc()
	}
}

func SetRestartInProgress(active bool) {
	if !regOK.Load() {
		return
	}
	if active {
		restartInProgress.Set(1)
	} else {
		restartInProgress.Set(0)
	}
}
