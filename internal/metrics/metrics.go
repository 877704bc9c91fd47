// Package metrics holds the Prometheus collectors for both controllers.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Controller names used as label values.
const (
	ControllerSuspend = "suspend"
	ControllerReset   = "reset"
)

// Phases of a controller invocation.
const (
	PhaseDiscover = "discover"
	PhaseCapture  = "capture"
	PhasePersist  = "persist"
	PhaseSuspend  = "suspend"
	PhaseRestore  = "restore"
)

var (
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_watch_invocations_total",
			Help: "Total number of controller invocations",
		},
		[]string{"controller", "outcome"}, // outcome: success, error, ignored, noop
	)

	targetCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_watch_target_calls_total",
			Help: "Total number of per-function concurrency calls",
		},
		[]string{"phase", "outcome"}, // phase: capture/suspend/restore, outcome: success/error
	)

	snapshotOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_watch_snapshot_operations_total",
			Help: "Total number of snapshot store operations",
		},
		[]string{"op", "outcome"}, // op: put/get/delete, outcome: success/error/not_found
	)

	acksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_watch_acks_total",
			Help: "Total number of custom resource acknowledgments",
		},
		[]string{"status", "delivered"},
	)

	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "budget_watch_phase_duration_seconds",
			Help: "Duration of controller phases in seconds",
			Buckets: []float64{
				0.05, // 50 ms
				0.1,  // 100 ms
				0.5,  // 500 ms
				1,    // 1 second
				5,    // 5 seconds
				15,   // 15 seconds
				60,   // 1 minute
				300,  // 5 minutes
			},
		},
		[]string{"controller", "phase"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "budget_watch_breaker_open",
			Help: "Circuit breaker state per breaker (1=open or half-open, 0=closed)",
		},
		[]string{"breaker"},
	)
)

// RecordInvocation records the outcome of a controller invocation.
func RecordInvocation(controller, outcome string) {
	invocationsTotal.WithLabelValues(controller, outcome).Inc()
}

// RecordTargetCalls records the successes and failures of one fan-out phase.
func RecordTargetCalls(phase string, succeeded, failed int) {
	targetCallsTotal.WithLabelValues(phase, "success").Add(float64(succeeded))
	targetCallsTotal.WithLabelValues(phase, "error").Add(float64(failed))
}

// RecordSnapshotOp records a snapshot store operation.
func RecordSnapshotOp(op, outcome string) {
	snapshotOpsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordAck records an acknowledgment and whether it reached the callback.
func RecordAck(status string, delivered bool) {
	acksTotal.WithLabelValues(status, fmt.Sprint(delivered)).Inc()
}

// ObservePhase records how long a phase took since start.
func ObservePhase(controller, phase string, start time.Time) {
	phaseDuration.WithLabelValues(controller, phase).Observe(time.Since(start).Seconds())
}

// SetBreakerOpen records the state of a circuit breaker.
func SetBreakerOpen(name string, open bool) {
	value := float64(0)
	if open {
		value = 1
	}
	breakerState.WithLabelValues(name).Set(value)
}

// Push sends the default registry to a Pushgateway, grouped by stack.
// Short-lived function invocations have no scrape window.
func Push(ctx context.Context, url, job, stack string) error {
	if url == "" {
		return nil
	}
	err := push.New(url, job).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("stack", stack).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
