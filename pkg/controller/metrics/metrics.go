// Package metrics defines the controller's Prometheus collectors: policy
// decisions, plan execution, canary rollouts, and rollbacks.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	PolicyComponent   = "workload_policy"
	ExecutorComponent = "workload_executor"
	CanaryComponent   = "workload_canary"
	RollbackComponent = "workload_rollback"
	DriverComponent   = "workload_driver"
)

var (
	DecisionLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	StepLatencyBuckets     = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
)

var (
	policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: PolicyComponent,
			Name:      "decisions_total",
			Help:      "Count of policy evaluations by outcome (approved/rejected).",
		},
		[]string{"outcome"},
	)

	policyViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: PolicyComponent,
			Name:      "violations_total",
			Help:      "Count of policy rule violations by rule kind and action.",
		},
		[]string{"kind", "action"},
	)

	policyDecisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: PolicyComponent,
			Name:      "decision_duration_seconds",
			Help:      "Latency of a single policy evaluation.",
			Buckets:   DecisionLatencyBuckets,
		},
	)

	plansSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: ExecutorComponent,
			Name:      "plans_submitted_total",
			Help:      "Count of action plans submitted, by terminal status.",
		},
		[]string{"status"},
	)

	planStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: ExecutorComponent,
			Name:      "step_duration_seconds",
			Help:      "Latency of a single action plan step against the cluster driver.",
			Buckets:   StepLatencyBuckets,
		},
		[]string{"verb"},
	)

	inFlightPlans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: ExecutorComponent,
			Name:      "plans_in_flight",
			Help:      "Number of action plans currently dispatching.",
		},
	)

	canaryPhaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: CanaryComponent,
			Name:      "phase_transitions_total",
			Help:      "Count of canary rollout phase transitions.",
		},
		[]string{"phase"},
	)

	canaryTrafficPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: CanaryComponent,
			Name:      "traffic_percent",
			Help:      "Current traffic percentage routed to the canary revision.",
		},
		[]string{"deployment"},
	)

	rollbacksTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: RollbackComponent,
			Name:      "triggered_total",
			Help:      "Count of rollbacks triggered, by reason.",
		},
		[]string{"reason"},
	)

	rollbackDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: RollbackComponent,
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a rollback execution from trigger to terminal status.",
			Buckets:   StepLatencyBuckets,
		},
	)

	driverCallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: DriverComponent,
			Name:      "call_errors_total",
			Help:      "Count of cluster driver calls that ended in error, by operation and error code.",
		},
		[]string{"op", "code"},
	)
)

// RecordPolicyDecision records the outcome of one policy evaluation.
func RecordPolicyDecision(approved bool, seconds float64) {
	outcome := "approved"
	if !approved {
		outcome = "rejected"
	}
	policyDecisions.WithLabelValues(outcome).Inc()
	policyDecisionDuration.Observe(seconds)
}

// RecordPolicyViolation records one rule firing.
func RecordPolicyViolation(kind, action string) {
	policyViolations.WithLabelValues(kind, action).Inc()
}

// RecordPlanSubmitted records a plan reaching a terminal or gating status.
func RecordPlanSubmitted(status string) {
	plansSubmitted.WithLabelValues(status).Inc()
}

// RecordPlanStep records the latency of one dispatched action step.
func RecordPlanStep(verb string, seconds float64) {
	planStepDuration.WithLabelValues(verb).Observe(seconds)
}

// SetInFlightPlans reports the current number of dispatching plans.
func SetInFlightPlans(n int) {
	inFlightPlans.Set(float64(n))
}

// RecordCanaryPhase records a canary rollout entering phase.
func RecordCanaryPhase(phase string) {
	canaryPhaseTransitions.WithLabelValues(phase).Inc()
}

// SetCanaryTraffic reports the current canary traffic split for deployment.
func SetCanaryTraffic(deployment string, percent int) {
	canaryTrafficPercent.WithLabelValues(deployment).Set(float64(percent))
}

// RecordRollbackTriggered records a rollback firing for reason.
func RecordRollbackTriggered(reason string) {
	rollbacksTriggered.WithLabelValues(reason).Inc()
}

// RecordRollbackDuration records the wall-clock duration of one rollback.
func RecordRollbackDuration(seconds float64) {
	rollbackDuration.Observe(seconds)
}

// RecordDriverError records a failed driver call.
func RecordDriverError(op, code string) {
	driverCallErrors.WithLabelValues(op, code).Inc()
}

var registerMetrics sync.Once

// Register registers all collectors with the controller-runtime metrics
// registry. Safe to call more than once; only the first call takes effect.
func Register() {
	registerMetrics.Do(func() {
		metrics.Registry.MustRegister(
			policyDecisions,
			policyViolations,
			policyDecisionDuration,
			plansSubmitted,
			planStepDuration,
			inFlightPlans,
			canaryPhaseTransitions,
			canaryTrafficPercent,
			rollbacksTriggered,
			rollbackDuration,
			driverCallErrors,
		)
	})
}
