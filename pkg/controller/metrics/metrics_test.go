package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordPolicyDecision(t *testing.T) {
	policyDecisions.Reset()
	RecordPolicyDecision(true, 0.01)
	RecordPolicyDecision(false, 0.02)

	assert.Equal(t, float64(1), testutil.ToFloat64(policyDecisions.WithLabelValues("approved")))
	assert.Equal(t, float64(1), testutil.ToFloat64(policyDecisions.WithLabelValues("rejected")))
}

func TestRecordPolicyViolation(t *testing.T) {
	policyViolations.Reset()
	RecordPolicyViolation("cost_ceiling", "reject")
	RecordPolicyViolation("cost_ceiling", "reject")

	assert.Equal(t, float64(2), testutil.ToFloat64(policyViolations.WithLabelValues("cost_ceiling", "reject")))
}

func TestRecordPlanSubmitted(t *testing.T) {
	plansSubmitted.Reset()
	RecordPlanSubmitted("succeeded")

	assert.Equal(t, float64(1), testutil.ToFloat64(plansSubmitted.WithLabelValues("succeeded")))
}

func TestSetInFlightPlans(t *testing.T) {
	SetInFlightPlans(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(inFlightPlans))
}

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}
