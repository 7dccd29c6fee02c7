package policy

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
)

type fakeLimiter struct{ allow bool }

func (f fakeLimiter) Allow(string, int, time.Duration) bool { return f.allow }

type fakePriceTable struct {
	cpuRate float64
	gpuRate float64
}

func (f fakePriceTable) CPUCoreHourlyRate() (float64, bool)   { return f.cpuRate, true }
func (f fakePriceTable) MemoryGBHourlyRate() (float64, bool)  { return 0, false }
func (f fakePriceTable) GPUHourlyRate(string) (float64, bool) { return f.gpuRate, true }

type fakeUptime struct {
	uptime float64
	ok     bool
}

func (f fakeUptime) Uptime7d(context.Context, string, string, string) (float64, bool) {
	return f.uptime, f.ok
}

type fakeSLO struct {
	latency  float64
	success  float64
	replicas int32
	ok       bool
}

func (f fakeSLO) CurrentP95LatencyMS(context.Context, string, string, string) (float64, bool) {
	return f.latency, f.ok
}
func (f fakeSLO) CurrentSuccessRate(context.Context, string, string, string) (float64, bool) {
	return f.success, f.ok
}
func (f fakeSLO) CurrentReplicas(context.Context, string, string, string) (int32, bool) {
	return f.replicas, f.ok
}

func replicas(n int32) *int32 { return &n }

func TestEvaluateApprovesWithNoPolicies(t *testing.T) {
	e := New(nil, nil, nil, nil, logr.Discard())
	plan := workloadv1alpha1.ActionPlan{ID: "p1", Steps: []workloadv1alpha1.ActionStep{{Verb: workloadv1alpha1.VerbScale, Replicas: replicas(3)}}}
	d := e.Evaluate(context.Background(), plan, workloadv1alpha1.ModeEnforce)
	assert.True(t, d.Approved)
	assert.Empty(t, d.Violations)
}

func TestEvaluateRejectsSLAViolation(t *testing.T) {
	e := New(nil, nil, fakeUptime{uptime: 0.90, ok: true}, nil, logr.Discard())
	e.RegisterPolicy(workloadv1alpha1.Policy{
		ID: "sla-1", Enabled: true,
		Rules: []workloadv1alpha1.PolicyRule{
			{Name: "min-uptime", Kind: workloadv1alpha1.RuleSLA, Action: workloadv1alpha1.ActionReject,
				Verbs:  []workloadv1alpha1.RuleVerb{workloadv1alpha1.VerbRollback},
				Params: map[string]any{"min_uptime": 0.99}},
		},
	})
	plan := workloadv1alpha1.ActionPlan{ID: "p1", Steps: []workloadv1alpha1.ActionStep{{Verb: workloadv1alpha1.VerbRollback}}}
	d := e.Evaluate(context.Background(), plan, workloadv1alpha1.ModeEnforce)
	assert.False(t, d.Approved)
	require.Len(t, d.Violations, 1)
	assert.Equal(t, "min-uptime", d.Violations[0].RuleName)
}

func TestEvaluateSLAIgnoresNonDisruptiveVerbs(t *testing.T) {
	e := New(nil, nil, fakeUptime{uptime: 0.10, ok: true}, nil, logr.Discard())
	e.RegisterPolicy(workloadv1alpha1.Policy{
		ID: "sla-1", Enabled: true,
		Rules: []workloadv1alpha1.PolicyRule{
			{Name: "min-uptime", Kind: workloadv1alpha1.RuleSLA, Action: workloadv1alpha1.ActionReject,
				Params: map[string]any{"min_uptime": 0.99}},
		},
	})
	plan := workloadv1alpha1.ActionPlan{ID: "p1", Steps: []workloadv1alpha1.ActionStep{{Verb: workloadv1alpha1.VerbScale, Replicas: replicas(1)}}}
	d := e.Evaluate(context.Background(), plan, workloadv1alpha1.ModeEnforce)
	assert.True(t, d.Approved)
}

func TestEvaluateSLORejectsScaleDownBelowBound(t *testing.T) {
	e := New(nil, nil, nil, fakeSLO{success: 0.90, latency: 50, replicas: 5, ok: true}, logr.Discard())
	e.RegisterPolicy(workloadv1alpha1.Policy{
		ID: "slo-1", Enabled: true,
		Rules: []workloadv1alpha1.PolicyRule{
			{Name: "success-floor", Kind: workloadv1alpha1.RuleSLO, Action: workloadv1alpha1.ActionReject,
				Params: map[string]any{"min_success_rate": 0.95}},
		},
	})
	plan := workloadv1alpha1.ActionPlan{ID: "p1", Steps: []workloadv1alpha1.ActionStep{{Verb: workloadv1alpha1.VerbScale, Replicas: replicas(2)}}}
	d := e.Evaluate(context.Background(), plan, workloadv1alpha1.ModeEnforce)
	assert.False(t, d.Approved)
}

func TestEvaluateSLOIgnoresScaleUp(t *testing.T) {
	e := New(nil, nil, nil, fakeSLO{success: 0.10, latency: 999, replicas: 2, ok: true}, logr.Discard())
	e.RegisterPolicy(workloadv1alpha1.Policy{
		ID: "slo-1", Enabled: true,
		Rules: []workloadv1alpha1.PolicyRule{
			{Name: "success-floor", Kind: workloadv1alpha1.RuleSLO, Action: workloadv1alpha1.ActionReject,
				Params: map[string]any{"min_success_rate": 0.95}},
		},
	})
	plan := workloadv1alpha1.ActionPlan{ID: "p1", Steps: []workloadv1alpha1.ActionStep{{Verb: workloadv1alpha1.VerbScale, Replicas: replicas(5)}}}
	d := e.Evaluate(context.Background(), plan, workloadv1alpha1.ModeEnforce)
	assert.True(t, d.Approved)
}

func TestEvaluateDryRunNeverRejects(t *testing.T) {
	e := New(nil, nil, fakeUptime{uptime: 0, ok: true}, nil, logr.Discard())
	e.RegisterPolicy(workloadv1alpha1.Policy{
		ID: "sla-1", Enabled: true,
		Rules: []workloadv1alpha1.PolicyRule{
			{Name: "min-uptime", Kind: workloadv1alpha1.RuleSLA, Action: workloadv1alpha1.ActionReject,
				Params: map[string]any{"min_uptime": 0.99}},
		},
	})
	plan := workloadv1alpha1.ActionPlan{ID: "p1", Steps: []workloadv1alpha1.ActionStep{{Verb: workloadv1alpha1.VerbDrain}}}
	d := e.Evaluate(context.Background(), plan, workloadv1alpha1.ModeDryRun)
	assert.True(t, d.Approved)
	assert.Equal(t, workloadv1alpha1.ModeDryRun, d.Mode)
	assert.Len(t, d.Violations, 1)
}

func TestEvaluateCostCeiling(t *testing.T) {
	e := New(nil, fakePriceTable{cpuRate: 0.05, gpuRate: 0.60}, nil, nil, logr.Discard())
	e.RegisterPolicy(workloadv1alpha1.Policy{
		ID: "cost-1", Enabled: true,
		Rules: []workloadv1alpha1.PolicyRule{
			{Name: "ceiling", Kind: workloadv1alpha1.RuleCostCeiling, Action: workloadv1alpha1.ActionReject,
				Params: map[string]any{"max_usd_per_hour": 5.0}},
		},
	})
	plan := workloadv1alpha1.ActionPlan{ID: "p1", Steps: []workloadv1alpha1.ActionStep{
		{Verb: workloadv1alpha1.VerbUpdate, Replicas: replicas(10),
			Resources: workloadv1alpha1.ResourceRequest{CPUCores: 2, GPU: &workloadv1alpha1.GPURequest{Count: 1, SKU: "L4"}}},
	}}
	d := e.Evaluate(context.Background(), plan, workloadv1alpha1.ModeEnforce)
	assert.False(t, d.Approved)
}

// TestEvaluateCostCeilingScenarioA reproduces the worked example: 10 replicas
// each requesting 2 cpu cores and one L4 gpu, priced at 0.05/core-hour and
// 0.60/gpu-hour, projects to a $7.00 hourly cost.
func TestEvaluateCostCeilingScenarioA(t *testing.T) {
	e := New(nil, fakePriceTable{cpuRate: 0.05, gpuRate: 0.60}, nil, nil, logr.Discard())
	step := workloadv1alpha1.ActionStep{
		Verb:     workloadv1alpha1.VerbUpdate,
		Replicas: replicas(10),
		Resources: workloadv1alpha1.ResourceRequest{
			CPUCores: 2,
			GPU:      &workloadv1alpha1.GPURequest{Count: 1, SKU: "L4"},
		},
	}
	cost := e.estimatedHourlyCost(step)
	assert.InDelta(t, 7.00, cost, 0.001)
}

func TestEvaluateRateLimit(t *testing.T) {
	e := New(fakeLimiter{allow: false}, nil, nil, nil, logr.Discard())
	e.RegisterPolicy(workloadv1alpha1.Policy{
		ID: "rl-1", Enabled: true,
		Rules: []workloadv1alpha1.PolicyRule{
			{Name: "throttle", Kind: workloadv1alpha1.RuleRateLimit, Action: workloadv1alpha1.ActionReject,
				Params: map[string]any{"max_actions": 1, "interval_seconds": 60}},
		},
	})
	plan := workloadv1alpha1.ActionPlan{ID: "p1", WorkloadID: "wl-1", Steps: []workloadv1alpha1.ActionStep{
		{Verb: workloadv1alpha1.VerbUpdate},
	}}
	d := e.Evaluate(context.Background(), plan, workloadv1alpha1.ModeEnforce)
	assert.False(t, d.Approved)
}

func TestEvaluateRateLimitScopeGlobalIgnoresWorkload(t *testing.T) {
	allowed := []string{}
	limiter := recordingLimiter{allow: false, seen: &allowed}
	e := New(limiter, nil, nil, nil, logr.Discard())
	e.RegisterPolicy(workloadv1alpha1.Policy{
		ID: "rl-1", Enabled: true,
		Rules: []workloadv1alpha1.PolicyRule{
			{Name: "throttle", Kind: workloadv1alpha1.RuleRateLimit, Action: workloadv1alpha1.ActionReject,
				Params: map[string]any{"max_actions": 1, "interval_seconds": 60, "scope": "global"}},
		},
	})
	plan1 := workloadv1alpha1.ActionPlan{ID: "p1", WorkloadID: "wl-1", Steps: []workloadv1alpha1.ActionStep{{Verb: workloadv1alpha1.VerbUpdate}}}
	plan2 := workloadv1alpha1.ActionPlan{ID: "p2", WorkloadID: "wl-2", Steps: []workloadv1alpha1.ActionStep{{Verb: workloadv1alpha1.VerbUpdate}}}
	e.Evaluate(context.Background(), plan1, workloadv1alpha1.ModeEnforce)
	e.Evaluate(context.Background(), plan2, workloadv1alpha1.ModeEnforce)
	require.Len(t, allowed, 2)
	assert.Equal(t, allowed[0], allowed[1])
}

type recordingLimiter struct {
	allow bool
	seen  *[]string
}

func (r recordingLimiter) Allow(key string, _ int, _ time.Duration) bool {
	*r.seen = append(*r.seen, key)
	return r.allow
}

func TestEvaluateAggregatesAllViolations(t *testing.T) {
	e := New(nil, nil, fakeUptime{uptime: 0, ok: true}, nil, logr.Discard())
	e.RegisterPolicy(workloadv1alpha1.Policy{
		ID: "multi", Enabled: true,
		Rules: []workloadv1alpha1.PolicyRule{
			{Name: "sla", Kind: workloadv1alpha1.RuleSLA, Action: workloadv1alpha1.ActionReject, Params: map[string]any{"min_uptime": 0.99}},
			{Name: "quota", Kind: workloadv1alpha1.RuleQuota, Action: workloadv1alpha1.ActionWarn, Params: map[string]any{"max_replicas": 1}},
		},
	})
	plan := workloadv1alpha1.ActionPlan{ID: "p1", Steps: []workloadv1alpha1.ActionStep{{Verb: workloadv1alpha1.VerbRollback, Replicas: replicas(2)}}}
	d := e.Evaluate(context.Background(), plan, workloadv1alpha1.ModeEnforce)
	assert.False(t, d.Approved)
	assert.Len(t, d.Violations, 2)
}

func TestEvaluateChangeFreezeExemptsSource(t *testing.T) {
	e := New(nil, nil, nil, nil, logr.Discard())
	e.now = func() time.Time { return time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC) } // Monday
	e.RegisterPolicy(workloadv1alpha1.Policy{
		ID: "freeze", Enabled: true,
		Rules: []workloadv1alpha1.PolicyRule{
			{Name: "freeze-window", Kind: workloadv1alpha1.RuleChangeFreeze, Action: workloadv1alpha1.ActionReject,
				Params: map[string]any{
					"start":          "00:00",
					"end":            "23:59",
					"exempt_sources": []any{"bridge"},
				}},
		},
	})
	step := workloadv1alpha1.ActionStep{Verb: workloadv1alpha1.VerbUpdate, Replicas: replicas(1)}

	fromAPI := workloadv1alpha1.ActionPlan{ID: "p-api", Source: workloadv1alpha1.SourceAPI, Steps: []workloadv1alpha1.ActionStep{step}}
	d := e.Evaluate(context.Background(), fromAPI, workloadv1alpha1.ModeEnforce)
	assert.False(t, d.Approved)

	fromBridge := workloadv1alpha1.ActionPlan{ID: "p-bridge", Source: workloadv1alpha1.SourceBridge, Steps: []workloadv1alpha1.ActionStep{step}}
	d = e.Evaluate(context.Background(), fromBridge, workloadv1alpha1.ModeEnforce)
	assert.True(t, d.Approved)
}

// TestEvaluateChangeFreezeRecurringScenarioF reproduces the worked example: a
// recurring weekend freeze in UTC rejects a plan from source=api submitted
// Saturday noon, but exempts source=bridge.
func TestEvaluateChangeFreezeRecurringScenarioF(t *testing.T) {
	e := New(nil, nil, nil, nil, logr.Discard())
	e.now = func() time.Time { return time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC) } // Saturday
	e.RegisterPolicy(workloadv1alpha1.Policy{
		ID: "freeze", Enabled: true,
		Rules: []workloadv1alpha1.PolicyRule{
			{Name: "weekend-freeze", Kind: workloadv1alpha1.RuleChangeFreeze, Action: workloadv1alpha1.ActionReject,
				Params: map[string]any{
					"days_of_week":   []any{"Sat", "Sun"},
					"tz":             "UTC",
					"exempt_sources": []any{"bridge"},
				}},
		},
	})
	step := workloadv1alpha1.ActionStep{Verb: workloadv1alpha1.VerbUpdate}

	fromAPI := workloadv1alpha1.ActionPlan{ID: "p-api", Source: workloadv1alpha1.SourceAPI, Steps: []workloadv1alpha1.ActionStep{step}}
	d := e.Evaluate(context.Background(), fromAPI, workloadv1alpha1.ModeEnforce)
	assert.False(t, d.Approved)

	fromBridge := workloadv1alpha1.ActionPlan{ID: "p-bridge", Source: workloadv1alpha1.SourceBridge, Steps: []workloadv1alpha1.ActionStep{step}}
	d = e.Evaluate(context.Background(), fromBridge, workloadv1alpha1.ModeEnforce)
	assert.True(t, d.Approved)
}

func TestEvaluateChangeFreezeRecurringHoursRestrictsTimeOfDay(t *testing.T) {
	e := New(nil, nil, nil, nil, logr.Discard())
	e.RegisterPolicy(workloadv1alpha1.Policy{
		ID: "freeze", Enabled: true,
		Rules: []workloadv1alpha1.PolicyRule{
			{Name: "nightly-freeze", Kind: workloadv1alpha1.RuleChangeFreeze, Action: workloadv1alpha1.ActionReject,
				Params: map[string]any{
					"days_of_week": []any{"Monday"},
					"hours":        []any{"22:00-23:59"},
					"tz":           "UTC",
				}},
		},
	})
	step := workloadv1alpha1.ActionStep{Verb: workloadv1alpha1.VerbUpdate}
	plan := workloadv1alpha1.ActionPlan{ID: "p1", Steps: []workloadv1alpha1.ActionStep{step}}

	e.now = func() time.Time { return time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC) } // Monday noon, outside hours
	d := e.Evaluate(context.Background(), plan, workloadv1alpha1.ModeEnforce)
	assert.True(t, d.Approved)

	e.now = func() time.Time { return time.Date(2026, 1, 5, 22, 30, 0, 0, time.UTC) } // Monday 22:30, inside hours
	d = e.Evaluate(context.Background(), plan, workloadv1alpha1.ModeEnforce)
	assert.False(t, d.Approved)
}

func TestListPoliciesSortedByPriority(t *testing.T) {
	e := New(nil, nil, nil, nil, logr.Discard())
	e.RegisterPolicy(workloadv1alpha1.Policy{ID: "low", Enabled: true, Priority: 1})
	e.RegisterPolicy(workloadv1alpha1.Policy{ID: "high", Enabled: true, Priority: 10})
	e.RegisterPolicy(workloadv1alpha1.Policy{ID: "disabled", Enabled: false, Priority: 100})

	all := e.ListPolicies(false)
	require.Len(t, all, 3)
	assert.Equal(t, "disabled", all[0].ID)

	enabled := e.ListPolicies(true)
	require.Len(t, enabled, 2)
	assert.Equal(t, "high", enabled[0].ID)
	assert.Equal(t, "low", enabled[1].ID)
}

func TestListPoliciesTiesBrokenByAscendingName(t *testing.T) {
	e := New(nil, nil, nil, nil, logr.Discard())
	e.RegisterPolicy(workloadv1alpha1.Policy{ID: "z", Name: "zebra", Enabled: true, Priority: 5})
	e.RegisterPolicy(workloadv1alpha1.Policy{ID: "a", Name: "aardvark", Enabled: true, Priority: 5})
	e.RegisterPolicy(workloadv1alpha1.Policy{ID: "m", Name: "mango", Enabled: true, Priority: 5})

	all := e.ListPolicies(false)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"aardvark", "mango", "zebra"}, []string{all[0].Name, all[1].Name, all[2].Name})
}
