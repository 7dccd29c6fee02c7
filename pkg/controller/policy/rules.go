package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
)

func floatParam(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}

func stringParam(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func stringSliceParam(params map[string]any, key string) []string {
	v, ok := params[key]
	if !ok {
		return nil
	}
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// estimatedHourlyCost prices one replica of step.Resources against the
// Engine's PriceTable and multiplies by the post-state replica count:
// Cost = replicas * (cpu*cpu_rate + mem*mem_rate + gpu_count*gpu_rate[sku]).
// A resource dimension with no configured rate contributes nothing, so an
// empty price table always prices to zero.
func (e *Engine) estimatedHourlyCost(step workloadv1alpha1.ActionStep) float64 {
	if e.priceTable == nil {
		return 0
	}
	replicas := int32(1)
	if step.Replicas != nil {
		replicas = *step.Replicas
	}
	var perReplica float64
	if rate, ok := e.priceTable.CPUCoreHourlyRate(); ok {
		perReplica += step.Resources.CPUCores * rate
	}
	if rate, ok := e.priceTable.MemoryGBHourlyRate(); ok {
		perReplica += (float64(step.Resources.MemoryBytes) / (1 << 30)) * rate
	}
	if step.Resources.GPU != nil {
		if rate, ok := e.priceTable.GPUHourlyRate(step.Resources.GPU.SKU); ok {
			perReplica += float64(step.Resources.GPU.Count) * rate
		}
	}
	return float64(replicas) * perReplica
}

// checkCostCeiling rejects steps whose projected hourly cost, priced from
// the Engine's PriceTable, exceeds the rule's max_usd_per_hour.
func (e *Engine) checkCostCeiling(rule workloadv1alpha1.PolicyRule, step workloadv1alpha1.ActionStep) (string, bool) {
	if e.priceTable == nil {
		return "", false
	}
	maxCost := floatParam(rule.Params, "max_usd_per_hour", -1)
	if maxCost < 0 {
		return "", false
	}
	cost := e.estimatedHourlyCost(step)
	if cost > maxCost {
		return fmt.Sprintf("projected hourly cost %.2f exceeds ceiling %.2f", cost, maxCost), true
	}
	return "", false
}

// checkRateLimit rejects a step once the number of matching actions within
// the rule's interval_seconds, counted at the rule's configured scope
// (global, cluster, namespace, or workload; workload if unset), exceeds
// max_actions.
func (e *Engine) checkRateLimit(plan workloadv1alpha1.ActionPlan, rule workloadv1alpha1.PolicyRule, step workloadv1alpha1.ActionStep) (string, bool) {
	if e.limiter == nil {
		return "", false
	}
	maxActions := intParam(rule.Params, "max_actions", 0)
	if maxActions <= 0 {
		return "", false
	}
	intervalSeconds := intParam(rule.Params, "interval_seconds", 60)
	scope := stringParam(rule.Params, "scope", "workload")
	key := rateLimitKey(rule.Name, scope, plan, step)
	if !e.limiter.Allow(key, maxActions, time.Duration(intervalSeconds)*time.Second) {
		return fmt.Sprintf("rate limit of %d actions per %ds exceeded for %s scope %s", maxActions, intervalSeconds, scope, key), true
	}
	return "", false
}

// rateLimitKey builds the Rate Limiter key for scope. global counts every
// matching action for the rule across the whole system; cluster, namespace,
// and workload narrow it to the step's or plan's identifier at that level.
func rateLimitKey(ruleName, scope string, plan workloadv1alpha1.ActionPlan, step workloadv1alpha1.ActionStep) string {
	switch scope {
	case "global":
		return ruleName
	case "cluster":
		return ruleName + ":" + step.ClusterID
	case "namespace":
		return ruleName + ":" + step.Namespace
	default: // "workload"
		return ruleName + ":" + plan.WorkloadID
	}
}

func isDisruptive(verb workloadv1alpha1.RuleVerb) bool {
	switch verb {
	case workloadv1alpha1.VerbRollback, workloadv1alpha1.VerbDrain, workloadv1alpha1.VerbRestart:
		return true
	default:
		return false
	}
}

// checkSLA rejects a disruptive decision (rollback, drain, restart) against a
// target whose observed uptime over the last 7 days is below the rule's
// min_uptime fraction. Non-disruptive verbs never trip this rule regardless
// of observed uptime.
func (e *Engine) checkSLA(ctx context.Context, rule workloadv1alpha1.PolicyRule, step workloadv1alpha1.ActionStep) (string, bool) {
	if e.uptime == nil || !isDisruptive(step.Verb) {
		return "", false
	}
	minUptime := floatParam(rule.Params, "min_uptime", -1)
	if minUptime < 0 {
		return "", false
	}
	observed, ok := e.uptime.Uptime7d(ctx, step.ClusterID, step.Namespace, step.Deployment)
	if !ok {
		return "", false
	}
	if observed < minUptime {
		return fmt.Sprintf("observed 7-day uptime %.4f below SLA minimum %.4f for disruptive %s", observed, minUptime, step.Verb), true
	}
	return "", false
}

// isScaleDown reports whether step reduces a target's capacity: an explicit
// scale to fewer replicas than it currently runs.
func isScaleDown(ctx context.Context, src SLOSource, step workloadv1alpha1.ActionStep) bool {
	if step.Verb != workloadv1alpha1.VerbScale || step.Replicas == nil {
		return false
	}
	current, ok := src.CurrentReplicas(ctx, step.ClusterID, step.Namespace, step.Deployment)
	if !ok {
		return false
	}
	return *step.Replicas < current
}

// checkSLO rejects a scale-down decision against a target whose currently
// measured p95 latency or success rate has already breached the rule's
// max_latency_ms_p95 / min_success_rate bounds. A decision that does not
// reduce capacity never trips this rule.
func (e *Engine) checkSLO(ctx context.Context, rule workloadv1alpha1.PolicyRule, step workloadv1alpha1.ActionStep) (string, bool) {
	if e.slo == nil || !isScaleDown(ctx, e.slo, step) {
		return "", false
	}
	if maxLatency := floatParam(rule.Params, "max_latency_ms_p95", -1); maxLatency >= 0 {
		if latency, ok := e.slo.CurrentP95LatencyMS(ctx, step.ClusterID, step.Namespace, step.Deployment); ok && latency > maxLatency {
			return fmt.Sprintf("p95 latency %.1fms exceeds SLO %.1fms", latency, maxLatency), true
		}
	}
	if minSuccess := floatParam(rule.Params, "min_success_rate", -1); minSuccess >= 0 {
		if rate, ok := e.slo.CurrentSuccessRate(ctx, step.ClusterID, step.Namespace, step.Deployment); ok && rate < minSuccess {
			return fmt.Sprintf("success rate %.4f below SLO %.4f", rate, minSuccess), true
		}
	}
	return "", false
}

// checkQuota rejects a step that would push a deployment's replica count, or
// its aggregate cpu/memory/gpu footprint, above the rule's configured caps:
// max_replicas, max_cpu_cores, max_memory_bytes, max_gpu_count. Each cap is
// independent and only applies when set.
func checkQuota(rule workloadv1alpha1.PolicyRule, step workloadv1alpha1.ActionStep) (string, bool) {
	replicas := int32(1)
	if step.Replicas != nil {
		replicas = *step.Replicas
	}
	if maxReplicas := intParam(rule.Params, "max_replicas", -1); maxReplicas >= 0 && step.Replicas != nil {
		if int(*step.Replicas) > maxReplicas {
			return fmt.Sprintf("replica count %d exceeds quota %d", *step.Replicas, maxReplicas), true
		}
	}
	if maxCPU := floatParam(rule.Params, "max_cpu_cores", -1); maxCPU >= 0 {
		if totalCPU := step.Resources.CPUCores * float64(replicas); totalCPU > maxCPU {
			return fmt.Sprintf("total cpu %.2f cores exceeds quota %.2f", totalCPU, maxCPU), true
		}
	}
	if maxMem := intParam(rule.Params, "max_memory_bytes", -1); maxMem >= 0 {
		if totalMem := step.Resources.MemoryBytes * int64(replicas); totalMem > int64(maxMem) {
			return fmt.Sprintf("total memory %d bytes exceeds quota %d", totalMem, maxMem), true
		}
	}
	if maxGPU := intParam(rule.Params, "max_gpu_count", -1); maxGPU >= 0 && step.Resources.GPU != nil {
		if totalGPU := int(step.Resources.GPU.Count) * int(replicas); totalGPU > maxGPU {
			return fmt.Sprintf("total gpu count %d exceeds quota %d", totalGPU, maxGPU), true
		}
	}
	return "", false
}

// timeWindow is one HH:MM-HH:MM time-of-day range parsed out of a
// change_freeze rule's hours[] list.
type timeWindow struct {
	start, end string
}

func hoursParam(params map[string]any, key string) []timeWindow {
	var out []timeWindow
	for _, raw := range stringSliceParam(params, key) {
		parts := strings.SplitN(raw, "-", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, timeWindow{start: strings.TrimSpace(parts[0]), end: strings.TrimSpace(parts[1])})
	}
	return out
}

// checkChangeFreeze rejects any step falling inside a configured freeze
// window, evaluated in the rule's tz, unless the plan's source is listed in
// the rule's exempt_sources. A freeze window is either absolute ({start,
// end}) or recurring ({days_of_week[], optional hours[]}): a recurring
// window with no hours[] freezes the entirety of each matching day.
func (e *Engine) checkChangeFreeze(plan workloadv1alpha1.ActionPlan, rule workloadv1alpha1.PolicyRule, step workloadv1alpha1.ActionStep) (string, bool) {
	for _, exempt := range stringSliceParam(rule.Params, "exempt_sources") {
		if workloadv1alpha1.PlanSource(exempt) == plan.Source {
			return "", false
		}
	}
	tzName := stringParam(rule.Params, "tz", "UTC")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		loc = time.UTC
	}
	now := e.now().In(loc)

	if days := stringSliceParam(rule.Params, "days_of_week"); len(days) > 0 {
		if !weekdayIn(now.Weekday(), days) {
			return "", false
		}
		hours := hoursParam(rule.Params, "hours")
		if len(hours) == 0 {
			return fmt.Sprintf("recurring change freeze active on %s %s", now.Weekday(), tzName), true
		}
		for _, h := range hours {
			if inWindow(now, h.start, h.end) {
				return fmt.Sprintf("recurring change freeze active %s-%s %s on %s", h.start, h.end, tzName, now.Weekday()), true
			}
		}
		return "", false
	}

	start := stringParam(rule.Params, "start", "")
	end := stringParam(rule.Params, "end", "")
	if start == "" || end == "" {
		return "", false
	}
	if inWindow(now, start, end) {
		return fmt.Sprintf("change freeze active %s-%s %s", start, end, tzName), true
	}
	return "", false
}

func weekdayIn(day time.Weekday, names []string) bool {
	for _, n := range names {
		if strings.EqualFold(n, day.String()) || strings.EqualFold(n, day.String()[:3]) {
			return true
		}
	}
	return false
}

func inWindow(now time.Time, start, end string) bool {
	s, err1 := time.ParseInLocation("15:04", start, now.Location())
	e, err2 := time.ParseInLocation("15:04", end, now.Location())
	if err1 != nil || err2 != nil {
		return false
	}
	minsNow := now.Hour()*60 + now.Minute()
	minsStart := s.Hour()*60 + s.Minute()
	minsEnd := e.Hour()*60 + e.Minute()
	if minsStart <= minsEnd {
		return minsNow >= minsStart && minsNow <= minsEnd
	}
	// window wraps midnight
	return minsNow >= minsStart || minsNow <= minsEnd
}
