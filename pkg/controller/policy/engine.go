// Package policy implements the Policy Engine: a registry of prioritized,
// enabled/disabled Policies whose rules are evaluated against an ActionPlan
// before the Plan Executor is allowed to run it.
package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
)

// RateLimiter is the narrow slice of ratelimit.Limiter the rate_limit rule
// needs.
type RateLimiter interface {
	Allow(key string, limit int, windowSize time.Duration) bool
}

// PriceTable is the narrow interface the cost_ceiling rule needs to price a
// resource request. Implementations load rates from a local file or an
// object store.
type PriceTable interface {
	// CPUCoreHourlyRate returns the dollar cost per core-hour, and whether a
	// rate is configured.
	CPUCoreHourlyRate() (float64, bool)
	// MemoryGBHourlyRate returns the dollar cost per gibibyte-hour, and
	// whether a rate is configured.
	MemoryGBHourlyRate() (float64, bool)
	// GPUHourlyRate returns the dollar cost per GPU-hour for sku, and
	// whether a rate is configured for that sku.
	GPUHourlyRate(sku string) (float64, bool)
}

// UptimeSource is the narrow interface the sla rule needs: fractional uptime
// over the last 7 days for a target, and whether a measurement exists.
type UptimeSource interface {
	Uptime7d(ctx context.Context, clusterID, namespace, deployment string) (float64, bool)
}

// SLOSource is the narrow interface the slo rule needs: the most recently
// measured p95 latency and success rate for a target, plus its current
// replica count so a scale can be classified as a scale-down.
type SLOSource interface {
	CurrentP95LatencyMS(ctx context.Context, clusterID, namespace, deployment string) (float64, bool)
	CurrentSuccessRate(ctx context.Context, clusterID, namespace, deployment string) (float64, bool)
	CurrentReplicas(ctx context.Context, clusterID, namespace, deployment string) (int32, bool)
}

// Engine evaluates ActionPlans against a set of registered Policies.
// Evaluation never short-circuits on the first violation: every matching
// rule of every enabled policy is checked, and every violation is reported.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*workloadv1alpha1.Policy

	limiter    RateLimiter
	priceTable PriceTable
	uptime     UptimeSource
	slo        SLOSource
	now        func() time.Time
	log        logr.Logger
}

// New builds an empty Engine. limiter, priceTable, uptime, and slo may each
// be nil if the caller never registers a rule of the corresponding kind;
// that rule's check then never fires.
func New(limiter RateLimiter, priceTable PriceTable, uptime UptimeSource, slo SLOSource, log logr.Logger) *Engine {
	return &Engine{
		policies:   make(map[string]*workloadv1alpha1.Policy),
		limiter:    limiter,
		priceTable: priceTable,
		uptime:     uptime,
		slo:        slo,
		now:        time.Now,
		log:        log,
	}
}

// RegisterPolicy adds or replaces a Policy by ID.
func (e *Engine) RegisterPolicy(p workloadv1alpha1.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := p
	e.policies[p.ID] = &cp
}

// UnregisterPolicy removes a Policy by ID. It is a no-op if the ID is
// unknown.
func (e *Engine) UnregisterPolicy(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.policies, id)
}

// GetPolicy returns a copy of the registered Policy, or false if id is
// unknown.
func (e *Engine) GetPolicy(id string) (workloadv1alpha1.Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	if !ok {
		return workloadv1alpha1.Policy{}, false
	}
	return *p, true
}

// ListPolicies returns every registered Policy sorted by priority,
// descending, ties broken by ascending name. When enabledOnly is true,
// disabled policies are omitted.
func (e *Engine) ListPolicies(enabledOnly bool) []workloadv1alpha1.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]workloadv1alpha1.Policy, 0, len(e.policies))
	for _, p := range e.policies {
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Evaluate checks plan against every enabled policy's rules under mode and
// returns the aggregate Decision. mode is a property of this one call, not
// of any registered Policy: the same policy set can be evaluated in enforce
// mode for one plan and dry_run/shadow for another. A plan is approved when
// it has no reject-level violations, or when mode is dry_run/shadow (which
// never reject, only record).
func (e *Engine) Evaluate(ctx context.Context, plan workloadv1alpha1.ActionPlan, mode workloadv1alpha1.EvaluationMode) workloadv1alpha1.Decision {
	if mode == "" {
		mode = workloadv1alpha1.ModeEnforce
	}
	start := e.now()
	policies := e.ListPolicies(true)

	var violations []workloadv1alpha1.Violation
	approved := true

	for _, p := range policies {
		rules := make([]workloadv1alpha1.PolicyRule, len(p.Rules))
		copy(rules, p.Rules)
		sort.Slice(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

		for _, rule := range rules {
			for _, step := range plan.Steps {
				if !verbMatches(rule.Verbs, step.Verb) {
					continue
				}
				if !selectorMatches(rule.Selector, step) {
					continue
				}
				if msg, violated := e.evaluateRule(ctx, plan, rule, step); violated {
					violations = append(violations, workloadv1alpha1.Violation{
						PolicyID: p.ID,
						RuleName: rule.Name,
						Action:   rule.Action,
						Message:  msg,
					})
					if rule.Action == workloadv1alpha1.ActionReject && mode == workloadv1alpha1.ModeEnforce {
						approved = false
					}
				}
			}
		}
	}

	e.log.V(1).Info("evaluated action plan", "plan", plan.ID, "mode", mode, "approved", approved, "violations", len(violations))

	return workloadv1alpha1.Decision{
		ActionPlanID: plan.ID,
		Approved:     approved,
		Mode:         mode,
		Violations:   violations,
		EvaluatedAt:  start,
		DurationMS:   e.now().Sub(start).Milliseconds(),
	}
}

func verbMatches(verbs []workloadv1alpha1.RuleVerb, verb workloadv1alpha1.RuleVerb) bool {
	if len(verbs) == 0 {
		return true
	}
	for _, v := range verbs {
		if v == verb {
			return true
		}
	}
	return false
}

func selectorMatches(selector map[string]string, step workloadv1alpha1.ActionStep) bool {
	if len(selector) == 0 {
		return true
	}
	for k, v := range selector {
		switch k {
		case "namespace":
			if step.Namespace != v {
				return false
			}
		case "cluster_id":
			if step.ClusterID != v {
				return false
			}
		case "deployment":
			if step.Deployment != v {
				return false
			}
		}
	}
	return true
}

// evaluateRule dispatches to the check for rule.Kind and reports whether the
// step violates it.
func (e *Engine) evaluateRule(ctx context.Context, plan workloadv1alpha1.ActionPlan, rule workloadv1alpha1.PolicyRule, step workloadv1alpha1.ActionStep) (string, bool) {
	switch rule.Kind {
	case workloadv1alpha1.RuleCostCeiling:
		return e.checkCostCeiling(rule, step)
	case workloadv1alpha1.RuleRateLimit:
		return e.checkRateLimit(plan, rule, step)
	case workloadv1alpha1.RuleSLA:
		return e.checkSLA(ctx, rule, step)
	case workloadv1alpha1.RuleSLO:
		return e.checkSLO(ctx, rule, step)
	case workloadv1alpha1.RuleQuota:
		return checkQuota(rule, step)
	case workloadv1alpha1.RuleChangeFreeze:
		return e.checkChangeFreeze(plan, rule, step)
	default:
		return "", false
	}
}
