// Package executor implements the Plan Executor: it takes ActionPlans that
// have cleared the Policy Engine, gates any step requiring approval behind a
// signed capability token, and drives each step through the Cluster Driver
// from a bounded worker pool.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
	"github.com/mlplatform/workload-controller/pkg/controller/canary"
	"github.com/mlplatform/workload-controller/pkg/controller/driver"
	"github.com/mlplatform/workload-controller/pkg/controller/events"
	"github.com/mlplatform/workload-controller/pkg/controller/rollback"
	ctlerrors "github.com/mlplatform/workload-controller/pkg/util/errors"
)

// PolicyEvaluator is the narrow slice of policy.Engine the executor needs.
// mode is supplied per Submit call, not stored on the evaluator or on any
// Policy.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, plan workloadv1alpha1.ActionPlan, mode workloadv1alpha1.EvaluationMode) workloadv1alpha1.Decision
}

// Config bounds the executor's concurrency.
type Config struct {
	MaxConcurrentPlans int
}

// DefaultConfig matches the default spec.md documents for the executor.
func DefaultConfig() Config {
	return Config{MaxConcurrentPlans: 16}
}

// Executor runs approved ActionPlans against a Driver.
type Executor struct {
	drv        driver.Driver
	policy     PolicyEvaluator
	emitter    events.Emitter
	verifier   *ApprovalVerifier
	canaryCt   *canary.Controller
	rollbackCt *rollback.Controller
	log        logr.Logger

	sem chan struct{}

	mu    sync.Mutex
	plans map[string]*workloadv1alpha1.ActionPlan
}

// New builds an Executor. verifier may be nil if no plan in this deployment
// ever sets RequiresApproval. canaryCt may be nil if no plan ever submits an
// update step against a canary-strategy deployment. rollbackCt may be nil if
// no rollback step should unregister its target from health monitoring on
// completion.
func New(drv driver.Driver, policyEvaluator PolicyEvaluator, emitter events.Emitter, verifier *ApprovalVerifier, canaryCt *canary.Controller, rollbackCt *rollback.Controller, cfg Config, log logr.Logger) *Executor {
	if cfg.MaxConcurrentPlans <= 0 {
		cfg.MaxConcurrentPlans = 1
	}
	return &Executor{
		drv:        drv,
		policy:     policyEvaluator,
		emitter:    emitter,
		verifier:   verifier,
		canaryCt:   canaryCt,
		rollbackCt: rollbackCt,
		log:        log,
		sem:        make(chan struct{}, cfg.MaxConcurrentPlans),
		plans:      make(map[string]*workloadv1alpha1.ActionPlan),
	}
}

// Submit runs an ActionPlan through: validate, evaluate policy under mode,
// gate on approval, dispatch. mode is a property of this one call: the same
// plan body could be submitted enforce, dry_run, or shadow. dry_run and
// shadow never reach the driver — they evaluate policy, record the
// decision, and complete immediately. It returns immediately once the
// plan's next required action is known (running, awaiting approval,
// rejected, or completed); execution of a dispatched plan continues
// asynchronously.
func (e *Executor) Submit(ctx context.Context, plan workloadv1alpha1.ActionPlan, mode workloadv1alpha1.EvaluationMode) (*workloadv1alpha1.ActionPlan, error) {
	if mode == "" {
		mode = workloadv1alpha1.ModeEnforce
	}
	// 1. validate
	if len(plan.Steps) == 0 {
		return nil, ctlerrors.New(ctlerrors.CodeValidation, "action plan has no steps")
	}
	plan.Mode = mode
	plan.Status = workloadv1alpha1.PlanPending
	plan.SubmittedAt = time.Now()
	for _, step := range plan.Steps {
		if step.Safety.RequiresApproval {
			plan.RequiresApproval = true
		}
	}
	e.store(&plan)
	e.emit(ctx, events.TypePlanSubmitted, plan.ID, plan.CorrelationID, map[string]any{"mode": mode})

	// 2. evaluate policy
	decision := e.policy.Evaluate(ctx, plan, mode)
	plan.Violations = decision.Violations
	if !decision.Approved {
		plan.Status = workloadv1alpha1.PlanRejected
		plan.Reason = firstRejectReason(decision)
		e.store(&plan)
		e.emit(ctx, events.TypePlanRejected, plan.ID, plan.CorrelationID, map[string]any{"reason": plan.Reason})
		return &plan, nil
	}
	e.emit(ctx, events.TypePlanApproved, plan.ID, plan.CorrelationID, nil)

	// 2a. dry_run/shadow short-circuit: policy has been evaluated and
	// violations recorded on the Decision, but the plan never touches the
	// driver.
	if mode == workloadv1alpha1.ModeDryRun || mode == workloadv1alpha1.ModeShadow {
		now := time.Now()
		plan.StartedAt = &now
		plan.CompletedAt = &now
		plan.Status = workloadv1alpha1.PlanSucceeded
		plan.ShadowExecuted = mode == workloadv1alpha1.ModeShadow
		e.store(&plan)
		e.emit(ctx, events.TypePlanShadowEvaluated, plan.ID, plan.CorrelationID, map[string]any{
			"mode": mode, "violations": len(decision.Violations),
		})
		return &plan, nil
	}

	// 3. approval gate
	if plan.RequiresApproval {
		approvedBy, err := e.checkApproval(plan)
		if err != nil {
			plan.Status = workloadv1alpha1.PlanAwaitingApproval
			e.store(&plan)
			return &plan, nil
		}
		plan.Reason = "approved_by:" + approvedBy
	}

	// 4. dispatch
	plan.Status = workloadv1alpha1.PlanRunning
	now := time.Now()
	plan.StartedAt = &now
	e.store(&plan)

	go e.dispatch(plan)

	return &plan, nil
}

// ProvideApproval attaches a signed approval token to a previously submitted
// plan that is awaiting approval, and dispatches it if the token verifies.
func (e *Executor) ProvideApproval(ctx context.Context, planID, token string) (*workloadv1alpha1.ActionPlan, error) {
	e.mu.Lock()
	plan, ok := e.plans[planID]
	e.mu.Unlock()
	if !ok {
		return nil, ctlerrors.New(ctlerrors.CodeNotFound, "action plan not found: "+planID)
	}
	if plan.Status != workloadv1alpha1.PlanAwaitingApproval {
		return nil, ctlerrors.New(ctlerrors.CodeInvalid, "action plan is not awaiting approval")
	}
	if e.verifier == nil {
		return nil, ctlerrors.New(ctlerrors.CodeInternal, "no approval verifier configured")
	}
	approvedBy, err := e.verifier.Verify(token, planID)
	if err != nil {
		return nil, ctlerrors.Wrap(ctlerrors.CodeAwaitingApproval, err, "approval token rejected")
	}

	cp := *plan
	cp.ApprovalToken = token
	cp.Reason = "approved_by:" + approvedBy
	cp.Status = workloadv1alpha1.PlanRunning
	now := time.Now()
	cp.StartedAt = &now
	e.store(&cp)

	go e.dispatch(cp)
	return &cp, nil
}

func (e *Executor) checkApproval(plan workloadv1alpha1.ActionPlan) (string, error) {
	if e.verifier == nil || plan.ApprovalToken == "" {
		return "", fmt.Errorf("no approval token present")
	}
	return e.verifier.Verify(plan.ApprovalToken, plan.ID)
}

// dispatch acquires a worker-pool slot and runs plan's steps sequentially,
// emitting an event per step and updating the stored plan's terminal status.
// A step failure does not abort the remaining steps unless
// plan.AbortOnFirstFail is set; the plan's final status is succeeded iff
// every step succeeded, and failed otherwise.
func (e *Executor) dispatch(plan workloadv1alpha1.ActionPlan) {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	ctx := context.Background()
	anyFailed := false

	for _, step := range plan.Steps {
		started := time.Now()
		e.emit(ctx, events.TypePlanStepStarted, plan.ID, plan.CorrelationID, map[string]any{"verb": step.Verb, "deployment": step.Deployment})

		result := workloadv1alpha1.ActionStepResult{
			Verb: step.Verb, Deployment: step.Deployment, Namespace: step.Namespace, StartedAt: &started,
		}

		err := e.checkBlastRadius(ctx, step)
		if err == nil {
			err = e.runStep(ctx, step)
		}
		completed := time.Now()
		result.CompletedAt = &completed
		if err != nil {
			anyFailed = true
			result.Status = workloadv1alpha1.StepFailed
			result.Error = err.Error()
			plan.Reason = err.Error()
			plan.StepResults = append(plan.StepResults, result)
			e.emit(ctx, events.TypePlanStepFailed, plan.ID, plan.CorrelationID, map[string]any{"error": err.Error()})

			if plan.AbortOnFirstFail {
				for _, remaining := range plan.Steps[len(plan.StepResults):] {
					plan.StepResults = append(plan.StepResults, workloadv1alpha1.ActionStepResult{
						Verb: remaining.Verb, Deployment: remaining.Deployment, Namespace: remaining.Namespace,
						Status: workloadv1alpha1.StepSkipped,
					})
				}
				break
			}
			continue
		}

		result.Status = workloadv1alpha1.StepSucceeded
		plan.StepResults = append(plan.StepResults, result)
		e.emit(ctx, events.TypePlanStepSucceeded, plan.ID, plan.CorrelationID, map[string]any{"verb": step.Verb, "deployment": step.Deployment})
	}

	if anyFailed {
		plan.Status = workloadv1alpha1.PlanFailed
	} else {
		plan.Status = workloadv1alpha1.PlanSucceeded
		plan.Reason = ""
	}
	now := time.Now()
	plan.CompletedAt = &now
	e.store(&plan)
	if anyFailed {
		e.emit(ctx, events.TypePlanFailed, plan.ID, plan.CorrelationID, map[string]any{"reason": plan.Reason})
	} else {
		e.emit(ctx, events.TypePlanCompleted, plan.ID, plan.CorrelationID, nil)
	}
}

// checkBlastRadius rejects a step whose fraction of affected replicas
// exceeds step.Safety.MaxBlastRadiusPercent. scale steps compare the
// magnitude of the replica change against the deployment's current size;
// every other verb touches every pod in the deployment, so its blast radius
// is always 100%.
func (e *Executor) checkBlastRadius(ctx context.Context, step workloadv1alpha1.ActionStep) error {
	if step.Safety.MaxBlastRadiusPercent <= 0 {
		return nil
	}
	ref := workloadv1alpha1.Deployment{Name: step.Deployment, Namespace: step.Namespace, ClusterID: step.ClusterID}
	current, err := e.drv.Get(ctx, ref)
	if err != nil {
		return err
	}

	var affectedPercent int
	switch step.Verb {
	case workloadv1alpha1.VerbScale:
		if current.DesiredReplicas <= 0 || step.Replicas == nil {
			affectedPercent = 100
			break
		}
		delta := current.DesiredReplicas - *step.Replicas
		if delta < 0 {
			delta = -delta
		}
		affectedPercent = int(delta * 100 / current.DesiredReplicas)
	default:
		affectedPercent = 100
	}

	if affectedPercent > step.Safety.MaxBlastRadiusPercent {
		return ctlerrors.New(ctlerrors.CodeBlastRadiusExceeded, fmt.Sprintf(
			"step %s on %s affects %d%% of replicas, exceeding max blast radius %d%%",
			step.Verb, step.Deployment, affectedPercent, step.Safety.MaxBlastRadiusPercent))
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, step workloadv1alpha1.ActionStep) error {
	ref := workloadv1alpha1.Deployment{
		Name: step.Deployment, Namespace: step.Namespace, ClusterID: step.ClusterID,
	}
	switch step.Verb {
	case workloadv1alpha1.VerbUpdate:
		if strategy, _ := step.Params["deployment.strategy"].(string); strategy == "canary" {
			if e.canaryCt == nil {
				return ctlerrors.New(ctlerrors.CodeInternal, "canary strategy requested but no canary controller configured")
			}
			ref.DesiredReplicas = current(step)
			_, err := e.canaryCt.StartCanary(ctx, ref, step.Image)
			return err
		}
		_, err := e.drv.UpdateImage(ctx, ref, step.Image)
		return err
	case workloadv1alpha1.VerbScale:
		if step.Replicas == nil {
			return ctlerrors.New(ctlerrors.CodeValidation, "scale step missing replicas")
		}
		return e.drv.Scale(ctx, ref, *step.Replicas)
	case workloadv1alpha1.VerbReschedule:
		return e.reschedule(ctx, ref, step)
	case workloadv1alpha1.VerbRollback:
		revision, _ := step.Params["to_revision"].(string)
		if err := e.drv.RollbackToRevision(ctx, ref, revision); err != nil {
			return err
		}
		if e.rollbackCt != nil {
			if dep, err := e.drv.Get(ctx, ref); err == nil {
				e.rollbackCt.StopMonitoring(dep.ID)
			}
		}
		return nil
	case workloadv1alpha1.VerbRestart:
		_, err := e.drv.Restart(ctx, ref)
		return err
	case workloadv1alpha1.VerbDrain:
		ttl := time.Duration(step.Safety.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		return e.drv.Drain(ctx, ref, ttl)
	default:
		return ctlerrors.New(ctlerrors.CodeValidation, "unknown action verb: "+string(step.Verb))
	}
}

// reschedule moves a Deployment onto a fresh set of pods by deleting and
// recreating it with the same spec, rather than scaling it in place. Its
// labels and container image are preserved; step.Replicas, if set, overrides
// the desired replica count on the recreated resource.
func (e *Executor) reschedule(ctx context.Context, ref workloadv1alpha1.Deployment, step workloadv1alpha1.ActionStep) error {
	existing, err := e.drv.Get(ctx, ref)
	if err != nil {
		return err
	}
	desired := *existing
	if step.Replicas != nil {
		desired.DesiredReplicas = *step.Replicas
	}
	if err := e.drv.Delete(ctx, ref); err != nil {
		return err
	}
	return e.drv.Create(ctx, desired)
}

func current(step workloadv1alpha1.ActionStep) int32 {
	if step.Replicas != nil {
		return *step.Replicas
	}
	return 0
}

// GetPlanStatus returns a copy of the tracked plan for id.
func (e *Executor) GetPlanStatus(id string) (*workloadv1alpha1.ActionPlan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.plans[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (e *Executor) store(plan *workloadv1alpha1.ActionPlan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *plan
	e.plans[plan.ID] = &cp
}

func (e *Executor) emit(ctx context.Context, t events.Type, planID, correlationID string, attrs map[string]any) {
	if e.emitter == nil {
		return
	}
	if err := e.emitter.Emit(ctx, events.Event{
		Type: t, CorrelationID: correlationID, Subject: planID,
		OccurredAtUnixNano: time.Now().UnixNano(), Attributes: attrs,
	}); err != nil {
		e.log.V(1).Info("failed to emit plan event", "type", t, "err", err)
	}
}

func firstRejectReason(d workloadv1alpha1.Decision) string {
	for _, v := range d.Violations {
		if v.Action == workloadv1alpha1.ActionReject {
			return v.Message
		}
	}
	if len(d.Violations) > 0 {
		return d.Violations[0].Message
	}
	return "rejected by policy"
}
