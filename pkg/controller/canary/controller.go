// Package canary implements the Canary Controller: progressive rollout of a
// new image alongside a workload's existing ("stable") deployment, gated on
// live health scores from the Health Evaluator. One goroutine drives each
// active canary, matching the "one worker per active canary" concurrency
// requirement.
package canary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
	"github.com/mlplatform/workload-controller/pkg/controller/driver"
	"github.com/mlplatform/workload-controller/pkg/controller/events"
	"github.com/mlplatform/workload-controller/pkg/controller/health"
	"github.com/mlplatform/workload-controller/pkg/controller/rollback"
	ctlerrors "github.com/mlplatform/workload-controller/pkg/util/errors"
)

// Config holds the tunables for one canary rollout.
type Config struct {
	InitialPercent      int
	IncrementPercent    int
	StepDurationSeconds int
	MinHealthScore      float64
	// AnalysisSamples is how many health snapshots are averaged into each
	// step's score. A step ticks every StepDurationSeconds/AnalysisSamples.
	AnalysisSamples int
	// MaxDurationSeconds bounds the wall-clock lifetime of a rollout: it is
	// forced to the failed terminal state if it has not reached a terminal
	// state on its own by then, even under transient driver errors.
	MaxDurationSeconds int
	AutoPromote        bool
	AbortOnFailure     bool
}

// DefaultConfig matches the defaults spec.md documents for canary rollouts.
func DefaultConfig() Config {
	return Config{
		InitialPercent:      10,
		IncrementPercent:    10,
		StepDurationSeconds: 300,
		MinHealthScore:      0.85,
		AnalysisSamples:     3,
		MaxDurationSeconds:  3600,
		AutoPromote:         true,
		AbortOnFailure:      true,
	}
}

func stableName(name string) string { return name + "-stable" }
func canaryName(name string) string { return name + "-canary" }

// Controller manages the set of in-flight canary rollouts for one cluster
// driver.
type Controller struct {
	drv        driver.Driver
	evaluator  *health.Evaluator
	emitter    events.Emitter
	rollbackCt *rollback.Controller
	cfg        Config
	log        logr.Logger

	mu     sync.Mutex
	active map[string]*worker
}

type worker struct {
	mu                     sync.Mutex
	state                  workloadv1alpha1.CanaryState
	cancel                 context.CancelFunc
	totalReplicas          int32
	preStartStableReplicas int32
	stableRevision         string
}

// New builds a Controller. rollbackCt may be nil if canary_abort should not
// create a RollbackRecord (e.g. in tests that don't exercise that path).
func New(drv driver.Driver, evaluator *health.Evaluator, emitter events.Emitter, rollbackCt *rollback.Controller, cfg Config, log logr.Logger) *Controller {
	return &Controller{
		drv:        drv,
		evaluator:  evaluator,
		emitter:    emitter,
		rollbackCt: rollbackCt,
		cfg:        cfg,
		log:        log,
		active:     make(map[string]*worker),
	}
}

// ceilPercent computes ceil(total*pct/100) using integer arithmetic.
func ceilPercent(total int32, pct int) int32 {
	if total <= 0 || pct <= 0 {
		return 0
	}
	num := int64(total) * int64(pct)
	return int32((num + 99) / 100)
}

// StartCanary begins a progressive rollout of targetImage for the workload
// identified by base (whose Name/Namespace/ClusterID/Kind describe the
// stable resource, and whose DesiredReplicas is the target combined replica
// count). If no stable deployment exists yet, the bootstrap edge case
// applies: the target image is deployed directly as the stable resource and
// no canary worker is started.
func (c *Controller) StartCanary(ctx context.Context, base workloadv1alpha1.Deployment, targetImage string) (*workloadv1alpha1.CanaryState, error) {
	stableRef := base
	stableRef.Name = stableName(base.Name)

	existingStable, err := c.drv.Get(ctx, stableRef)
	if err != nil && ctlerrors.CanonicalCode(err) == ctlerrors.CodeNotFound {
		bootstrap := base
		bootstrap.Name = stableRef.Name
		bootstrap.Image = targetImage
		if createErr := c.drv.Create(ctx, bootstrap); createErr != nil {
			return nil, createErr
		}
		return &workloadv1alpha1.CanaryState{
			ID:           uuid.NewString(),
			DeploymentID: base.ID,
			ClusterID:    base.ClusterID,
			Name:         base.Name,
			Namespace:    base.Namespace,
			Phase:        workloadv1alpha1.CanaryPromoted,
			TargetImage:  targetImage,
			StartedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	total := base.DesiredReplicas
	initialCanaryReplicas := ceilPercent(total, c.cfg.InitialPercent)
	stableReplicas := total - initialCanaryReplicas
	if stableReplicas < 0 {
		stableReplicas = 0
	}

	canaryRef := base
	canaryRef.Name = canaryName(base.Name)
	canaryRef.Image = targetImage
	canaryRef.DesiredReplicas = initialCanaryReplicas
	if err := c.drv.Create(ctx, canaryRef); err != nil {
		return nil, err
	}
	if err := c.drv.Scale(ctx, stableRef, stableReplicas); err != nil {
		c.log.V(1).Info("initial stable scale-down failed", "stable", stableRef.Name, "err", err)
	}

	state := workloadv1alpha1.CanaryState{
		ID:             uuid.NewString(),
		DeploymentID:   base.ID,
		ClusterID:      base.ClusterID,
		Name:           base.Name,
		Namespace:      base.Namespace,
		Phase:          workloadv1alpha1.CanaryInitializing,
		TargetImage:    targetImage,
		TrafficPercent: c.cfg.InitialPercent,
		StepPercent:    c.cfg.IncrementPercent,
		MaxPercent:     100,
		StartedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	w := &worker{
		state:                  state,
		cancel:                 cancel,
		totalReplicas:          total,
		preStartStableReplicas: existingStable.DesiredReplicas,
		stableRevision:         existingStable.Revision,
	}

	c.mu.Lock()
	c.active[state.ID] = w
	c.mu.Unlock()

	c.emit(ctx, events.TypeCanaryStarted, state.ID, map[string]any{"deployment": base.Name, "target_image": targetImage})

	go c.run(workerCtx, w, base, stableRef, canaryRef)

	return &state, nil
}

// GetCanaryStatus returns a copy of the current CanaryState for id.
func (c *Controller) GetCanaryStatus(id string) (workloadv1alpha1.CanaryState, bool) {
	c.mu.Lock()
	w, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return workloadv1alpha1.CanaryState{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, true
}

// AbortCanary stops the worker for id and requests cleanup; it returns
// false if id is not an active canary.
func (c *Controller) AbortCanary(id string) bool {
	c.mu.Lock()
	w, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	w.cancel()
	return true
}

func (c *Controller) setPhase(w *worker, phase workloadv1alpha1.CanaryPhase, reason string) {
	w.mu.Lock()
	w.state.Phase = phase
	w.state.UpdatedAt = time.Now()
	if reason != "" {
		w.state.FailureReason = reason
	}
	w.mu.Unlock()
}

// run drives one canary rollout to a terminal state. It samples health every
// StepDurationSeconds/AnalysisSamples, averaging AnalysisSamples samples per
// step; a step with fewer than 2 valid samples scores 0 and fails the step.
// A hard deadline of MaxDurationSeconds guarantees the rollout reaches a
// terminal state even if the driver keeps failing snapshots.
func (c *Controller) run(ctx context.Context, w *worker, base, stableRef, canaryRef workloadv1alpha1.Deployment) {
	sampleInterval := c.sampleInterval()
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(time.Duration(c.cfg.MaxDurationSeconds) * time.Second)
	defer deadline.Stop()

	c.setPhase(w, workloadv1alpha1.CanaryDeployingCanary, "")

	var samples []float64
	analysisSamples := c.cfg.AnalysisSamples
	if analysisSamples < 1 {
		analysisSamples = 1
	}

	for {
		select {
		case <-ctx.Done():
			c.failAndRestore(context.Background(), w, stableRef, canaryRef, "aborted")
			return

		case <-deadline.C:
			c.failAndRestore(context.Background(), w, stableRef, canaryRef, fmt.Sprintf("exceeded max duration of %ds without reaching a terminal state", c.cfg.MaxDurationSeconds))
			return

		case <-ticker.C:
			snap, err := c.drv.Snapshot(context.Background(), canaryRef)
			if err != nil {
				c.log.V(1).Info("canary health snapshot failed", "canary", canaryRef.Name, "err", err)
				continue
			}
			result := c.evaluator.Evaluate(snap)
			if result.Status != health.StatusUnknown {
				samples = append(samples, result.Score)
			}
			if len(samples) < analysisSamples {
				continue
			}

			score := averageScore(samples)
			samples = nil

			w.mu.Lock()
			w.state.LastHealthScore = score
			w.state.UpdatedAt = time.Now()
			w.mu.Unlock()

			if score < c.cfg.MinHealthScore {
				if c.cfg.AbortOnFailure {
					c.failAndRestore(context.Background(), w, stableRef, canaryRef, fmt.Sprintf("health score %.2f below threshold %.2f", score, c.cfg.MinHealthScore))
					return
				}
				c.setPhase(w, workloadv1alpha1.CanaryFailed, fmt.Sprintf("health score %.2f below threshold %.2f", score, c.cfg.MinHealthScore))
				return
			}

			w.mu.Lock()
			w.state.TrafficPercent += c.cfg.IncrementPercent
			if w.state.TrafficPercent > 100 {
				w.state.TrafficPercent = 100
			}
			pct := w.state.TrafficPercent
			w.mu.Unlock()

			c.setPhase(w, workloadv1alpha1.CanaryAnalyzing, "")
			c.emit(context.Background(), events.TypeCanaryPhaseChanged, w.state.ID, map[string]any{"traffic_percent": pct})

			canaryReplicas := ceilPercent(w.totalReplicas, pct)
			stableReplicas := w.totalReplicas - canaryReplicas
			if stableReplicas < 0 {
				stableReplicas = 0
			}
			if err := c.drv.Scale(context.Background(), canaryRef, canaryReplicas); err != nil {
				c.log.V(1).Info("canary scale failed", "canary", canaryRef.Name, "err", err)
			}
			if err := c.drv.Scale(context.Background(), stableRef, stableReplicas); err != nil {
				c.log.V(1).Info("stable proportional scale-down failed", "stable", stableRef.Name, "err", err)
			}

			if pct >= 100 {
				if c.cfg.AutoPromote {
					c.promote(context.Background(), w, stableRef, canaryRef)
				} else {
					c.setPhase(w, workloadv1alpha1.CanaryAnalyzing, "at 100% traffic, awaiting manual promotion")
				}
				return
			}
		}
	}
}

func (c *Controller) sampleInterval() time.Duration {
	samples := c.cfg.AnalysisSamples
	if samples < 1 {
		samples = 1
	}
	seconds := c.cfg.StepDurationSeconds / samples
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func averageScore(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func (c *Controller) promote(ctx context.Context, w *worker, stableRef, canaryRef workloadv1alpha1.Deployment) {
	c.setPhase(w, workloadv1alpha1.CanaryPromoting, "")
	if _, err := c.drv.UpdateImage(ctx, stableRef, w.currentTargetImage()); err != nil {
		c.setPhase(w, workloadv1alpha1.CanaryFailed, "promotion failed: "+err.Error())
		return
	}
	if err := c.drv.Scale(ctx, stableRef, w.totalReplicas); err != nil {
		c.log.V(1).Info("post-promotion stable scale-up failed", "stable", stableRef.Name, "err", err)
	}
	_ = c.drv.Delete(ctx, canaryRef)
	c.setPhase(w, workloadv1alpha1.CanaryPromoted, "")
	c.emit(ctx, events.TypeCanaryPromoted, w.state.ID, nil)
	if c.rollbackCt != nil {
		c.rollbackCt.StopMonitoring(stableRef.ID)
	}
}

func (w *worker) currentTargetImage() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.TargetImage
}

// failAndRestore deletes the canary deployment, restores the stable
// deployment to its pre-start replica count, marks the rollout Failed, and
// (if a Rollback Controller is wired) records a canary_abort RollbackRecord
// so the failure shows up in rollback history alongside health-triggered
// rollbacks.
func (c *Controller) failAndRestore(ctx context.Context, w *worker, stableRef, canaryRef workloadv1alpha1.Deployment, reason string) {
	_ = c.drv.Delete(ctx, canaryRef)
	if err := c.drv.Scale(ctx, stableRef, w.preStartStableReplicas); err != nil {
		c.log.V(1).Info("stable restore-on-failure scale failed", "stable", stableRef.Name, "err", err)
	}
	c.setPhase(w, workloadv1alpha1.CanaryFailed, reason)
	c.emit(ctx, events.TypeCanaryAborted, w.state.ID, map[string]any{"reason": reason})

	if c.rollbackCt != nil {
		if _, err := c.rollbackCt.TriggerRollback(ctx, stableRef, w.stableRevision, workloadv1alpha1.RollbackCanaryAbort); err != nil {
			c.log.V(1).Info("failed to record canary_abort rollback", "stable", stableRef.Name, "err", err)
		}
	}
}

func (c *Controller) emit(ctx context.Context, t events.Type, subject string, attrs map[string]any) {
	if c.emitter == nil {
		return
	}
	if err := c.emitter.Emit(ctx, events.Event{
		Type:               t,
		CorrelationID:      subject,
		Subject:            subject,
		OccurredAtUnixNano: time.Now().UnixNano(),
		Attributes:         attrs,
	}); err != nil {
		c.log.V(1).Info("failed to emit canary event", "type", t, "err", err)
	}
}
