// Package health implements the Health Evaluator: a pure, side-effect-free
// scoring function over a point-in-time snapshot of a deployment's pods. It
// performs no I/O and no retries; callers (the Cluster Driver, the Canary
// Controller, the Rollback Controller) are responsible for taking the
// snapshot.
package health

import (
	"time"

	"github.com/go-logr/logr"
)

// Status is the coarse health classification derived from Score.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// ContainerWaitReason is a waiting-state reason that counts as a health
// issue when observed on a container.
type ContainerWaitReason string

const (
	WaitCrashLoopBackOff     ContainerWaitReason = "CrashLoopBackOff"
	WaitImagePullBackOff     ContainerWaitReason = "ImagePullBackOff"
	WaitErrImagePull         ContainerWaitReason = "ErrImagePull"
	WaitCreateContainerError ContainerWaitReason = "CreateContainerError"
)

var badWaitReasons = map[ContainerWaitReason]struct{}{
	WaitCrashLoopBackOff:     {},
	WaitImagePullBackOff:     {},
	WaitErrImagePull:         {},
	WaitCreateContainerError: {},
}

// restartRecencyWindow bounds which pods contribute to restart_penalty: only
// restarts on pods created within this window of the evaluation are counted,
// so a long-lived pod's historical restarts don't permanently depress score.
const restartRecencyWindow = 30 * time.Minute

// ContainerSnapshot is the subset of a container's status the evaluator
// needs.
type ContainerSnapshot struct {
	Name         string
	Ready        bool
	RestartCount int32
	WaitReason   ContainerWaitReason
}

// PodSnapshot is the subset of a pod's status the evaluator needs.
type PodSnapshot struct {
	Name       string
	Phase      string // "Running", "Succeeded", "Pending", "Failed", "Unknown"
	CreatedAt  time.Time
	Containers []ContainerSnapshot
}

// Snapshot is the point-in-time state of one deployment the evaluator scores.
type Snapshot struct {
	Name              string
	Namespace         string
	DesiredReplicas   int32
	ReadyReplicas     int32
	AvailableReplicas int32
	Pods              []PodSnapshot
}

// Config holds the weights and threshold used to score and classify a
// Result. Score = 0.60*ready_fraction + 0.25*(1-restart_penalty) +
// 0.15*(1-bad_state_fraction).
type Config struct {
	// ReadyWeight, RestartWeight, and BadStateWeight sum to 1.0 and weight
	// the three components of the health score.
	ReadyWeight    float64
	RestartWeight  float64
	BadStateWeight float64
	// MaxRestartsForFullPenalty is the mean recent-restart count at which
	// restart_penalty saturates at 1.0.
	MaxRestartsForFullPenalty float64
	// HealthyThreshold and DegradedThreshold classify the weighted score
	// into Status; a score below DegradedThreshold is Unhealthy.
	HealthyThreshold  float64
	DegradedThreshold float64
}

// DefaultConfig matches the defaults spec.md documents for the Health
// Evaluator.
func DefaultConfig() Config {
	return Config{
		ReadyWeight:               0.60,
		RestartWeight:             0.25,
		BadStateWeight:            0.15,
		MaxRestartsForFullPenalty: 5,
		HealthyThreshold:          0.85,
		DegradedThreshold:         0.60,
	}
}

// Result is the outcome of evaluating one Snapshot.
type Result struct {
	Status    Status
	Score     float64
	Message   string
	Issues    []string
	CheckedAt time.Time
}

// Evaluator scores Snapshots against a Config. It is pure: NewEvaluator
// never touches the network, and Evaluate never blocks.
type Evaluator struct {
	cfg Config
	log logr.Logger
	now func() time.Time
}

// NewEvaluator builds an Evaluator. log may be logr.Discard() in tests.
func NewEvaluator(cfg Config, log logr.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, log: log, now: time.Now}
}

// Evaluate computes a weighted health Score in [0,1] for snap and classifies
// it into a Status. It never returns an error.
//
// A deployment with zero declared replicas and zero observed pods is
// healthy by vacuity: there is nothing running that could be unhealthy, and
// treating "scaled to zero" as Unknown would make routine scale-to-zero
// workloads perpetually report a health problem.
func (e *Evaluator) Evaluate(snap Snapshot) Result {
	now := e.now()

	totalPods := len(snap.Pods)
	if totalPods == 0 {
		if snap.DesiredReplicas == 0 {
			return Result{
				Status:    StatusHealthy,
				Score:     1.0,
				Message:   "deployment has no declared or observed replicas",
				CheckedAt: now,
			}
		}
		return Result{
			Status:    StatusUnknown,
			Score:     0,
			Message:   "deployment has declared replicas but no observed pods",
			Issues:    []string{"no pods observed"},
			CheckedAt: now,
		}
	}

	observedPods := int32(totalPods)
	denominator := snap.DesiredReplicas
	if observedPods > denominator {
		denominator = observedPods
	}
	if denominator == 0 {
		denominator = 1
	}
	readyFraction := clamp01(float64(snap.ReadyReplicas) / float64(denominator))

	restartPenalty, badStateFraction, issues := e.scorePods(snap.Pods, now)

	score := e.cfg.ReadyWeight*readyFraction +
		e.cfg.RestartWeight*(1-restartPenalty) +
		e.cfg.BadStateWeight*(1-badStateFraction)

	status, message := e.classify(score, issues)

	e.log.V(2).Info("evaluated deployment health",
		"name", snap.Name, "namespace", snap.Namespace,
		"score", score, "status", status)

	return Result{
		Status:    status,
		Score:     score,
		Message:   message,
		Issues:    issues,
		CheckedAt: now,
	}
}

// scorePods computes restart_penalty and bad_state_fraction over pods.
// restart_penalty is min(1.0, mean_recent_restarts/MaxRestartsForFullPenalty),
// where a pod's restarts count as recent only if the pod was created within
// restartRecencyWindow of now. bad_state_fraction is the fraction of pods
// with at least one container in a badWaitReasons state.
func (e *Evaluator) scorePods(pods []PodSnapshot, now time.Time) (float64, float64, []string) {
	if len(pods) == 0 {
		return 0, 0, nil
	}
	var issues []string
	var recentRestartSum float64
	badPods := 0

	for _, pod := range pods {
		if now.Sub(pod.CreatedAt) <= restartRecencyWindow {
			for _, c := range pod.Containers {
				recentRestartSum += float64(c.RestartCount)
			}
		}
		bad := false
		for _, c := range pod.Containers {
			if c.WaitReason != "" {
				if _, isBad := badWaitReasons[c.WaitReason]; isBad {
					issues = append(issues, "container "+c.Name+" in pod "+pod.Name+" is "+string(c.WaitReason))
					bad = true
				}
			}
			if !c.Ready {
				issues = append(issues, "container "+c.Name+" in pod "+pod.Name+" not ready")
			}
		}
		if pod.Phase != "Running" && pod.Phase != "Succeeded" {
			issues = append(issues, "pod "+pod.Name+" in "+pod.Phase+" phase")
		}
		if bad {
			badPods++
		}
	}

	meanRecentRestarts := recentRestartSum / float64(len(pods))
	restartPenalty := 1.0
	if e.cfg.MaxRestartsForFullPenalty > 0 {
		restartPenalty = meanRecentRestarts / e.cfg.MaxRestartsForFullPenalty
	}
	restartPenalty = clamp01(restartPenalty)

	badStateFraction := float64(badPods) / float64(len(pods))
	return restartPenalty, badStateFraction, issues
}

func (e *Evaluator) classify(score float64, issues []string) (Status, string) {
	switch {
	case score >= e.cfg.HealthyThreshold:
		return StatusHealthy, "deployment is healthy"
	case score >= e.cfg.DegradedThreshold:
		return StatusDegraded, "deployment is degraded: " + joinIssues(issues)
	default:
		return StatusUnhealthy, "deployment is unhealthy: " + joinIssues(issues)
	}
}

func joinIssues(issues []string) string {
	if len(issues) == 0 {
		return "no specific issues recorded"
	}
	out := issues[0]
	for _, i := range issues[1:] {
		out += "; " + i
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
