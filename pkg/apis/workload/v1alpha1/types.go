// Package v1alpha1 defines the data model shared by every controller
// component: workloads, clusters, deployments, policies, decisions, action
// plans, canary state and rollback records.
package v1alpha1

import "time"

// GPURequest is an optional GPU allocation within a ResourceRequest: a count
// of devices of a given SKU (e.g. "L4", "A100").
type GPURequest struct {
	Count int32  `json:"count"`
	SKU   string `json:"sku"`
}

// ResourceRequest is the per-replica compute footprint of a Workload or
// ActionStep: a CPU quantity in cores, a memory quantity in bytes, and an
// optional GPU allocation. It is the unit the cost_ceiling and quota policy
// rules price and sum.
type ResourceRequest struct {
	CPUCores    float64     `json:"cpu_cores"`
	MemoryBytes int64       `json:"memory_bytes"`
	GPU         *GPURequest `json:"gpu,omitempty"`
}

// Workload is the top-level unit a user submits for scheduling. It owns one
// or more Deployments across one or more Clusters.
type Workload struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace"`
	Owner       string            `json:"owner"`
	Image       string            `json:"image"`
	Resources   ResourceRequest   `json:"resources"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ClusterState is the last-observed reachability of a managed cluster.
type ClusterState string

const (
	ClusterStateReady       ClusterState = "ready"
	ClusterStateDegraded    ClusterState = "degraded"
	ClusterStateUnreachable ClusterState = "unreachable"
)

// Cluster is a managed Kubernetes cluster the driver can act against.
type Cluster struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Region       string       `json:"region"`
	State        ClusterState `json:"state"`
	MaxInFlight  int          `json:"max_in_flight"`
	LastCheckAt  time.Time    `json:"last_check_at"`
}

// DeploymentKind enumerates the resource kinds the driver knows how to
// drive: Deployment, StatefulSet, and Job.
type DeploymentKind string

const (
	KindDeployment  DeploymentKind = "Deployment"
	KindStatefulSet DeploymentKind = "StatefulSet"
	KindJob         DeploymentKind = "Job"
)

// Deployment is a single managed workload instance running in one cluster
// and namespace.
type Deployment struct {
	ID              string            `json:"id"`
	WorkloadID      string            `json:"workload_id"`
	ClusterID       string            `json:"cluster_id"`
	Name            string            `json:"name"`
	Namespace       string            `json:"namespace"`
	Kind            DeploymentKind    `json:"kind"`
	Image           string            `json:"image"`
	Revision        string            `json:"revision"`
	DesiredReplicas int32             `json:"desired_replicas"`
	Labels          map[string]string `json:"labels,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// RuleVerb restricts which action verbs a policy rule applies to. An empty
// slice means the rule applies to every verb.
type RuleVerb string

const (
	VerbScale      RuleVerb = "scale"
	VerbReschedule RuleVerb = "reschedule"
	VerbRollback   RuleVerb = "rollback"
	VerbUpdate     RuleVerb = "update"
	VerbDrain      RuleVerb = "drain"
	VerbRestart    RuleVerb = "restart"
)

// RuleKind names the checkable constraint a PolicyRule enforces.
type RuleKind string

const (
	RuleCostCeiling   RuleKind = "cost_ceiling"
	RuleRateLimit     RuleKind = "rate_limit"
	RuleSLA           RuleKind = "sla"
	RuleSLO           RuleKind = "slo"
	RuleQuota         RuleKind = "quota"
	RuleChangeFreeze  RuleKind = "change_freeze"
)

// RuleAction is what happens when a PolicyRule matches and its constraint is
// violated.
type RuleAction string

const (
	ActionReject RuleAction = "reject"
	ActionWarn   RuleAction = "warn"
	ActionLog    RuleAction = "log"
)

// PolicyRule is one named, priority-ordered constraint within a Policy.
type PolicyRule struct {
	Name      string            `json:"name"`
	Kind      RuleKind          `json:"kind"`
	Priority  int               `json:"priority"`
	Verbs     []RuleVerb        `json:"verbs,omitempty"`
	Selector  map[string]string `json:"selector,omitempty"`
	Action    RuleAction        `json:"action"`
	Params    map[string]any    `json:"params,omitempty"`
}

// EvaluationMode controls whether a Policy's violations actually block an
// ActionPlan.
type EvaluationMode string

const (
	ModeEnforce EvaluationMode = "enforce"
	ModeDryRun  EvaluationMode = "dry_run"
	ModeShadow  EvaluationMode = "shadow"
)

// Policy is a named, enabled/disabled, prioritized set of PolicyRules.
// Evaluation mode (enforce/dry_run/shadow) is not a property of the Policy:
// it is supplied per call to Engine.Evaluate, so the same registered policy
// can be exercised in enforce mode for one plan and dry_run for another.
type Policy struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Enabled   bool           `json:"enabled"`
	Priority  int            `json:"priority"`
	Rules     []PolicyRule   `json:"rules"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Violation records a single PolicyRule that fired against an ActionPlan.
type Violation struct {
	PolicyID string     `json:"policy_id"`
	RuleName string     `json:"rule_name"`
	Action   RuleAction `json:"action"`
	Message  string     `json:"message"`
}

// Decision is the Policy Engine's verdict for one ActionPlan.
type Decision struct {
	ActionPlanID string         `json:"action_plan_id"`
	Approved     bool           `json:"approved"`
	Mode         EvaluationMode `json:"mode"`
	Violations   []Violation    `json:"violations,omitempty"`
	EvaluatedAt  time.Time      `json:"evaluated_at"`
	DurationMS   int64          `json:"duration_ms"`
}

// ActionVerb is the operation an ActionPlan step performs.
type ActionVerb = RuleVerb

// SafetyBlock bounds how aggressively a Decision is allowed to execute.
type SafetyBlock struct {
	MaxBlastRadiusPercent int  `json:"max_blast_radius_percent,omitempty"`
	RequiresApproval      bool `json:"requires_approval,omitempty"`
	TTLSeconds            int  `json:"ttl_seconds,omitempty"`
}

// ActionStep is one imperative change within an ActionPlan.
type ActionStep struct {
	Verb       ActionVerb      `json:"verb"`
	Deployment string          `json:"deployment"`
	Namespace  string          `json:"namespace"`
	ClusterID  string          `json:"cluster_id"`
	Image      string          `json:"image,omitempty"`
	Replicas   *int32          `json:"replicas,omitempty"`
	Resources  ResourceRequest `json:"resources,omitempty"`
	Safety     SafetyBlock     `json:"safety,omitempty"`
	Params     map[string]any  `json:"params,omitempty"`
}

// PlanStatus is the lifecycle state of an ActionPlan as it moves through the
// Plan Executor.
type PlanStatus string

const (
	PlanPending           PlanStatus = "pending"
	PlanAwaitingApproval  PlanStatus = "awaiting_approval"
	PlanRunning           PlanStatus = "running"
	PlanSucceeded         PlanStatus = "succeeded"
	PlanFailed            PlanStatus = "failed"
	PlanRejected          PlanStatus = "rejected"
	PlanRolledBack        PlanStatus = "rolled_back"
)

// PlanSource identifies which entrypoint submitted an ActionPlan. It is the
// value change_freeze's exempt_sources matches against.
type PlanSource string

const (
	SourceBridge PlanSource = "bridge"
	SourceAPI    PlanSource = "api"
)

// ActionStepStatus is the per-step outcome recorded on an ActionPlan as the
// Plan Executor dispatches it.
type ActionStepStatus string

const (
	StepPending   ActionStepStatus = "pending"
	StepStarted   ActionStepStatus = "started"
	StepSucceeded ActionStepStatus = "succeeded"
	StepFailed    ActionStepStatus = "failed"
	StepSkipped   ActionStepStatus = "skipped"
)

// ActionStepResult is one step's outcome within a dispatched ActionPlan; the
// external API's PlanResult exposes these as per_decision.
type ActionStepResult struct {
	Verb        ActionVerb       `json:"verb"`
	Deployment  string           `json:"deployment"`
	Namespace   string           `json:"namespace"`
	Status      ActionStepStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ActionPlan is a set of ActionSteps submitted as a unit, subject to policy
// evaluation and executed by the Plan Executor. Externally it is returned as
// the PlanResult: Status plus Violations plus per-step StepResults.
type ActionPlan struct {
	ID               string             `json:"id"`
	WorkloadID       string             `json:"workload_id"`
	CorrelationID    string             `json:"correlation_id"`
	Source           PlanSource         `json:"source"`
	Mode             EvaluationMode     `json:"mode,omitempty"`
	AbortOnFirstFail bool               `json:"abort_on_first_failure,omitempty"`
	Steps            []ActionStep       `json:"steps"`
	Status           PlanStatus         `json:"status"`
	Reason           string             `json:"reason,omitempty"`
	Violations       []Violation        `json:"violations,omitempty"`
	StepResults      []ActionStepResult `json:"per_decision,omitempty"`
	RequiresApproval bool               `json:"requires_approval"`
	ApprovalToken    string             `json:"approval_token,omitempty"`
	ShadowExecuted   bool               `json:"shadow_executed,omitempty"`
	SubmittedAt      time.Time          `json:"submitted_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
}

// CanaryPhase is one state in the canary rollout state machine. spec.md
// defines six phases; this is authoritative over the seven-phase model in
// the pre-distillation implementation.
type CanaryPhase string

const (
	CanaryInitializing    CanaryPhase = "initializing"
	CanaryDeployingCanary CanaryPhase = "deploying_canary"
	CanaryAnalyzing       CanaryPhase = "analyzing"
	CanaryPromoting       CanaryPhase = "promoting"
	CanaryPromoted        CanaryPhase = "promoted"
	CanaryFailed          CanaryPhase = "failed"
)

// CanaryState is the live state of one in-flight canary rollout.
type CanaryState struct {
	ID              string      `json:"id"`
	DeploymentID    string      `json:"deployment_id"`
	ClusterID       string      `json:"cluster_id"`
	Name            string      `json:"name"`
	Namespace       string      `json:"namespace"`
	Phase           CanaryPhase `json:"phase"`
	TargetImage     string      `json:"target_image"`
	TrafficPercent  int         `json:"traffic_percent"`
	StepPercent     int         `json:"step_percent"`
	MaxPercent      int         `json:"max_percent"`
	LastHealthScore float64     `json:"last_health_score"`
	StartedAt       time.Time   `json:"started_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	FailureReason   string      `json:"failure_reason,omitempty"`
}

// RollbackReason is why a RollbackRecord was created.
type RollbackReason string

const (
	RollbackHealthScoreBelowThreshold RollbackReason = "health_score_below_threshold"
	RollbackManual                    RollbackReason = "manual"
	RollbackPolicyViolation           RollbackReason = "policy_violation"
	RollbackCanaryAbort               RollbackReason = "canary_abort"
)

// RollbackStatus is the lifecycle state of one rollback execution.
type RollbackStatus string

const (
	RollbackPending    RollbackStatus = "pending"
	RollbackInProgress RollbackStatus = "in_progress"
	RollbackCompleted  RollbackStatus = "completed"
	RollbackFailed     RollbackStatus = "failed"
)

// RollbackRecord is one automatic or manual rollback execution.
type RollbackRecord struct {
	ID           string         `json:"id"`
	DeploymentID string         `json:"deployment_id"`
	ClusterID    string         `json:"cluster_id"`
	ToRevision   string         `json:"to_revision"`
	Reason       RollbackReason `json:"reason"`
	Status       RollbackStatus `json:"status"`
	TriggeredAt  time.Time      `json:"triggered_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// RateWindow is the Rate Limiter's per-key counter state.
type RateWindow struct {
	Key         string    `json:"key"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
	WindowStart time.Time `json:"window_start"`
	WindowSize  time.Duration `json:"window_size"`
}
