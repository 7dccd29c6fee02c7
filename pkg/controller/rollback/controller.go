// Package rollback implements the Rollback Controller: one long-running
// monitoring loop per managed cluster that watches registered deployments'
// health and automatically rolls back a deployment once it has failed
// enough consecutive health checks, honoring a cooldown between rollbacks
// for the same deployment.
package rollback

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
	"github.com/mlplatform/workload-controller/pkg/controller/driver"
	"github.com/mlplatform/workload-controller/pkg/controller/events"
	"github.com/mlplatform/workload-controller/pkg/controller/health"
)

// Config holds the thresholds that decide when a monitored deployment gets
// automatically rolled back.
type Config struct {
	CheckInterval           time.Duration
	MinHealthScore          float64
	ConsecutiveBadThreshold int
	Cooldown                time.Duration
	// MaxHealthHistory bounds how many recent scores Status averages over.
	MaxHealthHistory int
}

// DefaultConfig matches the defaults spec.md documents for rollback
// monitoring.
func DefaultConfig() Config {
	return Config{
		CheckInterval:           30 * time.Second,
		MinHealthScore:          0.70,
		ConsecutiveBadThreshold: 3,
		Cooldown:                5 * time.Minute,
		MaxHealthHistory:        20,
	}
}

type monitored struct {
	mu             sync.Mutex
	ref            workloadv1alpha1.Deployment
	toRevision     string
	autoRollback   bool
	badCount       int
	lastRollbackAt time.Time
	checkCount     int
	healthScores   []float64
	startedAt      time.Time
	lastCheckAt    time.Time
}

// MonitorStatus is the snapshot returned by Status: how a monitored
// deployment's checks have gone so far.
type MonitorStatus struct {
	DeploymentID        string    `json:"deployment_id"`
	Name                string    `json:"name"`
	Namespace           string    `json:"namespace"`
	StartedAt           time.Time `json:"started_at"`
	LastCheckAt         time.Time `json:"last_check_at"`
	CheckCount          int       `json:"check_count"`
	AverageHealthScore  float64   `json:"average_health_score"`
	AutoRollbackEnabled bool      `json:"auto_rollback_enabled"`
}

// Controller monitors deployments across managed clusters and triggers
// RollbackRecords when they fail health checks.
type Controller struct {
	drv       driver.Driver
	evaluator *health.Evaluator
	emitter   events.Emitter
	cfg       Config
	log       logr.Logger

	mu         sync.Mutex
	monitored  map[string]*monitored // key: deployment ID
	byCluster  map[string]map[string]struct{}
	history    map[string]*workloadv1alpha1.RollbackRecord
}

// New builds a Controller.
func New(drv driver.Driver, evaluator *health.Evaluator, emitter events.Emitter, cfg Config, log logr.Logger) *Controller {
	return &Controller{
		drv:       drv,
		evaluator: evaluator,
		emitter:   emitter,
		cfg:       cfg,
		log:       log,
		monitored: make(map[string]*monitored),
		byCluster: make(map[string]map[string]struct{}),
		history:   make(map[string]*workloadv1alpha1.RollbackRecord),
	}
}

// RegisterDeployment starts monitoring ref for automatic rollback. toRevision
// is the revision RollbackToRevision will target if the deployment fails.
func (c *Controller) RegisterDeployment(ref workloadv1alpha1.Deployment, toRevision string, autoRollback bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitored[ref.ID] = &monitored{
		ref: ref, toRevision: toRevision, autoRollback: autoRollback,
		startedAt: time.Now(),
	}
	if c.byCluster[ref.ClusterID] == nil {
		c.byCluster[ref.ClusterID] = make(map[string]struct{})
	}
	c.byCluster[ref.ClusterID][ref.ID] = struct{}{}
}

// StopMonitoring removes deploymentID from monitoring. It returns false if
// it was not being monitored.
func (c *Controller) StopMonitoring(deploymentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.monitored[deploymentID]
	if !ok {
		return false
	}
	delete(c.monitored, deploymentID)
	if set, ok := c.byCluster[m.ref.ClusterID]; ok {
		delete(set, deploymentID)
	}
	return true
}

// Status returns the current MonitorStatus for deploymentID.
func (c *Controller) Status(deploymentID string) (MonitorStatus, bool) {
	c.mu.Lock()
	m, ok := c.monitored[deploymentID]
	c.mu.Unlock()
	if !ok {
		return MonitorStatus{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, s := range m.healthScores {
		sum += s
	}
	avg := 0.0
	if len(m.healthScores) > 0 {
		avg = sum / float64(len(m.healthScores))
	}
	return MonitorStatus{
		DeploymentID:        deploymentID,
		Name:                m.ref.Name,
		Namespace:           m.ref.Namespace,
		StartedAt:           m.startedAt,
		LastCheckAt:         m.lastCheckAt,
		CheckCount:          m.checkCount,
		AverageHealthScore:  avg,
		AutoRollbackEnabled: m.autoRollback,
	}, true
}

// Run is the monitoring loop for one managed cluster; it blocks until ctx is
// canceled. One Run call should be started per managed Cluster.
func (c *Controller) Run(ctx context.Context, clusterID string) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx, clusterID)
		}
	}
}

func (c *Controller) tick(ctx context.Context, clusterID string) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.byCluster[clusterID]))
	for id := range c.byCluster[clusterID] {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.checkOne(ctx, id)
	}
}

func (c *Controller) checkOne(ctx context.Context, deploymentID string) {
	c.mu.Lock()
	m, ok := c.monitored[deploymentID]
	c.mu.Unlock()
	if !ok {
		return
	}

	snap, err := c.drv.Snapshot(ctx, m.ref)
	if err != nil {
		c.log.V(1).Info("rollback monitor snapshot failed", "deployment", m.ref.Name, "err", err)
		return
	}
	result := c.evaluator.Evaluate(snap)

	m.mu.Lock()
	m.checkCount++
	m.lastCheckAt = time.Now()
	m.healthScores = append(m.healthScores, result.Score)
	if len(m.healthScores) > c.cfg.MaxHealthHistory {
		m.healthScores = m.healthScores[len(m.healthScores)-c.cfg.MaxHealthHistory:]
	}
	if result.Score < c.cfg.MinHealthScore {
		m.badCount++
	} else {
		m.badCount = 0
	}
	shouldRollback := m.autoRollback &&
		m.badCount >= c.cfg.ConsecutiveBadThreshold &&
		time.Since(m.lastRollbackAt) >= c.cfg.Cooldown
	if shouldRollback {
		m.lastRollbackAt = time.Now()
		m.badCount = 0
	}
	ref := m.ref
	toRevision := m.toRevision
	m.mu.Unlock()

	if shouldRollback {
		if _, err := c.TriggerRollback(ctx, ref, toRevision, workloadv1alpha1.RollbackHealthScoreBelowThreshold); err != nil {
			c.log.V(0).Info("automatic rollback failed", "deployment", ref.Name, "err", err)
		}
	}
}

// TriggerRollback executes a rollback of ref to toRevision, recording a
// RollbackRecord regardless of outcome.
func (c *Controller) TriggerRollback(ctx context.Context, ref workloadv1alpha1.Deployment, toRevision string, reason workloadv1alpha1.RollbackReason) (*workloadv1alpha1.RollbackRecord, error) {
	rec := &workloadv1alpha1.RollbackRecord{
		ID:           uuid.NewString(),
		DeploymentID: ref.ID,
		ClusterID:    ref.ClusterID,
		ToRevision:   toRevision,
		Reason:       reason,
		Status:       workloadv1alpha1.RollbackPending,
		TriggeredAt:  time.Now(),
	}
	c.mu.Lock()
	c.history[rec.ID] = rec
	c.mu.Unlock()

	c.emit(ctx, events.TypeRollbackTriggered, rec.ID, map[string]any{"deployment": ref.Name, "reason": reason})

	rec.Status = workloadv1alpha1.RollbackInProgress
	err := c.drv.RollbackToRevision(ctx, ref, toRevision)
	now := time.Now()
	rec.CompletedAt = &now
	if err != nil {
		rec.Status = workloadv1alpha1.RollbackFailed
		rec.Error = err.Error()
		c.emit(ctx, events.TypeRollbackFailed, rec.ID, map[string]any{"error": err.Error()})
		c.StopMonitoring(ref.ID)
		return rec, err
	}
	rec.Status = workloadv1alpha1.RollbackCompleted
	c.emit(ctx, events.TypeRollbackCompleted, rec.ID, nil)
	c.StopMonitoring(ref.ID)
	return rec, nil
}

// GetRollbackStatus returns the RollbackRecord for id.
func (c *Controller) GetRollbackStatus(id string) (*workloadv1alpha1.RollbackRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.history[id]
	return rec, ok
}

func (c *Controller) emit(ctx context.Context, t events.Type, subject string, attrs map[string]any) {
	if c.emitter == nil {
		return
	}
	if err := c.emitter.Emit(ctx, events.Event{
		Type: t, CorrelationID: subject, Subject: subject,
		OccurredAtUnixNano: time.Now().UnixNano(), Attributes: attrs,
	}); err != nil {
		c.log.V(1).Info("failed to emit rollback event", "type", t, "err", err)
	}
}
