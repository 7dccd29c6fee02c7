// Package driver implements the Cluster Driver: the only component that
// talks to a real Kubernetes API server. Every other controller component
// depends on the Driver interface, never on client-go directly, so they can
// be tested against FakeDriver.
package driver

import (
	"context"
	"time"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
	"github.com/mlplatform/workload-controller/pkg/controller/health"
)

// Driver performs CRUD, scale, and rollout operations against a managed
// cluster's Deployments, StatefulSets, and Jobs, and takes health snapshots
// for the Health Evaluator. Every method retries transient API errors with
// exponential backoff internally; callers see only success or a terminal
// *errors.Error.
type Driver interface {
	// Get fetches the current state of a managed resource.
	Get(ctx context.Context, ref workloadv1alpha1.Deployment) (*workloadv1alpha1.Deployment, error)
	// Create creates a new managed resource.
	Create(ctx context.Context, dep workloadv1alpha1.Deployment) error
	// UpdateImage performs a rolling update of a managed resource's
	// container image, returning the revision string the cluster assigns.
	UpdateImage(ctx context.Context, ref workloadv1alpha1.Deployment, image string) (revision string, err error)
	// Scale changes a managed resource's desired replica count.
	Scale(ctx context.Context, ref workloadv1alpha1.Deployment, replicas int32) error
	// Delete deletes a managed resource.
	Delete(ctx context.Context, ref workloadv1alpha1.Deployment) error
	// RollbackToRevision reverts a managed resource to a previously recorded
	// revision.
	RollbackToRevision(ctx context.Context, ref workloadv1alpha1.Deployment, revision string) error
	// Restart performs a rolling restart of a managed resource by stamping a
	// restart-trigger annotation, without changing its image, returning the
	// revision string the cluster assigns.
	Restart(ctx context.Context, ref workloadv1alpha1.Deployment) (revision string, err error)
	// Drain scales a managed resource to zero replicas and waits for its pods
	// to exit, up to ttl. It returns once every pod has exited or ttl elapses.
	// It does not cordon nodes or mark pods unschedulable.
	Drain(ctx context.Context, ref workloadv1alpha1.Deployment, ttl time.Duration) error
	// Snapshot takes a point-in-time health.Snapshot of a managed resource
	// and its pods, for feeding into the Health Evaluator.
	Snapshot(ctx context.Context, ref workloadv1alpha1.Deployment) (health.Snapshot, error)
	// ClusterState reports whether the driver can currently reach the
	// cluster identified by clusterID.
	ClusterState(ctx context.Context, clusterID string) (workloadv1alpha1.ClusterState, error)
}

// RetryPolicy configures the exponential backoff every Driver implementation
// applies to transient failures.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
	Factor          float64
}

// DefaultRetryPolicy matches the defaults spec.md documents for cluster
// operations.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		MaxRetries:      5,
		Factor:          2.0,
	}
}
