// Package store defines the controller's persistence interface: durable
// storage for Workloads, Deployments, Policies, ActionPlans, and
// RollbackRecords, independent of any particular database.
package store

import (
	"context"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
)

// Store is the persistence interface every controller component depends on
// instead of a concrete database client. Every Save is an upsert keyed by
// the entity's ID; every Get returns an *errors.Error with CodeNotFound
// when the ID is unknown.
type Store interface {
	SaveWorkload(ctx context.Context, w *workloadv1alpha1.Workload) error
	GetWorkload(ctx context.Context, id string) (*workloadv1alpha1.Workload, error)
	DeleteWorkload(ctx context.Context, id string) error
	ListWorkloads(ctx context.Context) ([]workloadv1alpha1.Workload, error)

	SaveDeployment(ctx context.Context, d *workloadv1alpha1.Deployment) error
	GetDeployment(ctx context.Context, id string) (*workloadv1alpha1.Deployment, error)
	DeleteDeployment(ctx context.Context, id string) error
	ListDeploymentsByWorkload(ctx context.Context, workloadID string) ([]workloadv1alpha1.Deployment, error)

	SavePolicy(ctx context.Context, p *workloadv1alpha1.Policy) error
	GetPolicy(ctx context.Context, id string) (*workloadv1alpha1.Policy, error)
	DeletePolicy(ctx context.Context, id string) error
	ListPolicies(ctx context.Context) ([]workloadv1alpha1.Policy, error)

	SaveActionPlan(ctx context.Context, p *workloadv1alpha1.ActionPlan) error
	GetActionPlan(ctx context.Context, id string) (*workloadv1alpha1.ActionPlan, error)
	ListActionPlansByWorkload(ctx context.Context, workloadID string) ([]workloadv1alpha1.ActionPlan, error)

	SaveRollbackRecord(ctx context.Context, r *workloadv1alpha1.RollbackRecord) error
	GetRollbackRecord(ctx context.Context, id string) (*workloadv1alpha1.RollbackRecord, error)

	// Transact runs fn against a Store that commits all of its writes
	// together, or none of them, when fn returns nil or an error
	// respectively. Implementations that cannot offer real transactions
	// (e.g. the in-memory store) simply run fn against themselves.
	Transact(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
