package store

import (
	"context"
	"sync"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
	ctlerrors "github.com/mlplatform/workload-controller/pkg/util/errors"
)

// MemoryStore is an in-process Store, the default for tests and standalone
// runs where no external database is configured.
type MemoryStore struct {
	mu sync.RWMutex

	workloads   map[string]workloadv1alpha1.Workload
	deployments map[string]workloadv1alpha1.Deployment
	policies    map[string]workloadv1alpha1.Policy
	plans       map[string]workloadv1alpha1.ActionPlan
	rollbacks   map[string]workloadv1alpha1.RollbackRecord
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workloads:   make(map[string]workloadv1alpha1.Workload),
		deployments: make(map[string]workloadv1alpha1.Deployment),
		policies:    make(map[string]workloadv1alpha1.Policy),
		plans:       make(map[string]workloadv1alpha1.ActionPlan),
		rollbacks:   make(map[string]workloadv1alpha1.RollbackRecord),
	}
}

func notFound(kind, id string) error {
	return ctlerrors.New(ctlerrors.CodeNotFound, kind+" not found: "+id)
}

func (s *MemoryStore) SaveWorkload(_ context.Context, w *workloadv1alpha1.Workload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workloads[w.ID] = *w
	return nil
}

func (s *MemoryStore) GetWorkload(_ context.Context, id string) (*workloadv1alpha1.Workload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workloads[id]
	if !ok {
		return nil, notFound("workload", id)
	}
	return &w, nil
}

func (s *MemoryStore) DeleteWorkload(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workloads, id)
	return nil
}

func (s *MemoryStore) ListWorkloads(_ context.Context) ([]workloadv1alpha1.Workload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]workloadv1alpha1.Workload, 0, len(s.workloads))
	for _, w := range s.workloads {
		out = append(out, w)
	}
	return out, nil
}

func (s *MemoryStore) SaveDeployment(_ context.Context, d *workloadv1alpha1.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = *d
	return nil
}

func (s *MemoryStore) GetDeployment(_ context.Context, id string) (*workloadv1alpha1.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, notFound("deployment", id)
	}
	return &d, nil
}

func (s *MemoryStore) DeleteDeployment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deployments, id)
	return nil
}

func (s *MemoryStore) ListDeploymentsByWorkload(_ context.Context, workloadID string) ([]workloadv1alpha1.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workloadv1alpha1.Deployment
	for _, d := range s.deployments {
		if d.WorkloadID == workloadID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) SavePolicy(_ context.Context, p *workloadv1alpha1.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, id string) (*workloadv1alpha1.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, notFound("policy", id)
	}
	return &p, nil
}

func (s *MemoryStore) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	return nil
}

func (s *MemoryStore) ListPolicies(_ context.Context) ([]workloadv1alpha1.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]workloadv1alpha1.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) SaveActionPlan(_ context.Context, p *workloadv1alpha1.ActionPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetActionPlan(_ context.Context, id string) (*workloadv1alpha1.ActionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, notFound("action plan", id)
	}
	return &p, nil
}

func (s *MemoryStore) ListActionPlansByWorkload(_ context.Context, workloadID string) ([]workloadv1alpha1.ActionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workloadv1alpha1.ActionPlan
	for _, p := range s.plans {
		if p.WorkloadID == workloadID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveRollbackRecord(_ context.Context, r *workloadv1alpha1.RollbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks[r.ID] = *r
	return nil
}

func (s *MemoryStore) GetRollbackRecord(_ context.Context, id string) (*workloadv1alpha1.RollbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rollbacks[id]
	if !ok {
		return nil, notFound("rollback record", id)
	}
	return &r, nil
}

// Transact runs fn against s directly. Each Save is a single atomic map
// write, but writes fn made before returning an error are not rolled back.
func (s *MemoryStore) Transact(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, s)
}
