package driver

import (
	"context"
	"strconv"
	"sync"
	"time"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
	"github.com/mlplatform/workload-controller/pkg/controller/health"
	ctlerrors "github.com/mlplatform/workload-controller/pkg/util/errors"
)

// FakeDriver is an in-memory Driver for tests. It records every call it
// receives so tests can assert on the sequence of operations performed.
type FakeDriver struct {
	mu sync.Mutex

	deployments map[string]workloadv1alpha1.Deployment // key: namespace/name
	snapshots   map[string]health.Snapshot
	clusterState workloadv1alpha1.ClusterState

	Calls []string

	// FailNextN, if > 0, makes the next N mutating calls fail with the
	// given error, decrementing the counter each time.
	FailNextN int
	FailErr   error
}

// NewFakeDriver builds an empty FakeDriver reporting ClusterStateReady.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		deployments:  make(map[string]workloadv1alpha1.Deployment),
		snapshots:    make(map[string]health.Snapshot),
		clusterState: workloadv1alpha1.ClusterStateReady,
	}
}

func key(namespace, name string) string { return namespace + "/" + name }

// SeedDeployment installs a Deployment as if it already existed in the
// cluster, without going through Create.
func (f *FakeDriver) SeedDeployment(dep workloadv1alpha1.Deployment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployments[key(dep.Namespace, dep.Name)] = dep
}

// SeedSnapshot installs the health.Snapshot Snapshot will return for a given
// name/namespace, overriding the derived-from-deployment default.
func (f *FakeDriver) SeedSnapshot(namespace, name string, snap health.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[key(namespace, name)] = snap
}

// SetClusterState overrides the value ClusterState reports.
func (f *FakeDriver) SetClusterState(s workloadv1alpha1.ClusterState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clusterState = s
}

func (f *FakeDriver) maybeFail(op string) error {
	f.Calls = append(f.Calls, op)
	if f.FailNextN > 0 {
		f.FailNextN--
		if f.FailErr != nil {
			return f.FailErr
		}
		return ctlerrors.New(ctlerrors.CodeClusterUnavailable, "fake driver induced failure")
	}
	return nil
}

func (f *FakeDriver) Get(_ context.Context, ref workloadv1alpha1.Deployment) (*workloadv1alpha1.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("get"); err != nil {
		return nil, err
	}
	dep, ok := f.deployments[key(ref.Namespace, ref.Name)]
	if !ok {
		return nil, ctlerrors.New(ctlerrors.CodeNotFound, "deployment not found: "+ref.Name)
	}
	return &dep, nil
}

func (f *FakeDriver) Create(_ context.Context, dep workloadv1alpha1.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("create"); err != nil {
		return err
	}
	k := key(dep.Namespace, dep.Name)
	if _, exists := f.deployments[k]; exists {
		return ctlerrors.New(ctlerrors.CodeAlreadyExists, "deployment already exists: "+dep.Name)
	}
	f.deployments[k] = dep
	return nil
}

func (f *FakeDriver) UpdateImage(_ context.Context, ref workloadv1alpha1.Deployment, image string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("update-image"); err != nil {
		return "", err
	}
	k := key(ref.Namespace, ref.Name)
	dep, ok := f.deployments[k]
	if !ok {
		return "", ctlerrors.New(ctlerrors.CodeNotFound, "deployment not found: "+ref.Name)
	}
	dep.Image = image
	dep.Revision = incrementRevision(dep.Revision)
	f.deployments[k] = dep
	return dep.Revision, nil
}

func (f *FakeDriver) Scale(_ context.Context, ref workloadv1alpha1.Deployment, replicas int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("scale"); err != nil {
		return err
	}
	k := key(ref.Namespace, ref.Name)
	dep, ok := f.deployments[k]
	if !ok {
		return ctlerrors.New(ctlerrors.CodeNotFound, "deployment not found: "+ref.Name)
	}
	dep.DesiredReplicas = replicas
	f.deployments[k] = dep
	return nil
}

func (f *FakeDriver) Delete(_ context.Context, ref workloadv1alpha1.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("delete"); err != nil {
		return err
	}
	delete(f.deployments, key(ref.Namespace, ref.Name))
	return nil
}

func (f *FakeDriver) RollbackToRevision(_ context.Context, ref workloadv1alpha1.Deployment, revision string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("rollback"); err != nil {
		return err
	}
	k := key(ref.Namespace, ref.Name)
	dep, ok := f.deployments[k]
	if !ok {
		return ctlerrors.New(ctlerrors.CodeNotFound, "deployment not found: "+ref.Name)
	}
	dep.Revision = revision
	f.deployments[k] = dep
	return nil
}

func (f *FakeDriver) Restart(_ context.Context, ref workloadv1alpha1.Deployment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("restart"); err != nil {
		return "", err
	}
	k := key(ref.Namespace, ref.Name)
	dep, ok := f.deployments[k]
	if !ok {
		return "", ctlerrors.New(ctlerrors.CodeNotFound, "deployment not found: "+ref.Name)
	}
	dep.Revision = incrementRevision(dep.Revision)
	f.deployments[k] = dep
	return dep.Revision, nil
}

func (f *FakeDriver) Drain(_ context.Context, ref workloadv1alpha1.Deployment, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("drain"); err != nil {
		return err
	}
	k := key(ref.Namespace, ref.Name)
	dep, ok := f.deployments[k]
	if !ok {
		return ctlerrors.New(ctlerrors.CodeNotFound, "deployment not found: "+ref.Name)
	}
	dep.DesiredReplicas = 0
	f.deployments[k] = dep
	return nil
}

func (f *FakeDriver) Snapshot(_ context.Context, ref workloadv1alpha1.Deployment) (health.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("snapshot"); err != nil {
		return health.Snapshot{}, err
	}
	k := key(ref.Namespace, ref.Name)
	if snap, ok := f.snapshots[k]; ok {
		return snap, nil
	}
	dep, ok := f.deployments[k]
	if !ok {
		return health.Snapshot{}, ctlerrors.New(ctlerrors.CodeNotFound, "deployment not found: "+ref.Name)
	}
	return health.Snapshot{
		Name:              dep.Name,
		Namespace:         dep.Namespace,
		DesiredReplicas:   dep.DesiredReplicas,
		ReadyReplicas:     dep.DesiredReplicas,
		AvailableReplicas: dep.DesiredReplicas,
	}, nil
}

func (f *FakeDriver) ClusterState(_ context.Context, _ string) (workloadv1alpha1.ClusterState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clusterState, nil
}

func incrementRevision(rev string) string {
	n, err := strconv.Atoi(rev)
	if err != nil {
		n = 0
	}
	return strconv.Itoa(n + 1)
}
