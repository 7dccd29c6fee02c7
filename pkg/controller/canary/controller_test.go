package canary

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
	"github.com/mlplatform/workload-controller/pkg/controller/driver"
	"github.com/mlplatform/workload-controller/pkg/controller/events"
	"github.com/mlplatform/workload-controller/pkg/controller/health"
	"github.com/mlplatform/workload-controller/pkg/controller/rollback"
)

func testConfig() Config {
	return Config{
		InitialPercent:      50,
		IncrementPercent:    50,
		StepDurationSeconds: 1,
		MinHealthScore:      0.5,
		AnalysisSamples:     2,
		MaxDurationSeconds:  30,
		AutoPromote:         true,
		AbortOnFailure:      true,
	}
}

func healthySnapshot(name string, replicas int32) health.Snapshot {
	pods := make([]health.PodSnapshot, replicas)
	for i := range pods {
		pods[i] = health.PodSnapshot{
			Name: name, Phase: "Running", CreatedAt: time.Now(),
			Containers: []health.ContainerSnapshot{{Name: "api", Ready: true}},
		}
	}
	return health.Snapshot{
		Name: name, Namespace: "default",
		DesiredReplicas: replicas, ReadyReplicas: replicas, AvailableReplicas: replicas,
		Pods: pods,
	}
}

func TestStartCanaryBootstrapsWithNoStable(t *testing.T) {
	drv := driver.NewFakeDriver()
	eval := health.NewEvaluator(health.DefaultConfig(), logr.Discard())
	ctrl := New(drv, eval, nil, nil, testConfig(), logr.Discard())

	base := workloadv1alpha1.Deployment{ID: "d1", Name: "api", Namespace: "default", DesiredReplicas: 2}
	state, err := ctrl.StartCanary(context.Background(), base, "api:v2")
	require.NoError(t, err)
	assert.Equal(t, workloadv1alpha1.CanaryPromoted, state.Phase)

	got, err := drv.Get(context.Background(), workloadv1alpha1.Deployment{Name: "api-stable", Namespace: "default"})
	require.NoError(t, err)
	assert.Equal(t, "api:v2", got.Image)
}

func TestStartCanaryInitialSizingAndProportionalScaleDown(t *testing.T) {
	drv := driver.NewFakeDriver()
	drv.SeedDeployment(workloadv1alpha1.Deployment{Name: "api-stable", Namespace: "default", Image: "api:v1", DesiredReplicas: 4})
	eval := health.NewEvaluator(health.DefaultConfig(), logr.Discard())
	cfg := testConfig()
	cfg.InitialPercent = 25
	ctrl := New(drv, eval, nil, nil, cfg, logr.Discard())

	base := workloadv1alpha1.Deployment{ID: "d1", Name: "api", Namespace: "default", DesiredReplicas: 4}
	state, err := ctrl.StartCanary(context.Background(), base, "api:v2")
	require.NoError(t, err)
	assert.Equal(t, 25, state.TrafficPercent)

	canaryDep, err := drv.Get(context.Background(), workloadv1alpha1.Deployment{Name: "api-canary", Namespace: "default"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, canaryDep.DesiredReplicas) // ceil(4*25/100) = 1

	stableDep, err := drv.Get(context.Background(), workloadv1alpha1.Deployment{Name: "api-stable", Namespace: "default"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, stableDep.DesiredReplicas) // 4 - 1
}

func TestStartCanaryPromotesOnHealthySteps(t *testing.T) {
	drv := driver.NewFakeDriver()
	drv.SeedDeployment(workloadv1alpha1.Deployment{Name: "api-stable", Namespace: "default", Image: "api:v1", DesiredReplicas: 2})
	eval := health.NewEvaluator(health.DefaultConfig(), logr.Discard())
	emitter := events.NewMemoryEmitter(16)
	ctrl := New(drv, eval, emitter, nil, testConfig(), logr.Discard())

	base := workloadv1alpha1.Deployment{ID: "d1", Name: "api", Namespace: "default", DesiredReplicas: 2}
	drv.SeedSnapshot("default", "api-canary", healthySnapshot("api-canary", 1))

	state, err := ctrl.StartCanary(context.Background(), base, "api:v2")
	require.NoError(t, err)
	require.Equal(t, workloadv1alpha1.CanaryInitializing, state.Phase)

	require.Eventually(t, func() bool {
		s, ok := ctrl.GetCanaryStatus(state.ID)
		return ok && s.Phase == workloadv1alpha1.CanaryPromoted
	}, 5*time.Second, 10*time.Millisecond)

	got, err := drv.Get(context.Background(), workloadv1alpha1.Deployment{Name: "api-stable", Namespace: "default"})
	require.NoError(t, err)
	assert.Equal(t, "api:v2", got.Image)
	assert.EqualValues(t, 2, got.DesiredReplicas)
}

func TestCanaryFailsFastWithFewerThanTwoValidSamples(t *testing.T) {
	drv := driver.NewFakeDriver()
	drv.SeedDeployment(workloadv1alpha1.Deployment{Name: "api-stable", Namespace: "default", Image: "api:v1", DesiredReplicas: 2})
	eval := health.NewEvaluator(health.DefaultConfig(), logr.Discard())
	cfg := testConfig()
	cfg.AnalysisSamples = 3
	cfg.MaxDurationSeconds = 1
	ctrl := New(drv, eval, nil, nil, cfg, logr.Discard())

	base := workloadv1alpha1.Deployment{ID: "d1", Name: "api", Namespace: "default", DesiredReplicas: 2}
	// No seeded snapshot for the canary: every Snapshot call 404s, so no
	// sample is ever collected, and analysis never even completes a step.
	// The max-duration deadline is what eventually forces a terminal state.
	state, err := ctrl.StartCanary(context.Background(), base, "api:v2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, ok := ctrl.GetCanaryStatus(state.ID)
		return ok && s.Phase == workloadv1alpha1.CanaryFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCanaryAbortRestoresStableAndRecordsRollback(t *testing.T) {
	drv := driver.NewFakeDriver()
	drv.SeedDeployment(workloadv1alpha1.Deployment{ID: "dep-1", Name: "api-stable", Namespace: "default", Image: "api:v1", Revision: "3", DesiredReplicas: 4})
	eval := health.NewEvaluator(health.DefaultConfig(), logr.Discard())
	rollbackCt := rollback.New(drv, eval, nil, rollback.DefaultConfig(), logr.Discard())
	cfg := testConfig()
	cfg.MinHealthScore = 2.0 // unreachable, forces the first step to fail
	ctrl := New(drv, eval, nil, rollbackCt, cfg, logr.Discard())

	base := workloadv1alpha1.Deployment{ID: "d1", Name: "api", Namespace: "default", DesiredReplicas: 4}
	drv.SeedSnapshot("default", "api-canary", healthySnapshot("api-canary", 2))

	state, err := ctrl.StartCanary(context.Background(), base, "api:v2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, ok := ctrl.GetCanaryStatus(state.ID)
		return ok && s.Phase == workloadv1alpha1.CanaryFailed
	}, 5*time.Second, 10*time.Millisecond)

	stableDep, err := drv.Get(context.Background(), workloadv1alpha1.Deployment{Name: "api-stable", Namespace: "default"})
	require.NoError(t, err)
	assert.EqualValues(t, 4, stableDep.DesiredReplicas)

	_, err = drv.Get(context.Background(), workloadv1alpha1.Deployment{Name: "api-canary", Namespace: "default"})
	assert.Error(t, err)

	assert.Contains(t, drv.Calls, "rollback")
}

func TestAbortCanaryStopsWorker(t *testing.T) {
	drv := driver.NewFakeDriver()
	drv.SeedDeployment(workloadv1alpha1.Deployment{Name: "api-stable", Namespace: "default", Image: "api:v1", DesiredReplicas: 2})
	eval := health.NewEvaluator(health.DefaultConfig(), logr.Discard())
	cfg := testConfig()
	cfg.StepDurationSeconds = 3600
	cfg.MaxDurationSeconds = 3600
	ctrl := New(drv, eval, nil, nil, cfg, logr.Discard())

	base := workloadv1alpha1.Deployment{ID: "d1", Name: "api", Namespace: "default", DesiredReplicas: 2}
	state, err := ctrl.StartCanary(context.Background(), base, "api:v2")
	require.NoError(t, err)

	assert.True(t, ctrl.AbortCanary(state.ID))
	require.Eventually(t, func() bool {
		s, ok := ctrl.GetCanaryStatus(state.ID)
		return ok && s.Phase == workloadv1alpha1.CanaryFailed
	}, time.Second, 5*time.Millisecond)
}
