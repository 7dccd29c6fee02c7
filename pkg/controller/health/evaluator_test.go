package health

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name       string
		snap       Snapshot
		wantStatus Status
	}{
		{
			name: "fully healthy",
			snap: Snapshot{
				Name: "api", Namespace: "default",
				DesiredReplicas: 3, ReadyReplicas: 3, AvailableReplicas: 3,
				Pods: []PodSnapshot{
					{Name: "api-1", Phase: "Running", CreatedAt: now, Containers: []ContainerSnapshot{{Name: "api", Ready: true}}},
					{Name: "api-2", Phase: "Running", CreatedAt: now, Containers: []ContainerSnapshot{{Name: "api", Ready: true}}},
					{Name: "api-3", Phase: "Running", CreatedAt: now, Containers: []ContainerSnapshot{{Name: "api", Ready: true}}},
				},
			},
			wantStatus: StatusHealthy,
		},
		{
			name:       "scaled to zero is healthy by vacuity",
			snap:       Snapshot{Name: "api", Namespace: "default", DesiredReplicas: 0},
			wantStatus: StatusHealthy,
		},
		{
			name: "crash loop backoff",
			snap: Snapshot{
				Name: "api", Namespace: "default",
				DesiredReplicas: 2, ReadyReplicas: 1, AvailableReplicas: 1,
				Pods: []PodSnapshot{
					{Name: "api-1", Phase: "Running", CreatedAt: now, Containers: []ContainerSnapshot{{Name: "api", Ready: true}}},
					{Name: "api-2", Phase: "Running", CreatedAt: now, Containers: []ContainerSnapshot{{Name: "api", Ready: false, WaitReason: WaitCrashLoopBackOff}}},
				},
			},
			wantStatus: StatusDegraded,
		},
		{
			name: "excess recent restarts, otherwise ready",
			snap: Snapshot{
				Name: "api", Namespace: "default",
				DesiredReplicas: 1, ReadyReplicas: 1, AvailableReplicas: 1,
				Pods: []PodSnapshot{
					{Name: "api-1", Phase: "Running", CreatedAt: now, Containers: []ContainerSnapshot{{Name: "api", Ready: true, RestartCount: 12}}},
				},
			},
			wantStatus: StatusDegraded,
		},
		{
			name: "old pod's restarts are not recent so score stays healthy",
			snap: Snapshot{
				Name: "api", Namespace: "default",
				DesiredReplicas: 1, ReadyReplicas: 1, AvailableReplicas: 1,
				Pods: []PodSnapshot{
					{Name: "api-1", Phase: "Running", CreatedAt: now.Add(-2 * time.Hour), Containers: []ContainerSnapshot{{Name: "api", Ready: true, RestartCount: 12}}},
				},
			},
			wantStatus: StatusHealthy,
		},
	}

	eval := NewEvaluator(DefaultConfig(), logr.Discard())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := eval.Evaluate(tc.snap)
			assert.Equal(t, tc.wantStatus, result.Status)
			assert.GreaterOrEqual(t, result.Score, 0.0)
			assert.LessOrEqual(t, result.Score, 1.0)
		})
	}
}

func TestEvaluateNoPodsObservedIsUnknown(t *testing.T) {
	eval := NewEvaluator(DefaultConfig(), logr.Discard())
	result := eval.Evaluate(Snapshot{
		Name: "api", Namespace: "default",
		DesiredReplicas: 1, ReadyReplicas: 1, AvailableReplicas: 1,
	})
	assert.Equal(t, StatusUnknown, result.Status)
}

func TestEvaluateZeroDesiredAndZeroPodsIsHealthy(t *testing.T) {
	eval := NewEvaluator(DefaultConfig(), logr.Discard())
	result := eval.Evaluate(Snapshot{Name: "api", Namespace: "default"})
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, 1.0, result.Score)
}
