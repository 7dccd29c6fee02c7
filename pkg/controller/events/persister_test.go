package events

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
)

func TestPersisterSavesPlanOnEvent(t *testing.T) {
	emitter := NewMemoryEmitter(4)
	plan := &workloadv1alpha1.ActionPlan{ID: "plan-1"}
	saved := make(chan *workloadv1alpha1.ActionPlan, 1)

	p := NewPersister(
		emitter,
		func(id string) (*workloadv1alpha1.ActionPlan, bool) {
			if id == plan.ID {
				return plan, true
			}
			return nil, false
		},
		func(_ context.Context, got *workloadv1alpha1.ActionPlan) error {
			saved <- got
			return nil
		},
		nil, nil,
		logr.Discard(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, emitter.Emit(ctx, Event{Type: TypePlanSubmitted, Subject: plan.ID}))

	select {
	case got := <-saved:
		assert.Equal(t, plan.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for plan to be persisted")
	}
}

func TestPersisterSavesRollbackRecordOnEvent(t *testing.T) {
	emitter := NewMemoryEmitter(4)
	rec := &workloadv1alpha1.RollbackRecord{ID: "rb-1"}
	saved := make(chan *workloadv1alpha1.RollbackRecord, 1)

	p := NewPersister(
		emitter,
		nil, nil,
		func(id string) (*workloadv1alpha1.RollbackRecord, bool) {
			if id == rec.ID {
				return rec, true
			}
			return nil, false
		},
		func(_ context.Context, got *workloadv1alpha1.RollbackRecord) error {
			saved <- got
			return nil
		},
		logr.Discard(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, emitter.Emit(ctx, Event{Type: TypeRollbackCompleted, Subject: rec.ID}))

	select {
	case got := <-saved:
		assert.Equal(t, rec.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rollback record to be persisted")
	}
}

func TestPersisterIgnoresUnrelatedEventTypes(t *testing.T) {
	emitter := NewMemoryEmitter(4)
	p := NewPersister(emitter, nil, nil, nil, nil, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, emitter.Emit(ctx, Event{Type: TypeCanaryStarted, Subject: "c-1"}))
	time.Sleep(50 * time.Millisecond)
}
