package events

import (
	"context"

	"github.com/go-logr/logr"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
)

// PlanLookup resolves the current state of an ActionPlan by ID, e.g.
// (*executor.Executor).GetPlanStatus.
type PlanLookup func(id string) (*workloadv1alpha1.ActionPlan, bool)

// RollbackLookup resolves the current state of a RollbackRecord by ID, e.g.
// (*rollback.Controller).GetRollbackStatus.
type RollbackLookup func(id string) (*workloadv1alpha1.RollbackRecord, bool)

// PlanSaver persists an ActionPlan, e.g. store.Store.SaveActionPlan.
type PlanSaver func(ctx context.Context, p *workloadv1alpha1.ActionPlan) error

// RollbackSaver persists a RollbackRecord, e.g. store.Store.SaveRollbackRecord.
type RollbackSaver func(ctx context.Context, r *workloadv1alpha1.RollbackRecord) error

// Persister subscribes to a MemoryEmitter and snapshots ActionPlans and
// RollbackRecords into durable storage whenever the bus reports one of them
// changed. It treats every event as a "re-read and save" signal rather than
// reconstructing state from event attributes, so it stays correct even as
// new attribute fields are added to individual event types.
type Persister struct {
	emitter        *MemoryEmitter
	lookupPlan     PlanLookup
	savePlan       PlanSaver
	lookupRollback RollbackLookup
	saveRollback   RollbackSaver
	log            logr.Logger
}

// NewPersister builds a Persister. lookupPlan/savePlan or
// lookupRollback/saveRollback may be nil in pairs to skip persisting that
// entity kind entirely.
func NewPersister(emitter *MemoryEmitter, lookupPlan PlanLookup, savePlan PlanSaver, lookupRollback RollbackLookup, saveRollback RollbackSaver, log logr.Logger) *Persister {
	return &Persister{
		emitter:        emitter,
		lookupPlan:     lookupPlan,
		savePlan:       savePlan,
		lookupRollback: lookupRollback,
		saveRollback:   saveRollback,
		log:            log,
	}
}

// Run consumes events until ctx is cancelled or the emitter is closed.
func (p *Persister) Run(ctx context.Context) error {
	ch, unsubscribe := p.emitter.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			p.handle(ctx, ev)
		}
	}
}

func (p *Persister) handle(ctx context.Context, ev Event) {
	switch ev.Type {
	case TypePlanSubmitted, TypePlanApproved, TypePlanRejected, TypePlanStepStarted, TypePlanStepSucceeded, TypePlanStepFailed, TypePlanCompleted, TypePlanFailed:
		if p.lookupPlan == nil || p.savePlan == nil {
			return
		}
		plan, ok := p.lookupPlan(ev.Subject)
		if !ok {
			return
		}
		if err := p.savePlan(ctx, plan); err != nil {
			p.log.V(1).Info("failed to persist action plan", "id", ev.Subject, "err", err)
		}
	case TypeRollbackTriggered, TypeRollbackCompleted, TypeRollbackFailed:
		if p.lookupRollback == nil || p.saveRollback == nil {
			return
		}
		rec, ok := p.lookupRollback(ev.Subject)
		if !ok {
			return
		}
		if err := p.saveRollback(ctx, rec); err != nil {
			p.log.V(1).Info("failed to persist rollback record", "id", ev.Subject, "err", err)
		}
	}
}
