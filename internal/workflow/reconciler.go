package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/korir254/flowgate/internal/observability"
	"github.com/korir254/flowgate/model"
)

// Reconciler resolves status drift between the engine and the local mirror.
// The engine is the authority: the reconciler only reads remote state and
// applies it locally, never the other way around. All reconciliation errors
// are advisory; they are logged and retried on the next cycle.
type Reconciler struct {
	store    Store
	engine   EngineClient
	log      *zap.Logger
	metrics  *observability.Metrics
	interval time.Duration
}

// NewReconciler creates a Reconciler that runs every interval.
func NewReconciler(store Store, client EngineClient, interval time.Duration, log *zap.Logger, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		store:    store,
		engine:   client,
		log:      log,
		metrics:  metrics,
		interval: interval,
	}
}

// Run reconciles on a fixed interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileAll(ctx)
		}
	}
}

// ReconcileAll reconciles every non-terminal local instance against the
// engine.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	start := time.Now()
	outcome := "ok"

	for _, status := range []model.InstanceStatus{model.StatusActive, model.StatusSuspended} {
		instances, err := r.store.ListInstances(ctx, model.InstanceFilters{Status: status})
		if err != nil {
			r.log.Warn("listing instances for reconciliation failed",
				zap.String("status", string(status)),
				zap.Error(err),
			)
			outcome = "error"
			continue
		}
		for _, inst := range instances {
			if err := r.ReconcileInstance(ctx, inst); err != nil {
				outcome = "error"
			}
		}
	}

	r.metrics.RecordReconciliationRun(outcome, time.Since(start))
}

// ReconcileInstance pulls the remote state of one instance and applies any
// status transition locally. A remote instance that no longer exists is
// treated as completed: the engine drops ended instances from its runtime
// view.
func (r *Reconciler) ReconcileInstance(ctx context.Context, inst model.WorkflowInstance) error {
	target := inst.Status

	state, err := r.engine.ProcessInstance(ctx, inst.ProcessInstanceID)
	switch {
	case model.IsNotFound(err):
		target = model.StatusCompleted
	case err != nil:
		r.log.Warn("fetching remote instance state failed",
			zap.String("process_instance_id", inst.ProcessInstanceID),
			zap.Error(err),
		)
		return err
	case state.Ended:
		target = model.StatusCompleted
	case state.Suspended:
		target = model.StatusSuspended
	default:
		target = model.StatusActive
	}

	if target == inst.Status {
		return nil
	}

	from := inst.Status
	inst.Status = target
	if target.Terminal() {
		if inst.EndedAt == nil {
			now := time.Now().UTC()
			inst.EndedAt = &now
		}
	} else {
		inst.EndedAt = nil
	}

	if err := r.store.UpdateInstance(ctx, inst); err != nil {
		// A concurrent writer moved the record; the next cycle re-reads
		// fresh state.
		r.log.Warn("persisting reconciled status failed",
			zap.String("instance_id", inst.ID),
			zap.String("to_status", string(target)),
			zap.Error(err),
		)
		return err
	}

	r.metrics.RecordReconciliationTransition(string(target))
	if target.Terminal() {
		r.metrics.RecordInstanceCompletion(string(target))
	}
	r.log.Info("instance status reconciled",
		zap.String("instance_id", inst.ID),
		zap.String("process_instance_id", inst.ProcessInstanceID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)
	return nil
}
