package deploy

import (
	"context"
	"fmt"

	"ncm-console/pkg/model"
)

// PreviewRollback fetches the dry-run partition: which devices still run this
// deployment's rendered config (need_rollback), which have changed since the
// push (skip), and which have no recorded baseline (cannot_rollback).
// Eligibility is decided purely by content hash, never by task membership.
func (w *Workflow) PreviewRollback(ctx context.Context) (*model.RollbackPlan, error) {
	cur := w.snapshot()
	if !canRollback(cur.Status) {
		return nil, fmt.Errorf("%w: rollback from %s", ErrInvalidTransition, cur.Status)
	}
	return w.backend.PreviewRollback(ctx, cur.ID)
}

// RollbackAllowed reports whether the commit action is enabled for a plan.
// An empty need_rollback disables it regardless of the other partitions:
// rolling back an unchanged device would be a pointless write, and a device
// without a baseline cannot be reverted at all.
func RollbackAllowed(plan *model.RollbackPlan) bool {
	return plan != nil && len(plan.NeedRollback) > 0
}

// Rollback previews and then commits: only the need_rollback devices are
// submitted, and the resulting rollback task is polled like an execution.
func (w *Workflow) Rollback(ctx context.Context) error {
	plan, err := w.PreviewRollback(ctx)
	if err != nil {
		return err
	}
	if !RollbackAllowed(plan) {
		return ErrNothingToRollback
	}
	devices := make([]string, 0, len(plan.NeedRollback))
	for _, item := range plan.NeedRollback {
		devices = append(devices, item.DeviceID)
	}
	d := w.snapshot()
	taskID, err := w.backend.Rollback(ctx, d.ID, devices)
	if err != nil {
		return err
	}
	d.Status = model.DeployRollback
	d.ExecTaskID = taskID
	w.apply(d)
	w.poll.Start(taskID)
	return nil
}
