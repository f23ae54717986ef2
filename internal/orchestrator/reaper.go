package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/v-shaal/arbitageX/internal/model"
	"github.com/v-shaal/arbitageX/internal/taskstore"
)

// reapLoop periodically force-fails tasks stuck in running. The per-attempt
// timeout already bounds a live executor; the reaper covers the process-crash
// case where a task was marked running and its worker never came back.
func (d *Dispatcher) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reapStuck(ctx)
		}
	}
}

func (d *Dispatcher) reapStuck(ctx context.Context) {
	// Give the retry budget room: a task is only stuck once every attempt
	// plus backoff could have elapsed.
	cutoff := time.Now().Add(-time.Duration(d.cfg.MaxAttempts+1) * d.cfg.TaskTimeout)
	stuck, err := d.store.ListRunningSince(ctx, cutoff)
	if err != nil {
		zap.L().Error("reaper: list running tasks", zap.Error(err))
		return
	}

	for _, t := range stuck {
		if t.Kind == model.KindMaster {
			// Masters legitimately stay running for the whole pipeline;
			// they resolve through their store task, never the reaper.
			continue
		}
		if _, ok := d.cancels.Load(t.ID); ok {
			// An in-process worker still owns this task; its own attempt
			// timeout will fire.
			continue
		}
		terr := &model.TaskError{
			Code:    model.ErrCodeTimeout,
			Stage:   t.Kind,
			Message: "task exceeded its execution deadline with no live worker",
		}
		failed, err := d.store.UpdateStatus(ctx, t.ID, model.StatusFailed, nil, terr)
		if err != nil {
			if !taskstore.IsInvalidTransition(err) {
				zap.L().Error("reaper: fail stuck task", zap.String("task_id", t.ID), zap.Error(err))
			}
			continue
		}
		zap.L().Warn("reaper: force-failed stuck task",
			zap.String("task_id", t.ID),
			zap.String("kind", string(t.Kind)),
		)
		d.onTaskTerminal(ctx, failed)
	}
}
