package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/storage"
)

// recoverBatch caps how many running rows one Recover pass inspects.
const recoverBatch = 500

// Recover fails running workflows that no engine is driving: rows whose last
// transition is older than Config.StaleAfter and that are not executing in
// this process. It covers a crash mid-run and a terminal write that never
// landed. The failure is recorded with reward, metric and state entries like
// any other, under error kind timeout. It returns how many rows it failed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	running := model.WorkflowRunning
	wfs, err := o.store.ListWorkflows(ctx, storage.WorkflowFilter{Status: &running, Limit: recoverBatch})
	if err != nil {
		return 0, fmt.Errorf("orchestrator: list running workflows: %w", err)
	}
	if len(wfs) == recoverBatch {
		o.logger.Warn("recover: batch full, remaining rows wait for the next pass", "batch", recoverBatch)
	}

	cutoff := o.now().Add(-o.cfg.StaleAfter)
	failed := 0
	for i := range wfs {
		wf := wfs[i]
		if o.isActive(wf.ID) || wf.UpdatedAt.After(cutoff) {
			continue
		}
		var at model.Stage
		if wf.Stage != "" && !wf.StageState(wf.Stage).Status.Terminal() {
			at = wf.Stage
		}
		cause := model.Errorf(model.KindTimeout, "workflow abandoned: no transition since %s",
			wf.UpdatedAt.Format(time.RFC3339))
		if err := o.finish(ctx, &wf, at, cause, time.Now()); err != nil {
			continue
		}
		failed++
	}
	if failed > 0 {
		o.logger.Info("recover: failed stale workflows", "count", failed)
	}
	return failed, nil
}

func (o *Orchestrator) isActive(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[id]
	return ok
}
