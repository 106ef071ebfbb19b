package engine

import (
	"context"

	"github.com/pipedock/pipedock/pkg/schema"
)

// runRollback executes the config's rollback steps strictly in declared
// order. Rollback failures never cascade: each step is forced onto the
// continue policy so a broken compensation logs its error and the rest of
// the rollback still runs.
func (r *stepRunner) runRollback(ctx context.Context, ec *ExecutionContext, session map[string]any) {
	steps := ec.Config.RollbackSteps
	if len(steps) == 0 {
		return
	}
	r.logger.InfoContext(ctx, "starting rollback", "steps", len(steps))

	for i := range steps {
		step := steps[i] // copy: the forced policy must not leak into the config
		step.OnError = schema.OnErrorContinue

		outcome := r.RunGuarded(ctx, &step, ec.Data(session))
		if outcome.FailedRecorded || outcome.Kind == OutcomeFailed {
			r.logger.ErrorContext(ctx, "rollback step failed",
				"step", step.Name, "error", outcome.Err)
			if outcome.Err != nil {
				ec.AddRollbackError(step.Name, outcome.Err.Error())
			}
		}
	}
	ec.MarkRolledBack()
}
