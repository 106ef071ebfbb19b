package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipedock/pipedock/internal/store"
)

// MergeStepStart records that a step is about to run. Pure: operates on the
// value it receives and returns the updated copy.
func MergeStepStart(state store.SessionState, stepName string, now time.Time) store.SessionState {
	state.Workflow.CurrentStep = stepName
	state.Status = "active"
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	return state
}

// MergeStepResult folds a settled step outcome into the session state.
// Completed steps are appended at most once; continue-policy failures record
// the error without a completion entry or an output.
func MergeStepResult(state store.SessionState, outcome StepOutcome, now time.Time) store.SessionState {
	name := outcome.Step.Name
	if state.Workflow.CurrentStep == name {
		state.Workflow.CurrentStep = ""
	}
	state.UpdatedAt = now

	switch outcome.Kind {
	case OutcomeCompleted:
		if outcome.FailedRecorded {
			state.Workflow.StepErrors = withError(state.Workflow.StepErrors, name, outcome.Err.Error())
			return state
		}
		if !state.Workflow.Completed(name) {
			state.Workflow.CompletedSteps = append(state.Workflow.CompletedSteps, name)
		}
		if outcome.Output != nil {
			if state.Workflow.StepOutputs == nil {
				state.Workflow.StepOutputs = map[string]map[string]any{}
			}
			state.Workflow.StepOutputs[name] = outcome.Output
		}
	case OutcomeFailed:
		if outcome.Err != nil {
			state.Workflow.StepErrors = withError(state.Workflow.StepErrors, name, outcome.Err.Error())
		}
	}
	return state
}

// MergeRunStatus stamps the session's terminal status for a run.
func MergeRunStatus(state store.SessionState, status string, now time.Time) store.SessionState {
	state.Status = status
	state.Workflow.CurrentStep = ""
	state.UpdatedAt = now
	return state
}

func withError(errs map[string]string, step, msg string) map[string]string {
	if errs == nil {
		errs = map[string]string{}
	}
	errs[step] = msg
	return errs
}

// sessionSync pushes step lifecycle transitions into the session store.
// Store failures are logged, never propagated: persistence lag must not
// fail a run that is otherwise making progress.
type sessionSync struct {
	store     store.SessionStore
	sessionID string
	logger    *slog.Logger
}

func newSessionSync(s store.SessionStore, sessionID string, logger *slog.Logger) *sessionSync {
	return &sessionSync{store: s, sessionID: sessionID, logger: logger}
}

func (s *sessionSync) StepStarted(ctx context.Context, stepName string) {
	if s.store == nil {
		return
	}
	err := s.store.UpdateAtomic(ctx, s.sessionID, func(state store.SessionState) store.SessionState {
		return MergeStepStart(state, stepName, time.Now().UTC())
	})
	if err != nil {
		s.logger.WarnContext(ctx, "session sync failed on step start",
			"step", stepName, "error", err)
	}
}

func (s *sessionSync) StepSettled(ctx context.Context, outcome StepOutcome) {
	if s.store == nil {
		return
	}
	err := s.store.UpdateAtomic(ctx, s.sessionID, func(state store.SessionState) store.SessionState {
		return MergeStepResult(state, outcome, time.Now().UTC())
	})
	if err != nil {
		s.logger.WarnContext(ctx, "session sync failed on step settle",
			"step", outcome.Step.Name, "error", err)
	}
}

func (s *sessionSync) RunFinished(ctx context.Context, status string) {
	if s.store == nil {
		return
	}
	err := s.store.UpdateAtomic(ctx, s.sessionID, func(state store.SessionState) store.SessionState {
		return MergeRunStatus(state, status, time.Now().UTC())
	})
	if err != nil {
		s.logger.WarnContext(ctx, "session sync failed on run finish", "error", err)
	}
}

// Session reads the current session state for expression scopes. A missing
// session yields an empty map.
func (s *sessionSync) Session(ctx context.Context) map[string]any {
	if s.store == nil {
		return map[string]any{}
	}
	state, err := s.store.Get(ctx, s.sessionID)
	if err != nil || state == nil {
		return map[string]any{}
	}
	return map[string]any{
		"session_id":      state.SessionID,
		"status":          state.Status,
		"current_step":    state.Workflow.CurrentStep,
		"completed_steps": state.Workflow.CompletedSteps,
		"step_outputs":    state.Workflow.StepOutputs,
		"step_errors":     state.Workflow.StepErrors,
	}
}
