package engine

import (
	"sync"
	"time"

	"github.com/pipedock/pipedock/internal/expressions"
	"github.com/pipedock/pipedock/pkg/schema"
)

// ExecutionContext accumulates the in-memory state of one workflow run.
// Step outputs merge into it only at batch boundaries, so steps inside a
// batch all observe the same snapshot taken when the batch started.
type ExecutionContext struct {
	RunID     string
	SessionID string
	Config    *schema.WorkflowConfig
	Inputs    map[string]any

	mu        sync.Mutex
	state     map[string]any
	completed []string
	failed    []string
	skipped   []string
	outputs   map[string]map[string]any
	errors    map[string][]string
	rolledBck bool
}

func NewExecutionContext(runID, sessionID string, cfg *schema.WorkflowConfig, inputs map[string]any) *ExecutionContext {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &ExecutionContext{
		RunID:     runID,
		SessionID: sessionID,
		Config:    cfg,
		Inputs:    inputs,
		state:     map[string]any{},
		outputs:   map[string]map[string]any{},
		errors:    map[string][]string{},
	}
}

// StateSnapshot returns a shallow copy of the accumulated state. Step outputs
// already merged are never mutated afterwards, so sharing values is safe.
func (ec *ExecutionContext) StateSnapshot() map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	snapshot := make(map[string]any, len(ec.state))
	for k, v := range ec.state {
		snapshot[k] = v
	}
	return snapshot
}

// Data builds the scope map handed to condition and parameter expressions.
func (ec *ExecutionContext) Data(session map[string]any) map[string]any {
	if session == nil {
		session = map[string]any{}
	}
	return map[string]any{
		expressions.ScopeState:   ec.StateSnapshot(),
		expressions.ScopeInputs:  ec.Inputs,
		expressions.ScopeSession: session,
	}
}

// Merge folds a settled step outcome into the run state. Called once per
// outcome, between batches, never concurrently with StateSnapshot readers
// of the same batch.
func (ec *ExecutionContext) Merge(outcome StepOutcome) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	name := outcome.Step.Name
	switch outcome.Kind {
	case OutcomeCompleted:
		if outcome.FailedRecorded {
			// continue policy: downstream steps run as if the step settled,
			// but the failure stays on the record and contributes no state.
			ec.failed = append(ec.failed, name)
			ec.errors[name] = append(ec.errors[name], outcome.Err.Error())
			return
		}
		ec.completed = append(ec.completed, name)
		if outcome.Output != nil {
			ec.state[name] = outcome.Output
			ec.outputs[name] = outcome.Output
		}
	case OutcomeSkipped:
		ec.skipped = append(ec.skipped, name)
	case OutcomeFailed:
		ec.failed = append(ec.failed, name)
		if outcome.Err != nil {
			ec.errors[name] = append(ec.errors[name], outcome.Err.Error())
		}
	}
}

// MarkRolledBack records that rollback steps ran for this execution.
func (ec *ExecutionContext) MarkRolledBack() {
	ec.mu.Lock()
	ec.rolledBck = true
	ec.mu.Unlock()
}

// AddRollbackError records a failed compensation step's error so it surfaces
// in the terminal result alongside the failure that triggered the rollback.
func (ec *ExecutionContext) AddRollbackError(stepName, msg string) {
	ec.mu.Lock()
	ec.errors[stepName] = append(ec.errors[stepName], msg)
	ec.mu.Unlock()
}

// AddWorkflowError attaches a run-level error under the synthetic workflow step.
func (ec *ExecutionContext) AddWorkflowError(msg string) {
	ec.mu.Lock()
	ec.errors[schema.WorkflowStepName] = append(ec.errors[schema.WorkflowStepName], msg)
	ec.mu.Unlock()
}

// Result materializes the terminal snapshot of the run.
func (ec *ExecutionContext) Result(status schema.WorkflowStatus, elapsed time.Duration) *schema.WorkflowExecutionResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return &schema.WorkflowExecutionResult{
		WorkflowID:        ec.Config.ID,
		RunID:             ec.RunID,
		SessionID:         ec.SessionID,
		Status:            status,
		CompletedSteps:    append([]string(nil), ec.completed...),
		FailedSteps:       append([]string(nil), ec.failed...),
		SkippedSteps:      append([]string(nil), ec.skipped...),
		Outputs:           ec.outputs,
		Errors:            ec.errors,
		DurationMs:        elapsed.Milliseconds(),
		RollbackPerformed: ec.rolledBck,
	}
}
