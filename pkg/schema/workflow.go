package schema

import (
	"encoding/json"
	"time"
)

// OnErrorPolicy decides what happens to a step once its retries are exhausted.
type OnErrorPolicy string

const (
	// OnErrorFail aborts the workflow, triggering rollback if configured.
	OnErrorFail OnErrorPolicy = "fail"
	// OnErrorSkip records the step as skipped and continues.
	OnErrorSkip OnErrorPolicy = "skip"
	// OnErrorContinue records the failure but lets downstream steps run.
	OnErrorContinue OnErrorPolicy = "continue"
)

// ConditionFunc is a pure predicate over the accumulated workflow state.
// Returning false marks the step as skipped without invoking its operation.
type ConditionFunc func(state map[string]any) bool

// ParamMapperFunc produces the operation input from the accumulated state.
type ParamMapperFunc func(state map[string]any, sessionID string) map[string]any

// WorkflowStep is one named pipeline stage mapped to an external operation.
//
// Condition/ParamMapper are the programmatic forms; ConditionExpr (CEL),
// ParamsTemplate (${{ }} interpolation) and ParamsQuery (jq) are the
// declarative equivalents consulted when the function fields are nil.
type WorkflowStep struct {
	Name      string `json:"name"`
	Operation string `json:"operation"`

	// Required controls failure downgrade: a non-required step that resolves
	// to a fail outcome is recorded with skip semantics instead.
	Required   bool          `json:"required"`
	Retryable  bool          `json:"retryable"`
	MaxRetries int           `json:"max_retries"`
	TimeoutMs  int64         `json:"timeout_ms"`
	OnError    OnErrorPolicy `json:"on_error,omitempty"`

	Condition     ConditionFunc `json:"-"`
	ConditionExpr string        `json:"condition,omitempty"`

	ParamMapper    ParamMapperFunc `json:"-"`
	ParamsTemplate json.RawMessage `json:"params,omitempty"`
	ParamsQuery    string          `json:"params_query,omitempty"`

	// InputSchema optionally constrains the resolved parameters with a JSON
	// Schema document, checked before the operation is invoked.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Timeout returns the per-attempt deadline as a duration.
func (s *WorkflowStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Attempts returns the total attempt budget for a step.
func (s *WorkflowStep) Attempts() int {
	if s.Retryable && s.MaxRetries > 0 {
		return s.MaxRetries + 1
	}
	return 1
}

// Policy returns the effective on-error policy, defaulting to fail.
func (s *WorkflowStep) Policy() OnErrorPolicy {
	if s.OnError == "" {
		return OnErrorFail
	}
	return s.OnError
}

// WorkflowConfig is the immutable declarative description of a pipeline.
//
// Steps execute in declared order except where ParallelGroups partitions them
// into concurrent batches; a group occupies the position of its first member.
// RollbackSteps run only after a fatal failure, in declared order.
type WorkflowConfig struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Steps          []WorkflowStep `json:"steps"`
	ParallelGroups [][]string     `json:"parallel_groups,omitempty"`
	RollbackSteps  []WorkflowStep `json:"rollback_steps,omitempty"`
}

// Step returns the step with the given name, or nil.
func (c *WorkflowConfig) Step(name string) *WorkflowStep {
	for i := range c.Steps {
		if c.Steps[i].Name == name {
			return &c.Steps[i]
		}
	}
	return nil
}

// WorkflowExecutionResult is the terminal snapshot of a workflow run.
type WorkflowExecutionResult struct {
	WorkflowID        string                    `json:"workflow_id"`
	RunID             string                    `json:"run_id"`
	SessionID         string                    `json:"session_id"`
	Status            WorkflowStatus            `json:"status"`
	CompletedSteps    []string                  `json:"completed_steps"`
	FailedSteps       []string                  `json:"failed_steps"`
	SkippedSteps      []string                  `json:"skipped_steps"`
	Outputs           map[string]map[string]any `json:"outputs,omitempty"`
	Errors            map[string][]string       `json:"errors,omitempty"`
	DurationMs        int64                     `json:"duration_ms"`
	RollbackPerformed bool                      `json:"rollback_performed"`
}
