package store

import (
	"time"

	"github.com/pipedock/pipedock/pkg/schema"
)

// SessionState is the externally persisted, caller-visible session record.
// The engine never mutates it directly; all changes go through UpdateAtomic.
type SessionState struct {
	SessionID string        `json:"session_id"`
	Status    string        `json:"status,omitempty"` // active, completed, failed
	Workflow  WorkflowState `json:"workflow_state"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// WorkflowState tracks workflow progress inside a session.
type WorkflowState struct {
	CurrentStep    string                    `json:"current_step,omitempty"`
	CompletedSteps []string                  `json:"completed_steps,omitempty"`
	StepOutputs    map[string]map[string]any `json:"step_outputs,omitempty"`
	StepErrors     map[string]string         `json:"step_errors,omitempty"`
}

// Completed reports whether the given step is already recorded as completed.
func (w *WorkflowState) Completed(stepName string) bool {
	for _, s := range w.CompletedSteps {
		if s == stepName {
			return true
		}
	}
	return false
}

// Run is the persisted record of a single workflow execution.
type Run struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflow_id"`
	SessionID   string                `json:"session_id"`
	Status      schema.WorkflowStatus `json:"status"`
	Error       string                `json:"error,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	DurationMs  int64                 `json:"duration_ms,omitempty"`
}

// RunUpdate specifies mutable fields of a run record.
type RunUpdate struct {
	Status      *schema.WorkflowStatus `json:"status,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	DurationMs  *int64                 `json:"duration_ms,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	SessionID  string                 `json:"session_id,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Status     *schema.WorkflowStatus `json:"status,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}
