package schema

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusPending     WorkflowStatus = "pending"
	WorkflowStatusRunning     WorkflowStatus = "running"
	WorkflowStatusRollingBack WorkflowStatus = "rolling_back"
	WorkflowStatusCompleted   WorkflowStatus = "completed"
	WorkflowStatusFailed      WorkflowStatus = "failed"
)

// StepStatus represents the lifecycle state of a step inside a progress event.
type StepStatus string

const (
	StepStatusStarting   StepStatus = "starting"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// WorkflowStepName is the synthetic step name used for workflow-level
// progress events emitted at run start and terminal completion/failure.
const WorkflowStepName = "workflow"

// ProgressUpdate is a structured event describing a step lifecycle transition.
// Metadata is redacted before emission; Progress is in [0, 1].
type ProgressUpdate struct {
	Step     string         `json:"step"`
	Status   StepStatus     `json:"status"`
	Progress float64        `json:"progress"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
