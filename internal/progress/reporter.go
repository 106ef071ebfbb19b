package progress

import (
	"context"
	"log/slog"

	"github.com/pipedock/pipedock/pkg/schema"
)

// Sink receives progress updates on behalf of the caller. A sink that panics
// or returns an error is logged and ignored — delivery is fire-and-forget
// relative to workflow execution.
type Sink func(update schema.ProgressUpdate) error

// Reporter emits redacted progress events for one workflow run.
// Events fan out to the hub (channel subscribers) and to the optional caller
// sink; neither path can fail the step that reported.
type Reporter struct {
	runID     string
	sessionID string
	hub       *Hub
	sink      Sink
	logger    *slog.Logger
}

// NewReporter creates a Reporter for a run. hub and sink may each be nil.
func NewReporter(runID, sessionID string, hub *Hub, sink Sink, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		runID:     runID,
		sessionID: sessionID,
		hub:       hub,
		sink:      sink,
		logger:    logger,
	}
}

// Report redacts and delivers a single progress update.
func (r *Reporter) Report(ctx context.Context, update schema.ProgressUpdate) {
	update.Metadata = Redact(update.Metadata)

	if r.hub != nil {
		if err := r.hub.Publish(ctx, Event{RunID: r.runID, SessionID: r.sessionID, Update: update}); err != nil {
			r.logger.WarnContext(ctx, "progress publish failed", "step", update.Step, "error", err)
		}
	}

	r.deliverToSink(ctx, update)
}

// Step reports a step lifecycle transition.
func (r *Reporter) Step(ctx context.Context, step string, status schema.StepStatus, fraction float64, message string, metadata map[string]any) {
	r.Report(ctx, schema.ProgressUpdate{
		Step:     step,
		Status:   status,
		Progress: fraction,
		Message:  message,
		Metadata: metadata,
	})
}

// WorkflowStarted emits the synthetic workflow-level event at 0%.
func (r *Reporter) WorkflowStarted(ctx context.Context, workflowID string) {
	r.Step(ctx, schema.WorkflowStepName, schema.StepStatusStarting, 0,
		"Starting workflow: "+workflowID, nil)
}

// WorkflowFinished emits the synthetic workflow-level event at 100%.
func (r *Reporter) WorkflowFinished(ctx context.Context, status schema.WorkflowStatus) {
	stepStatus := schema.StepStatusCompleted
	if status == schema.WorkflowStatusFailed {
		stepStatus = schema.StepStatusFailed
	}
	r.Step(ctx, schema.WorkflowStepName, stepStatus, 1,
		"Workflow "+string(status), nil)
}

// deliverToSink invokes the caller sink, absorbing panics and errors.
func (r *Reporter) deliverToSink(ctx context.Context, update schema.ProgressUpdate) {
	if r.sink == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WarnContext(ctx, "progress sink panicked", "step", update.Step, "panic", rec)
		}
	}()
	if err := r.sink(update); err != nil {
		r.logger.WarnContext(ctx, "progress sink failed", "step", update.Step, "error", err)
	}
}
