package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pipedock/pipedock/internal/dispatch"
	"github.com/pipedock/pipedock/internal/expressions"
	"github.com/pipedock/pipedock/internal/logging"
	"github.com/pipedock/pipedock/internal/progress"
	"github.com/pipedock/pipedock/internal/store"
	"github.com/pipedock/pipedock/internal/validation"
	"github.com/pipedock/pipedock/pkg/schema"
)

// Options configures an Orchestrator.
type Options struct {
	// BaseDelay is the starting retry backoff. Zero means DefaultBaseDelay.
	BaseDelay time.Duration
	Logger    *slog.Logger
}

// StartRequest describes one workflow run to launch.
type StartRequest struct {
	Config    *schema.WorkflowConfig
	SessionID string
	Inputs    map[string]any

	// Sink optionally receives every progress update of the run in addition
	// to the hub. Sink errors and panics are contained.
	Sink progress.Sink
}

// Orchestrator launches and tracks workflow executions. Each run gets its own
// Execution handle; the orchestrator itself holds no per-run mutable state
// beyond the running map.
type Orchestrator struct {
	dispatcher dispatch.Dispatcher
	store      store.SessionStore
	hub        *progress.Hub
	cel        *expressions.CELEngine
	interp     *expressions.Interpolator
	jq         *expressions.GoJQEngine
	schemas    *validation.JSONSchemaValidator
	baseDelay  time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]*Execution
}

// New creates an Orchestrator. The store may be nil for ephemeral runs with
// no session persistence or run history.
func New(dispatcher dispatch.Dispatcher, s store.SessionStore, hub *progress.Hub, opts Options) (*Orchestrator, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if hub == nil {
		hub = progress.NewHub()
	}
	return &Orchestrator{
		dispatcher: dispatcher,
		store:      s,
		hub:        hub,
		cel:        celEngine,
		interp:     expressions.NewInterpolator(expressions.NewExprEngine()),
		jq:         expressions.NewGoJQEngine(),
		schemas:    schemas,
		baseDelay:  baseDelay,
		logger:     logger,
		running:    make(map[string]*Execution),
	}, nil
}

// Hub exposes the progress hub for subscribers.
func (o *Orchestrator) Hub() *progress.Hub {
	return o.hub
}

// Start validates the config and launches the run in the background,
// returning immediately with an Execution handle.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	result := validation.ValidateConfig(req.Config, o.dispatcher)
	if !result.Valid() {
		return nil, result.ToError()
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	runID := uuid.NewString()

	exec := &Execution{
		runID:      runID,
		sessionID:  sessionID,
		workflowID: req.Config.ID,
		startedAt:  time.Now().UTC(),
		status:     schema.WorkflowStatusPending,
		done:       make(chan struct{}),
	}

	if o.store != nil {
		run := &store.Run{
			ID:         runID,
			WorkflowID: req.Config.ID,
			SessionID:  sessionID,
			Status:     schema.WorkflowStatusRunning,
			StartedAt:  exec.startedAt,
		}
		if err := o.store.CreateRun(ctx, run); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to record run").WithCause(err)
		}
	}

	o.mu.Lock()
	o.running[runID] = exec
	o.mu.Unlock()

	// The run outlives the caller's context; correlation values carry over.
	runCtx := logging.WithSessionID(logging.WithRunID(context.WithoutCancel(ctx), runID), sessionID)

	ec := NewExecutionContext(runID, sessionID, req.Config, req.Inputs)
	runner := &stepRunner{
		dispatcher: o.dispatcher,
		cel:        o.cel,
		interp:     o.interp,
		jq:         o.jq,
		schemas:    o.schemas,
		reporter:   progress.NewReporter(runID, sessionID, o.hub, req.Sink, o.logger),
		sync:       newSessionSync(o.store, sessionID, o.logger),
		baseDelay:  o.baseDelay,
		logger:     o.logger,
	}

	go o.execute(runCtx, exec, ec, runner)
	return exec, nil
}

// ExecuteWorkflow runs a workflow to completion. On a fatal step failure the
// terminal result is returned together with the step-attributed error.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, req StartRequest) (*schema.WorkflowExecutionResult, error) {
	exec, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return exec.Wait(ctx)
}

// Get returns the Execution for an in-flight run.
func (o *Orchestrator) Get(runID string) (*Execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.running[runID]
	return exec, ok
}

// Abort requests cooperative cancellation of a run. The current batch is
// allowed to settle; no further batches start. Returns false if the run is
// not in flight.
func (o *Orchestrator) Abort(runID string) bool {
	exec, ok := o.Get(runID)
	if !ok {
		return false
	}
	exec.Abort()
	return true
}

// Running lists the in-flight executions.
func (o *Orchestrator) Running() []*Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	execs := make([]*Execution, 0, len(o.running))
	for _, exec := range o.running {
		execs = append(execs, exec)
	}
	return execs
}

func (o *Orchestrator) execute(ctx context.Context, exec *Execution, ec *ExecutionContext, runner *stepRunner) {
	defer func() {
		o.mu.Lock()
		delete(o.running, exec.runID)
		o.mu.Unlock()
	}()

	start := time.Now()
	exec.setStatus(schema.WorkflowStatusRunning)
	runner.reporter.WorkflowStarted(ctx, ec.Config.ID)
	o.logger.InfoContext(ctx, "workflow started",
		"workflow_id", ec.Config.ID, "steps", len(ec.Config.Steps))

	batches := BuildBatches(ec.Config)
	total := len(ec.Config.Steps)
	position := 0

	var fatal *StepOutcome
	aborted := false
	for _, batch := range batches {
		if exec.aborted.Load() {
			aborted = true
			break
		}
		session := runner.sync.Session(ctx)
		data := ec.Data(session)

		outcomes := runBatch(ctx, runner, batch, data)
		position += len(batch.Steps)

		for i := range outcomes {
			ec.Merge(outcomes[i])
			if outcomes[i].Fatal && fatal == nil {
				fatal = &outcomes[i]
			}
		}
		if fatal != nil {
			break
		}
		if position < total {
			// Overall progress travels on the synthetic workflow step;
			// per-step events carry the step's own 0/1 lifecycle.
			runner.reporter.Step(ctx, schema.WorkflowStepName, schema.StepStatusInProgress,
				float64(position)/float64(total), "", nil)
		}
	}

	elapsed := time.Since(start)
	switch {
	case aborted:
		ec.AddWorkflowError("run aborted")
		o.finish(ctx, exec, ec, runner, schema.WorkflowStatusFailed, elapsed, nil)
		o.logger.WarnContext(ctx, "workflow aborted", "workflow_id", ec.Config.ID)

	case fatal != nil:
		exec.setStatus(schema.WorkflowStatusRollingBack)
		runner.reporter.Step(ctx, schema.WorkflowStepName, schema.StepStatusInProgress, 1.0,
			"rolling back", nil)
		runner.runRollback(ctx, ec, runner.sync.Session(ctx))

		wrapped := schema.NewErrorf(schema.ErrCodeStepFailed,
			"step %s failed after %d attempt(s): %s",
			fatal.Step.Name, fatal.Attempts, fatal.Err.Message).
			WithStep(fatal.Step.Name).WithAttempts(fatal.Attempts).WithCause(fatal.Err)
		o.finish(ctx, exec, ec, runner, schema.WorkflowStatusFailed, time.Since(start), wrapped)
		o.logger.ErrorContext(ctx, "workflow failed",
			"workflow_id", ec.Config.ID, "step", fatal.Step.Name, "error", fatal.Err)

	default:
		o.finish(ctx, exec, ec, runner, schema.WorkflowStatusCompleted, elapsed, nil)
		o.logger.InfoContext(ctx, "workflow completed",
			"workflow_id", ec.Config.ID, "duration_ms", elapsed.Milliseconds())
	}
}

func (o *Orchestrator) finish(ctx context.Context, exec *Execution, ec *ExecutionContext, runner *stepRunner, status schema.WorkflowStatus, elapsed time.Duration, err *schema.PipelineError) {
	result := ec.Result(status, elapsed)
	runner.reporter.WorkflowFinished(ctx, status)

	sessionStatus := "completed"
	if status == schema.WorkflowStatusFailed {
		sessionStatus = "failed"
	}
	runner.sync.RunFinished(ctx, sessionStatus)

	if o.store != nil {
		now := time.Now().UTC()
		durationMs := elapsed.Milliseconds()
		update := store.RunUpdate{Status: &status, CompletedAt: &now, DurationMs: &durationMs}
		if err != nil {
			update.Error = err.Error()
		}
		if uerr := o.store.UpdateRun(ctx, exec.runID, update); uerr != nil {
			o.logger.WarnContext(ctx, "failed to update run record", "error", uerr)
		}
	}

	// A typed nil must not reach the handle as a non-nil error interface.
	var werr error
	if err != nil {
		werr = err
	}
	exec.settle(status, result, werr)
}

// runBatch executes a batch's steps, concurrently when it has more than one
// member. Every step observes the same state snapshot taken when the batch
// started; a failing step never interrupts its batch peers.
func runBatch(ctx context.Context, runner *stepRunner, batch Batch, data map[string]any) []StepOutcome {
	if len(batch.Steps) == 1 {
		return []StepOutcome{runner.RunGuarded(ctx, batch.Steps[0], data)}
	}

	outcomes := make([]StepOutcome, len(batch.Steps))
	var wg sync.WaitGroup
	for i := range batch.Steps {
		wg.Add(1)
		go func(idx int, step *schema.WorkflowStep) {
			defer wg.Done()
			outcomes[idx] = runner.RunGuarded(ctx, step, data)
		}(i, batch.Steps[i])
	}
	wg.Wait()
	return outcomes
}

// Execution is the handle for one in-flight or finished workflow run.
type Execution struct {
	runID      string
	sessionID  string
	workflowID string
	startedAt  time.Time

	aborted atomic.Bool
	done    chan struct{}

	mu     sync.Mutex
	status schema.WorkflowStatus
	result *schema.WorkflowExecutionResult
	err    error
}

func (e *Execution) RunID() string      { return e.runID }
func (e *Execution) SessionID() string  { return e.sessionID }
func (e *Execution) WorkflowID() string { return e.workflowID }

// Status returns the run's current lifecycle state.
func (e *Execution) Status() schema.WorkflowStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Abort flags the run for cooperative cancellation, honored at the next
// batch boundary.
func (e *Execution) Abort() {
	e.aborted.Store(true)
}

// Done is closed when the run reaches a terminal state.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the run settles or the context expires.
func (e *Execution) Wait(ctx context.Context) (*schema.WorkflowExecutionResult, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.result, e.err
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "wait cancelled").WithCause(ctx.Err())
	}
}

// Result returns the terminal result, or nil while the run is in flight.
func (e *Execution) Result() *schema.WorkflowExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

func (e *Execution) setStatus(status schema.WorkflowStatus) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

func (e *Execution) settle(status schema.WorkflowStatus, result *schema.WorkflowExecutionResult, err error) {
	e.mu.Lock()
	e.status = status
	e.result = result
	e.err = err
	e.mu.Unlock()
	close(e.done)
}
