package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pipedock/pipedock/internal/dispatch"
	"github.com/pipedock/pipedock/internal/expressions"
	"github.com/pipedock/pipedock/internal/logging"
	"github.com/pipedock/pipedock/internal/progress"
	"github.com/pipedock/pipedock/internal/validation"
	"github.com/pipedock/pipedock/pkg/schema"
)

// OutcomeKind classifies how a step settled.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeSkipped
	OutcomeFailed
)

// StepOutcome is the settled result of running one step, including the
// bookkeeping the policy resolution produced.
type StepOutcome struct {
	Step     *schema.WorkflowStep
	Kind     OutcomeKind
	Output   map[string]any
	Err      *schema.PipelineError
	Attempts int

	// FailedRecorded marks a continue-policy failure: the workflow proceeds,
	// the failure stays on the record.
	FailedRecorded bool
	SkipReason     string

	// Fatal means the run must stop and roll back.
	Fatal bool
}

// stepRunner executes a single step end to end: condition gate, parameter
// resolution, bounded attempts with timeout and backoff, policy resolution,
// progress and session reporting.
type stepRunner struct {
	dispatcher dispatch.Dispatcher
	cel        *expressions.CELEngine
	interp     *expressions.Interpolator
	jq         *expressions.GoJQEngine
	schemas    *validation.JSONSchemaValidator
	reporter   *progress.Reporter
	sync       *sessionSync
	baseDelay  time.Duration
	logger     *slog.Logger
}

// RunGuarded runs the step, converting a panic escaping a user-supplied
// callback (condition, param mapper) into a failed outcome so one broken
// step cannot take down the run goroutine.
func (r *stepRunner) RunGuarded(ctx context.Context, step *schema.WorkflowStep, data map[string]any) (outcome StepOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = r.resolveFailure(ctx, step, schema.NewErrorf(schema.ErrCodeOperation,
				"step panicked: %v", rec).WithStep(step.Name), 0)
		}
	}()
	return r.Run(ctx, step, data)
}

// Run executes the step against the given expression scope data. Step events
// report progress 0 while the step is starting or retrying and 1 once it
// settles.
func (r *stepRunner) Run(ctx context.Context, step *schema.WorkflowStep, data map[string]any) StepOutcome {
	ctx = logging.WithStepName(ctx, step.Name)

	proceed, err := r.evalCondition(ctx, step, data)
	if err != nil {
		// A broken condition settles through the step's policy, with no
		// attempts spent on the operation itself.
		return r.resolveFailure(ctx, step, schema.NewErrorf(schema.ErrCodeValidation,
			"condition evaluation failed: %v", err).WithStep(step.Name), 0)
	}
	if !proceed {
		outcome := StepOutcome{Step: step, Kind: OutcomeSkipped, SkipReason: "condition evaluated to false"}
		r.reporter.Step(ctx, step.Name, schema.StepStatusSkipped, 1, outcome.SkipReason, nil)
		r.sync.StepSettled(ctx, outcome)
		return outcome
	}

	r.reporter.Step(ctx, step.Name, schema.StepStatusStarting, 0, "", nil)
	r.sync.StepStarted(ctx, step.Name)

	params, err := r.resolveParams(ctx, step, data)
	if err != nil {
		return r.resolveFailure(ctx, step, schema.NewErrorf(schema.ErrCodeValidation,
			"parameter resolution failed: %v", err).WithStep(step.Name), 0)
	}
	if len(step.InputSchema) > 0 && r.schemas != nil {
		if vr := r.schemas.ValidateInput(step.Name, step.InputSchema, params); !vr.Valid() {
			return r.resolveFailure(ctx, step, vr.ToError(), 0)
		}
	}

	attempts := step.Attempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(r.baseDelay, attempt-1)
			r.logger.InfoContext(ctx, "retrying step",
				"attempt", attempt+1, "of", attempts, "backoff", delay.String())
			r.reporter.Step(ctx, step.Name, schema.StepStatusInProgress, 0,
				fmt.Sprintf("Retrying (attempt %d)", attempt+1), nil)
			if werr := WaitForBackoff(ctx, delay); werr != nil {
				lastErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled during backoff").
					WithStep(step.Name).WithCause(werr)
				return r.resolveFailure(ctx, step, lastErr, attempt)
			}
		}

		output, invErr := r.invokeOnce(ctx, step, params)
		if invErr == nil {
			outcome := StepOutcome{Step: step, Kind: OutcomeCompleted, Output: output, Attempts: attempt + 1}
			r.reporter.Step(ctx, step.Name, schema.StepStatusCompleted, 1, "", output)
			r.sync.StepSettled(ctx, outcome)
			return outcome
		}
		lastErr = invErr
		if !step.Retryable || !IsRetryableError(invErr) {
			return r.resolveFailure(ctx, step, invErr, attempt+1)
		}
	}

	exhausted := schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"step failed after %d attempts: %v", attempts, lastErr).
		WithStep(step.Name).WithAttempts(attempts).WithCause(lastErr)
	return r.resolveFailure(ctx, step, exhausted, attempts)
}

// evalCondition returns whether the step should run. A nil condition and an
// empty expression both mean run unconditionally.
func (r *stepRunner) evalCondition(ctx context.Context, step *schema.WorkflowStep, data map[string]any) (bool, error) {
	if step.Condition != nil {
		state, _ := data[expressions.ScopeState].(map[string]any)
		return step.Condition(state), nil
	}
	if step.ConditionExpr != "" {
		return r.cel.EvaluateBool(ctx, step.ConditionExpr, data)
	}
	return true, nil
}

// resolveParams builds the operation input. Precedence: ParamMapper, then
// ParamsTemplate with interpolation, then ParamsQuery as a jq transform over
// the scope data extended with the params resolved so far.
func (r *stepRunner) resolveParams(ctx context.Context, step *schema.WorkflowStep, data map[string]any) (map[string]any, error) {
	params := map[string]any{}

	switch {
	case step.ParamMapper != nil:
		state, _ := data[expressions.ScopeState].(map[string]any)
		if mapped := step.ParamMapper(state, r.sync.sessionID); mapped != nil {
			params = mapped
		}
	case len(step.ParamsTemplate) > 0:
		resolved, err := r.interp.Resolve(ctx, step.ParamsTemplate, data)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(resolved, &params); err != nil {
			return nil, fmt.Errorf("params template did not resolve to an object: %w", err)
		}
	}

	if step.ParamsQuery != "" {
		scoped := make(map[string]any, len(data)+1)
		for k, v := range data {
			scoped[k] = v
		}
		scoped["params"] = params
		result, err := r.jq.Evaluate(ctx, step.ParamsQuery, scoped)
		if err != nil {
			return nil, err
		}
		transformed, ok := result.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("params query produced %T, want object", result)
		}
		params = transformed
	}

	return params, nil
}

// invokeOnce runs one attempt of the operation under the step's timeout.
// A timed-out operation is abandoned, not awaited; its context is cancelled
// so a cooperative tool can stop early.
func (r *stepRunner) invokeOnce(ctx context.Context, step *schema.WorkflowStep, params map[string]any) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, step.Timeout())
	defer cancel()

	type invokeResult struct {
		output map[string]any
		err    error
	}
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- invokeResult{err: schema.NewErrorf(schema.ErrCodeOperation,
					"operation panicked: %v", rec).WithStep(step.Name)}
			}
		}()
		output, err := r.dispatcher.Invoke(attemptCtx, step.Operation, params)
		done <- invokeResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"operation %s timed out after %s", step.Operation, step.Timeout()).WithStep(step.Name)
		}
		return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled").
			WithStep(step.Name).WithCause(attemptCtx.Err())
	}
}

// resolveFailure applies the step's on-error policy to a settled failure.
// Non-required steps downgrade a fail outcome to skip.
func (r *stepRunner) resolveFailure(ctx context.Context, step *schema.WorkflowStep, err error, attempts int) StepOutcome {
	perr := asPipelineError(err, step, attempts)

	policy := step.Policy()
	if policy == schema.OnErrorFail && !step.Required {
		policy = schema.OnErrorSkip
	}

	switch policy {
	case schema.OnErrorSkip:
		outcome := StepOutcome{
			Step: step, Kind: OutcomeSkipped, Err: perr, Attempts: attempts,
			SkipReason: fmt.Sprintf("failed but not required: %v", perr),
		}
		r.logger.WarnContext(ctx, "step failed, skipping", "error", perr)
		// The failure is still observable before the skip resolution.
		r.reporter.Step(ctx, step.Name, schema.StepStatusFailed, 1, perr.Message, nil)
		r.reporter.Step(ctx, step.Name, schema.StepStatusSkipped, 1, outcome.SkipReason, nil)
		r.sync.StepSettled(ctx, outcome)
		return outcome
	case schema.OnErrorContinue:
		outcome := StepOutcome{
			Step: step, Kind: OutcomeCompleted, Err: perr, Attempts: attempts,
			FailedRecorded: true,
		}
		r.logger.WarnContext(ctx, "step failed, continuing", "error", perr)
		r.reporter.Step(ctx, step.Name, schema.StepStatusFailed, 1, perr.Message, nil)
		r.sync.StepSettled(ctx, outcome)
		return outcome
	default:
		outcome := StepOutcome{Step: step, Kind: OutcomeFailed, Err: perr, Attempts: attempts, Fatal: true}
		r.logger.ErrorContext(ctx, "step failed", "error", perr)
		r.reporter.Step(ctx, step.Name, schema.StepStatusFailed, 1, perr.Message, nil)
		r.sync.StepSettled(ctx, outcome)
		return outcome
	}
}

// asPipelineError normalizes an arbitrary error into a step-attributed
// PipelineError without double-wrapping.
func asPipelineError(err error, step *schema.WorkflowStep, attempts int) *schema.PipelineError {
	var perr *schema.PipelineError
	if errors.As(err, &perr) {
		if perr.StepName == "" {
			perr.StepName = step.Name
		}
		if perr.Attempts == 0 {
			perr.Attempts = attempts
		}
		return perr
	}
	return schema.NewError(schema.ErrCodeStepFailed, err.Error()).
		WithStep(step.Name).WithAttempts(attempts).WithCause(err)
}
