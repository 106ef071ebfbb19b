package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipedock/pipedock/internal/dispatch"
	"github.com/pipedock/pipedock/internal/progress"
	"github.com/pipedock/pipedock/internal/store"
	"github.com/pipedock/pipedock/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, registry *dispatch.Registry, s store.SessionStore) *Orchestrator {
	t.Helper()
	o, err := New(registry, s, progress.NewHub(), Options{
		BaseDelay: time.Millisecond,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	return o
}

// invocationLog records operation calls in order, safely across goroutines.
type invocationLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *invocationLog) record(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *invocationLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func okOp(log *invocationLog, name string, output map[string]any) func(context.Context, map[string]any) (map[string]any, error) {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		log.record(name)
		return output, nil
	}
}

func step(name, op string) schema.WorkflowStep {
	return schema.WorkflowStep{Name: name, Operation: op, Required: true, TimeoutMs: 5000}
}

func TestExecuteWorkflow_SequentialOrder(t *testing.T) {
	log := &invocationLog{}
	registry := dispatch.NewRegistry()
	for _, name := range []string{"op-a", "op-b", "op-c"} {
		require.NoError(t, registry.RegisterFunc(name, "", okOp(log, name, nil)))
	}

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{
			step("a", "op-a"), step("b", "op-b"), step("c", "op-c"),
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusCompleted, result.Status)
	assert.Equal(t, []string{"a", "b", "c"}, result.CompletedSteps)
	assert.Equal(t, []string{"op-a", "op-b", "op-c"}, log.names())
	assert.False(t, result.RollbackPerformed)
}

func TestExecuteWorkflow_RetryBound(t *testing.T) {
	var calls int64
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("flaky", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errors.New("transient failure")
	}))

	s := step("flaky", "flaky")
	s.Retryable = true
	s.MaxRetries = 2

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{s}},
	})
	require.Error(t, err)

	// maxRetries retries on top of the first attempt, never more.
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)

	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "flaky", perr.StepName)
	assert.Equal(t, 3, perr.Attempts)
}

func TestExecuteWorkflow_NonRetryableSingleAttempt(t *testing.T) {
	var calls int64
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("broken", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errors.New("permanent failure")
	}))

	s := step("broken", "broken")
	s.MaxRetries = 5 // ignored: retryable is false

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	_, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{s}},
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestExecuteWorkflow_ConditionFalseSkips(t *testing.T) {
	log := &invocationLog{}
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("op-a", "", okOp(log, "op-a", nil)))
	require.NoError(t, registry.RegisterFunc("op-b", "", okOp(log, "op-b", nil)))

	gated := step("b", "op-b")
	gated.Condition = func(state map[string]any) bool { return false }

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{step("a", "op-a"), gated}},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusCompleted, result.Status)
	assert.Equal(t, []string{"a"}, result.CompletedSteps)
	assert.Equal(t, []string{"b"}, result.SkippedSteps)
	assert.Equal(t, []string{"op-a"}, log.names(), "skipped step's operation must not be invoked")
}

func TestExecuteWorkflow_CELConditionOverState(t *testing.T) {
	log := &invocationLog{}
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("op-a", "", okOp(log, "op-a", map[string]any{"image_id": "sha256:abc"})))
	require.NoError(t, registry.RegisterFunc("op-b", "", okOp(log, "op-b", nil)))
	require.NoError(t, registry.RegisterFunc("op-c", "", okOp(log, "op-c", nil)))

	runWhenImage := step("b", "op-b")
	runWhenImage.ConditionExpr = `"a" in state && has(state.a.image_id)`
	skipAlways := step("c", "op-c")
	skipAlways.ConditionExpr = `"missing" in state`

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{step("a", "op-a"), runWhenImage, skipAlways}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, result.CompletedSteps)
	assert.Equal(t, []string{"c"}, result.SkippedSteps)
}

func TestExecuteWorkflow_NotRequiredDowngradesToSkip(t *testing.T) {
	log := &invocationLog{}
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("fails", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("nope")
	}))
	require.NoError(t, registry.RegisterFunc("op-b", "", okOp(log, "op-b", nil)))

	optional := step("a", "fails")
	optional.Required = false

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{optional, step("b", "op-b")}},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusCompleted, result.Status)
	assert.Equal(t, []string{"a"}, result.SkippedSteps)
	assert.Equal(t, []string{"b"}, result.CompletedSteps)
}

func TestExecuteWorkflow_ContinuePolicyRecordsFailure(t *testing.T) {
	log := &invocationLog{}
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("fails", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("scan found criticals")
	}))
	require.NoError(t, registry.RegisterFunc("op-b", "", okOp(log, "op-b", nil)))

	tolerated := step("scan", "fails")
	tolerated.OnError = schema.OnErrorContinue

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{tolerated, step("b", "op-b")}},
	})
	require.NoError(t, err, "continue policy must not fail the workflow")

	assert.Equal(t, schema.WorkflowStatusCompleted, result.Status)
	assert.Equal(t, []string{"scan"}, result.FailedSteps)
	assert.NotEmpty(t, result.Errors["scan"])
	assert.Equal(t, []string{"b"}, result.CompletedSteps)
	assert.NotContains(t, result.Outputs, "scan", "continue failure contributes no output")
	assert.Equal(t, []string{"op-b"}, log.names())
}

func TestExecuteWorkflow_RollbackInDeclaredOrder(t *testing.T) {
	log := &invocationLog{}
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("op-a", "", okOp(log, "op-a", nil)))
	require.NoError(t, registry.RegisterFunc("fails", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		log.record("fails")
		return nil, errors.New("deploy blew up")
	}))
	require.NoError(t, registry.RegisterFunc("undeploy", "", okOp(log, "undeploy", nil)))
	require.NoError(t, registry.RegisterFunc("delete-image", "", okOp(log, "delete-image", nil)))

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{
			ID:    "wf",
			Steps: []schema.WorkflowStep{step("a", "op-a"), step("deploy", "fails")},
			RollbackSteps: []schema.WorkflowStep{
				step("undeploy", "undeploy"),
				step("delete-image", "delete-image"),
			},
		},
	})
	require.Error(t, err)

	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	assert.True(t, result.RollbackPerformed)
	assert.Equal(t, []string{"op-a", "fails", "undeploy", "delete-image"}, log.names())
}

func TestExecuteWorkflow_RollbackFailureSuppressed(t *testing.T) {
	log := &invocationLog{}
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("fails", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, registry.RegisterFunc("broken-cleanup", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		log.record("broken-cleanup")
		return nil, errors.New("cleanup also broken")
	}))
	require.NoError(t, registry.RegisterFunc("final-cleanup", "", okOp(log, "final-cleanup", nil)))

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{
			ID:    "wf",
			Steps: []schema.WorkflowStep{step("deploy", "fails")},
			RollbackSteps: []schema.WorkflowStep{
				step("first", "broken-cleanup"),
				step("second", "final-cleanup"),
			},
		},
	})
	require.Error(t, err)

	// A broken rollback step never stops the rest of the rollback.
	assert.Equal(t, []string{"broken-cleanup", "final-cleanup"}, log.names())
	assert.True(t, result.RollbackPerformed)
	assert.NotEmpty(t, result.Errors["first"])
}

func TestExecuteWorkflow_NoRollbackWithoutSteps(t *testing.T) {
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("fails", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}))

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{step("a", "fails")}},
	})
	require.Error(t, err)
	assert.False(t, result.RollbackPerformed)
}

func TestExecuteWorkflow_ParallelGroupSiblingsIndependent(t *testing.T) {
	log := &invocationLog{}
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("op-a", "", okOp(log, "op-a", nil)))
	require.NoError(t, registry.RegisterFunc("slow-ok", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		time.Sleep(30 * time.Millisecond)
		log.record("slow-ok")
		return map[string]any{"done": true}, nil
	}))
	require.NoError(t, registry.RegisterFunc("fast-fail", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		log.record("fast-fail")
		return nil, errors.New("sibling failed")
	}))

	failing := step("scan", "fast-fail")
	failing.OnError = schema.OnErrorContinue

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{
			ID:             "wf",
			Steps:          []schema.WorkflowStep{step("a", "op-a"), failing, step("push", "slow-ok")},
			ParallelGroups: [][]string{{"scan", "push"}},
		},
	})
	require.NoError(t, err)

	// The failing sibling settles without cancelling its peer.
	assert.Contains(t, result.CompletedSteps, "push")
	assert.Equal(t, []string{"scan"}, result.FailedSteps)
	assert.Contains(t, log.names(), "slow-ok")
}

func TestExecuteWorkflow_ParallelFatalFailsAfterBatchSettles(t *testing.T) {
	log := &invocationLog{}
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("fast-fail", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, registry.RegisterFunc("slow-ok", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		time.Sleep(30 * time.Millisecond)
		log.record("slow-ok")
		return nil, nil
	}))
	require.NoError(t, registry.RegisterFunc("after", "", okOp(log, "after", nil)))

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{
			ID:             "wf",
			Steps:          []schema.WorkflowStep{step("x", "fast-fail"), step("y", "slow-ok"), step("z", "after")},
			ParallelGroups: [][]string{{"x", "y"}},
		},
	})
	require.Error(t, err)

	// The batch peer finished before the run failed; the next batch never ran.
	assert.Contains(t, log.names(), "slow-ok")
	assert.NotContains(t, log.names(), "after")
	assert.Contains(t, result.CompletedSteps, "y")
	assert.Equal(t, []string{"x"}, result.FailedSteps)
}

func TestExecuteWorkflow_TimeoutRetriedThenFails(t *testing.T) {
	var calls int64
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("hang", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		atomic.AddInt64(&calls, 1)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	s := step("hang", "hang")
	s.TimeoutMs = 10
	s.Retryable = true
	s.MaxRetries = 1

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	_, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{s}},
	})
	require.Error(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "timeouts count as retryable attempts")
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeStepFailed, perr.Code)
	assert.Contains(t, err.Error(), "hang")
}

func TestExecuteWorkflow_ParamsTemplateSeesPriorOutputs(t *testing.T) {
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("build", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"image_id": "sha256:abc"}, nil
	}))

	var got map[string]any
	require.NoError(t, registry.RegisterFunc("push", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		got = params
		return nil, nil
	}))

	pushStep := step("push", "push")
	pushStep.ParamsTemplate = []byte(`{"image_id": "${{ state.build.image_id }}", "registry": "${{ inputs.registry }}"}`)

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	_, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{step("build", "build"), pushStep}},
		Inputs: map[string]any{"registry": "ghcr.io/acme"},
	})
	require.NoError(t, err)

	assert.Equal(t, "sha256:abc", got["image_id"])
	assert.Equal(t, "ghcr.io/acme", got["registry"])
}

func TestExecuteWorkflow_ParamMapperWins(t *testing.T) {
	registry := dispatch.NewRegistry()
	var got map[string]any
	require.NoError(t, registry.RegisterFunc("op", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		got = params
		return nil, nil
	}))

	mapped := step("a", "op")
	mapped.ParamMapper = func(state map[string]any, sessionID string) map[string]any {
		return map[string]any{"session": sessionID}
	}
	mapped.ParamsTemplate = []byte(`{"ignored": true}`)

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	_, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config:    &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{mapped}},
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"session": "sess-1"}, got)
}

func TestExecuteWorkflow_SessionStateSynced(t *testing.T) {
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("build", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"image_id": "sha256:abc"}, nil
	}))

	memStore := store.NewMemoryStore()
	o := newTestOrchestrator(t, registry, memStore)
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config:    &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{step("build", "build")}},
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusCompleted, result.Status)

	state, err := memStore.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "completed", state.Status)
	assert.Equal(t, []string{"build"}, state.Workflow.CompletedSteps)
	assert.Equal(t, "sha256:abc", state.Workflow.StepOutputs["build"]["image_id"])
	assert.Empty(t, state.Workflow.CurrentStep, "current step clears once the step settles")
}

func TestExecuteWorkflow_RunHistoryRecorded(t *testing.T) {
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("op", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	}))

	memStore := store.NewMemoryStore()
	o := newTestOrchestrator(t, registry, memStore)
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{
		Config:    &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{step("a", "op")}},
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	run, err := memStore.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, run.Status)
	assert.Equal(t, "wf", run.WorkflowID)
	assert.NotNil(t, run.CompletedAt)
}

func TestStart_UnknownOperationFailsValidation(t *testing.T) {
	o := newTestOrchestrator(t, dispatch.NewRegistry(), store.NewMemoryStore())
	_, err := o.Start(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{step("a", "never-registered")}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never-registered")
}

func TestAbort_StopsAtBatchBoundary(t *testing.T) {
	log := &invocationLog{}
	started := make(chan struct{})
	release := make(chan struct{})

	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("blocking", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		close(started)
		<-release
		log.record("blocking")
		return nil, nil
	}))
	require.NoError(t, registry.RegisterFunc("after", "", okOp(log, "after", nil)))

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	exec, err := o.Start(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{
			step("a", "blocking"), step("b", "after"),
		}},
	})
	require.NoError(t, err)

	<-started
	exec.Abort()
	close(release)

	result, waitErr := exec.Wait(context.Background())
	require.NoError(t, waitErr, "abort settles the run without a thrown error")

	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	assert.Contains(t, result.Errors[schema.WorkflowStepName], "run aborted")
	assert.Equal(t, []string{"blocking"}, log.names(), "in-flight batch settles, next batch never starts")
	assert.Contains(t, result.CompletedSteps, "a")
}

func TestOrchestrator_RunningMapLifecycle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("blocking", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return nil, nil
	}))

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	exec, err := o.Start(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{step("a", "blocking")}},
	})
	require.NoError(t, err)

	<-started
	inflight, ok := o.Get(exec.RunID())
	assert.True(t, ok)
	assert.Equal(t, exec, inflight)
	assert.Len(t, o.Running(), 1)

	close(release)
	_, err = exec.Wait(context.Background())
	require.NoError(t, err)

	_, ok = o.Get(exec.RunID())
	assert.False(t, ok, "finished runs leave the running map")
}

func TestExecuteWorkflow_ProgressEventsWithRedaction(t *testing.T) {
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("op", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"registry_password": "hunter2", "image": "app:v1"}, nil
	}))

	hub := progress.NewHub()
	o, err := New(registry, store.NewMemoryStore(), hub, Options{BaseDelay: time.Millisecond, Logger: testLogger()})
	require.NoError(t, err)

	events, cancel := hub.Subscribe(progress.Filter{})
	defer cancel()

	_, err = o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{step("a", "op")}},
	})
	require.NoError(t, err)

	var sawStart, sawFinish, sawCompleted bool
	deadline := time.After(2 * time.Second)
	for !(sawStart && sawFinish && sawCompleted) {
		select {
		case event := <-events:
			update := event.Update
			if update.Step == schema.WorkflowStepName && update.Progress == 0 {
				sawStart = true
			}
			if update.Step == schema.WorkflowStepName && update.Progress == 1 {
				sawFinish = true
			}
			if update.Step == "a" && update.Status == schema.StepStatusCompleted {
				sawCompleted = true
				assert.Equal(t, "[REDACTED]", update.Metadata["registry_password"])
				assert.Equal(t, "app:v1", update.Metadata["image"])
			}
		case <-deadline:
			t.Fatalf("missing progress events: start=%v finish=%v completed=%v", sawStart, sawFinish, sawCompleted)
		}
	}
}

func TestStart_WaitReturnsNilErrorOnSuccess(t *testing.T) {
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("op", "", okOp(&invocationLog{}, "op", nil)))

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	exec, err := o.Start(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{step("a", "op")}},
	})
	require.NoError(t, err)

	result, werr := exec.Wait(context.Background())
	require.NoError(t, werr)
	require.NotNil(t, result)
	assert.Equal(t, schema.WorkflowStatusCompleted, result.Status)
}

func TestExecuteWorkflow_SkipPolicyEmitsFailedThenSkipped(t *testing.T) {
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("fails", "", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("flaky scan")
	}))

	hub := progress.NewHub()
	o, err := New(registry, store.NewMemoryStore(), hub, Options{BaseDelay: time.Millisecond, Logger: testLogger()})
	require.NoError(t, err)

	events, cancel := hub.Subscribe(progress.Filter{})
	defer cancel()

	cfg := &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{
		{Name: "scan", Operation: "fails", Required: true, TimeoutMs: 5000, OnError: schema.OnErrorSkip},
	}}
	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, []string{"scan"}, result.SkippedSteps)

	// The failure is visible before the skip resolution.
	var statuses []schema.StepStatus
	deadline := time.After(2 * time.Second)
	for len(statuses) < 2 {
		select {
		case event := <-events:
			if event.Update.Step == "scan" &&
				(event.Update.Status == schema.StepStatusFailed || event.Update.Status == schema.StepStatusSkipped) {
				statuses = append(statuses, event.Update.Status)
			}
		case <-deadline:
			t.Fatalf("missing scan events, got %v", statuses)
		}
	}
	assert.Equal(t, []schema.StepStatus{schema.StepStatusFailed, schema.StepStatusSkipped}, statuses)
}

func TestExecuteWorkflow_StepEventsReportOwnProgress(t *testing.T) {
	log := &invocationLog{}
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("op-a", "", okOp(log, "op-a", nil)))
	require.NoError(t, registry.RegisterFunc("op-b", "", okOp(log, "op-b", nil)))

	hub := progress.NewHub()
	o, err := New(registry, store.NewMemoryStore(), hub, Options{BaseDelay: time.Millisecond, Logger: testLogger()})
	require.NoError(t, err)

	events, cancel := hub.Subscribe(progress.Filter{})
	defer cancel()

	_, err = o.ExecuteWorkflow(context.Background(), StartRequest{
		Config: &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{
			step("a", "op-a"), step("b", "op-b"),
		}},
	})
	require.NoError(t, err)

	var sawBStart, sawBDone, sawHalfway bool
	deadline := time.After(2 * time.Second)
	for !(sawBStart && sawBDone && sawHalfway) {
		select {
		case event := <-events:
			update := event.Update
			if update.Step == "b" && update.Status == schema.StepStatusStarting {
				sawBStart = true
				assert.Equal(t, 0.0, update.Progress)
			}
			if update.Step == "b" && update.Status == schema.StepStatusCompleted {
				sawBDone = true
				assert.Equal(t, 1.0, update.Progress)
			}
			if update.Step == schema.WorkflowStepName && update.Progress == 0.5 {
				sawHalfway = true
			}
		case <-deadline:
			t.Fatalf("missing events: b-start=%v b-done=%v halfway=%v", sawBStart, sawBDone, sawHalfway)
		}
	}
}

func TestExecuteWorkflow_ParamMapperPanicContained(t *testing.T) {
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("op", "", okOp(&invocationLog{}, "op", nil)))

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	cfg := &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{
		{
			Name: "broken", Operation: "op", Required: true, TimeoutMs: 5000,
			ParamMapper: func(state map[string]any, sessionID string) map[string]any {
				panic("mapper blew up")
			},
		},
	}}

	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{Config: cfg})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	assert.Equal(t, []string{"broken"}, result.FailedSteps)
	assert.Contains(t, result.Errors["broken"][0], "panicked")
}

func TestExecuteWorkflow_InputSchemaRejectsParams(t *testing.T) {
	log := &invocationLog{}
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("push", "", okOp(log, "push", nil)))

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	cfg := &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{
		{
			Name: "push", Operation: "push", Required: true, TimeoutMs: 5000,
			ParamsTemplate: []byte(`{"image": 42}`),
			InputSchema:    []byte(`{"type":"object","required":["image"],"properties":{"image":{"type":"string"}}}`),
		},
	}}

	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{Config: cfg})
	require.Error(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, result.Status)
	assert.Empty(t, log.names(), "operation must not run with invalid params")
	assert.NotEmpty(t, result.Errors["push"])
}

func TestExecuteWorkflow_InputSchemaAcceptsParams(t *testing.T) {
	log := &invocationLog{}
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.RegisterFunc("push", "", okOp(log, "push", nil)))

	o := newTestOrchestrator(t, registry, store.NewMemoryStore())
	cfg := &schema.WorkflowConfig{ID: "wf", Steps: []schema.WorkflowStep{
		{
			Name: "push", Operation: "push", Required: true, TimeoutMs: 5000,
			ParamsTemplate: []byte(`{"image": "app:v1"}`),
			InputSchema:    []byte(`{"type":"object","required":["image"],"properties":{"image":{"type":"string"}}}`),
		},
	}}

	result, err := o.ExecuteWorkflow(context.Background(), StartRequest{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, result.Status)
	assert.Equal(t, []string{"push"}, log.names())
}
