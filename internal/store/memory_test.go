package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipedock/pipedock/pkg/schema"
)

func TestMemoryStore_GetMissingSession(t *testing.T) {
	s := NewMemoryStore()
	state, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestMemoryStore_UpdateAtomicCreatesSession(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpdateAtomic(context.Background(), "sess-1", func(state SessionState) SessionState {
		state.Workflow.CurrentStep = "build"
		return state
	})
	require.NoError(t, err)

	state, err := s.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "sess-1", state.SessionID)
	assert.Equal(t, "build", state.Workflow.CurrentStep)
	assert.False(t, state.CreatedAt.IsZero())
}

func TestMemoryStore_UpdateAtomicSerialized(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.UpdateAtomic(context.Background(), "sess-1", func(state SessionState) SessionState {
				state.Workflow.CompletedSteps = append(state.Workflow.CompletedSteps, "step")
				return state
			})
		}()
	}
	wg.Wait()

	state, err := s.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Len(t, state.Workflow.CompletedSteps, 50, "no update may be lost")
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.UpdateAtomic(context.Background(), "sess-1", func(state SessionState) SessionState {
		state.Workflow.StepOutputs = map[string]map[string]any{"build": {"image": "a"}}
		return state
	}))

	first, err := s.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	first.Workflow.StepOutputs["build"]["image"] = "tampered"

	second, err := s.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "a", second.Workflow.StepOutputs["build"]["image"])
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.UpdateAtomic(context.Background(), "sess-1", func(state SessionState) SessionState {
		return state
	}))
	require.NoError(t, s.Delete(context.Background(), "sess-1"))

	state, err := s.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Nil(t, state)

	assert.Error(t, s.Delete(context.Background(), "sess-1"))
}

func TestMemoryStore_RunLifecycle(t *testing.T) {
	s := NewMemoryStore()
	run := &Run{ID: "run-1", WorkflowID: "wf", SessionID: "sess-1", Status: schema.WorkflowStatusRunning}
	require.NoError(t, s.CreateRun(context.Background(), run))

	completed := schema.WorkflowStatusCompleted
	now := time.Now().UTC()
	duration := int64(1234)
	require.NoError(t, s.UpdateRun(context.Background(), "run-1", RunUpdate{
		Status: &completed, CompletedAt: &now, DurationMs: &duration,
	}))

	got, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, int64(1234), got.DurationMs)
	require.NotNil(t, got.CompletedAt)
}

func TestMemoryStore_GetRunMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetRun(context.Background(), "nope")
	require.Error(t, err)

	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeNotFound, perr.Code)
}

func TestMemoryStore_ListRunsFilterAndLimit(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now().UTC()
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		sessionID := "sess-a"
		if id == "run-3" {
			sessionID = "sess-b"
		}
		require.NoError(t, s.CreateRun(context.Background(), &Run{
			ID: id, WorkflowID: "wf", SessionID: sessionID,
			Status:    schema.WorkflowStatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	runs, err := s.ListRuns(context.Background(), RunFilter{SessionID: "sess-a"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID, "newest first")

	limited, err := s.ListRuns(context.Background(), RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
	assert.Equal(t, "run-3", limited[0].ID)
}
