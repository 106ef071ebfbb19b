package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pipedock/pipedock/internal/engine"
	"github.com/pipedock/pipedock/internal/scheduler"
	"github.com/pipedock/pipedock/internal/store"
	"github.com/pipedock/pipedock/pkg/schema"
)

// handleRun starts a registered or inline workflow, optionally waiting for
// the result.
func (s *PipedockServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	inputs := mcp.ParseStringMap(req, "inputs", nil)
	wait := req.GetBool("wait", false)

	cfg, errResult := s.resolveRunConfig(req)
	if errResult != nil {
		return errResult, nil
	}

	exec, startErr := s.orchestrator.Start(ctx, engine.StartRequest{
		Config:    cfg,
		SessionID: sessionID,
		Inputs:    inputs,
	})
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start workflow: %v", startErr)), nil
	}

	s.forwardProgress(ctx, exec)

	if wait {
		result, runErr := exec.Wait(ctx)
		if runErr != nil {
			// The run settled with a fatal step failure; the result still
			// carries the full record.
			return marshalResult(map[string]any{
				"result": result,
				"error":  runErr.Error(),
			})
		}
		return marshalResult(result)
	}

	return marshalResult(map[string]any{
		"run_id":      exec.RunID(),
		"session_id":  exec.SessionID(),
		"workflow_id": exec.WorkflowID(),
		"status":      string(exec.Status()),
	})
}

// resolveRunConfig picks the workflow for a run request: an inline config
// document (validated against the workflow schema first) or a library lookup
// by workflow_id. Returns a non-nil tool error result on failure.
func (s *PipedockServer) resolveRunConfig(req mcp.CallToolRequest) (*schema.WorkflowConfig, *mcp.CallToolResult) {
	if inline := mcp.ParseStringMap(req, "config", nil); inline != nil {
		if s.definitions == nil {
			return nil, mcp.NewToolResultError("inline configs are not available")
		}
		raw, err := json.Marshal(inline)
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("config is not JSON-encodable: %v", err))
		}
		if vr := s.definitions.ValidateDefinition(raw); !vr.Valid() {
			return nil, mcp.NewToolResultError(fmt.Sprintf("config is invalid: %v", vr.ToError()))
		}
		var cfg schema.WorkflowConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("config did not decode: %v", err))
		}
		return &cfg, nil
	}

	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		return nil, mcp.NewToolResultError("workflow_id or config is required")
	}
	cfg := s.library.Get(workflowID)
	if cfg == nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("workflow %q is not registered", workflowID))
	}
	return cfg, nil
}

// handleStatus reports an in-flight run's live state, falling back to the
// persisted run record once it has settled.
func (s *PipedockServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if exec, ok := s.orchestrator.Get(runID); ok {
		payload := map[string]any{
			"run_id":      exec.RunID(),
			"session_id":  exec.SessionID(),
			"workflow_id": exec.WorkflowID(),
			"status":      string(exec.Status()),
		}
		if result := exec.Result(); result != nil {
			payload["result"] = result
		}
		return marshalResult(payload)
	}

	if s.store == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %q not found", runID)), nil
	}
	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", getErr)), nil
	}
	return marshalResult(run)
}

// handleAbort flags a run for cooperative cancellation.
func (s *PipedockServer) handleAbort(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if !s.orchestrator.Abort(runID) {
		return mcp.NewToolResultError(fmt.Sprintf("run %q is not in flight", runID)), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
		"note":   "abort is cooperative; the current batch settles before the run stops",
	})
}

// handleList enumerates registered workflows or past runs.
func (s *PipedockServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	switch resource {
	case "workflows":
		ids := s.library.List()
		workflows := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			entry := map[string]any{"id": id}
			if cfg := s.library.Get(id); cfg != nil {
				entry["name"] = cfg.Name
				entry["steps"] = len(cfg.Steps)
			}
			workflows = append(workflows, entry)
		}
		return marshalResult(map[string]any{"workflows": workflows})

	case "runs":
		if s.store == nil {
			return mcp.NewToolResultError("run history is not available without a store"), nil
		}
		filter := store.RunFilter{
			SessionID:  req.GetString("session_id", ""),
			WorkflowID: req.GetString("workflow_id", ""),
			Limit:      req.GetInt("limit", 50),
		}
		runs, listErr := s.store.ListRuns(ctx, filter)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run listing failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"runs": runs})

	case "schedules":
		if s.scheduler == nil {
			return mcp.NewToolResultError("scheduling is not available"), nil
		}
		return marshalResult(map[string]any{"schedules": s.scheduler.Jobs()})

	default:
		return mcp.NewToolResultError("resource must be workflows, runs, or schedules"), nil
	}
}

// handleSchedule registers a recurring run of a library workflow.
func (s *PipedockServer) handleSchedule(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not available"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}

	cfg := s.library.Get(workflowID)
	if cfg == nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %q is not registered", workflowID)), nil
	}

	job := &scheduler.Job{
		ID:             req.GetString("job_id", workflowID),
		CronExpression: cronExpr,
		Config:         cfg,
		SessionID:      req.GetString("session_id", ""),
		Inputs:         mcp.ParseStringMap(req, "inputs", nil),
		Enabled:        true,
	}
	if addErr := s.scheduler.AddJob(job); addErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to schedule: %v", addErr)), nil
	}
	return marshalResult(job)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
