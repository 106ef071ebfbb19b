package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pipedock/pipedock/internal/engine"
	"github.com/pipedock/pipedock/internal/pipelines"
	"github.com/pipedock/pipedock/internal/progress"
	"github.com/pipedock/pipedock/internal/scheduler"
	"github.com/pipedock/pipedock/internal/store"
	"github.com/pipedock/pipedock/internal/validation"
)

// PipedockServerDeps holds the dependencies for creating a PipedockServer.
type PipedockServerDeps struct {
	Orchestrator *engine.Orchestrator
	Library      *pipelines.Library
	Store        store.SessionStore
	Scheduler    *scheduler.Scheduler
	Logger       *slog.Logger
}

// PipedockServer wraps an MCP server with pipeline tool handlers.
type PipedockServer struct {
	orchestrator *engine.Orchestrator
	library      *pipelines.Library
	store        store.SessionStore
	scheduler    *scheduler.Scheduler
	definitions  *validation.JSONSchemaValidator
	logger       *slog.Logger
	mcpServer    *server.MCPServer
}

// NewPipedockServer creates a server with the pipeline tools registered.
func NewPipedockServer(deps PipedockServerDeps) *PipedockServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &PipedockServer{
		orchestrator: deps.Orchestrator,
		library:      deps.Library,
		store:        deps.Store,
		scheduler:    deps.Scheduler,
		logger:       logger,
	}
	definitions, err := validation.NewJSONSchemaValidator()
	if err != nil {
		logger.Error("workflow schema unavailable; inline configs disabled", "error", err)
	} else {
		s.definitions = definitions
	}

	mcpSrv := server.NewMCPServer(
		"pipedock",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Pipedock orchestrates containerization and deployment pipelines. Use pipeline.run to start a workflow (registered or inline), pipeline.status to inspect a run, pipeline.abort to cancel one, pipeline.schedule for recurring runs, and pipeline.list to discover workflows, past runs, and schedules."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *PipedockServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PipedockServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *PipedockServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: abortTool(), Handler: s.handleAbort},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("pipeline.run",
		mcp.WithDescription("Execute a registered pipeline workflow"),
		mcp.WithString("workflow_id", mcp.Description("ID of a registered workflow to execute")),
		mcp.WithObject("config", mcp.Description("Inline workflow definition, used instead of workflow_id")),
		mcp.WithString("session_id", mcp.Description("Session to attach the run to (default: a fresh session)")),
		mcp.WithObject("inputs", mcp.Description("Run-level input parameters")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run settles instead of returning the run ID immediately")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("pipeline.status",
		mcp.WithDescription("Get the status of a pipeline run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func abortTool() mcp.Tool {
	return mcp.NewTool("pipeline.abort",
		mcp.WithDescription("Request cooperative cancellation of an in-flight run; the current batch settles first"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to abort")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("pipeline.list",
		mcp.WithDescription("List registered workflows, past runs, or scheduled jobs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs", "schedules"),
			mcp.Description("Resource type to list"),
		),
		mcp.WithString("session_id", mcp.Description("Filter runs by session")),
		mcp.WithString("workflow_id", mcp.Description("Filter runs by workflow")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs to return")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("pipeline.schedule",
		mcp.WithDescription("Register a recurring run of a workflow on a cron schedule"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the registered workflow to run")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression (minute hour dom month dow)")),
		mcp.WithString("job_id", mcp.Description("Job identifier (default: the workflow ID)")),
		mcp.WithString("session_id", mcp.Description("Session every scheduled run attaches to")),
		mcp.WithObject("inputs", mcp.Description("Run-level input parameters for each scheduled run")),
	)
}

// forwardProgress streams a run's progress updates to the calling client as
// MCP notifications. Best-effort: a disconnected client just stops the relay.
func (s *PipedockServer) forwardProgress(ctx context.Context, exec *engine.Execution) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	sessionID := session.SessionID()

	events, cancel := s.orchestrator.Hub().Subscribe(progress.Filter{RunID: exec.RunID()})
	go func() {
		defer cancel()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				payload := map[string]any{
					"run_id":   event.RunID,
					"step":     event.Update.Step,
					"status":   string(event.Update.Status),
					"progress": event.Update.Progress,
				}
				if event.Update.Message != "" {
					payload["message"] = event.Update.Message
				}
				if err := s.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/progress", payload); err != nil {
					return
				}
			case <-exec.Done():
				return
			}
		}
	}()
}
