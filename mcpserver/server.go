// Package mcpserver exposes schedules to agents over the Model Context
// Protocol (stdio transport).
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pulse/schedule"
	"github.com/teranos/loom/version"
)

// Server wraps the schedule services as MCP tools
type Server struct {
	manager    *schedule.Manager
	ticker     *schedule.Ticker
	executions *schedule.ExecutionStore
	logger     *zap.SugaredLogger
	server     *server.MCPServer
}

// New creates an MCP server with every tool registered
func New(manager *schedule.Manager, ticker *schedule.Ticker, executions *schedule.ExecutionStore, log *zap.SugaredLogger) *Server {
	s := &Server{
		manager:    manager,
		ticker:     ticker,
		executions: executions,
		logger:     logger.AddPulseSymbol(log),
	}
	s.server = server.NewMCPServer(
		"loom",
		version.Get().Version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.server.AddTool(mcp.NewTool("list_schedules",
		mcp.WithDescription("List schedules, optionally only those owned by one agent"),
		mcp.WithString("agent_id",
			mcp.Description("Owning agent ID; empty lists every agent's schedules"),
		),
	), s.handleListSchedules)

	s.server.AddTool(mcp.NewTool("get_schedule",
		mcp.WithDescription("Get one schedule with its steps"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Schedule ID"),
		),
	), s.handleGetSchedule)

	s.server.AddTool(mcp.NewTool("run_schedule",
		mcp.WithDescription("Run a schedule now and wait for the execution to finish"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Schedule ID"),
		),
	), s.handleRunSchedule)

	s.server.AddTool(mcp.NewTool("toggle_schedule",
		mcp.WithDescription("Pause an active recurring schedule or resume a paused one"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Schedule ID"),
		),
	), s.handleToggleSchedule)

	s.server.AddTool(mcp.NewTool("list_executions",
		mcp.WithDescription("List a schedule's executions, newest first"),
		mcp.WithString("schedule_id",
			mcp.Required(),
			mcp.Description("Schedule ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum executions to return (default: 10)"),
		),
	), s.handleListExecutions)
}

// Serve runs the server on stdin/stdout until the client disconnects
func (s *Server) Serve() error {
	return server.ServeStdio(s.server)
}

func (s *Server) handleListSchedules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	schedules, err := s.manager.List(ctx, request.GetString("agent_id", ""))
	if err != nil {
		return s.toolError("list_schedules", err), nil
	}
	return jsonResult(schedules)
}

func (s *Server) handleGetSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sch, err := s.manager.Get(ctx, id)
	if err != nil {
		return s.toolError("get_schedule", err), nil
	}
	return jsonResult(sch)
}

func (s *Server) handleRunSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exec, err := s.ticker.RunNow(ctx, id)
	if err != nil {
		return s.toolError("run_schedule", err), nil
	}
	return jsonResult(exec)
}

func (s *Server) handleToggleSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sch, err := s.manager.Toggle(ctx, id)
	if err != nil {
		return s.toolError("toggle_schedule", err), nil
	}
	return jsonResult(sch)
}

func (s *Server) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := request.GetInt("limit", 10)
	if limit < 1 || limit > 100 {
		return mcp.NewToolResultError("limit must be between 1 and 100"), nil
	}
	if _, err := s.manager.Get(ctx, id); err != nil {
		return s.toolError("list_executions", err), nil
	}
	executions, _, err := s.executions.ListBySchedule(ctx, id, limit, 0)
	if err != nil {
		return s.toolError("list_executions", err), nil
	}
	return jsonResult(executions)
}

// toolError reports err to the agent. Hints are appended so the agent can act on them.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	s.logger.Debugw("MCP tool failed", "tool", tool, logger.FieldError, err)
	msg := err.Error()
	if hint := errors.FlattenHints(err); hint != "" {
		msg += " (hint: " + hint + ")"
	}
	return mcp.NewToolResultError(msg)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode tool result")
	}
	return mcp.NewToolResultText(string(data)), nil
}
