package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/mcpserver"
)

// McpCmd serves Loom's tools to an MCP client over stdio
var McpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve schedule tools over the Model Context Protocol (stdio)",
	Long: `Serve Loom's schedule tools to an MCP client over stdin/stdout.

Tools: list_schedules, get_schedule, run_schedule, toggle_schedule,
list_executions. Logs go to stderr so the protocol stream stays clean.`,
	RunE: withServices(func(ctx context.Context, svc *services, _ []string) error {
		srv := mcpserver.New(svc.manager, svc.ticker, svc.executions, logger.ComponentLogger("mcp"))
		return srv.Serve()
	}),
}
