// Package mcp exposes the scoring engine as MCP tools over stdio.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DragonitePlus/DeepAudit/internal/engine"
)

// Server wraps the MCP SDK server around an engine.
type Server struct {
	mcpServer *mcpsdk.Server
	engine    *engine.Engine
}

// New creates an MCP server with every deepaudit tool registered.
func New(eng *engine.Engine, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{engine: eng}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "deepaudit",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all deepaudit tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "deepaudit_evaluate",
		Description: "Score one SQL execution for a user, update the user's risk profile and audit the decision. Returns PASS or BLOCK.",
	}, s.handleEvaluate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "deepaudit_check",
		Description: "Read-only pre-check: the user's decayed risk profile and the action a new event would get. Does not create profiles.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "deepaudit_profile",
		Description: "Get one user's risk profile with decay applied up to now.",
	}, s.handleProfile)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "deepaudit_profiles",
		Description: "List risk profiles, highest score first.",
	}, s.handleProfiles)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "deepaudit_feedback",
		Description: "Label an audited decision as a false positive (1) or true positive (2). The first label wins.",
	}, s.handleFeedback)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "deepaudit_trend",
		Description: "Aggregate contributed risk per time slot over a recent window.",
	}, s.handleTrend)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "deepaudit_config_get",
		Description: "Show the live risk configuration.",
	}, s.handleConfigGet)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "deepaudit_config_update",
		Description: "Update risk configuration fields. Omitted fields keep their values; invalid updates are rejected and change nothing.",
	}, s.handleConfigUpdate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "deepaudit_tables",
		Description: "List the sensitive-table registry.",
	}, s.handleTables)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "deepaudit_table_upsert",
		Description: "Create a sensitive table entry, or update it when id is given.",
	}, s.handleTableUpsert)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "deepaudit_table_delete",
		Description: "Delete a sensitive table entry by id.",
	}, s.handleTableDelete)
}
