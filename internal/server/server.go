// Package server exposes storyloom over the Model Context Protocol. It only
// adapts MCP requests to the wired application; no story logic lives here.
package server

import (
	"github.com/mark3labs/mcp-go/server"

	"storyloom/internal/app"
	"storyloom/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates the MCP server with every storyloom tool registered.
func New(a *app.App) *server.MCPServer {
	s := server.NewMCPServer(
		"storyloom",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	buildContext := NewBuildContextTool(a)
	s.AddTool(buildContext.Definition(), buildContext.Handle)

	invokeAgent := NewInvokeAgentTool(a)
	s.AddTool(invokeAgent.Definition(), invokeAgent.Handle)

	listRuns := NewListAgentRunsTool(a)
	s.AddTool(listRuns.Definition(), listRuns.Handle)

	expandText := NewExpandTextTool(a)
	s.AddTool(expandText.Definition(), expandText.Handle)

	logging.Server("MCP server %s ready with 4 tools", Version)
	return s
}

const instructions = `storyloom assembles story context for fiction writing and runs writing agents.

- build_context: compile the prompt messages for a story and author request
- invoke_agent: run a registered agent (writer, prewriter, librarian.analyze) on a story
- list_agent_runs: show recorded agent runs for a story
- expand_text: resolve <@fragment-id> and <@fragment-id:short> tags in text`
