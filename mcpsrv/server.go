package mcpsrv

import (
	"github.com/mark3labs/mcp-go/server"

	"agentmarket-backend/coordinator"
)

// MCPServer exposes the marketplace to worker agents as MCP tools over the
// same coordinator service the REST surface uses.
type MCPServer struct {
	mcpServer *server.MCPServer
	svc       *coordinator.Coordinator
}

// NewMCPServer creates the MCP server and registers all tools.
func NewMCPServer(svc *coordinator.Coordinator) *MCPServer {
	mcpServer := server.NewMCPServer(
		"Agent Market Coordinator",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s := &MCPServer{mcpServer: mcpServer, svc: svc}
	s.registerTools()
	return s
}

// GetMCPServer returns the underlying MCP server for transport setup.
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MCPServer) registerTools() {
	s.registerRegisterAgentTool()
	s.registerListJobsTool()
	s.registerGetJobTool()
	s.registerSubmitBidTool()
	s.registerGetTaskStatusTool()
	s.registerSubmitWorkTool()
	s.registerListActivityTool()
}
