package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all ScanGuard tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("scanguard", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolSecurityDashboard, h.HandleSecurityDashboard)
	s.AddTool(ToolGeographicAnalytics, h.HandleGeographicAnalytics)
	s.AddTool(ToolAccountSummary, h.HandleAccountSummary)
	s.AddTool(ToolListCodes, h.HandleListCodes)
	s.AddTool(ToolCodeEngagement, h.HandleCodeEngagement)
	s.AddTool(ToolRegisterCode, h.HandleRegisterCode)

	return s
}
