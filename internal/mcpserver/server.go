package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing the dispute desk tools.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("p2ptrade-arbitration", "1.0.0")
	client := NewArbitrationClient(cfg)
	h := NewHandlers(client, cfg.AdminID)

	s.AddTool(ToolListDisputes, h.HandleListDisputes)
	s.AddTool(ToolGetTrade, h.HandleGetTrade)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolCancelTrade, h.HandleCancelTrade)
	s.AddTool(ToolAssignDispute, h.HandleAssignDispute)
	s.AddTool(ToolUserBalances, h.HandleUserBalances)

	return s
}
