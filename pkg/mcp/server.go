// Package mcp exposes the engine as a single Model Context Protocol tool,
// adapted from the teacher's pkg/ecosystem/mcp server (tool registration,
// stdio JSON-RPC transport) down to the one operation this engine has.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates an MCP server exposing apply_spec.
func NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"jperm",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("apply_spec",
			mcp.WithDescription("Apply a declarative transformation spec against a source/dest document pair and return the resulting dest"),
			mcp.WithString("spec", mcp.Required(), mcp.Description("The spec document as a JSON-encoded string")),
			mcp.WithString("source", mcp.Description("The source document (optional; defaults to an empty object)")),
			mcp.WithString("dest", mcp.Description("A seed dest document (optional; defaults to an empty object)")),
		),
		HandleApplySpec,
	)

	return s
}
