// Package main provides the jperm-mcp binary — an MCP server exposing
// Engine.Apply as a single tool for AI agents.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	jmcp "github.com/ormasoftchile/jperm/pkg/mcp"
)

var version = "dev"

func main() {
	s := jmcp.NewServer(version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
