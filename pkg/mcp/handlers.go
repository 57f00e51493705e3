package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/jperm/pkg/kernel/factory"
	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

var engine = factory.BuildDefault(factory.Options{})

// jsonArg decodes a JSON-encoded string argument into a canonical Value
// tree. A missing or empty argument yields nil (the engine's own
// empty-document default).
func jsonArg(args map[string]any, key string) (any, error) {
	raw, ok := args[key].(string)
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := value.FromJSON([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid JSON: %w", key, err)
	}
	return v, nil
}

// HandleApplySpec implements the apply_spec MCP tool.
func HandleApplySpec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	spec, err := jsonArg(args, "spec")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if spec == nil {
		return errorResult("spec argument is required"), nil
	}
	source, err := jsonArg(args, "source")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	dest, err := jsonArg(args, "dest")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	result, err := engine.Apply(ctx, spec, source, dest)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	data, err := value.ToJSON(result)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(msg)},
		IsError: true,
	}
}
