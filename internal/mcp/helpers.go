package mcp

import (
	"encoding/json"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewTextResult creates a CallToolResult with text content
func NewTextResult(text string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		Content: []mcp_sdk.Content{
			&mcp_sdk.TextContent{Text: text},
		},
	}
}

// NewErrorResult creates a CallToolResult indicating an error
func NewErrorResult(msg string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		IsError: true,
		Content: []mcp_sdk.Content{
			&mcp_sdk.TextContent{Text: msg},
		},
	}
}

// NewJSONResult renders v as JSON text content
func NewJSONResult(v any) *mcp_sdk.CallToolResult {
	if ctr, ok := v.(*mcp_sdk.CallToolResult); ok {
		return ctr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return NewErrorResult(err.Error())
	}
	return NewTextResult(string(data))
}
