package mcp

import "context"

// ToolExecutor runs one MCP tool through its server connection. It
// satisfies tools.Executor.
type ToolExecutor struct {
	client *Client
	tool   string
}

// NewToolExecutor returns an executor calling tool on client.
func NewToolExecutor(client *Client, tool string) *ToolExecutor {
	return &ToolExecutor{client: client, tool: tool}
}

// Execute calls the tool with input as its arguments.
func (e *ToolExecutor) Execute(ctx context.Context, input map[string]interface{}) (string, error) {
	return e.client.CallTool(ctx, e.tool, input)
}
