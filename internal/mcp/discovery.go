package mcp

import (
	"context"
	"fmt"

	"github.com/szaher/deskmate/internal/llm"
	"github.com/szaher/deskmate/internal/tools"
)

// NameSeparator joins server and tool names. Provider APIs only accept
// [a-zA-Z0-9_-] in tool names.
const NameSeparator = "__"

// QualifiedName returns the registry name for tool on server.
func QualifiedName(server, tool string) string {
	return server + NameSeparator + tool
}

// Discovery aggregates tool information from multiple MCP servers
// and converts them to LLM tool definitions.
type Discovery struct {
	pool *Pool
}

// NewDiscovery creates a new tool discovery service.
func NewDiscovery(pool *Pool) *Discovery {
	return &Discovery{pool: pool}
}

// DiscoverTools lists all tools from all connected MCP servers.
func (d *Discovery) DiscoverTools(ctx context.Context) ([]ToolInfo, error) {
	var allTools []ToolInfo
	for _, client := range d.pool.All() {
		tools, err := client.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover tools from %s: %w", client.Name(), err)
		}
		allTools = append(allTools, tools...)
	}
	return allTools, nil
}

// Register discovers every tool and registers it in registry under its
// qualified name. It returns the number of tools registered.
func (d *Discovery) Register(ctx context.Context, registry *tools.Registry) (int, error) {
	infos, err := d.DiscoverTools(ctx)
	if err != nil {
		return 0, err
	}
	for _, info := range infos {
		client, err := d.pool.Get(info.ServerName)
		if err != nil {
			return 0, err
		}
		def := llm.ToolDefinition{
			Description: info.Description,
			InputSchema: info.InputSchema,
		}
		registry.Register(QualifiedName(info.ServerName, info.Name), def, &ToolExecutor{client: client, tool: info.Name})
	}
	return len(infos), nil
}

// ToLLMTools converts MCP tool info to LLM tool definitions.
func ToLLMTools(tools []ToolInfo) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = llm.ToolDefinition{
			Name:        QualifiedName(t.ServerName, t.Name),
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return defs
}
