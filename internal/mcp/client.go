// Package mcp connects the sidecar to MCP tool servers (calendar, mail,
// file search) and exposes their tools to the agent runner.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerConfig holds the configuration for connecting to an MCP server.
type ServerConfig struct {
	Name      string   `json:"name" yaml:"name"`
	Transport string   `json:"transport" yaml:"transport"` // "stdio", "sse", "streamable-http"
	Command   string   `json:"command,omitempty" yaml:"command"`
	Args      []string `json:"args,omitempty" yaml:"args"`
	Env       []string `json:"env,omitempty" yaml:"env"`
	PassEnv   []string `json:"pass_env,omitempty" yaml:"pass_env"`
	URL       string   `json:"url,omitempty" yaml:"url"`
}

// ToolInfo describes a tool available on an MCP server.
type ToolInfo struct {
	ServerName  string                 `json:"server_name"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolError is returned when the server reports a failed tool call. Its
// message is the text the tool produced, so callers can inspect it.
type ToolError struct {
	Server string
	Tool   string
	Text   string
}

func (e *ToolError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("mcp tool %s/%s returned error", e.Server, e.Tool)
	}
	return e.Text
}

// Client wraps the MCP SDK client for a single server connection.
type Client struct {
	config    ServerConfig
	transport mcpsdk.Transport
	session   *mcpsdk.ClientSession
}

// NewClient creates a new MCP client for the given server config.
func NewClient(config ServerConfig) *Client {
	return &Client{config: config}
}

// NewClientWithTransport creates a client that connects over transport
// instead of building one from the config.
func NewClientWithTransport(name string, transport mcpsdk.Transport) *Client {
	return &Client{config: ServerConfig{Name: name, Transport: "custom"}, transport: transport}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.config.Name
}

func (c *Client) buildTransport() (mcpsdk.Transport, error) {
	if c.transport != nil {
		return c.transport, nil
	}

	switch c.config.Transport {
	case "stdio", "":
		if c.config.Command == "" {
			return nil, fmt.Errorf("mcp server %s: command is required for stdio", c.config.Name)
		}
		// The process must outlive the connect call, so it is not bound to ctx.
		cmd := exec.Command(c.config.Command, c.config.Args...)
		cmd.Env = serverEnv(c.config.PassEnv, c.config.Env)
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case "streamable-http", "http":
		if c.config.URL == "" {
			return nil, fmt.Errorf("mcp server %s: url is required for %s", c.config.Name, c.config.Transport)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: c.config.URL}, nil
	case "sse":
		if c.config.URL == "" {
			return nil, fmt.Errorf("mcp server %s: url is required for sse", c.config.Name)
		}
		return &mcpsdk.SSEClientTransport{Endpoint: c.config.URL}, nil
	default:
		return nil, fmt.Errorf("unsupported MCP transport: %s", c.config.Transport)
	}
}

// Connect establishes a connection to the MCP server.
func (c *Client) Connect(ctx context.Context) error {
	transport, err := c.buildTransport()
	if err != nil {
		return err
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "deskmate",
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp connect to %s: %w", c.config.Name, err)
	}
	c.session = session
	return nil
}

// ListTools returns all tools available on this server.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if c.session == nil {
		return nil, fmt.Errorf("mcp client not connected")
	}

	var tools []ToolInfo
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcp list tools: %w", err)
		}
		tools = append(tools, ToolInfo{
			ServerName:  c.config.Name,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaMap(tool.InputSchema),
		})
	}

	return tools, nil
}

func schemaMap(schema any) map[string]interface{} {
	out := map[string]interface{}{"type": "object"}
	if schema == nil {
		return out
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return out
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return out
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	return m
}

// CallTool invokes a tool on the MCP server and returns its text output.
// A tool-reported failure is returned as a *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if c.session == nil {
		return "", fmt.Errorf("mcp client not connected")
	}

	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call tool %s: %w", name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", &ToolError{Server: c.config.Name, Tool: name, Text: text}
	}
	return text, nil
}

// Close gracefully closes the MCP connection.
func (c *Client) Close() error {
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
