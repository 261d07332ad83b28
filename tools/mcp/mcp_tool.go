package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/m4xw311/agentbridge/errors"
	"github.com/m4xw311/agentbridge/session"
	"github.com/m4xw311/agentbridge/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"
)

// MCPClient manages the connection to a single MCP server.
type MCPClient struct {
	Name  string
	cmd   *exec.Cmd
	conn  *mcpsdk.ClientSession
	tools map[string]*MCPTool
	log   pslog.Logger
}

// NewMCPClient connects to the MCP server described by spec and
// discovers the tools it provides. Stdio servers are spawned as
// subprocesses; sse and http servers are dialed at their URL.
func NewMCPClient(ctx context.Context, spec session.MCPServerSpec, log pslog.Logger) (*MCPClient, error) {
	if log == nil {
		log = pslog.NoopLogger()
	}

	var transport mcpsdk.Transport
	var cmd *exec.Cmd
	switch spec.Type {
	case "", "stdio":
		if spec.Command == "" {
			return nil, errors.New("MCP server '%s' has no command", spec.Name)
		}
		cmd = exec.Command(spec.Command, spec.Args...)
		cmd.Stderr = os.Stderr
		if len(spec.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range spec.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = mcpsdk.NewCommandTransport(cmd)
	case "sse":
		transport = mcpsdk.NewSSEClientTransport(spec.URL, nil)
	case "http":
		transport = mcpsdk.NewStreamableClientTransport(spec.URL, nil)
	default:
		return nil, errors.New("unsupported MCP server type '%s' for '%s'", spec.Type, spec.Name)
	}

	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "agentbridge", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, transport)
	if err != nil {
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", spec.Name)
	}
	client := &MCPClient{
		Name:  spec.Name,
		cmd:   cmd,
		conn:  conn,
		tools: make(map[string]*MCPTool),
		log:   log,
	}
	toolListParams := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := conn.ListTools(ctx, toolListParams)
		if err != nil {
			client.Stop()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", spec.Name)
		}

		for _, t := range toolList.Tools {
			client.tools[t.Name] = &MCPTool{
				serverName:  spec.Name,
				toolName:    t.Name,
				description: t.Description,
				schema:      schemaToMap(t.InputSchema),
				client:      client,
			}
		}

		if toolList.NextCursor == "" {
			break
		}
		toolListParams.Cursor = toolList.NextCursor
	}

	log.Debug("mcp server connected", "server", spec.Name, "tools", len(client.tools))
	return client, nil
}

// GetTool returns a specific tool provided by this MCP server by its short name.
func (c *MCPClient) GetTool(toolName string) (*MCPTool, bool) {
	tool, ok := c.tools[toolName]
	return tool, ok
}

// Tools returns every tool the server advertised.
func (c *MCPClient) Tools() []tools.Tool {
	out := make([]tools.Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	return out
}

// Stop closes the connection and, for stdio servers, terminates the
// subprocess.
func (c *MCPClient) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.log.Debug("terminating mcp server", "server", c.Name)
		return c.cmd.Process.Kill()
	}
	return nil
}

// schemaToMap flattens the SDK's schema type into the plain object the
// Tool interface exposes.
func schemaToMap(s any) map[string]any {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return out
}

// MCPTool represents a tool available from an external MCP server.
// It satisfies the tools.Tool interface from the parent package.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	schema      map[string]any
	client      *MCPClient
}

// Name returns the tool's short name. The "<server>.<tool>" form made
// Gemini reject the request, so the qualified name is only an alias.
func (t *MCPTool) Name() string {
	return t.toolName
}

// Description returns the tool's description, provided by the MCP server.
func (t *MCPTool) Description() string {
	return t.description
}

func (t *MCPTool) Schema() map[string]any {
	return t.schema
}

// Aliases returns the server-qualified name used in toolset configs.
func (t *MCPTool) Aliases() []string {
	return []string{t.serverName + "." + t.toolName}
}

// Execute sends the call to the MCP server and returns the textual result.
func (t *MCPTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s'", t.Name())
	}
	op := ""
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			op += tc.Text
		}
	}
	return op, nil
}

// Set is the group of MCP clients one conversation draws tools from.
type Set struct {
	clients []*MCPClient
}

// ConnectAll dials every server in specs. On any failure the already
// connected servers are stopped and the error is returned.
func ConnectAll(ctx context.Context, specs []session.MCPServerSpec, log pslog.Logger) (*Set, error) {
	set := &Set{}
	for _, spec := range specs {
		client, err := NewMCPClient(ctx, spec, log)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.clients = append(set.clients, client)
	}
	return set, nil
}

// Tools returns the tools of every connected server.
func (s *Set) Tools() []tools.Tool {
	var out []tools.Tool
	for _, c := range s.clients {
		out = append(out, c.Tools()...)
	}
	return out
}

// Close stops every connected server, keeping the first error.
func (s *Set) Close() error {
	var first error
	for _, c := range s.clients {
		if err := c.Stop(); err != nil && first == nil {
			first = err
		}
	}
	s.clients = nil
	return first
}
