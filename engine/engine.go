package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/m4xw311/agentbridge/config"
	"github.com/m4xw311/agentbridge/errors"
	"github.com/m4xw311/agentbridge/session"
	"github.com/m4xw311/agentbridge/tools"
	"github.com/m4xw311/agentbridge/tools/mcp"
	"pkt.systems/pslog"
)

// Client is one model provider binding. Chat sends the running
// transcript and returns the assistant's next message, which may carry
// tool calls for the conversation loop to execute.
type Client interface {
	Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error)
}

type dialFunc func(ctx context.Context, model string) (Client, error)

// Providers attach these to a returned message when the model stopped
// for a reason other than finishing its turn. The partial message is
// still delivered.
var (
	errMaxTokens = errors.Sentinel("reply truncated at token limit")
	errRefusal   = errors.Sentinel("model refused to continue")
)

// Engine builds conversations for one configured provider. The model
// binding is dialed per conversation, so a missing API key surfaces at
// session creation rather than process start.
type Engine struct {
	name  string
	dial  dialFunc
	local []tools.Tool
	extra []session.MCPServerSpec
	log   pslog.Logger
}

// New selects the provider named by cfg.Engine. The local tools become
// part of every conversation's catalog; MCP servers from the config are
// merged with each session's own servers at start time.
func New(cfg *config.Config, local []tools.Tool, log pslog.Logger) (*Engine, error) {
	if log == nil {
		log = pslog.NoopLogger()
	}
	e := &Engine{
		name:  cfg.Engine,
		local: local,
		extra: convertMCPServers(cfg.AdditionalMCPServers),
		log:   log.With("svc", "engine"),
	}
	switch cfg.Engine {
	case "anthropic":
		e.dial = dialAnthropic
	case "openai":
		e.dial = dialOpenAI
	case "bedrock":
		e.dial = dialBedrock
	case "gemini":
		e.dial = dialGemini
	case "", "mock":
		e.name = "mock"
		e.dial = dialMock
	default:
		return nil, errors.New("unknown engine '%s'", cfg.Engine)
	}
	return e, nil
}

// Name reports the selected provider.
func (e *Engine) Name() string { return e.name }

func (e *Engine) Start(ctx context.Context, cfg session.EngineConfig) (session.Conversation, error) {
	return e.start(ctx, cfg, nil)
}

func (e *Engine) Resume(ctx context.Context, cfg session.EngineConfig, transcript []session.Message) (session.Conversation, error) {
	return e.start(ctx, cfg, rebuildHistory(transcript))
}

func (e *Engine) start(ctx context.Context, cfg session.EngineConfig, history []session.Message) (session.Conversation, error) {
	client, err := e.dial(ctx, cfg.Model)
	if err != nil {
		return nil, err
	}

	set, err := mcp.ConnectAll(ctx, mergeMCPServers(e.extra, cfg.MCPServers), e.log)
	if err != nil {
		closeClient(client)
		return nil, err
	}

	catalog := append(append([]tools.Tool{}, e.local...), set.Tools()...)
	return &conversation{
		client:  client,
		catalog: catalog,
		mcp:     set,
		history: history,
	}, nil
}

func convertMCPServers(servers []config.MCPServer) []session.MCPServerSpec {
	var specs []session.MCPServerSpec
	for _, s := range servers {
		specs = append(specs, session.MCPServerSpec{
			Name:    s.Name,
			Type:    s.Type,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			URL:     s.URL,
		})
	}
	return specs
}

// mergeMCPServers combines config-level servers with a session's own.
// On a name collision the session's spec wins.
func mergeMCPServers(base, override []session.MCPServerSpec) []session.MCPServerSpec {
	if len(base) == 0 {
		return override
	}
	replaced := make(map[string]bool, len(override))
	for _, s := range override {
		replaced[s.Name] = true
	}
	out := make([]session.MCPServerSpec, 0, len(base)+len(override))
	for _, s := range base {
		if !replaced[s.Name] {
			out = append(out, s)
		}
	}
	return append(out, override...)
}

func closeClient(c Client) {
	if closer, ok := c.(io.Closer); ok {
		closer.Close()
	}
}

// conversation drives one session's turns against a Client. The
// history mirrors what the model has seen; the session keeps its own
// transcript through the prompt callbacks.
type conversation struct {
	client  Client
	catalog []tools.Tool
	mcp     *mcp.Set
	history []session.Message
}

func (c *conversation) Prompt(ctx context.Context, content string, cb session.PromptCallbacks) (session.StopReason, error) {
	c.history = append(c.history, session.Message{Role: "user", Content: content})

	// Main loop: model -> tools -> model ...
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		reply, err := c.client.Chat(ctx, c.history, c.catalog)
		var stop session.StopReason
		switch {
		case errors.Is(err, errMaxTokens):
			stop = session.StopMaxTokens
		case errors.Is(err, errRefusal):
			stop = session.StopRefusal
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		if reply == nil {
			reply = &session.Message{Role: "assistant"}
		}

		if reply.Content != "" && cb.OnContent != nil {
			cb.OnContent(reply.Content)
		}
		c.history = append(c.history, *reply)

		if stop != "" {
			return stop, nil
		}
		if len(reply.ToolCalls) == 0 {
			return session.StopEndTurn, nil
		}

		for i := range reply.ToolCalls {
			call := reply.ToolCalls[i]
			call.Status = session.ToolStatusPending
			if cb.OnToolCall != nil {
				cb.OnToolCall(call)
			}

			out, err := c.runTool(ctx, cb, call)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			switch {
			case err == nil:
				call.Status = session.ToolStatusCompleted
				call.Output = out
			case errors.Is(err, session.ErrToolRejected):
				call.Status = session.ToolStatusRejected
				call.Output = "The user rejected this tool call."
			default:
				call.Status = session.ToolStatusError
				call.Output = fmt.Sprintf("Error executing tool '%s': %v", call.Name, err)
			}
			if cb.OnToolResult != nil {
				cb.OnToolResult(call)
			}
			c.history = append(c.history, session.Message{Role: "tool", ToolCalls: []session.ToolCall{call}})
		}
	}
}

// runTool routes the call through the executor first. Calls the
// executor does not claim run against the conversation's own catalog.
func (c *conversation) runTool(ctx context.Context, cb session.PromptCallbacks, call session.ToolCall) (string, error) {
	if cb.ExecuteTool != nil {
		out, err := cb.ExecuteTool(ctx, call)
		if !errors.Is(err, session.ErrToolUnhandled) {
			return out, err
		}
	}
	for _, t := range c.catalog {
		if t.Name() == call.Name {
			return t.Execute(ctx, call.Args)
		}
	}
	return "", errors.New("model requested unavailable tool '%s'", call.Name)
}

func (c *conversation) Close() error {
	var first error
	if c.mcp != nil {
		first = c.mcp.Close()
	}
	if closer, ok := c.client.(io.Closer); ok {
		if err := closer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// rebuildHistory converts a persisted transcript into the model-facing
// history. Tool rows carry the full call, so the assistant tool_use
// turn that preceded each one is synthesized here.
func rebuildHistory(transcript []session.Message) []session.Message {
	var history []session.Message
	for _, msg := range transcript {
		if msg.Role == "tool" && len(msg.ToolCalls) > 0 {
			calls := make([]session.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				calls[i] = session.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args}
			}
			history = append(history, session.Message{Role: "assistant", ToolCalls: calls})
		}
		history = append(history, msg)
	}
	return history
}

// toolResultText extracts the result text a tool transcript row carries.
func toolResultText(msg session.Message) string {
	if len(msg.ToolCalls) > 0 && msg.ToolCalls[0].Output != "" {
		return msg.ToolCalls[0].Output
	}
	return msg.Content
}

// MockClient is the no-provider default. It parrots the last user
// message so the wiring can be exercised without credentials.
type MockClient struct{}

func dialMock(ctx context.Context, model string) (Client, error) {
	return &MockClient{}, nil
}

func (m *MockClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	var toolNames []string
	for _, t := range availableTools {
		toolNames = append(toolNames, t.Name())
	}
	content := fmt.Sprintf("I am a mock model. You said: '%s'.", last)
	if len(toolNames) > 0 {
		content += fmt.Sprintf(" Tools available to me: %s.", strings.Join(toolNames, ", "))
	}
	return &session.Message{Role: "assistant", Content: content}, nil
}
