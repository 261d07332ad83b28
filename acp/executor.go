package acp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m4xw311/agentbridge/errors"
	"github.com/m4xw311/agentbridge/session"
)

// toolSet bundles the strategies one prompt runs with. The choice
// between bridged and local is made once per prompt from the frozen
// capability set and never changes mid-turn.
type toolSet struct {
	terminal TerminalRunner
	reader   FileReader
	writer   FileWriter
	cwd      string
	limit    int
}

// toolExecutor builds the executor for a prompt on this connection.
// Every tool call, including engine-side ones this switch does not
// recognize, first passes the permission gate.
func (c *Connection) toolExecutor(sess *session.Session) session.ToolExecutor {
	caps := c.capabilities()
	cfg := c.srv.cfg
	set := toolSet{
		cwd:   sess.Config().Cwd,
		limit: cfg.TerminalOutputLimit,
	}
	if caps != nil && caps.Terminal {
		set.terminal = &BridgedTerminal{conn: c, sess: sess}
	} else {
		set.terminal = &LocalTerminal{Allowed: cfg.AllowedCommands}
	}
	if caps != nil && caps.FSRead {
		set.reader = &BridgedFS{conn: c, sess: sess}
	} else {
		set.reader = &LocalFS{Access: &cfg.FilesystemAccess}
	}
	if caps != nil && caps.FSWrite {
		set.writer = &BridgedFS{conn: c, sess: sess}
	} else {
		set.writer = &LocalFS{Access: &cfg.FilesystemAccess}
	}
	return func(ctx context.Context, call session.ToolCall) (string, error) {
		if err := c.askPermission(ctx, sess, call); err != nil {
			return "", err
		}
		return dispatchTool(ctx, set, call)
	}
}

// LocalExecutor runs tools without a client: local strategies only and
// no permission prompts. Hook-injected turns use it.
func (s *Server) LocalExecutor(sess *session.Session) session.ToolExecutor {
	set := toolSet{
		terminal: &LocalTerminal{Allowed: s.cfg.AllowedCommands},
		reader:   &LocalFS{Access: &s.cfg.FilesystemAccess},
		writer:   &LocalFS{Access: &s.cfg.FilesystemAccess},
		cwd:      sess.Config().Cwd,
		limit:    s.cfg.TerminalOutputLimit,
	}
	return func(ctx context.Context, call session.ToolCall) (string, error) {
		return dispatchTool(ctx, set, call)
	}
}

// dispatchTool routes one tool call to its strategy. Unrecognized
// names fall through to the conversation's own tool catalog.
func dispatchTool(ctx context.Context, set toolSet, call session.ToolCall) (string, error) {
	switch call.Name {
	case "execute_command":
		return runTerminalTool(ctx, set, call.Args)
	case "read_file":
		path := stringArg(call.Args, "path")
		if path == "" {
			return "", errors.New("read_file requires a path")
		}
		return set.reader.ReadTextFile(ctx, path, intArg(call.Args, "line"), intArg(call.Args, "limit"))
	case "write_file":
		path := stringArg(call.Args, "path")
		if path == "" {
			return "", errors.New("write_file requires a path")
		}
		content := stringArg(call.Args, "content")
		if err := set.writer.WriteTextFile(ctx, path, content); err != nil {
			return "", err
		}
		return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
	default:
		return "", session.ErrToolUnhandled
	}
}

func runTerminalTool(ctx context.Context, set toolSet, args map[string]any) (string, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return "", errors.New("execute_command requires a command")
	}
	req := TerminalRequest{
		Command:     command,
		Cwd:         set.cwd,
		OutputLimit: set.limit,
	}
	if secs, ok := floatArg(args, "timeout_seconds"); ok {
		req.Timeout = time.Duration(secs * float64(time.Second))
		req.HasTimeout = true
	}
	res, err := set.terminal.Run(ctx, req)
	if err != nil {
		return "", err
	}
	return formatTerminalResult(res), nil
}

func formatTerminalResult(res TerminalResult) string {
	var b strings.Builder
	switch {
	case res.TimedOut:
		b.WriteString("Command timed out and was killed.")
	case res.ExitCode == nil:
		b.WriteString("Command finished.")
	case *res.ExitCode == 0:
		b.WriteString("Command executed successfully.")
	default:
		fmt.Fprintf(&b, "Command exited with status %d.", *res.ExitCode)
	}
	if res.Output != "" {
		b.WriteString(" Output:\n")
		b.WriteString(res.Output)
		if res.Truncated {
			b.WriteString("\n(output truncated)")
		}
	}
	return b.String()
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) int {
	if v, ok := floatArg(args, key); ok {
		return int(v)
	}
	return 0
}

func floatArg(args map[string]any, key string) (float64, bool) {
	if args == nil {
		return 0, false
	}
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
