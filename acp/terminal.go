package acp

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/agentbridge/errors"
	"github.com/m4xw311/agentbridge/session"
	"github.com/m4xw311/agentbridge/tools"
	"github.com/m4xw311/agentbridge/wire"
)

// TerminalRequest describes one command execution. HasTimeout
// distinguishes "no timeout given" from an explicit zero, which
// expires immediately.
type TerminalRequest struct {
	Command     string
	Args        []string
	Cwd         string
	Env         map[string]string
	OutputLimit int
	Timeout     time.Duration
	HasTimeout  bool
}

// TerminalResult is the outcome of a run, shaped the same whether the
// command ran locally or on the client.
type TerminalResult struct {
	Output    string
	Truncated bool
	ExitCode  *int
	Signal    string
	TimedOut  bool
}

// TerminalRunner executes commands for the execute_command tool.
type TerminalRunner interface {
	Run(ctx context.Context, req TerminalRequest) (TerminalResult, error)
}

type terminalCreateParams struct {
	SessionID       string     `json:"sessionId"`
	Command         string     `json:"command"`
	Args            []string   `json:"args,omitempty"`
	Cwd             string     `json:"cwd,omitempty"`
	Env             []envEntry `json:"env,omitempty"`
	OutputByteLimit int        `json:"outputByteLimit,omitempty"`
}

type terminalCreateResult struct {
	TerminalID string `json:"terminalId"`
}

type terminalHandleParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

type terminalExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

type terminalWaitResult struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

type terminalOutputResult struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *terminalExitStatus `json:"exitStatus,omitempty"`
}

// BridgedTerminal runs commands on the client through the terminal/*
// methods. The terminal handle is tracked as a session resource so a
// cancelled or failed turn still releases it, exactly once.
type BridgedTerminal struct {
	conn *Connection
	sess *session.Session
}

func (t *BridgedTerminal) Run(ctx context.Context, req TerminalRequest) (TerminalResult, error) {
	var zero TerminalResult
	caps := t.conn.capabilities()
	if caps == nil || !caps.Terminal {
		return zero, wire.Errorf(wire.CodeCapabilityUnavailable, "client does not support terminal execution")
	}
	command := req.Command
	args := req.Args
	if len(args) == 0 {
		parts := strings.Fields(req.Command)
		if len(parts) == 0 {
			return zero, errors.New("empty command")
		}
		command, args = parts[0], parts[1:]
	}
	var created terminalCreateResult
	err := t.conn.Call(ctx, "terminal/create", terminalCreateParams{
		SessionID:       t.sess.ID(),
		Command:         command,
		Args:            args,
		Cwd:             req.Cwd,
		Env:             envEntries(req.Env),
		OutputByteLimit: req.OutputLimit,
	}, &created)
	if err != nil {
		return zero, errors.Wrapf(err, "terminal/create")
	}
	handle := terminalHandleParams{SessionID: t.sess.ID(), TerminalID: created.TerminalID}
	resourceID := "terminal/" + created.TerminalID

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			t.sess.UntrackResource(resourceID)
			// The prompt context may already be gone; the release
			// call gets its own deadline.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := t.conn.Call(rctx, "terminal/release", handle, nil); err != nil {
				t.conn.log.Warn("terminal release failed", "terminal", created.TerminalID, "error", err)
			}
		})
	}
	t.sess.TrackResource(resourceID, release)
	defer release()

	var result TerminalResult
	var waited terminalWaitResult
	if req.HasTimeout {
		wctx, cancel := context.WithTimeout(ctx, req.Timeout)
		err := t.conn.Call(wctx, "terminal/wait_for_exit", handle, &waited)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			result.TimedOut = true
			if err := t.conn.Call(ctx, "terminal/kill", handle, nil); err != nil {
				return zero, errors.Wrapf(err, "terminal/kill")
			}
			if err := t.conn.Call(ctx, "terminal/wait_for_exit", handle, &waited); err != nil {
				return zero, errors.Wrapf(err, "terminal/wait_for_exit after kill")
			}
		default:
			return zero, errors.Wrapf(err, "terminal/wait_for_exit")
		}
	} else {
		if err := t.conn.Call(ctx, "terminal/wait_for_exit", handle, &waited); err != nil {
			return zero, errors.Wrapf(err, "terminal/wait_for_exit")
		}
	}
	var out terminalOutputResult
	if err := t.conn.Call(ctx, "terminal/output", handle, &out); err != nil {
		return zero, errors.Wrapf(err, "terminal/output")
	}
	result.Output = out.Output
	result.Truncated = out.Truncated
	result.ExitCode = waited.ExitCode
	if waited.Signal != nil {
		result.Signal = *waited.Signal
	}
	if out.ExitStatus != nil {
		if out.ExitStatus.ExitCode != nil {
			result.ExitCode = out.ExitStatus.ExitCode
		}
		if out.ExitStatus.Signal != nil {
			result.Signal = *out.ExitStatus.Signal
		}
	}
	return result, nil
}

// LocalTerminal runs commands on the bridge host, restricted to the
// configured allowlist patterns.
type LocalTerminal struct {
	Allowed []string
}

func (t *LocalTerminal) Run(ctx context.Context, req TerminalRequest) (TerminalResult, error) {
	var zero TerminalResult
	command := strings.TrimSpace(req.Command)
	if len(req.Args) > 0 {
		command = strings.Join(append([]string{command}, req.Args...), " ")
	}
	if command == "" {
		return zero, errors.New("empty command")
	}
	if !tools.CommandAllowed(command, t.Allowed) {
		return zero, errors.New("command '%s' is not allowed by the configured patterns", command)
	}
	parts := strings.Fields(command)
	rctx := ctx
	if req.HasTimeout {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(rctx, parts[0], parts[1:]...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	if len(req.Env) > 0 {
		env := os.Environ()
		for _, entry := range envEntries(req.Env) {
			env = append(env, entry.Name+"="+entry.Value)
		}
		cmd.Env = env
	}
	out, err := cmd.CombinedOutput()
	var result TerminalResult
	result.Output, result.Truncated = tools.TruncateOutput(string(out), req.OutputLimit)
	if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		// CommandContext already killed the process.
		result.TimedOut = true
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			result.ExitCode = &code
			return result, nil
		}
		return zero, errors.Wrapf(err, "execute command")
	}
	code := 0
	result.ExitCode = &code
	return result, nil
}
