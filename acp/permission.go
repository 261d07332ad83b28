package acp

import (
	"context"

	"github.com/m4xw311/agentbridge/errors"
	"github.com/m4xw311/agentbridge/session"
	"github.com/m4xw311/agentbridge/wire"
)

type permissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

type permissionToolCall struct {
	ToolCallID string         `json:"toolCallId"`
	Title      string         `json:"title"`
	Kind       string         `json:"kind"`
	RawInput   map[string]any `json:"rawInput,omitempty"`
}

type requestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  permissionToolCall `json:"toolCall"`
	Options   []permissionOption `json:"options"`
}

type permissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type requestPermissionResult struct {
	Outcome permissionOutcome `json:"outcome"`
}

const (
	permAllow  = "allow"
	permReject = "reject"
)

func permissionOptions() []permissionOption {
	return []permissionOption{
		{OptionID: "opt_0", Name: "Allow once", Kind: "allow_once"},
		{OptionID: "opt_1", Name: "Always allow", Kind: "allow_always"},
		{OptionID: "opt_2", Name: "Reject once", Kind: "reject_once"},
		{OptionID: "opt_3", Name: "Always reject", Kind: "reject_always"},
	}
}

// askPermission clears a tool call with the client before it runs.
// Cached "always" answers resolve without touching the wire. A
// rejection or a cancelled dialog surfaces as ErrToolRejected, which
// the session reports as a rejected tool result rather than a turn
// failure.
func (c *Connection) askPermission(ctx context.Context, sess *session.Session, call session.ToolCall) error {
	if decision, ok := c.srv.alwaysDecision(sess.ID(), call.Name); ok {
		if decision == permAllow {
			return nil
		}
		return session.ErrToolRejected
	}

	// At most one unresolved permission request per tool call id.
	c.permMu.Lock()
	if c.openPermCalls[call.ID] {
		c.permMu.Unlock()
		return errors.New("permission request already open for tool call %s", call.ID)
	}
	c.openPermCalls[call.ID] = true
	c.permMu.Unlock()
	defer func() {
		c.permMu.Lock()
		delete(c.openPermCalls, call.ID)
		c.permMu.Unlock()
	}()

	options := permissionOptions()
	var res requestPermissionResult
	err := c.Call(ctx, "session/request_permission", requestPermissionParams{
		SessionID: sess.ID(),
		ToolCall: permissionToolCall{
			ToolCallID: call.ID,
			Title:      call.Name,
			Kind:       "other",
			RawInput:   call.Args,
		},
		Options: options,
	}, &res)
	if err != nil {
		var rpcErr *wire.Error
		if errors.As(err, &rpcErr) && rpcErr.Code == wire.CodeDisconnected {
			// Connection loss counts as a cancelled dialog, not a
			// denial worth caching.
			return session.ErrToolRejected
		}
		if ctx.Err() != nil {
			return session.ErrToolRejected
		}
		return errors.Wrapf(err, "session/request_permission")
	}
	switch res.Outcome.Outcome {
	case "cancelled":
		return session.ErrToolRejected
	case "selected":
	default:
		return errors.New("unknown permission outcome '%s'", res.Outcome.Outcome)
	}
	var kind string
	for _, opt := range options {
		if opt.OptionID == res.Outcome.OptionID {
			kind = opt.Kind
			break
		}
	}
	switch kind {
	case "allow_once":
		return nil
	case "allow_always":
		c.srv.cacheAlways(sess.ID(), call.Name, permAllow)
		return nil
	case "reject_once":
		return session.ErrToolRejected
	case "reject_always":
		c.srv.cacheAlways(sess.ID(), call.Name, permReject)
		return session.ErrToolRejected
	default:
		return errors.New("unknown permission option '%s'", res.Outcome.OptionID)
	}
}
