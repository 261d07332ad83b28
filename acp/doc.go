// Package acp implements the agent side of the Agent Client Protocol
// (ACP) for AgentBridge. It speaks JSON-RPC 2.0 over any
// transport.Channel and turns editor requests into session operations.
//
// The package handles the following agent-side methods:
//   - initialize: protocol version and capability negotiation
//   - authenticate: token check when the bridge requires one
//   - session/new: create a session and subscribe to its updates
//   - session/load: revive a persisted session and replay its transcript
//   - session/resume: reattach to a session without replay
//   - session/list: enumerate known sessions
//   - session/fork: branch a session into a new one
//   - session/prompt: run one agent turn
//   - session/set_mode, session/set_model: adjust session settings
//   - session/cancel: cooperative turn cancellation (notification)
//   - session/delete: remove a session and its persisted state
//
// It issues the following client-side methods when the negotiated
// capabilities allow: session/request_permission, fs/read_text_file,
// fs/write_text_file, and the terminal/* family. Updates stream to the
// client as session/update notifications.
package acp
