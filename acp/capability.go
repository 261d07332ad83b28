package acp

import (
	"github.com/m4xw311/agentbridge/config"
)

// ProtocolVersion is the only protocol revision this bridge speaks.
const ProtocolVersion = 1

// ClientCapabilities is the capability block a client declares during
// initialize. Anything the client does not declare is treated as
// unsupported.
type ClientCapabilities struct {
	FS struct {
		ReadTextFile  bool `json:"readTextFile"`
		WriteTextFile bool `json:"writeTextFile"`
	} `json:"fs"`
	Terminal bool `json:"terminal"`
}

// CapabilitySet is the effective capability set for one connection,
// fixed at initialize time. Bridging flags (terminal, fs) come from the
// client declaration; feature offerings come from the server
// configuration.
type CapabilitySet struct {
	Terminal        bool
	FSRead          bool
	FSWrite         bool
	Audio           bool
	EmbeddedContext bool
	MCPSSE          bool
	MCPHTTP         bool
	SessionLoad     bool
	SessionFork     bool
	SessionResume   bool
}

// Negotiate computes the effective capability set from the server
// configuration and the client declaration.
func Negotiate(server config.Capabilities, client ClientCapabilities) *CapabilitySet {
	return &CapabilitySet{
		Terminal:        client.Terminal,
		FSRead:          client.FS.ReadTextFile,
		FSWrite:         client.FS.WriteTextFile,
		Audio:           server.Audio,
		EmbeddedContext: server.EmbeddedContext,
		MCPSSE:          server.MCPSSE,
		MCPHTTP:         server.MCPHTTP,
		SessionLoad:     server.LoadSession,
		SessionFork:     server.Fork,
		SessionResume:   server.Resume,
	}
}

// agentCapabilities renders the agent's side of the negotiated set in
// the shape the initialize response uses.
func agentCapabilities(set *CapabilitySet) map[string]any {
	return map[string]any{
		"loadSession": set.SessionLoad,
		"promptCapabilities": map[string]bool{
			"audio":           set.Audio,
			"embeddedContext": set.EmbeddedContext,
			"image":           false,
		},
		"mcpCapabilities": map[string]bool{
			"sse":  set.MCPSSE,
			"http": set.MCPHTTP,
		},
		"sessionCapabilities": map[string]bool{
			"fork":   set.SessionFork,
			"resume": set.SessionResume,
		},
	}
}
