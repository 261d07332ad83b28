package acp

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"github.com/m4xw311/agentbridge/config"
	"github.com/m4xw311/agentbridge/errors"
	"github.com/m4xw311/agentbridge/hooks"
	"github.com/m4xw311/agentbridge/session"
	"github.com/m4xw311/agentbridge/transport"
	"github.com/m4xw311/agentbridge/wire"
)

// Server holds the state shared across connections: the session
// registry, the configuration, the hook registry and the per-session
// permission decisions that "always" answers pin.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	hooks    *hooks.Registry
	log      pslog.Logger

	permMu     sync.Mutex
	permAlways map[string]map[string]string
}

// NewServer wires a protocol server around a session registry. The
// hook registry is optional.
func NewServer(cfg *config.Config, registry *session.Registry, hookReg *hooks.Registry, log pslog.Logger) *Server {
	if log == nil {
		log = pslog.NoopLogger()
	}
	return &Server{
		cfg:        cfg,
		registry:   registry,
		hooks:      hookReg,
		log:        log.With("svc", "acp"),
		permAlways: make(map[string]map[string]string),
	}
}

// Serve runs the protocol on one channel until it closes. Each channel
// gets its own connection state and capability negotiation.
func (s *Server) Serve(ctx context.Context, ch transport.Channel) error {
	return newConnection(s, ch).run(ctx)
}

// rpcError maps session layer failures onto protocol error codes. A
// *wire.Error passes through untouched.
func rpcError(err error) *wire.Error {
	var rpcErr *wire.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, session.ErrNotFound):
		return wire.Errorf(wire.CodeSessionNotFound, "%v", err)
	case errors.Is(err, session.ErrBusy):
		return wire.Errorf(wire.CodeSessionBusy, "%v", err)
	case errors.Is(err, session.ErrErrored):
		return wire.Errorf(wire.CodeSessionErrored, "%v", err)
	case errors.Is(err, session.ErrIncompatible):
		return wire.Errorf(wire.CodeIncompatibleState, "%v", err)
	case errors.Is(err, session.ErrEngineUnavailable):
		return wire.Errorf(wire.CodeEngineUnavailable, "%v", err)
	case errors.Is(err, session.ErrResourceExhausted):
		return wire.Errorf(wire.CodeResourceExhausted, "%v", err)
	case errors.Is(err, session.ErrUpdateOverflow):
		return wire.Errorf(wire.CodeUpdateBufferOverflow, "%v", err)
	case errors.Is(err, session.ErrBadSessionID), errors.Is(err, session.ErrAmbiguousPrefix):
		return wire.Errorf(wire.CodeInvalidParams, "%v", err)
	default:
		return wire.Errorf(wire.CodeInternal, "%v", err)
	}
}

func (s *Server) handleSessionNew(ctx context.Context, c *Connection, req *wire.Request) {
	params, err := wire.DecodeParams[sessionNewParams](req.Params)
	if err != nil {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "invalid session/new params: %v", err))
		return
	}
	specs, rpcErr := s.convertMCPServers(c, params.MCPServers)
	if rpcErr != nil {
		c.respondError(req, rpcErr)
		return
	}
	mode := params.ModeID
	if mode == "" && len(s.cfg.Modes) > 0 {
		mode = s.cfg.Modes[0].ID
	}
	if mode != "" && !s.knownMode(mode) {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "unknown mode '%s'", mode))
		return
	}
	engineCfg := session.EngineConfig{
		Engine:     s.cfg.Engine,
		Model:      s.cfg.Model,
		Mode:       mode,
		Cwd:        params.Cwd,
		MCPServers: specs,
	}
	sess, err := s.registry.Create(ctx, engineCfg, params.Name)
	if err != nil {
		c.respondError(req, rpcError(err))
		return
	}
	if err := sess.Adopt(c.id, c.updateSink()); err != nil {
		c.respondError(req, rpcError(err))
		return
	}
	s.announceSession(sess)
	s.dispatchEvent(ctx, hooks.EventSessionCreated, map[string]any{
		"sessionId": sess.ID(),
		"cwd":       params.Cwd,
	})
	c.respond(req, map[string]any{
		"sessionId": sess.ID(),
		"modes": modeState{
			CurrentModeID:  mode,
			AvailableModes: modeList(s.cfg.Modes),
		},
	})
}

func (s *Server) handleSessionLoad(ctx context.Context, c *Connection, req *wire.Request) {
	if !c.capabilities().SessionLoad {
		c.respondError(req, wire.Errorf(wire.CodeCapabilityUnavailable, "session loading is not offered"))
		return
	}
	params, err := wire.DecodeParams[sessionLoadParams](req.Params)
	if err != nil {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "invalid session/load params: %v", err))
		return
	}
	sess, err := s.registry.Load(ctx, params.SessionID)
	if err != nil {
		c.respondError(req, rpcError(err))
		return
	}
	sink := c.updateSink()
	// Replay before adopting so the transcript arrives ahead of any
	// buffered or live updates.
	if err := sess.Replay(sink); err != nil {
		c.respondError(req, rpcError(errors.Wrapf(err, "replay session %s", params.SessionID)))
		return
	}
	if err := sess.Adopt(c.id, sink); err != nil {
		c.respondError(req, rpcError(err))
		return
	}
	s.announceSession(sess)
	c.respond(req, nil)
}

func (s *Server) handleSessionResume(ctx context.Context, c *Connection, req *wire.Request) {
	if !c.capabilities().SessionResume {
		c.respondError(req, wire.Errorf(wire.CodeCapabilityUnavailable, "session resume is not offered"))
		return
	}
	params, err := wire.DecodeParams[sessionIDParams](req.Params)
	if err != nil {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "invalid session/resume params: %v", err))
		return
	}
	sess, err := s.registry.Load(ctx, params.SessionID)
	if err != nil {
		c.respondError(req, rpcError(err))
		return
	}
	// Resume attaches without replay; updates buffered while the
	// session was orphaned flush in order on adoption.
	if err := sess.Adopt(c.id, c.updateSink()); err != nil {
		c.respondError(req, rpcError(err))
		return
	}
	c.respond(req, nil)
}

func (s *Server) handleSessionList(c *Connection, req *wire.Request) {
	metas := s.registry.List()
	infos := make([]sessionInfo, 0, len(metas))
	for _, meta := range metas {
		infos = append(infos, sessionInfoFromMetadata(meta))
	}
	c.respond(req, map[string]any{"sessions": infos})
}

func (s *Server) handleSessionFork(ctx context.Context, c *Connection, req *wire.Request) {
	if !c.capabilities().SessionFork {
		c.respondError(req, wire.Errorf(wire.CodeCapabilityUnavailable, "session forking is not offered"))
		return
	}
	params, err := wire.DecodeParams[sessionForkParams](req.Params)
	if err != nil {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "invalid session/fork params: %v", err))
		return
	}
	child, err := s.registry.Fork(ctx, params.SessionID, params.Name)
	if err != nil {
		c.respondError(req, rpcError(err))
		return
	}
	if err := child.Adopt(c.id, c.updateSink()); err != nil {
		c.respondError(req, rpcError(err))
		return
	}
	s.announceSession(child)
	s.dispatchEvent(ctx, hooks.EventSessionCreated, map[string]any{
		"sessionId":       child.ID(),
		"parentSessionId": params.SessionID,
	})
	c.respond(req, map[string]any{"sessionId": child.ID()})
}

func (s *Server) handleSessionPrompt(ctx context.Context, c *Connection, req *wire.Request) {
	params, err := wire.DecodeParams[promptParams](req.Params)
	if err != nil {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "invalid session/prompt params: %v", err))
		return
	}
	sess, ok := s.registry.Get(params.SessionID)
	if !ok {
		c.respondError(req, wire.Errorf(wire.CodeSessionNotFound, "session %s not found", params.SessionID))
		return
	}
	caps := c.capabilities()
	text := extractUserText(params.Prompt, caps.EmbeddedContext)
	if text == "" {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "prompt has no usable content"))
		return
	}
	stop, err := sess.Prompt(ctx, text, c.toolExecutor(sess))
	if err != nil {
		c.respondError(req, rpcError(err))
		if sess.State() == session.StateErrored {
			s.dispatchEvent(ctx, hooks.EventSessionErrored, map[string]any{
				"sessionId": sess.ID(),
				"error":     fmt.Sprint(err),
			})
		}
		return
	}
	c.respond(req, map[string]any{"stopReason": string(stop)})
	s.dispatchEvent(ctx, hooks.EventTurnCompleted, map[string]any{
		"sessionId":  sess.ID(),
		"stopReason": string(stop),
	})
}

func (s *Server) handleSessionCancel(c *Connection, req *wire.Request) {
	params, err := wire.DecodeParams[sessionIDParams](req.Params)
	if err != nil {
		c.log.Warn("invalid session/cancel params", "error", err)
		return
	}
	if err := s.registry.Cancel(params.SessionID); err != nil {
		c.log.Warn("cancel failed", "session", params.SessionID, "error", err)
	}
}

func (s *Server) handleSetMode(c *Connection, req *wire.Request) {
	params, err := wire.DecodeParams[setModeParams](req.Params)
	if err != nil {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "invalid session/set_mode params: %v", err))
		return
	}
	sess, ok := s.registry.Get(params.SessionID)
	if !ok {
		c.respondError(req, wire.Errorf(wire.CodeSessionNotFound, "session %s not found", params.SessionID))
		return
	}
	if !s.knownMode(params.ModeID) {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "unknown mode '%s'", params.ModeID))
		return
	}
	if err := sess.SetMode(params.ModeID); err != nil {
		c.respondError(req, rpcError(err))
		return
	}
	sess.Updates().Publish(session.UpdateCurrentMode, map[string]any{
		"sessionUpdate": session.UpdateCurrentMode,
		"currentModeId": params.ModeID,
	})
	c.respond(req, nil)
}

// handleSetModel accepts model switches for protocol compatibility.
// The engine binds its model when the session starts, so the selection
// takes effect for sessions created afterwards only.
func (s *Server) handleSetModel(c *Connection, req *wire.Request) {
	params, err := wire.DecodeParams[setModelParams](req.Params)
	if err != nil {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "invalid session/set_model params: %v", err))
		return
	}
	if _, ok := s.registry.Get(params.SessionID); !ok {
		c.respondError(req, wire.Errorf(wire.CodeSessionNotFound, "session %s not found", params.SessionID))
		return
	}
	c.log.Debug("model switch ignored", "session", params.SessionID, "model", params.ModelID)
	c.respond(req, nil)
}

func (s *Server) handleSessionDelete(ctx context.Context, c *Connection, req *wire.Request) {
	params, err := wire.DecodeParams[sessionIDParams](req.Params)
	if err != nil {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "invalid session/delete params: %v", err))
		return
	}
	if err := s.registry.Delete(params.SessionID); err != nil {
		c.respondError(req, rpcError(err))
		return
	}
	s.clearPermissions(params.SessionID)
	s.dispatchEvent(ctx, hooks.EventSessionDeleted, map[string]any{"sessionId": params.SessionID})
	c.respond(req, nil)
}

// convertMCPServers turns wire specs into engine specs, rejecting
// transport types the negotiated capabilities exclude.
func (s *Server) convertMCPServers(c *Connection, specs []mcpServerSpec) ([]session.MCPServerSpec, *wire.Error) {
	if len(specs) == 0 {
		return nil, nil
	}
	caps := c.capabilities()
	out := make([]session.MCPServerSpec, 0, len(specs))
	for _, spec := range specs {
		kind := spec.Type
		if kind == "" {
			if spec.URL != "" {
				kind = "sse"
			} else {
				kind = "stdio"
			}
		}
		switch kind {
		case "stdio":
		case "sse":
			if !caps.MCPSSE {
				return nil, wire.Errorf(wire.CodeCapabilityUnavailable, "mcp over sse is not offered")
			}
		case "http":
			if !caps.MCPHTTP {
				return nil, wire.Errorf(wire.CodeCapabilityUnavailable, "mcp over http is not offered")
			}
		default:
			return nil, wire.Errorf(wire.CodeInvalidParams, "unknown mcp server type '%s'", spec.Type)
		}
		out = append(out, session.MCPServerSpec{
			Name:    spec.Name,
			Type:    kind,
			Command: spec.Command,
			Args:    spec.Args,
			Env:     envMap(spec.Env),
			URL:     spec.URL,
		})
	}
	return out, nil
}

// announceSession publishes the command catalog and current mode
// through the session's own update stream so sequencing stays unified.
func (s *Server) announceSession(sess *session.Session) {
	if len(s.cfg.Commands) > 0 {
		sess.Updates().Publish(session.UpdateAvailableCommands, map[string]any{
			"sessionUpdate":     session.UpdateAvailableCommands,
			"availableCommands": commandList(s.cfg.Commands),
		})
	}
	if mode := sess.Config().Mode; mode != "" {
		sess.Updates().Publish(session.UpdateCurrentMode, map[string]any{
			"sessionUpdate": session.UpdateCurrentMode,
			"currentModeId": mode,
		})
	}
}

func (s *Server) knownMode(id string) bool {
	for _, m := range s.cfg.Modes {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (s *Server) dispatchEvent(ctx context.Context, event string, data map[string]any) {
	if s.hooks == nil {
		return
	}
	s.hooks.Dispatch(ctx, event, data)
}

func (s *Server) alwaysDecision(sessionID, tool string) (string, bool) {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	decision, ok := s.permAlways[sessionID][tool]
	return decision, ok
}

func (s *Server) cacheAlways(sessionID, tool, decision string) {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	if s.permAlways[sessionID] == nil {
		s.permAlways[sessionID] = make(map[string]string)
	}
	s.permAlways[sessionID][tool] = decision
}

func (s *Server) clearPermissions(sessionID string) {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	delete(s.permAlways, sessionID)
}

// InjectInput runs a hook-sourced prompt against a session. With no
// explicit target it picks the most recently touched idle session. The
// injected turn uses local tools; there is no client to bridge to.
func (s *Server) InjectInput(ctx context.Context, in hooks.Input) error {
	sess, err := s.targetSession(in.TargetSessionID)
	if err != nil {
		return err
	}
	content := in.Content
	if in.Role != "" && in.Role != "user" {
		content = fmt.Sprintf("[%s] %s", in.Role, content)
	}
	sess.Updates().Publish(session.UpdateUserMessageChunk, map[string]any{
		"sessionUpdate": session.UpdateUserMessageChunk,
		"content":       map[string]any{"type": "text", "text": content},
	})
	stop, err := sess.Prompt(ctx, content, s.LocalExecutor(sess))
	if err != nil {
		return errors.Wrapf(err, "inject prompt into %s", sess.ID())
	}
	s.dispatchEvent(ctx, hooks.EventTurnCompleted, map[string]any{
		"sessionId":  sess.ID(),
		"stopReason": string(stop),
		"source":     "hook",
	})
	return nil
}

func (s *Server) targetSession(id string) (*session.Session, error) {
	if id != "" {
		sess, ok := s.registry.Get(id)
		if !ok {
			return nil, errors.Wrapf(session.ErrNotFound, "hook target %s", id)
		}
		return sess, nil
	}
	for _, meta := range s.registry.List() {
		sess, ok := s.registry.Get(meta.ID)
		if ok && sess.State() == session.StateIdle {
			return sess, nil
		}
	}
	return nil, errors.New("no idle session available for hook input")
}
