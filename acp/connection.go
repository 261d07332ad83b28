package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/m4xw311/agentbridge/errors"
	"github.com/m4xw311/agentbridge/session"
	"github.com/m4xw311/agentbridge/transport"
	"github.com/m4xw311/agentbridge/wire"
)

// Connection drives the protocol for one client. A single goroutine
// reads and dispatches frames; only session/prompt handlers run on
// their own goroutines so slow turns never block the wire.
type Connection struct {
	id      string
	ch      transport.Channel
	srv     *Server
	log     pslog.Logger
	pending *wire.PendingTable

	mu     sync.Mutex
	caps   *CapabilitySet
	authed bool

	permMu        sync.Mutex
	openPermCalls map[string]bool

	prompts   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(srv *Server, ch transport.Channel) *Connection {
	id := "conn_" + xid.New().String()
	return &Connection{
		id:            id,
		ch:            ch,
		srv:           srv,
		log:           srv.log.With("conn", id),
		pending:       wire.NewPendingTable(),
		openPermCalls: make(map[string]bool),
		done:          make(chan struct{}),
	}
}

// ID identifies this connection for session ownership.
func (c *Connection) ID() string { return c.id }

// run reads frames until the channel closes or the context ends. On
// stdio the first undecodable frame is fatal; on other transports the
// connection answers with a parse error and keeps going.
func (c *Connection) run(ctx context.Context) error {
	c.log.Info("connection open", "transport", c.ch.Kind(), "remote", c.ch.Remote())
	defer c.teardown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		raw, err := c.ch.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrapf(err, "receive frame")
		}
		req, resp, err := wire.Decode(raw)
		switch {
		case err != nil:
			// Unparseable bytes on stdio mean the stream is desynchronized
			// beyond recovery. A well-framed but invalid message is not.
			if c.ch.Kind() == "stdio" && !errors.Is(err, wire.ErrInvalidMessage) {
				return errors.Wrapf(err, "stdio framing corrupted")
			}
			c.replyDecodeError(raw, err)
		case resp != nil:
			if !c.pending.Resolve(resp.ID, resp) {
				c.log.Warn("response without a pending request", "id", resp.ID)
			}
		case req != nil:
			c.dispatch(ctx, req)
		}
	}
}

func (c *Connection) replyDecodeError(raw []byte, err error) {
	c.log.Warn("undecodable frame", "error", err)
	id := wire.RecoverID(raw)
	code := wire.CodeParse
	if errors.Is(err, wire.ErrInvalidMessage) {
		code = wire.CodeInvalidRequest
	}
	rpcErr := wire.Errorf(code, "invalid frame: %v", err)
	if sendErr := c.send(wire.NewErrorResponse(id, rpcErr)); sendErr != nil {
		c.log.Warn("decode error reply dropped", "error", sendErr)
	}
}

// dispatch routes one request. Everything except the handshake methods
// requires a completed initialize, and when the bridge is configured
// with a token, everything except authenticate requires auth.
func (c *Connection) dispatch(ctx context.Context, req *wire.Request) {
	if req.Method == "initialize" {
		c.handleInitialize(req)
		return
	}
	if c.capabilities() == nil {
		c.respondError(req, wire.Errorf(wire.CodeIncompatibleState, "connection is not initialized"))
		return
	}
	if req.Method == "authenticate" {
		c.handleAuthenticate(req)
		return
	}
	if c.srv.cfg.AuthToken != "" && !c.isAuthed() {
		c.respondError(req, wire.Errorf(wire.CodeAuthRequired, "authentication required"))
		return
	}
	switch req.Method {
	case "session/new":
		c.srv.handleSessionNew(ctx, c, req)
	case "session/load":
		c.srv.handleSessionLoad(ctx, c, req)
	case "session/resume":
		c.srv.handleSessionResume(ctx, c, req)
	case "session/list":
		c.srv.handleSessionList(c, req)
	case "session/fork":
		c.srv.handleSessionFork(ctx, c, req)
	case "session/prompt":
		c.prompts.Add(1)
		go func() {
			defer c.prompts.Done()
			c.srv.handleSessionPrompt(ctx, c, req)
		}()
	case "session/set_mode":
		c.srv.handleSetMode(c, req)
	case "session/set_model":
		c.srv.handleSetModel(c, req)
	case "session/cancel":
		c.srv.handleSessionCancel(c, req)
	case "session/delete":
		c.srv.handleSessionDelete(ctx, c, req)
	default:
		c.respondError(req, wire.Errorf(wire.CodeMethodNotFound, "unknown method '%s'", req.Method))
	}
}

func (c *Connection) handleInitialize(req *wire.Request) {
	params, err := wire.DecodeParams[initializeParams](req.Params)
	if err != nil {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "invalid initialize params: %v", err))
		return
	}
	if params.ProtocolVersion != ProtocolVersion {
		rpcErr := wire.Errorf(wire.CodeUnsupportedProtocol,
			"protocol version %d is not supported", params.ProtocolVersion).
			WithData(map[string]any{"supported": []int{ProtocolVersion}})
		c.respondError(req, rpcErr)
		return
	}
	c.mu.Lock()
	if c.caps != nil {
		c.mu.Unlock()
		c.respondError(req, wire.Errorf(wire.CodeIncompatibleState, "connection is already initialized"))
		return
	}
	caps := Negotiate(c.srv.cfg.Capabilities, params.ClientCapabilities)
	c.caps = caps
	c.mu.Unlock()

	authMethods := []authMethod{}
	if c.srv.cfg.AuthToken != "" {
		authMethods = append(authMethods, authMethod{
			ID:          "token",
			Name:        "Access token",
			Description: "Static token configured on the bridge",
		})
	}
	c.log.Info("initialized",
		"terminal", caps.Terminal, "fsRead", caps.FSRead, "fsWrite", caps.FSWrite)
	c.respond(req, map[string]any{
		"protocolVersion":   ProtocolVersion,
		"agentCapabilities": agentCapabilities(caps),
		"authMethods":       authMethods,
	})
}

func (c *Connection) handleAuthenticate(req *wire.Request) {
	params, err := wire.DecodeParams[authenticateParams](req.Params)
	if err != nil {
		c.respondError(req, wire.Errorf(wire.CodeInvalidParams, "invalid authenticate params: %v", err))
		return
	}
	if c.srv.cfg.AuthToken == "" {
		// Nothing to authenticate against; accept and move on.
		c.respond(req, nil)
		return
	}
	if params.Token != c.srv.cfg.AuthToken {
		c.respondError(req, wire.Errorf(wire.CodeAuthRequired, "invalid token"))
		return
	}
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.log.Info("authenticated", "method", params.MethodID)
	c.respond(req, nil)
}

func (c *Connection) capabilities() *CapabilitySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *Connection) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// Call sends a request to the client and waits for the matching
// response. A *wire.Error from the client comes back as the error.
func (c *Connection) Call(ctx context.Context, method string, params, result any) error {
	id := "cli_" + xid.New().String()
	waiter, err := c.pending.Register(id)
	if err != nil {
		return wire.Errorf(wire.CodeDisconnected, "connection closed")
	}
	req, err := wire.NewRequest(id, method, params)
	if err != nil {
		c.pending.Forget(id)
		return errors.Wrapf(err, "encode %s request", method)
	}
	if err := c.send(req); err != nil {
		c.pending.Forget(id)
		return wire.Errorf(wire.CodeDisconnected, "connection closed")
	}
	select {
	case resp := <-waiter:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 && !bytes.Equal(resp.Result, []byte("null")) {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return errors.Wrapf(err, "decode %s result", method)
			}
		}
		return nil
	case <-ctx.Done():
		c.pending.Forget(id)
		return ctx.Err()
	}
}

func (c *Connection) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode frame")
	}
	return c.ch.Send(data)
}

func (c *Connection) respond(req *wire.Request, result any) {
	if req.IsNotification() {
		return
	}
	resp, err := wire.NewResponse(req.ID, result)
	if err != nil {
		c.respondError(req, wire.Errorf(wire.CodeInternal, "encode result: %v", err))
		return
	}
	if err := c.send(resp); err != nil {
		c.log.Warn("response dropped", "method", req.Method, "error", err)
	}
}

func (c *Connection) respondError(req *wire.Request, rpcErr *wire.Error) {
	if req.IsNotification() {
		c.log.Warn("error handling notification",
			"method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
		return
	}
	if err := c.send(wire.NewErrorResponse(req.ID, rpcErr)); err != nil {
		c.log.Warn("error response dropped", "method", req.Method, "error", err)
	}
}

func (c *Connection) notify(method string, params any) error {
	n, err := wire.NewNotification(method, params)
	if err != nil {
		return errors.Wrapf(err, "encode %s notification", method)
	}
	return c.send(n)
}

// updateSink adapts this connection into a session update sink.
func (c *Connection) updateSink() session.Sink {
	return session.SinkFunc(func(u session.Update) error {
		return c.notify("session/update", sessionUpdateParams{
			SessionID: u.SessionID,
			Seq:       u.Seq,
			Update:    u.Payload,
		})
	})
}

// teardown releases everything tied to this connection: pending client
// calls fail with Disconnected, owned sessions become orphans, and any
// in-flight prompt handlers get to finish against the dead channel.
func (c *Connection) teardown() {
	c.closeOnce.Do(func() { close(c.done) })
	c.pending.FailAll(wire.Errorf(wire.CodeDisconnected, "connection closed"))
	orphaned := c.srv.registry.OrphanOwned(c.id)
	c.prompts.Wait()
	if err := c.ch.Close(); err != nil {
		c.log.Debug("channel close", "error", err)
	}
	c.log.Info("connection closed", "orphaned", orphaned)
}
