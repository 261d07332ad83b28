package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m4xw311/agentbridge/errors"
)

var (
	// ErrNotFound means no live or persisted session matches the id.
	ErrNotFound = errors.Sentinel("session not found")
	// ErrBusy means the session is already processing a prompt.
	ErrBusy = errors.Sentinel("session is processing another prompt")
	// ErrErrored means the session failed terminally and rejects prompts.
	ErrErrored = errors.Sentinel("session is in errored state")
	// ErrIncompatible means the session state does not allow the operation.
	ErrIncompatible = errors.Sentinel("operation incompatible with session state")
	// ErrEngineUnavailable means the engine refused to start a conversation.
	ErrEngineUnavailable = errors.Sentinel("engine unavailable")
	// ErrToolRejected is returned by tool executors when the user denied
	// the call. Engines report it to the model as a rejected result.
	ErrToolRejected = errors.Sentinel("tool call rejected")
	// ErrToolUnhandled is returned by tool executors to hand a call back
	// to the conversation's own tool catalog.
	ErrToolUnhandled = errors.Sentinel("tool not handled by executor")
	// ErrResourceExhausted marks engine-side context or token limits.
	ErrResourceExhausted = errors.Sentinel("engine resources exhausted")
	// ErrUpdateOverflow marks a detached session whose buffered updates
	// exceeded capacity.
	ErrUpdateOverflow = errors.Sentinel("update buffer overflow")
)

// State identifies a position in the session lifecycle.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateIdle         State = "idle"
	StatePrompting    State = "prompting"
	StateErrored      State = "errored"
	StateDeleted      State = "deleted"
)

// Terminal reports whether the state admits no further work.
func (s State) Terminal() bool {
	return s == StateErrored || s == StateDeleted
}

// Active reports whether the session is ready for or processing prompts.
func (s State) Active() bool {
	return s == StateIdle || s == StatePrompting
}

// CanTransition reports whether moving from s to next is a legal step.
// Deletion is reachable from every state; Errored from every non-deleted
// state; everything else follows the forward lifecycle.
func (s State) CanTransition(next State) bool {
	if next == StateDeleted {
		return s != StateDeleted
	}
	if next == StateErrored {
		return s != StateDeleted
	}
	switch s {
	case StateCreated:
		return next == StateInitializing
	case StateInitializing:
		return next == StateIdle
	case StateIdle:
		return next == StatePrompting
	case StatePrompting:
		return next == StateIdle
	default:
		return false
	}
}

// StopReason tells the client why a prompt turn ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopCancelled StopReason = "cancelled"
	StopMaxTokens StopReason = "max_tokens"
	StopRefusal   StopReason = "refusal"
)

// ToolCall records one tool invocation inside a turn.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Output string         `json:"output,omitempty"`
	Status string         `json:"status,omitempty"`
}

// Tool call status values recorded in transcripts and updates.
const (
	ToolStatusPending   = "pending"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
	ToolStatusRejected  = "rejected"
)

// Message is one transcript row. Role is "user", "assistant" or "tool";
// tool rows carry their call in ToolCalls.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Time      time.Time  `json:"time,omitempty"`
}

// MCPServerSpec describes one MCP server a conversation may use.
// Type is "stdio", "sse" or "http"; only stdio servers carry a command.
type MCPServerSpec struct {
	Name    string            `json:"name"`
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// EngineConfig is the descriptor a conversation is started from.
type EngineConfig struct {
	Engine     string          `json:"engine"`
	Model      string          `json:"model,omitempty"`
	Mode       string          `json:"mode,omitempty"`
	Cwd        string          `json:"cwd,omitempty"`
	MCPServers []MCPServerSpec `json:"mcp_servers,omitempty"`
}

// ToolExecutor runs one tool call on behalf of the engine. An
// ErrToolRejected return means the user denied the call.
type ToolExecutor func(ctx context.Context, call ToolCall) (string, error)

// PromptCallbacks is how a conversation reports progress back to the
// session while a prompt turn runs.
type PromptCallbacks struct {
	OnContent    func(text string)
	OnThought    func(text string)
	OnToolCall   func(call ToolCall)
	OnToolResult func(call ToolCall)
	ExecuteTool  ToolExecutor
}

// Conversation is the engine-side counterpart of one session.
type Conversation interface {
	// Prompt runs one turn. It reports progress through cb and returns
	// when the turn completes, fails, or ctx is cancelled.
	Prompt(ctx context.Context, content string, cb PromptCallbacks) (StopReason, error)
	Close() error
}

// Engine starts and resumes conversations. Implementations live in the
// engine package; the registry only depends on this interface.
type Engine interface {
	Start(ctx context.Context, cfg EngineConfig) (Conversation, error)
	Resume(ctx context.Context, cfg EngineConfig, transcript []Message) (Conversation, error)
}

// NewID returns a fresh session id in the wire format.
func NewID() string {
	u := uuid.New()
	return fmt.Sprintf("sess_%x", u[:6])
}

// Session is one live agent conversation with its lifecycle state,
// transcript, outbound update stream and session-scoped resources.
type Session struct {
	mu       sync.Mutex
	id       string
	name     string
	parentID string
	config   EngineConfig
	state    State
	stateErr error
	created  time.Time
	updated  time.Time
	turns    int
	messages []Message
	conv     Conversation
	cancel   context.CancelFunc
	owner    string

	resMu     sync.Mutex
	resources map[string]func()

	updates *Publisher
	store   *Store
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Name returns the optional human label.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Config returns the descriptor the conversation was started from.
func (s *Session) Config() EngineConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateError returns the cause recorded when the session errored.
func (s *Session) StateError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateErr
}

// Owner returns the id of the connection currently subscribed to this
// session, empty when orphaned.
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Updates returns the session's update publisher.
func (s *Session) Updates() *Publisher { return s.updates }

// Transcript returns a copy of the in-memory transcript.
func (s *Session) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Metadata snapshots the persistable descriptor.
func (s *Session) Metadata() *Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadataLocked()
}

func (s *Session) metadataLocked() *Metadata {
	meta := &Metadata{
		ID:        s.id,
		Name:      s.name,
		ParentID:  s.parentID,
		Config:    s.config,
		State:     string(s.state),
		Created:   s.created,
		Updated:   s.updated,
		TurnCount: s.turns,
	}
	if s.stateErr != nil {
		meta.Error = s.stateErr.Error()
	}
	return meta
}

// SetMode switches the session mode and persists the change. The caller
// is responsible for announcing the switch to the client.
func (s *Session) SetMode(mode string) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrIncompatible
	}
	s.config.Mode = mode
	s.touchLocked()
	meta := s.metadataLocked()
	s.mu.Unlock()
	return s.persist(meta)
}

// Adopt hands the session to a new owning connection and attaches its
// update sink, flushing anything buffered while orphaned.
func (s *Session) Adopt(owner string, sink Sink) error {
	s.mu.Lock()
	if s.state == StateDeleted {
		s.mu.Unlock()
		return ErrIncompatible
	}
	s.owner = owner
	s.mu.Unlock()
	return s.updates.Attach(sink)
}

// Orphan detaches the session from its owning connection. A non-empty
// owner restricts the detach to that connection. Updates buffer until
// the session is adopted again.
func (s *Session) Orphan(owner string) {
	s.mu.Lock()
	if owner != "" && s.owner != owner {
		s.mu.Unlock()
		return
	}
	s.owner = ""
	s.mu.Unlock()
	s.updates.Detach()
}

// TrackResource registers session-scoped cleanup, typically a bridged
// terminal release. Cleanup runs at most once.
func (s *Session) TrackResource(id string, release func()) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if s.resources == nil {
		s.resources = make(map[string]func())
	}
	s.resources[id] = release
}

// UntrackResource drops a resource without running its cleanup, used
// when the owner released it itself.
func (s *Session) UntrackResource(id string) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	delete(s.resources, id)
}

// ReleaseResources runs and clears every tracked cleanup.
func (s *Session) ReleaseResources() {
	s.resMu.Lock()
	pending := s.resources
	s.resources = nil
	s.resMu.Unlock()
	for _, release := range pending {
		release()
	}
}

// Prompt runs one turn against the conversation. Only one prompt may
// run at a time; concurrent calls fail with ErrBusy rather than queue.
func (s *Session) Prompt(ctx context.Context, content string, exec ToolExecutor) (StopReason, error) {
	s.mu.Lock()
	switch s.state {
	case StatePrompting:
		s.mu.Unlock()
		return "", ErrBusy
	case StateErrored:
		cause := s.stateErr
		s.mu.Unlock()
		return "", errors.Wrapf(joinCause(ErrErrored, cause), "prompt rejected")
	case StateIdle:
	default:
		st := s.state
		s.mu.Unlock()
		return "", errors.Wrapf(ErrIncompatible, "prompt in state %s", st)
	}
	s.state = StatePrompting
	pctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	conv := s.conv
	s.mu.Unlock()

	defer func() {
		cancel()
		s.ReleaseResources()
		s.mu.Lock()
		if s.state == StatePrompting {
			s.state = StateIdle
		}
		s.cancel = nil
		s.turns++
		s.touchLocked()
		meta := s.metadataLocked()
		s.mu.Unlock()
		_ = s.persist(meta)
	}()

	s.appendMessage(Message{Role: "user", Content: content, Time: time.Now().UTC()})

	stop, err := conv.Prompt(pctx, content, s.promptCallbacks(exec))
	if err != nil {
		if pctx.Err() != nil {
			return StopCancelled, nil
		}
		if errors.Is(err, ErrResourceExhausted) {
			s.forceError(err)
			return "", err
		}
		return "", errors.Wrapf(err, "prompt turn failed")
	}
	if stop == "" {
		stop = StopEndTurn
	}
	return stop, nil
}

// Cancel signals the in-flight prompt to stop. It is cooperative and
// idempotent; a session with no running prompt is left untouched.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// promptCallbacks builds the progress hooks a conversation drives
// during one turn. They publish updates and grow the transcript.
func (s *Session) promptCallbacks(exec ToolExecutor) PromptCallbacks {
	return PromptCallbacks{
		OnContent: func(text string) {
			if text == "" {
				return
			}
			s.updates.Publish(UpdateAgentMessageChunk, textChunkUpdate(UpdateAgentMessageChunk, text))
			s.appendMessage(Message{Role: "assistant", Content: text, Time: time.Now().UTC()})
		},
		OnThought: func(text string) {
			if text == "" {
				return
			}
			s.updates.Publish(UpdateAgentThoughtChunk, textChunkUpdate(UpdateAgentThoughtChunk, text))
		},
		OnToolCall: func(call ToolCall) {
			s.updates.Publish(UpdateToolCall, toolCallUpdate(call))
		},
		OnToolResult: func(call ToolCall) {
			s.updates.Publish(UpdateToolCallUpdate, toolResultUpdate(call))
			s.appendMessage(Message{Role: "tool", ToolCalls: []ToolCall{call}, Time: time.Now().UTC()})
		},
		ExecuteTool: exec,
	}
}

// Replay republishes the persisted transcript through the given sink in
// original order, the shape clients expect after session/load. Replayed
// updates draw from the same sequence counter as live ones so the
// client observes a single ordered stream.
func (s *Session) Replay(sink Sink) error {
	s.updates.Clear()
	for _, msg := range s.Transcript() {
		for _, upd := range replayUpdates(s.id, msg) {
			upd.Seq = s.updates.nextSeq()
			if err := sink.SendUpdate(upd); err != nil {
				return errors.Wrapf(err, "replay send")
			}
		}
	}
	return nil
}

func (s *Session) appendMessage(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.touchLocked()
	store := s.store
	id := s.id
	s.mu.Unlock()
	if store != nil {
		// Transcript persistence is best effort while the turn runs; the
		// in-memory copy stays authoritative.
		_ = store.AppendMessage(id, msg)
	}
}

func (s *Session) touchLocked() {
	s.updated = time.Now().UTC()
}

func (s *Session) persist(meta *Metadata) error {
	if s.store == nil {
		return nil
	}
	return s.store.SaveMetadata(meta)
}

// forceError moves the session to Errored with the given cause. Used
// for unrecoverable mid-session faults such as engine resource
// exhaustion or update buffer overflow.
func (s *Session) forceError(cause error) {
	s.mu.Lock()
	if s.state == StateDeleted || s.state == StateErrored {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	s.stateErr = cause
	s.touchLocked()
	meta := s.metadataLocked()
	s.mu.Unlock()
	_ = s.persist(meta)
}

// markDeleted finalizes the lifecycle. The registry owns removal from
// its map and the store.
func (s *Session) markDeleted() {
	s.mu.Lock()
	s.state = StateDeleted
	conv := s.conv
	s.conv = nil
	s.mu.Unlock()
	s.updates.Detach()
	s.ReleaseResources()
	if conv != nil {
		_ = conv.Close()
	}
}

func joinCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, cause.Error())
}

// ---- Update payload builders ----

func textChunkUpdate(kind string, text string) map[string]any {
	return map[string]any{
		"sessionUpdate": kind,
		"content": map[string]any{
			"type": "text",
			"text": text,
		},
	}
}

func userChunkUpdate(text string) map[string]any {
	return textChunkUpdate(UpdateUserMessageChunk, text)
}

func toolCallUpdate(call ToolCall) map[string]any {
	upd := map[string]any{
		"sessionUpdate": UpdateToolCall,
		"toolCallId":    call.ID,
		"title":         call.Name,
		"kind":          "other",
		"status":        ToolStatusPending,
	}
	if len(call.Args) > 0 {
		upd["rawInput"] = call.Args
	}
	return upd
}

func toolResultUpdate(call ToolCall) map[string]any {
	status := call.Status
	if status == "" {
		status = ToolStatusCompleted
	}
	upd := map[string]any{
		"sessionUpdate": UpdateToolCallUpdate,
		"toolCallId":    call.ID,
		"status":        status,
	}
	if call.Output != "" {
		upd["rawOutput"] = map[string]any{"output": call.Output}
	}
	return upd
}

// replayUpdates converts one transcript row into the updates a client
// receives during session/load replay.
func replayUpdates(sessionID string, msg Message) []Update {
	var out []Update
	switch msg.Role {
	case "user":
		out = append(out, Update{SessionID: sessionID, Kind: UpdateUserMessageChunk, Payload: userChunkUpdate(msg.Content)})
	case "assistant":
		if msg.Content != "" {
			out = append(out, Update{SessionID: sessionID, Kind: UpdateAgentMessageChunk, Payload: textChunkUpdate(UpdateAgentMessageChunk, msg.Content)})
		}
	case "tool":
		for _, call := range msg.ToolCalls {
			out = append(out, Update{SessionID: sessionID, Kind: UpdateToolCall, Payload: toolCallUpdate(call)})
			out = append(out, Update{SessionID: sessionID, Kind: UpdateToolCallUpdate, Payload: toolResultUpdate(call)})
		}
	}
	return out
}

// Summary renders a short human description used in logs.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "%s state=%s turns=%d", s.id, s.state, s.turns)
	if s.name != "" {
		fmt.Fprintf(&b, " name=%q", s.name)
	}
	return b.String()
}
