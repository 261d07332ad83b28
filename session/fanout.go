package session

import (
	"sync"
)

// Update kinds mirror the wire's sessionUpdate discriminators.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
	UpdateAvailableCommands = "available_commands_update"
	UpdateCurrentMode       = "current_mode_update"
)

// DefaultUpdateBuffer is the per-session buffer capacity used when the
// configuration does not set one.
const DefaultUpdateBuffer = 256

// Update is one ordered item in a session's outbound stream.
type Update struct {
	SessionID string
	Seq       uint64
	Kind      string
	Payload   any
}

// Sink receives ordered updates for a session. Implementations must be
// safe for use from the publisher's lock; sends are serialized.
type Sink interface {
	SendUpdate(Update) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Update) error

func (f SinkFunc) SendUpdate(u Update) error { return f(u) }

// Publisher orders a session's outbound updates. Exactly one sink is
// attached at a time; while detached, updates accumulate in a bounded
// buffer. Overflow drops the buffer and reports through onOverflow,
// after which further publishes are discarded.
type Publisher struct {
	mu         sync.Mutex
	sessionID  string
	seq        uint64
	sink       Sink
	buffer     []Update
	capacity   int
	overflowed bool
	onOverflow func()
}

// NewPublisher builds a publisher for one session. onOverflow fires at
// most once, outside the publisher lock's critical section for sends
// but synchronously with the overflowing publish.
func NewPublisher(sessionID string, capacity int, onOverflow func()) *Publisher {
	if capacity <= 0 {
		capacity = DefaultUpdateBuffer
	}
	return &Publisher{
		sessionID:  sessionID,
		capacity:   capacity,
		onOverflow: onOverflow,
	}
}

// Publish assigns the next sequence number and delivers the update to
// the attached sink, or buffers it while detached. Delivery happens
// under the publisher lock so per-session ordering is structural.
func (p *Publisher) Publish(kind string, payload any) {
	p.mu.Lock()
	if p.overflowed {
		p.mu.Unlock()
		return
	}
	p.seq++
	upd := Update{SessionID: p.sessionID, Seq: p.seq, Kind: kind, Payload: payload}

	if p.sink == nil {
		if len(p.buffer) >= p.capacity {
			p.buffer = nil
			p.overflowed = true
			onOverflow := p.onOverflow
			p.mu.Unlock()
			if onOverflow != nil {
				onOverflow()
			}
			return
		}
		p.buffer = append(p.buffer, upd)
		p.mu.Unlock()
		return
	}

	if err := p.sink.SendUpdate(upd); err != nil {
		// Broken sink: detach and keep the undelivered update.
		p.sink = nil
		p.buffer = append(p.buffer, upd)
	}
	p.mu.Unlock()
}

// Attach flushes buffered updates to the sink in order, then routes
// live updates to it. A send failure during the flush leaves the
// remaining updates buffered and the publisher detached.
func (p *Publisher) Attach(sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	buffered := p.buffer
	p.buffer = nil
	for i, upd := range buffered {
		if err := sink.SendUpdate(upd); err != nil {
			p.buffer = append(p.buffer, buffered[i:]...)
			return err
		}
	}
	p.sink = sink
	return nil
}

// Detach stops live delivery. Later updates buffer until Attach.
func (p *Publisher) Detach() {
	p.mu.Lock()
	p.sink = nil
	p.mu.Unlock()
}

// Clear drops buffered updates. Used before a transcript replay, which
// supersedes anything buffered while the session was orphaned.
func (p *Publisher) Clear() {
	p.mu.Lock()
	p.buffer = nil
	p.mu.Unlock()
}

// Buffered reports how many updates wait for the next attach.
func (p *Publisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Overflowed reports whether the buffer limit was hit.
func (p *Publisher) Overflowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overflowed
}

// nextSeq hands out a sequence number for out-of-band delivery such as
// transcript replay, keeping replayed and live updates on one ordered
// counter.
func (p *Publisher) nextSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}
