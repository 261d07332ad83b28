package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/m4xw311/agentbridge/errors"
)

// scriptTurn is one engine round played back by the fake conversation
type scriptTurn struct {
	thought string
	content string
	tools   []ToolCall
}

// fakeConversation plays scripted turns, one per Prompt call
type fakeConversation struct {
	mu      sync.Mutex
	turns   []scriptTurn
	idx     int
	started chan struct{}
	release chan struct{}
	closed  bool
}

func (c *fakeConversation) Prompt(ctx context.Context, content string, cb PromptCallbacks) (StopReason, error) {
	if c.started != nil {
		select {
		case c.started <- struct{}{}:
		default:
		}
	}
	if c.release != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.release:
		}
	}

	c.mu.Lock()
	var turn scriptTurn
	if c.idx < len(c.turns) {
		turn = c.turns[c.idx]
		c.idx++
	} else {
		turn = scriptTurn{content: "done"}
	}
	c.mu.Unlock()

	if turn.thought != "" && cb.OnThought != nil {
		cb.OnThought(turn.thought)
	}
	for _, call := range turn.tools {
		if cb.OnToolCall != nil {
			cb.OnToolCall(call)
		}
		out, err := cb.ExecuteTool(ctx, call)
		switch {
		case errors.Is(err, ErrToolRejected):
			call.Status = ToolStatusRejected
		case err != nil:
			call.Status = ToolStatusError
			call.Output = err.Error()
		default:
			call.Status = ToolStatusCompleted
			call.Output = out
		}
		if cb.OnToolResult != nil {
			cb.OnToolResult(call)
		}
	}
	if cb.OnContent != nil {
		cb.OnContent(turn.content)
	}
	return StopEndTurn, nil
}

func (c *fakeConversation) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeEngine hands out fake conversations and records Resume transcripts
type fakeEngine struct {
	mu           sync.Mutex
	startErr     error
	script       []scriptTurn
	convs        []*fakeConversation
	resumed      [][]Message
	firstRelease chan struct{}
	firstStarted chan struct{}
}

func (e *fakeEngine) newConv() *fakeConversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv := &fakeConversation{turns: e.script}
	if len(e.convs) == 0 {
		conv.release = e.firstRelease
		conv.started = e.firstStarted
	}
	e.convs = append(e.convs, conv)
	return conv
}

func (e *fakeEngine) Start(ctx context.Context, cfg EngineConfig) (Conversation, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	return e.newConv(), nil
}

func (e *fakeEngine) Resume(ctx context.Context, cfg EngineConfig, transcript []Message) (Conversation, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.mu.Lock()
	e.resumed = append(e.resumed, transcript)
	e.mu.Unlock()
	return e.newConv(), nil
}

func testRegistry(t *testing.T, eng Engine, bufferCap int) (*Registry, *Store) {
	t.Helper()
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewRegistry(eng, st, bufferCap, pslog.NoopLogger()), st
}

func passthroughExec(out string) ToolExecutor {
	return func(ctx context.Context, call ToolCall) (string, error) {
		return out, nil
	}
}

// TestPromptFlow verifies one full turn: updates, transcript, state
func TestPromptFlow(t *testing.T) {
	eng := &fakeEngine{script: []scriptTurn{{
		thought: "considering",
		content: "The listing shows two files.",
		tools:   []ToolCall{{ID: "call_1", Name: "execute_command", Args: map[string]any{"command": "ls"}}},
	}}}
	reg, _ := testRegistry(t, eng, 32)

	sess, err := reg.Create(context.Background(), EngineConfig{Engine: "mock", Model: "test"}, "demo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.State() != StateIdle {
		t.Fatalf("state after create = %s, want idle", sess.State())
	}

	sink := &collectSink{}
	if err := sess.Adopt("conn1", sink); err != nil {
		t.Fatalf("Adopt: %v", err)
	}

	stop, err := sess.Prompt(context.Background(), "list the files", passthroughExec("a.txt\nb.txt"))
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if stop != StopEndTurn {
		t.Errorf("stop = %s, want end_turn", stop)
	}

	wantKinds := []string{UpdateAgentThoughtChunk, UpdateToolCall, UpdateToolCallUpdate, UpdateAgentMessageChunk}
	if len(sink.updates) != len(wantKinds) {
		t.Fatalf("got %d updates, want %d: %+v", len(sink.updates), len(wantKinds), sink.updates)
	}
	for i, upd := range sink.updates {
		if upd.Kind != wantKinds[i] {
			t.Errorf("update %d kind = %s, want %s", i, upd.Kind, wantKinds[i])
		}
		if upd.Seq != uint64(i+1) {
			t.Errorf("update %d seq = %d, want %d", i, upd.Seq, i+1)
		}
	}

	transcript := sess.Transcript()
	if len(transcript) != 3 {
		t.Fatalf("transcript rows = %d, want 3: %+v", len(transcript), transcript)
	}
	if transcript[0].Role != "user" || transcript[1].Role != "tool" || transcript[2].Role != "assistant" {
		t.Errorf("transcript roles = %s/%s/%s", transcript[0].Role, transcript[1].Role, transcript[2].Role)
	}
	if transcript[1].ToolCalls[0].Output != "a.txt\nb.txt" {
		t.Errorf("tool output not recorded: %+v", transcript[1].ToolCalls)
	}

	if sess.State() != StateIdle {
		t.Errorf("state after prompt = %s, want idle", sess.State())
	}
	if sess.Metadata().TurnCount != 1 {
		t.Errorf("turn count = %d, want 1", sess.Metadata().TurnCount)
	}
}

// TestPromptBusy verifies the exclusive-prompt rule across sessions
func TestPromptBusy(t *testing.T) {
	eng := &fakeEngine{
		firstRelease: make(chan struct{}),
		firstStarted: make(chan struct{}, 1),
	}
	reg, _ := testRegistry(t, eng, 32)

	busy, err := reg.Create(context.Background(), EngineConfig{Engine: "mock"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	other, err := reg.Create(context.Background(), EngineConfig{Engine: "mock"}, "")
	if err != nil {
		t.Fatalf("Create other: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := busy.Prompt(context.Background(), "slow work", passthroughExec("")); err != nil {
			t.Errorf("first prompt failed: %v", err)
		}
	}()

	select {
	case <-eng.firstStarted:
	case <-time.After(2 * time.Second):
		t.Fatalf("first prompt never reached the engine")
	}

	if _, err := busy.Prompt(context.Background(), "impatient", passthroughExec("")); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent prompt: expected ErrBusy, got %v", err)
	}

	// A different session is unaffected by the busy one.
	if _, err := other.Prompt(context.Background(), "independent", passthroughExec("")); err != nil {
		t.Errorf("other session prompt failed: %v", err)
	}

	close(eng.firstRelease)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("first prompt never finished")
	}
}

// TestCancelMidPrompt verifies cooperative cancellation returns to idle
func TestCancelMidPrompt(t *testing.T) {
	eng := &fakeEngine{
		firstRelease: make(chan struct{}),
		firstStarted: make(chan struct{}, 1),
	}
	reg, _ := testRegistry(t, eng, 32)
	sess, err := reg.Create(context.Background(), EngineConfig{Engine: "mock"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	type result struct {
		stop StopReason
		err  error
	}
	results := make(chan result, 1)
	go func() {
		stop, err := sess.Prompt(context.Background(), "long task", passthroughExec(""))
		results <- result{stop, err}
	}()

	select {
	case <-eng.firstStarted:
	case <-time.After(2 * time.Second):
		t.Fatalf("prompt never reached the engine")
	}

	sess.Cancel()
	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("cancelled prompt returned error: %v", res.err)
		}
		if res.stop != StopCancelled {
			t.Errorf("stop = %s, want cancelled", res.stop)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled prompt never returned")
	}

	if sess.State() != StateIdle {
		t.Errorf("state after cancel = %s, want idle", sess.State())
	}
	// Cancel with no prompt in flight is a no-op.
	sess.Cancel()
	if sess.State() != StateIdle {
		t.Errorf("idle cancel changed state to %s", sess.State())
	}
}

// TestPromptAfterError verifies errored sessions reject prompts
func TestPromptAfterError(t *testing.T) {
	eng := &fakeEngine{}
	reg, _ := testRegistry(t, eng, 32)
	sess, err := reg.Create(context.Background(), EngineConfig{Engine: "mock"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sess.forceError(errors.New("engine melted"))
	if sess.State() != StateErrored {
		t.Fatalf("state = %s, want errored", sess.State())
	}

	if _, err := sess.Prompt(context.Background(), "anyone there?", passthroughExec("")); !errors.Is(err, ErrErrored) {
		t.Errorf("expected ErrErrored, got %v", err)
	}
	if _, err := reg.Load(context.Background(), sess.ID()); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Load of errored session: expected ErrIncompatible, got %v", err)
	}
}

// TestCreateEngineFailure verifies no session resource is left behind
func TestCreateEngineFailure(t *testing.T) {
	eng := &fakeEngine{startErr: errors.New("no credentials")}
	reg, st := testRegistry(t, eng, 32)

	if _, err := reg.Create(context.Background(), EngineConfig{Engine: "anthropic"}, ""); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	if metas, _ := st.List(); len(metas) != 0 {
		t.Errorf("failed create left %d persisted sessions", len(metas))
	}
	if len(reg.List()) != 0 {
		t.Errorf("failed create left live sessions")
	}
}

// TestReviveFromStore verifies load restarts orphaned persisted sessions
func TestReviveFromStore(t *testing.T) {
	eng := &fakeEngine{script: []scriptTurn{{
		content: "saved reply",
		tools:   []ToolCall{{ID: "call_1", Name: "read_file", Args: map[string]any{"path": "go.mod"}}},
	}}}
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg := NewRegistry(eng, st, 32, pslog.NoopLogger())

	sess, err := reg.Create(context.Background(), EngineConfig{Engine: "mock", Model: "m"}, "keeper")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := sess.Prompt(context.Background(), "remember this", passthroughExec("module data")); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	id := sess.ID()
	reg.Close()

	// A later process: fresh registry, same store.
	eng2 := &fakeEngine{}
	reg2 := NewRegistry(eng2, st, 32, pslog.NoopLogger())
	revived, err := reg2.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if revived.Name() != "keeper" {
		t.Errorf("Name = %q, want keeper", revived.Name())
	}
	if len(eng2.resumed) != 1 || len(eng2.resumed[0]) != 3 {
		t.Fatalf("engine resume transcript wrong: %+v", eng2.resumed)
	}

	sink := &collectSink{}
	if err := revived.Replay(sink); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	wantKinds := []string{UpdateUserMessageChunk, UpdateToolCall, UpdateToolCallUpdate, UpdateAgentMessageChunk}
	if len(sink.updates) != len(wantKinds) {
		t.Fatalf("replay produced %d updates, want %d", len(sink.updates), len(wantKinds))
	}
	for i, upd := range sink.updates {
		if upd.Kind != wantKinds[i] {
			t.Errorf("replay update %d kind = %s, want %s", i, upd.Kind, wantKinds[i])
		}
		if upd.Seq != uint64(i+1) {
			t.Errorf("replay update %d seq = %d, want %d", i, upd.Seq, i+1)
		}
	}
}

// TestForkSharesConfigNotContext verifies fork lineage semantics
func TestForkSharesConfigNotContext(t *testing.T) {
	eng := &fakeEngine{script: []scriptTurn{{content: "parent history"}}}
	reg, _ := testRegistry(t, eng, 32)

	parent, err := reg.Create(context.Background(), EngineConfig{Engine: "mock", Model: "m1", Cwd: "/work"}, "parent")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := parent.Prompt(context.Background(), "build context", passthroughExec("")); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	child, err := reg.Fork(context.Background(), parent.ID(), "child")
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.ID() == parent.ID() {
		t.Fatalf("fork returned parent id")
	}
	if got := child.Config(); got.Model != "m1" || got.Cwd != "/work" {
		t.Errorf("child config not inherited: %+v", got)
	}
	if len(child.Transcript()) != 0 {
		t.Errorf("fork copied conversation context: %+v", child.Transcript())
	}
	if child.Metadata().ParentID != parent.ID() {
		t.Errorf("ParentID = %q, want %q", child.Metadata().ParentID, parent.ID())
	}
}

// TestDeleteTearsDown verifies resource release and store removal
func TestDeleteTearsDown(t *testing.T) {
	eng := &fakeEngine{}
	reg, st := testRegistry(t, eng, 32)
	sess, err := reg.Create(context.Background(), EngineConfig{Engine: "mock"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	released := false
	sess.TrackResource("term_1", func() { released = true })

	if err := reg.Delete(sess.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !released {
		t.Errorf("tracked resource not released on delete")
	}
	if !eng.convs[0].isClosed() {
		t.Errorf("conversation not closed on delete")
	}
	if st.Exists(sess.ID()) {
		t.Errorf("session directory survived delete")
	}
	if _, ok := reg.Get(sess.ID()); ok {
		t.Errorf("deleted session still live")
	}
	if err := reg.Delete(sess.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

// TestOverflowFailsSession verifies detached buffers fail closed
func TestOverflowFailsSession(t *testing.T) {
	eng := &fakeEngine{}
	reg, _ := testRegistry(t, eng, 1)
	sess, err := reg.Create(context.Background(), EngineConfig{Engine: "mock"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// No sink attached: the first turn's update fills the buffer, the
	// second overflows it.
	if _, err := sess.Prompt(context.Background(), "one", passthroughExec("")); err != nil {
		t.Fatalf("prompt one: %v", err)
	}
	if _, err := sess.Prompt(context.Background(), "two", passthroughExec("")); err != nil {
		t.Fatalf("prompt two: %v", err)
	}

	if sess.State() != StateErrored {
		t.Fatalf("state = %s, want errored after overflow", sess.State())
	}
	if !errors.Is(sess.StateError(), ErrUpdateOverflow) {
		t.Errorf("cause = %v, want ErrUpdateOverflow", sess.StateError())
	}
	if _, err := sess.Prompt(context.Background(), "three", passthroughExec("")); !errors.Is(err, ErrErrored) {
		t.Errorf("prompt after overflow: expected ErrErrored, got %v", err)
	}
}

// TestAdoptOrphan verifies ownership handoff between connections
func TestAdoptOrphan(t *testing.T) {
	eng := &fakeEngine{}
	reg, _ := testRegistry(t, eng, 32)
	sess, err := reg.Create(context.Background(), EngineConfig{Engine: "mock"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first := &collectSink{}
	if err := sess.Adopt("conn1", first); err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if sess.Owner() != "conn1" {
		t.Errorf("Owner = %q, want conn1", sess.Owner())
	}

	if n := reg.OrphanOwned("conn1"); n != 1 {
		t.Fatalf("OrphanOwned = %d, want 1", n)
	}
	if sess.Owner() != "" {
		t.Errorf("Owner = %q after orphan, want empty", sess.Owner())
	}

	sess.Updates().Publish(UpdateAgentMessageChunk, "while orphaned")
	if len(first.updates) != 0 {
		t.Errorf("orphaned session delivered to old sink")
	}

	second := &collectSink{}
	if err := sess.Adopt("conn2", second); err != nil {
		t.Fatalf("re-Adopt: %v", err)
	}
	if len(second.updates) != 1 {
		t.Errorf("buffered update not flushed to adopter: %+v", second.updates)
	}
}

// TestCanTransition spot-checks the lifecycle rules
func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateInitializing, true},
		{StateInitializing, StateIdle, true},
		{StateIdle, StatePrompting, true},
		{StatePrompting, StateIdle, true},
		{StateIdle, StateDeleted, true},
		{StatePrompting, StateErrored, true},
		{StateErrored, StateDeleted, true},
		{StateDeleted, StateIdle, false},
		{StateDeleted, StateErrored, false},
		{StateErrored, StateIdle, false},
		{StateCreated, StatePrompting, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
