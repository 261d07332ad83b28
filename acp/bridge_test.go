package acp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/agentbridge/errors"
	"github.com/m4xw311/agentbridge/hooks"
	"github.com/m4xw311/agentbridge/session"
	"github.com/m4xw311/agentbridge/wire"
)

// TestLocalToolFallback runs a turn with no client-side capabilities:
// tools execute on the bridge host and nothing terminal- or
// fs-related crosses the wire.
func TestLocalToolFallback(t *testing.T) {
	seeded := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(seeded, []byte("local file data"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	eng := &scriptEngine{script: []scriptTurn{{
		content: "all done",
		tools: []session.ToolCall{
			{ID: "call_1", Name: "execute_command", Args: map[string]any{"command": "echo hello"}},
			{ID: "call_2", Name: "read_file", Args: map[string]any{"path": seeded}},
		},
	}}}
	f := newFixture(t, eng, nil)
	tc, _ := f.connect()
	f.initClient(tc, ClientCapabilities{})
	tc.setHandler(allowOnceHandler(nil))

	id := f.newSession(tc, t.TempDir())
	tc.callOK("session/prompt", textPrompt(id, "run things"))

	if calls := tc.callsTo("terminal/"); len(calls) != 0 {
		t.Errorf("terminal methods crossed the wire without the capability: %+v", calls)
	}
	if calls := tc.callsTo("fs/"); len(calls) != 0 {
		t.Errorf("fs methods crossed the wire without the capability: %+v", calls)
	}
	if calls := tc.callsTo("session/request_permission"); len(calls) != 2 {
		t.Errorf("permission asked %d times, want 2", len(calls))
	}

	var echoOut, readOut bool
	for _, upd := range tc.snapshotUpdates() {
		if upd.Update["sessionUpdate"] != session.UpdateToolCallUpdate {
			continue
		}
		raw, _ := upd.Update["rawOutput"].(map[string]any)
		out, _ := raw["output"].(string)
		if strings.Contains(out, "hello") {
			echoOut = true
		}
		if strings.Contains(out, "local file data") {
			readOut = true
		}
	}
	if !echoOut {
		t.Errorf("echo output missing from tool updates")
	}
	if !readOut {
		t.Errorf("file content missing from tool updates")
	}
}

// TestBridgedTerminalTimeout covers the zero-timeout path: the wait
// expires immediately, the command is killed, partial output comes
// back marked as timed out, and the terminal is released exactly once.
func TestBridgedTerminalTimeout(t *testing.T) {
	eng := &scriptEngine{script: []scriptTurn{{
		content: "handled the timeout",
		tools: []session.ToolCall{{
			ID:   "call_1",
			Name: "execute_command",
			Args: map[string]any{"command": "sleep 999", "timeout_seconds": 0},
		}},
	}}}
	f := newFixture(t, eng, nil)
	tc, _ := f.connect()
	f.initClient(tc, ClientCapabilities{Terminal: true})

	var mu sync.Mutex
	waits, kills, releases := 0, 0, 0
	tc.setHandler(allowOnceHandler(func(method string, params json.RawMessage) (any, *wire.Error, bool) {
		mu.Lock()
		defer mu.Unlock()
		switch method {
		case "terminal/create":
			return map[string]any{"terminalId": "term_9"}, nil, true
		case "terminal/wait_for_exit":
			waits++
			if waits == 1 {
				// Still running; the bridge's deadline fires first.
				return nil, nil, false
			}
			return map[string]any{"signal": "SIGKILL"}, nil, true
		case "terminal/kill":
			kills++
			return nil, nil, true
		case "terminal/output":
			return map[string]any{"output": "partial out", "truncated": true}, nil, true
		case "terminal/release":
			releases++
			return nil, nil, true
		}
		return nil, wire.Errorf(wire.CodeMethodNotFound, "unexpected %s", method), true
	}))

	id := f.newSession(tc, "/w")
	tc.callOK("session/prompt", textPrompt(id, "run the slow one"))

	mu.Lock()
	gotWaits, gotKills, gotReleases := waits, kills, releases
	mu.Unlock()
	if gotKills != 1 {
		t.Errorf("kills = %d, want 1", gotKills)
	}
	if gotReleases != 1 {
		t.Errorf("releases = %d, want exactly 1", gotReleases)
	}
	if gotWaits != 2 {
		t.Errorf("waits = %d, want 2 (before and after kill)", gotWaits)
	}

	var sequence []string
	for _, call := range tc.callsTo("terminal/") {
		sequence = append(sequence, call.method)
	}
	want := []string{
		"terminal/create", "terminal/wait_for_exit", "terminal/kill",
		"terminal/wait_for_exit", "terminal/output", "terminal/release",
	}
	if len(sequence) != len(want) {
		t.Fatalf("terminal sequence = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("terminal sequence = %v, want %v", sequence, want)
		}
	}

	var sawTimeout bool
	for _, upd := range tc.snapshotUpdates() {
		if upd.Update["sessionUpdate"] != session.UpdateToolCallUpdate {
			continue
		}
		raw, _ := upd.Update["rawOutput"].(map[string]any)
		out, _ := raw["output"].(string)
		if strings.Contains(out, "timed out") && strings.Contains(out, "partial out") {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Errorf("tool update does not report the timeout with partial output")
	}
}

// TestDisconnectOrphansSession drops the client while a permission
// request is outstanding: the pending call fails as disconnected, the
// turn finishes headless, and a later connection can load the session
// with a full replay.
func TestDisconnectOrphansSession(t *testing.T) {
	eng := &scriptEngine{script: []scriptTurn{{
		content: "after the fact",
		tools: []session.ToolCall{{
			ID:   "call_1",
			Name: "execute_command",
			Args: map[string]any{"command": "echo hi"},
		}},
	}}}
	f := newFixture(t, eng, nil)
	tc, serveDone := f.connect()
	f.initClient(tc, ClientCapabilities{Terminal: true})

	permAsked := make(chan struct{}, 1)
	tc.setHandler(func(method string, params json.RawMessage) (any, *wire.Error, bool) {
		if method == "session/request_permission" {
			select {
			case permAsked <- struct{}{}:
			default:
			}
			return nil, nil, false
		}
		return nil, wire.Errorf(wire.CodeMethodNotFound, "unexpected %s", method), true
	})

	id := f.newSession(tc, "/w")
	tc.callAsync("session/prompt", textPrompt(id, "do the thing"))
	select {
	case <-permAsked:
	case <-time.After(2 * time.Second):
		t.Fatalf("permission request never arrived")
	}

	tc.disconnect()
	select {
	case err := <-serveDone:
		if err != nil {
			t.Fatalf("serve returned %v on client EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not end after disconnect")
	}

	sess, ok := f.reg.Get(id)
	if !ok {
		t.Fatalf("session vanished on disconnect")
	}
	if sess.Owner() != "" {
		t.Errorf("session owner = %q after disconnect, want orphaned", sess.Owner())
	}
	if sess.State() != session.StateIdle {
		t.Errorf("session state = %s, want idle after the headless turn", sess.State())
	}
	transcript := sess.Transcript()
	if len(transcript) != 3 {
		t.Fatalf("transcript rows = %d, want 3: %+v", len(transcript), transcript)
	}
	if transcript[1].ToolCalls[0].Status != session.ToolStatusRejected {
		t.Errorf("tool status = %q, want rejected on disconnect", transcript[1].ToolCalls[0].Status)
	}

	// A fresh connection adopts the orphan with a full replay.
	tc2, _ := f.connect()
	f.initClient(tc2, ClientCapabilities{})
	tc2.callOK("session/load", sessionLoadParams{SessionID: id})

	upds := tc2.snapshotUpdates()
	wantKinds := []string{
		session.UpdateUserMessageChunk,
		session.UpdateToolCall,
		session.UpdateToolCallUpdate,
		session.UpdateAgentMessageChunk,
		session.UpdateCurrentMode,
	}
	if len(upds) != len(wantKinds) {
		t.Fatalf("replay updates = %d, want %d: %+v", len(upds), len(wantKinds), upds)
	}
	for i, upd := range upds {
		if upd.Update["sessionUpdate"] != wantKinds[i] {
			t.Errorf("replay update %d = %v, want %s", i, upd.Update["sessionUpdate"], wantKinds[i])
		}
		if i > 0 && upds[i].Seq <= upds[i-1].Seq {
			t.Errorf("replay seq not increasing at %d: %d then %d", i, upds[i-1].Seq, upds[i].Seq)
		}
	}
	if status := upds[2].Update["status"]; status != session.ToolStatusRejected {
		t.Errorf("replayed tool status = %v, want rejected", status)
	}
	content, _ := upds[3].Update["content"].(map[string]any)
	if content["text"] != "after the fact" {
		t.Errorf("replayed agent text = %v", content["text"])
	}

	if sess.Owner() == "" {
		t.Errorf("session not adopted by the new connection")
	}
}

// TestPermissionDecisions covers once-answers, always-answers and the
// cancelled outcome across several turns on one session.
func TestPermissionDecisions(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out.txt")
	writeCall := func(id string) session.ToolCall {
		return session.ToolCall{
			ID:   id,
			Name: "write_file",
			Args: map[string]any{"path": target, "content": "dangerous"},
		}
	}
	eng := &scriptEngine{script: []scriptTurn{
		{content: "one", tools: []session.ToolCall{{ID: "call_1", Name: "execute_command", Args: map[string]any{"command": "echo one"}}}},
		{content: "two", tools: []session.ToolCall{{ID: "call_2", Name: "execute_command", Args: map[string]any{"command": "echo two"}}}},
		{content: "three", tools: []session.ToolCall{writeCall("call_3")}},
		{content: "four", tools: []session.ToolCall{writeCall("call_4")}},
		{content: "five", tools: []session.ToolCall{writeCall("call_5")}},
	}}
	f := newFixture(t, eng, nil)
	tc, _ := f.connect()
	f.initClient(tc, ClientCapabilities{})

	var mu sync.Mutex
	writeAsks := 0
	tc.setHandler(func(method string, params json.RawMessage) (any, *wire.Error, bool) {
		if method != "session/request_permission" {
			return nil, wire.Errorf(wire.CodeMethodNotFound, "unexpected %s", method), true
		}
		var p requestPermissionParams
		if err := json.Unmarshal(params, &p); err != nil {
			t.Errorf("bad permission params: %v", err)
			return nil, wire.Errorf(wire.CodeInvalidParams, "bad params"), true
		}
		if len(p.Options) != 4 || p.Options[0].OptionID != "opt_0" || p.Options[3].Kind != "reject_always" {
			t.Errorf("unexpected permission options: %+v", p.Options)
		}
		switch p.ToolCall.Title {
		case "execute_command":
			return map[string]any{"outcome": map[string]any{"outcome": "selected", "optionId": "opt_1"}}, nil, true
		case "write_file":
			mu.Lock()
			writeAsks++
			n := writeAsks
			mu.Unlock()
			if n == 1 {
				return map[string]any{"outcome": map[string]any{"outcome": "cancelled"}}, nil, true
			}
			return map[string]any{"outcome": map[string]any{"outcome": "selected", "optionId": "opt_3"}}, nil, true
		}
		t.Errorf("permission for unexpected tool %q", p.ToolCall.Title)
		return map[string]any{"outcome": map[string]any{"outcome": "cancelled"}}, nil, true
	})

	id := f.newSession(tc, t.TempDir())
	for i, text := range []string{"one", "two", "three", "four", "five"} {
		if res := tc.call("session/prompt", textPrompt(id, text)); res.Error != nil {
			t.Fatalf("prompt %d failed: %v", i+1, res.Error)
		}
	}

	perms := tc.callsTo("session/request_permission")
	if len(perms) != 3 {
		t.Errorf("permission requests = %d, want 3 (1 exec + 2 write)", len(perms))
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("rejected write mutated the filesystem")
	}

	completed, rejected := 0, 0
	for _, upd := range tc.snapshotUpdates() {
		if upd.Update["sessionUpdate"] != session.UpdateToolCallUpdate {
			continue
		}
		switch upd.Update["status"] {
		case session.ToolStatusCompleted:
			completed++
		case session.ToolStatusRejected:
			rejected++
		}
	}
	if completed != 2 {
		t.Errorf("completed tool updates = %d, want 2", completed)
	}
	if rejected != 3 {
		t.Errorf("rejected tool updates = %d, want 3", rejected)
	}
}

// TestPermissionDuplicateGuard rejects a second permission request for
// a tool call that already has one in flight.
func TestPermissionDuplicateGuard(t *testing.T) {
	f := newFixture(t, &scriptEngine{}, nil)
	ch := newPipeChannel()
	tc := newTestClient(t, ch)
	conn := newConnection(f.srv, ch)
	go func() { _ = conn.run(context.Background()) }()
	tc.callOK("initialize", initializeParams{ProtocolVersion: ProtocolVersion})

	held := make(chan struct{}, 1)
	tc.setHandler(func(method string, params json.RawMessage) (any, *wire.Error, bool) {
		if method == "session/request_permission" {
			select {
			case held <- struct{}{}:
			default:
			}
			return nil, nil, false
		}
		return nil, wire.Errorf(wire.CodeMethodNotFound, "unexpected %s", method), true
	})

	sess, err := f.reg.Create(context.Background(), session.EngineConfig{Engine: "mock"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	call := session.ToolCall{ID: "dup_1", Name: "execute_command"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := make(chan error, 1)
	go func() { first <- conn.askPermission(ctx, sess, call) }()
	select {
	case <-held:
	case <-time.After(2 * time.Second):
		t.Fatalf("first permission request never sent")
	}

	if err := conn.askPermission(context.Background(), sess, call); err == nil || !strings.Contains(err.Error(), "already open") {
		t.Errorf("duplicate permission request: err = %v, want already-open failure", err)
	}

	cancel()
	select {
	case err := <-first:
		if !errors.Is(err, session.ErrToolRejected) {
			t.Errorf("cancelled permission: err = %v, want ErrToolRejected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("held permission request never resolved")
	}
}

// TestBridgedFSGate verifies the undeclared write capability fails
// deterministically without touching the wire, while reads proxy to
// the client with no local fallback.
func TestBridgedFSGate(t *testing.T) {
	f := newFixture(t, &scriptEngine{}, nil)
	ch := newPipeChannel()
	tc := newTestClient(t, ch)
	conn := newConnection(f.srv, ch)
	go func() { _ = conn.run(context.Background()) }()

	caps := ClientCapabilities{}
	caps.FS.ReadTextFile = true
	tc.callOK("initialize", initializeParams{ProtocolVersion: ProtocolVersion, ClientCapabilities: caps})

	sess, err := f.reg.Create(context.Background(), session.EngineConfig{Engine: "mock"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	bridged := &BridgedFS{conn: conn, sess: sess}

	err = bridged.WriteTextFile(context.Background(), "/etc/motd", "boom")
	var rpcErr *wire.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != wire.CodeCapabilityUnavailable {
		t.Errorf("write without capability: err = %v, want CapabilityUnavailable", err)
	}
	if calls := tc.callsTo("fs/"); len(calls) != 0 {
		t.Errorf("gated write still crossed the wire: %+v", calls)
	}

	tc.setHandler(func(method string, params json.RawMessage) (any, *wire.Error, bool) {
		if method == "fs/read_text_file" {
			var p fsReadParams
			if err := json.Unmarshal(params, &p); err != nil || p.SessionID != sess.ID() {
				t.Errorf("read params = %s, err %v", params, err)
			}
			return map[string]any{"content": "from client"}, nil, true
		}
		return nil, wire.Errorf(wire.CodeMethodNotFound, "unexpected %s", method), true
	})
	got, err := bridged.ReadTextFile(context.Background(), "/workspace/main.go", 0, 0)
	if err != nil {
		t.Fatalf("bridged read: %v", err)
	}
	if got != "from client" {
		t.Errorf("bridged read = %q, want client content", got)
	}

	// A client-side failure surfaces as-is; the bridge never falls
	// back to its own disk.
	tc.setHandler(func(method string, params json.RawMessage) (any, *wire.Error, bool) {
		return nil, wire.Errorf(wire.CodeInternal, "client refused"), true
	})
	if _, err := bridged.ReadTextFile(context.Background(), "/workspace/main.go", 0, 0); err == nil || !strings.Contains(err.Error(), "client refused") {
		t.Errorf("client failure: err = %v, want the client error", err)
	}
}

// TestInjectInput drives a hook-sourced prompt without a client.
func TestInjectInput(t *testing.T) {
	eng := &scriptEngine{script: []scriptTurn{{content: "pong"}, {content: "ack"}}}
	f := newFixture(t, eng, nil)

	sess, err := f.reg.Create(context.Background(), session.EngineConfig{Engine: "mock"}, "solo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.srv.InjectInput(context.Background(), hooks.Input{Content: "ping"}); err != nil {
		t.Fatalf("InjectInput: %v", err)
	}
	transcript := sess.Transcript()
	if len(transcript) != 2 || transcript[0].Content != "ping" || transcript[1].Content != "pong" {
		t.Fatalf("transcript after inject = %+v", transcript)
	}
	if sess.Updates().Buffered() == 0 {
		t.Errorf("injected turn buffered no updates for later adoption")
	}

	if err := f.srv.InjectInput(context.Background(), hooks.Input{Content: "check disk", Role: "alert"}); err != nil {
		t.Fatalf("InjectInput with role: %v", err)
	}
	transcript = sess.Transcript()
	if transcript[2].Content != "[alert] check disk" {
		t.Errorf("role-wrapped content = %q", transcript[2].Content)
	}

	err = f.srv.InjectInput(context.Background(), hooks.Input{Content: "x", TargetSessionID: "sess_nope"})
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("bogus target: err = %v, want ErrNotFound", err)
	}

	empty := newFixture(t, &scriptEngine{}, nil)
	if err := empty.srv.InjectInput(context.Background(), hooks.Input{Content: "x"}); err == nil {
		t.Errorf("inject with no sessions should fail")
	}
}

// TestExtractUserText covers block flattening and resource expansion.
func TestExtractUserText(t *testing.T) {
	linked := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(linked, []byte("linked content"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	blocks := []contentBlock{
		{Type: "text", Text: "Please review"},
		{Type: "resource_link", URI: "file://" + linked, Name: "notes.txt"},
		{Type: "resource", Resource: &embeddedResource{URI: "mem://ctx", Text: "embedded body"}},
	}

	got := extractUserText(blocks, true)
	for _, want := range []string{"Please review", "=== Resource: notes.txt ===", "linked content", "embedded body"} {
		if !strings.Contains(got, want) {
			t.Errorf("embedded-enabled text missing %q:\n%s", want, got)
		}
	}

	got = extractUserText(blocks, false)
	if strings.Contains(got, "embedded body") {
		t.Errorf("embedded resource included despite the capability being off")
	}

	got = extractUserText([]contentBlock{{Type: "resource_link", URI: "https://example.com/doc", Name: "doc"}}, false)
	if !strings.Contains(got, "[resource not readable") {
		t.Errorf("non-file resource link should render as unreadable, got:\n%s", got)
	}

	if got := extractUserText(nil, true); got != "" {
		t.Errorf("empty prompt produced %q", got)
	}
}
