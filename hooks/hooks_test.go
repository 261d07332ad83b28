package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type stubInput struct {
	name   string
	items  []Input
	err    error
	panics bool
}

func (s *stubInput) Name() string                    { return s.name }
func (s *stubInput) Start(ctx context.Context) error { return nil }
func (s *stubInput) Stop() error                     { return nil }

func (s *stubInput) Poll(ctx context.Context) ([]Input, error) {
	if s.panics {
		panic("poll exploded")
	}
	items := s.items
	s.items = nil
	return items, s.err
}

type stubOutput struct {
	name   string
	wants  bool
	err    error
	panics bool
	events []string
}

func (s *stubOutput) Name() string                    { return s.name }
func (s *stubOutput) Start(ctx context.Context) error { return nil }
func (s *stubOutput) Stop() error                     { return nil }

func (s *stubOutput) Wants(event string, data map[string]any) bool { return s.wants }

func (s *stubOutput) Send(ctx context.Context, event string, data map[string]any) error {
	if s.panics {
		panic("send exploded")
	}
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register(&stubInput{name: "inbox"}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := reg.Register(&stubOutput{name: "inbox"}); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
}

func TestPollInputsIsolatesFailures(t *testing.T) {
	reg := NewRegistry(nil)
	bad := &stubInput{name: "bad", panics: true}
	good := &stubInput{name: "good", items: []Input{{Content: "hello"}, {Content: "world"}}}
	for _, h := range []Hook{bad, good} {
		if err := reg.Register(h); err != nil {
			t.Fatalf("register %s: %v", h.Name(), err)
		}
	}

	got := reg.PollInputs(context.Background())
	if len(got) != 2 {
		t.Fatalf("expected 2 inputs from the healthy hook, got %d", len(got))
	}
	if got[0].Content != "hello" || got[1].Content != "world" {
		t.Errorf("unexpected inputs: %+v", got)
	}
}

func TestDispatchReportsPerHookOutcome(t *testing.T) {
	reg := NewRegistry(nil)
	ok := &stubOutput{name: "ok", wants: true}
	failing := &stubOutput{name: "failing", wants: true, err: os.ErrClosed}
	panicking := &stubOutput{name: "panicking", wants: true, panics: true}
	silent := &stubOutput{name: "silent", wants: false}
	for _, h := range []Hook{ok, failing, panicking, silent} {
		if err := reg.Register(h); err != nil {
			t.Fatalf("register %s: %v", h.Name(), err)
		}
	}

	results := reg.Dispatch(context.Background(), EventTurnCompleted, map[string]any{"session": "s1"})

	if !results["ok"] {
		t.Error("healthy hook should report success")
	}
	if results["failing"] {
		t.Error("failing hook should report false")
	}
	if results["panicking"] {
		t.Error("panicking hook should report false")
	}
	if _, present := results["silent"]; present {
		t.Error("uninterested hook should not appear in results")
	}
	if len(ok.events) != 1 || ok.events[0] != EventTurnCompleted {
		t.Errorf("healthy hook saw events %v", ok.events)
	}
}

func TestFileInboxConsumesDrops(t *testing.T) {
	dir := t.TempDir()
	writeFile := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	writeFile("b.txt", "  plain prompt\n")
	writeFile("a.json", `{"content":"routed prompt","session_id":"sess_1","role":"system"}`)
	writeFile("broken.json", `{nope`)
	writeFile("ignored.md", "not an inbox file")

	hook := NewFileInboxHook(dir, nil)
	inputs, err := hook.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(inputs) != 2 {
		t.Fatalf("expected 2 inputs, got %d: %+v", len(inputs), inputs)
	}
	if inputs[0].Content != "routed prompt" || inputs[0].TargetSessionID != "sess_1" || inputs[0].Role != "system" {
		t.Errorf("unexpected json input: %+v", inputs[0])
	}
	if inputs[1].Content != "plain prompt" || inputs[1].Role != "user" {
		t.Errorf("unexpected txt input: %+v", inputs[1])
	}

	for _, name := range []string{"a.json", "b.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("consumed file %s still present", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "broken.json.rejected")); err != nil {
		t.Errorf("malformed file was not set aside: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ignored.md")); err != nil {
		t.Errorf("unrelated file should be untouched: %v", err)
	}
}

func TestFileInboxWakesOnDrop(t *testing.T) {
	dir := t.TempDir()
	hook := NewFileInboxHook(dir, nil)
	if err := hook.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer hook.Stop()

	if err := os.WriteFile(filepath.Join(dir, "drop.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write drop: %v", err)
	}
	select {
	case <-hook.Wake():
	case <-time.After(2 * time.Second):
		t.Fatal("no wake signal after inbox drop")
	}
}

func TestFileOutboxAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "outbox.jsonl")
	hook := NewFileOutboxHook(path)
	if err := hook.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	ctx := context.Background()
	if err := hook.Send(ctx, EventSessionCreated, map[string]any{"session": "s1"}); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if err := hook.Send(ctx, EventTurnCompleted, map[string]any{"session": "s1", "stop": "end_turn"}); err != nil {
		t.Fatalf("second send failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not JSON: %v", err)
	}
	if first["event"] != EventSessionCreated {
		t.Errorf("first event = %v, want %s", first["event"], EventSessionCreated)
	}
	if _, ok := first["time"].(string); !ok {
		t.Error("record missing time field")
	}
}

func TestFileOutboxEventFilter(t *testing.T) {
	hook := NewFileOutboxHook("unused.jsonl", EventSessionErrored)
	if hook.Wants(EventTurnCompleted, nil) {
		t.Error("filtered hook should not want other events")
	}
	if !hook.Wants(EventSessionErrored, nil) {
		t.Error("filtered hook should want its named event")
	}
}

func TestRunnerInjectsPolledInputs(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register(&stubInput{name: "stub", items: []Input{{Content: "from hook", TargetSessionID: "s9"}}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	got := make(chan Input, 1)
	inject := func(ctx context.Context, in Input) error {
		select {
		case got <- in:
		default:
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := NewRunner(reg, inject, 10*time.Millisecond, nil)
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	select {
	case in := <-got:
		if in.Content != "from hook" || in.TargetSessionID != "s9" {
			t.Errorf("unexpected input: %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner never injected the polled input")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on cancellation")
	}
}
