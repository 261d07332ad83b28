// Package hooks lets deployments extend the bridge with external
// inputs and outputs without touching the core server.
package hooks

import (
	"context"
	"sync"

	"github.com/m4xw311/agentbridge/errors"
	"pkt.systems/pslog"
)

// Event names dispatched to output hooks.
const (
	EventSessionCreated = "session:created"
	EventSessionDeleted = "session:deleted"
	EventTurnCompleted  = "turn:completed"
	EventSessionErrored = "session:errored"
)

// Input is one item an input hook wants injected into a session.
// An empty TargetSessionID leaves the choice to the injector.
type Input struct {
	Content         string `json:"content"`
	TargetSessionID string `json:"session_id,omitempty"`
	Role            string `json:"role,omitempty"`
}

// Hook is the common lifecycle of every hook.
type Hook interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// InputHook injects external inputs into sessions.
type InputHook interface {
	Hook
	Poll(ctx context.Context) ([]Input, error)
}

// OutputHook processes session events to external destinations.
type OutputHook interface {
	Hook
	Wants(event string, data map[string]any) bool
	Send(ctx context.Context, event string, data map[string]any) error
}

// Waker is implemented by input hooks that can signal new work ahead
// of the next poll interval.
type Waker interface {
	Wake() <-chan struct{}
}

// Registry manages hook lifecycle and fans events out to them. A
// misbehaving hook never takes the registry down: errors and panics
// are logged and isolated per hook.
type Registry struct {
	mu      sync.Mutex
	hooks   map[string]Hook
	inputs  []InputHook
	outputs []OutputHook
	log     pslog.Logger
}

func NewRegistry(log pslog.Logger) *Registry {
	if log == nil {
		log = pslog.NoopLogger()
	}
	return &Registry{
		hooks: make(map[string]Hook),
		log:   log.With("svc", "hooks"),
	}
}

// Register adds a hook. Registering two hooks with the same name is an
// error.
func (r *Registry) Register(h Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[h.Name()]; exists {
		return errors.New("hook already registered: %s", h.Name())
	}
	r.hooks[h.Name()] = h
	if in, ok := h.(InputHook); ok {
		r.inputs = append(r.inputs, in)
	}
	if out, ok := h.(OutputHook); ok {
		r.outputs = append(r.outputs, out)
	}
	r.log.Debug("hook registered", "hook", h.Name())
	return nil
}

// Unregister removes a hook by name. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hooks[name]
	if !ok {
		return
	}
	delete(r.hooks, name)
	for i, in := range r.inputs {
		if Hook(in) == h {
			r.inputs = append(r.inputs[:i], r.inputs[i+1:]...)
			break
		}
	}
	for i, out := range r.outputs {
		if Hook(out) == h {
			r.outputs = append(r.outputs[:i], r.outputs[i+1:]...)
			break
		}
	}
}

// StartAll starts every hook. A hook that fails to start is logged and
// skipped; the others still run.
func (r *Registry) StartAll(ctx context.Context) {
	for _, h := range r.snapshot() {
		if err := r.guard(h.Name(), "start", func() error { return h.Start(ctx) }); err != nil {
			r.log.Error("hook start failed", "hook", h.Name(), "error", err)
		}
	}
}

// StopAll stops every hook, logging failures.
func (r *Registry) StopAll() {
	for _, h := range r.snapshot() {
		if err := r.guard(h.Name(), "stop", h.Stop); err != nil {
			r.log.Error("hook stop failed", "hook", h.Name(), "error", err)
		}
	}
}

// PollInputs collects pending inputs from every input hook. A hook
// that errors contributes nothing this round.
func (r *Registry) PollInputs(ctx context.Context) []Input {
	r.mu.Lock()
	inputs := make([]InputHook, len(r.inputs))
	copy(inputs, r.inputs)
	r.mu.Unlock()

	var collected []Input
	for _, h := range inputs {
		var items []Input
		err := r.guard(h.Name(), "poll", func() error {
			var pollErr error
			items, pollErr = h.Poll(ctx)
			return pollErr
		})
		if err != nil {
			r.log.Error("input hook poll failed", "hook", h.Name(), "error", err)
			continue
		}
		collected = append(collected, items...)
	}
	return collected
}

// Dispatch fans an event to every output hook that wants it. The
// result maps hook name to delivery success.
func (r *Registry) Dispatch(ctx context.Context, event string, data map[string]any) map[string]bool {
	r.mu.Lock()
	outputs := make([]OutputHook, len(r.outputs))
	copy(outputs, r.outputs)
	r.mu.Unlock()

	results := make(map[string]bool)
	for _, h := range outputs {
		wants := false
		if err := r.guard(h.Name(), "filter", func() error {
			wants = h.Wants(event, data)
			return nil
		}); err != nil {
			results[h.Name()] = false
			continue
		}
		if !wants {
			continue
		}
		err := r.guard(h.Name(), "send", func() error { return h.Send(ctx, event, data) })
		if err != nil {
			r.log.Error("output hook send failed", "hook", h.Name(), "event", event, "error", err)
		}
		results[h.Name()] = err == nil
	}
	return results
}

// Wakers returns the wake channels of input hooks that provide one.
func (r *Registry) Wakers() []<-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var chans []<-chan struct{}
	for _, in := range r.inputs {
		if w, ok := in.(Waker); ok {
			chans = append(chans, w.Wake())
		}
	}
	return chans
}

func (r *Registry) snapshot() []Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, h)
	}
	return out
}

// guard runs fn, converting a panic into an error so one hook cannot
// crash the registry.
func (r *Registry) guard(hook, op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New("hook %s panicked during %s: %v", hook, op, rec)
		}
	}()
	return fn()
}
