package hooks

import (
	"context"
	"time"

	"pkt.systems/pslog"
)

// Injector delivers one hook input into a session.
type Injector func(ctx context.Context, in Input) error

// Runner drives a registry: it polls input hooks on an interval (or
// earlier when a hook wakes it) and hands collected inputs to the
// injector.
type Runner struct {
	reg      *Registry
	inject   Injector
	interval time.Duration
	log      pslog.Logger
}

func NewRunner(reg *Registry, inject Injector, interval time.Duration, log pslog.Logger) *Runner {
	if log == nil {
		log = pslog.NoopLogger()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Runner{
		reg:      reg,
		inject:   inject,
		interval: interval,
		log:      log.With("svc", "hookrunner"),
	}
}

// Run starts all hooks and polls until ctx is cancelled. It always
// stops the hooks before returning.
func (r *Runner) Run(ctx context.Context) error {
	r.reg.StartAll(ctx)
	defer r.reg.StopAll()

	wake := mergeWakes(ctx, r.reg.Wakers())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
		r.pollOnce(ctx)
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	for _, in := range r.reg.PollInputs(ctx) {
		if err := r.inject(ctx, in); err != nil {
			r.log.Error("failed to inject hook input",
				"session", in.TargetSessionID, "error", err)
		}
	}
}

// mergeWakes fans several wake channels into one, coalescing bursts.
func mergeWakes(ctx context.Context, chans []<-chan struct{}) <-chan struct{} {
	merged := make(chan struct{}, 1)
	for _, ch := range chans {
		go func(ch <-chan struct{}) {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- struct{}{}:
					default:
					}
				}
			}
		}(ch)
	}
	return merged
}
