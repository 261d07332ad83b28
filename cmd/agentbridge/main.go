// Command agentbridge runs the agent side of the Agent Client Protocol.
//
// By default it serves a single editor over stdio, which is how most
// clients spawn it. With --listen (or listen: in the config file) it
// serves WebSocket and HTTP event-stream clients on a TCP address
// instead, multiplexing any number of concurrent connections over one
// shared session registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/m4xw311/agentbridge/acp"
	"github.com/m4xw311/agentbridge/config"
	"github.com/m4xw311/agentbridge/engine"
	"github.com/m4xw311/agentbridge/errors"
	"github.com/m4xw311/agentbridge/hooks"
	"github.com/m4xw311/agentbridge/session"
	"github.com/m4xw311/agentbridge/tools"
	"github.com/m4xw311/agentbridge/transport"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	// Logs must never touch stdout: in stdio mode the protocol owns it.
	log := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("AGENTBRIDGE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "agentbridge")

	ctx = withSignalCancel(ctx)
	cmd := newRootCommand(log)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "agentbridge: %v\n", err)
		}
		return 1
	}
	return 0
}

type options struct {
	configPath string
	listen     string
	engineName string
	model      string
	sessionDir string
	toolset    string
	logLevel   string
}

func newRootCommand(log pslog.Logger) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "agentbridge",
		Short:         "agentbridge exposes AI agent sessions to editors over the Agent Client Protocol",
		SilenceErrors: true,
		Example: `
  # serve one editor over stdio (how clients usually spawn the bridge)
  agentbridge

  # serve WebSocket and event-stream clients on a TCP address
  agentbridge --listen 127.0.0.1:7821

  # run against a real engine with a restricted toolset
  ANTHROPIC_API_KEY=... agentbridge --engine anthropic --toolset minimal
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runBridge(cmd.Context(), log, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (default: layered .agentbridge/config.yaml lookup)")
	flags.StringVar(&opts.listen, "listen", "", "TCP listen address for WebSocket/HTTP clients (empty serves stdio)")
	flags.StringVar(&opts.engineName, "engine", "", "engine backend (mock, anthropic, openai, bedrock, gemini)")
	flags.StringVar(&opts.model, "model", "", "model identifier passed to the engine")
	flags.StringVar(&opts.sessionDir, "sessions-dir", "", "directory for persisted session state")
	flags.StringVar(&opts.toolset, "toolset", "", "named toolset from the config restricting local tools")
	flags.StringVar(&opts.logLevel, "log-level", "", "minimum log level (trace, debug, info, warn, error)")
	return cmd
}

// loadBridgeConfig resolves the effective configuration: an explicit
// --config file or the layered lookup, then flag overrides on top.
func loadBridgeConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadConfigFile(opts.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}
	if opts.engineName != "" {
		cfg.Engine = opts.engineName
	}
	if opts.model != "" {
		cfg.Model = opts.model
	}
	if opts.sessionDir != "" {
		cfg.SessionDir = opts.sessionDir
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	return cfg, nil
}

func runBridge(ctx context.Context, log pslog.Logger, opts *options) error {
	cfg, err := loadBridgeConfig(opts)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		level, ok := pslog.ParseLevel(opts.logLevel)
		if !ok {
			return errors.New("unknown log level %q", opts.logLevel)
		}
		log = log.LogLevel(level)
	}

	stdio := cfg.Listen == ""

	// Claim the real stdout before constructing anything that might
	// print. Engine SDKs and tool subprocesses write through the filter
	// to stderr; only protocol frames reach the editor.
	var protoOut *os.File
	if stdio {
		out, restore, err := transport.IsolateStdout()
		if err != nil {
			return errors.Wrapf(err, "isolate stdout")
		}
		defer restore()
		protoOut = out
	}

	toolReg := tools.NewToolRegistry(cfg)
	active, err := tools.GetActiveTools(toolReg.All(), cfg.GetToolset(opts.toolset))
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg, active, log)
	if err != nil {
		return err
	}
	store, err := session.NewStore(cfg.SessionDir)
	if err != nil {
		return err
	}
	sessions := session.NewRegistry(eng, store, cfg.UpdateBuffer, log)
	defer sessions.Close()

	hookReg := hooks.NewRegistry(log)
	if cfg.Hooks.InboxDir != "" {
		if err := hookReg.Register(hooks.NewFileInboxHook(cfg.Hooks.InboxDir, log)); err != nil {
			return err
		}
	}
	if cfg.Hooks.OutboxFile != "" {
		if err := hookReg.Register(hooks.NewFileOutboxHook(cfg.Hooks.OutboxFile)); err != nil {
			return err
		}
	}

	srv := acp.NewServer(cfg, sessions, hookReg, log)

	if cfg.Hooks.InboxDir != "" {
		runner := hooks.NewRunner(hookReg, srv.InjectInput, cfg.Hooks.PollInterval(), log)
		go func() {
			if err := runner.Run(ctx); err != nil && err != context.Canceled {
				log.Warn("hook runner stopped", "error", err)
			}
		}()
	}

	mode := "stdio"
	if !stdio {
		mode = cfg.Listen
	}
	log.Info("bridge ready", "engine", cfg.Engine, "sessions_dir", cfg.SessionDir, "transport", mode)

	if stdio {
		return srv.Serve(ctx, transport.NewStdio(os.Stdin, protoOut))
	}
	return serveListener(ctx, srv, cfg.Listen, log)
}

// serveListener accepts network channels until ctx is cancelled. Each
// channel gets its own serve goroutine; shutdown waits for all of them
// so sessions orphan cleanly before the registry closes.
func serveListener(ctx context.Context, srv *acp.Server, addr string, log pslog.Logger) error {
	ts := transport.NewServer(addr, log)
	errc := make(chan error, 1)
	go func() { errc <- ts.ListenAndServe() }()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			ts.Close()
			<-errc
			wg.Wait()
			return nil
		case err := <-errc:
			wg.Wait()
			return err
		case ch := <-ts.Accept():
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.Serve(ctx, ch); err != nil {
					log.Warn("connection failed", "remote", ch.Remote(), "error", err)
				}
			}()
		}
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
