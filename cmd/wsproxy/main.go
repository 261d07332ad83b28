// Command wsproxy fronts a stdio bridge with a WebSocket endpoint.
// Each connecting client gets its own agent subprocess; frames pass
// through untouched in both directions, so the proxy needs no protocol
// knowledge. Subprocess stderr goes to the proxy log, never to the
// client.
//
// The command to spawn follows the flags:
//
//	wsproxy -listen :8080 -- agentbridge --engine anthropic
package main

import (
	"bufio"
	"flag"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/m4xw311/agentbridge/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	listen := flag.String("listen", ":8080", "listen address for the WebSocket endpoint")
	flag.Parse()

	log := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("WSPROXY_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "wsproxy")

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"agentbridge"}
	}

	http.HandleFunc("/ws", handleWS(args, log))
	log.Info("listening", "addr", *listen, "command", args[0])
	if err := http.ListenAndServe(*listen, nil); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func handleWS(cmdArgs []string, log pslog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer conn.Close()
		log := log.With("remote", r.RemoteAddr)

		cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			log.Error("stdin pipe", "error", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Error("stdout pipe", "error", err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			log.Error("stderr pipe", "error", err)
			return
		}
		if err := cmd.Start(); err != nil {
			log.Error("start agent", "command", cmdArgs[0], "error", err)
			return
		}
		log.Info("agent started", "pid", cmd.Process.Pid)

		// Agent stdout carries complete protocol frames, one per line.
		// Forward them verbatim; the single writer needs no lock.
		stdoutDone := make(chan struct{})
		go func() {
			defer close(stdoutDone)
			scanner := bufio.NewScanner(stdout)
			scanner.Buffer(make([]byte, 64*1024), transport.MaxFrameSize)
			for scanner.Scan() {
				if err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes()); err != nil {
					log.Warn("frame write failed", "error", err)
					return
				}
			}
			if err := scanner.Err(); err != nil {
				log.Warn("agent stdout closed", "error", err)
			}
		}()

		// Stderr is diagnostics, not protocol.
		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				log.Debug("agent stderr", "line", scanner.Text())
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn("client read failed", "error", err)
				}
				break
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Warn("agent stdin write failed", "error", err)
				break
			}
		}

		// Closing stdin lets the agent exit on its own; kill it if it
		// lingers past the grace period.
		stdin.Close()
		<-stdoutDone
		reap(cmd, 5*time.Second, log)
	}
}

func reap(cmd *exec.Cmd, grace time.Duration, log pslog.Logger) {
	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	select {
	case err := <-waited:
		if err != nil {
			log.Info("agent exited", "error", err)
		}
	case <-time.After(grace):
		log.Warn("agent did not exit, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-waited
	}
}
