package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"pkt.systems/pslog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts protocol channels over the network. It serves three
// endpoints on one address:
//
//	GET  /ws      WebSocket, full duplex JSON frames
//	GET  /events  event stream carrying all server-to-client frames
//	POST /rpc     client-to-server frames, paired to an event stream
//	              by the X-Connection-Id header (or ?connection=)
//
// An /events response opens with a "connection" event announcing the
// id the client must echo on its POSTs.
type Server struct {
	addr    string
	log     pslog.Logger
	httpSrv *http.Server
	accept  chan Channel
	done    chan struct{}

	mu      sync.Mutex
	streams map[string]*httpChannel
}

func NewServer(addr string, log pslog.Logger) *Server {
	if log == nil {
		log = pslog.NoopLogger()
	}
	s := &Server{
		addr:    addr,
		log:     log.With("svc", "transport"),
		accept:  make(chan Channel),
		done:    make(chan struct{}),
		streams: make(map[string]*httpChannel),
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/rpc", s.handleRPC)
	return mux
}

// Accept yields one Channel per connecting client. The caller owns the
// channel and must serve it on its own goroutine.
func (s *Server) Accept() <-chan Channel { return s.accept }

// ListenAndServe blocks until Close. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", "addr", s.addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	close(s.done)
	s.mu.Lock()
	for _, ch := range s.streams {
		ch.Close()
	}
	s.mu.Unlock()
	return s.httpSrv.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ch := newWSChannel(conn)
	s.log.Info("websocket client connected", "remote", r.RemoteAddr)
	select {
	case s.accept <- ch:
	case <-s.done:
		ch.Close()
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := xid.New().String()
	ch := newHTTPChannel(id, r.RemoteAddr)
	s.mu.Lock()
	s.streams[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
		ch.Close()
		s.log.Info("event stream closed", "connection", id)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	fmt.Fprintf(w, "event: connection\ndata: {\"connectionId\":%q}\n\n", id)
	flusher.Flush()
	s.log.Info("event stream opened", "connection", id, "remote", r.RemoteAddr)

	select {
	case s.accept <- ch:
	case <-r.Context().Done():
		return
	case <-s.done:
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ch.done:
			return
		case msg := <-ch.outbound:
			// Frames are single-line JSON, safe inside one data field.
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.Header.Get("X-Connection-Id")
	if id == "" {
		id = r.URL.Query().Get("connection")
	}
	if id == "" {
		http.Error(w, "missing connection id", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	ch, ok := s.streams[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxFrameSize))
	if err != nil {
		http.Error(w, "request too large", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty frame", http.StatusBadRequest)
		return
	}
	if err := ch.deliver(r.Context(), body); err != nil {
		http.Error(w, "connection gone", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// httpChannel pairs a POST ingress with an event-stream egress.
type httpChannel struct {
	id        string
	remote    string
	inbound   chan []byte
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newHTTPChannel(id, remote string) *httpChannel {
	return &httpChannel{
		id:       id,
		remote:   remote,
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *httpChannel) Recv() ([]byte, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *httpChannel) Send(data []byte) error {
	select {
	case c.outbound <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *httpChannel) deliver(ctx context.Context, data []byte) error {
	select {
	case c.inbound <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *httpChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *httpChannel) Kind() string   { return "http" }
func (c *httpChannel) Remote() string { return c.remote }
