// Package transport frames JSON-RPC traffic over stdio, WebSocket and
// HTTP event streams. Every transport yields the same Channel so the
// protocol layer never cares how a client connected.
package transport

import (
	"time"

	"github.com/m4xw311/agentbridge/errors"
)

const (
	// MaxFrameSize bounds a single inbound protocol frame.
	MaxFrameSize = 10 << 20

	pingInterval      = 30 * time.Second
	readDeadline      = 60 * time.Second
	writeDeadline     = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	sendBuffer        = 256
)

// ErrClosed is returned by Send and Recv after a channel shut down.
var ErrClosed = errors.Sentinel("transport channel closed")

// Channel is a single framed message stream to one connected peer.
// Frames are complete JSON documents without the trailing newline.
type Channel interface {
	// Recv blocks for the next inbound frame. It returns io.EOF after
	// an orderly shutdown by the peer. Only one goroutine may call it.
	Recv() ([]byte, error)
	// Send writes one outbound frame. Safe for concurrent use.
	Send(data []byte) error
	// Close tears the channel down. Pending Sends fail with ErrClosed.
	Close() error
	// Kind names the transport, for logs.
	Kind() string
	// Remote describes the peer, for logs.
	Remote() string
}
