package wire

import (
	"fmt"
	"sync"

	"github.com/m4xw311/agentbridge/errors"
)

var (
	// ErrClosed is returned by Register after FailAll has run.
	ErrClosed = errors.Sentinel("pending table closed")
	// ErrDuplicateID is returned when a request id is already in flight.
	ErrDuplicateID = errors.Sentinel("duplicate request id")
)

// PendingTable correlates outbound requests with their eventual
// responses. Each registered id owns a single-use waiter channel; a
// response resolves at most one waiter, and a disconnect fails every
// outstanding waiter at once.
type PendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan *Response
	closed  bool
}

// NewPendingTable returns an empty table ready for use.
func NewPendingTable() *PendingTable {
	return &PendingTable{waiters: make(map[string]chan *Response)}
}

// Register allocates a waiter for an outbound request id. The returned
// channel delivers exactly one response.
func (t *PendingTable) Register(id string) (<-chan *Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if _, ok := t.waiters[id]; ok {
		return nil, ErrDuplicateID
	}
	ch := make(chan *Response, 1)
	t.waiters[id] = ch
	return ch, nil
}

// Resolve routes a response to its waiter. The id is normalized through
// fmt.Sprint because JSON decoding widens numeric ids. Returns false
// for unknown or already resolved ids so callers can log and move on.
func (t *PendingTable) Resolve(id any, resp *Response) bool {
	key := fmt.Sprint(id)
	t.mu.Lock()
	ch, ok := t.waiters[key]
	if ok {
		delete(t.waiters, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Fail resolves a single waiter with an error response.
func (t *PendingTable) Fail(id string, rpcErr *Error) bool {
	return t.Resolve(id, NewErrorResponse(id, rpcErr))
}

// Forget drops a waiter without resolving it. Used when the caller
// stopped waiting on its own, typically a context timeout.
func (t *PendingTable) Forget(id string) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

// FailAll resolves every outstanding waiter with the given error and
// closes the table. Register calls made afterwards return ErrClosed.
func (t *PendingTable) FailAll(rpcErr *Error) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = make(map[string]chan *Response)
	t.closed = true
	t.mu.Unlock()
	for id, ch := range waiters {
		ch <- NewErrorResponse(id, rpcErr)
	}
}

// Outstanding reports the number of unresolved requests.
func (t *PendingTable) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
