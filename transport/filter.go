package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sync"
)

const filterMarker = "[agentbridge] "

// Filter is a stdout guard for stdio transport. Complete lines that
// are valid JSON objects pass through to the protocol stream; anything
// else, a stray print from a library or a tool, is diverted to the
// diagnostic stream with a marker prefix so it cannot corrupt the
// protocol. Blank lines are dropped.
type Filter struct {
	mu   sync.Mutex
	out  io.Writer
	diag io.Writer
	buf  []byte
}

func NewFilter(out, diag io.Writer) *Filter {
	return &Filter{out: out, diag: diag}
}

func (f *Filter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = append(f.buf, p...)
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := f.buf[:idx]
		f.buf = f.buf[idx+1:]
		f.route(line)
	}
	return len(p), nil
}

func (f *Filter) route(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}
	if trimmed[0] == '{' && json.Valid(trimmed) {
		f.out.Write(append(trimmed, '\n'))
		return
	}
	f.diag.Write(append([]byte(filterMarker), append(line, '\n')...))
}

// Flush diverts any unterminated tail to the diagnostic stream.
func (f *Filter) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) > 0 {
		f.diag.Write(append([]byte(filterMarker), append(f.buf, '\n')...))
		f.buf = nil
	}
}

// IsolateStdout reserves the real stdout for protocol frames. It swaps
// os.Stdout for a pipe drained through a Filter, so code that prints
// via fmt or os.Stdout lands on stderr instead of inside the protocol
// stream. It returns the real stdout for exclusive protocol use and a
// restore function.
//
// Install this before constructing anything that might print.
func IsolateStdout() (*os.File, func(), error) {
	real := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	os.Stdout = w

	filter := NewFilter(real, os.Stderr)
	done := make(chan struct{})
	go func() {
		defer close(done)
		io.Copy(filter, r)
		filter.Flush()
	}()

	restore := func() {
		os.Stdout = real
		w.Close()
		<-done
		r.Close()
	}
	return real, restore, nil
}
