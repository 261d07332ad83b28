package transport

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// StdioChannel speaks newline-delimited JSON over a reader/writer
// pair, normally the process stdin and stdout. Output frames always
// end in a single LF; input accepts CRLF and a leading BOM and skips
// blank lines.
type StdioChannel struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	w       io.Writer
	closed  bool
}

// NewStdio wraps r and w in a channel. The channel does not own the
// streams; closing it only stops further sends.
func NewStdio(r io.Reader, w io.Writer) *StdioChannel {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize)
	return &StdioChannel{scanner: scanner, w: w}
}

func (c *StdioChannel) Recv() ([]byte, error) {
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		line = bytes.TrimPrefix(line, utf8BOM)
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer on the next Scan.
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (c *StdioChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	// One Write per frame keeps a crash from leaving half a line.
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	_, err := c.w.Write(frame)
	return err
}

func (c *StdioChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *StdioChannel) Kind() string   { return "stdio" }
func (c *StdioChannel) Remote() string { return "stdio" }
