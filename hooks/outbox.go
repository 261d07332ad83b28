package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/m4xw311/agentbridge/errors"
)

// FileOutboxHook appends session events to a file as JSON lines.
type FileOutboxHook struct {
	mu   sync.Mutex
	path string
	only map[string]bool
}

// NewFileOutboxHook writes to path. With no event names given every
// event is recorded; otherwise only the named ones.
func NewFileOutboxHook(path string, events ...string) *FileOutboxHook {
	h := &FileOutboxHook{path: path}
	if len(events) > 0 {
		h.only = make(map[string]bool, len(events))
		for _, ev := range events {
			h.only[ev] = true
		}
	}
	return h
}

func (h *FileOutboxHook) Name() string { return "file_outbox" }

func (h *FileOutboxHook) Start(ctx context.Context) error {
	if dir := filepath.Dir(h.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create outbox directory %s", dir)
		}
	}
	return nil
}

func (h *FileOutboxHook) Stop() error { return nil }

func (h *FileOutboxHook) Wants(event string, data map[string]any) bool {
	return h.only == nil || h.only[event]
}

func (h *FileOutboxHook) Send(ctx context.Context, event string, data map[string]any) error {
	record := map[string]any{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"event": event,
		"data":  data,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return errors.Wrapf(err, "failed to encode outbox record")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open outbox file %s", h.path)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrapf(err, "failed to append to outbox file %s", h.path)
	}
	return nil
}
