package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/m4xw311/agentbridge/errors"
	"pkt.systems/pslog"
)

// FileInboxHook turns files dropped into a directory into session
// inputs. A .txt file becomes a user prompt with the file contents; a
// .json file carries {"content", "session_id", "role"}. Consumed files
// are deleted, malformed ones renamed with a .rejected suffix.
//
// Writers should create files elsewhere and rename them into the inbox
// so a scan never sees a partial write.
type FileInboxHook struct {
	dir     string
	log     pslog.Logger
	watcher *fsnotify.Watcher
	wake    chan struct{}
	done    chan struct{}
}

func NewFileInboxHook(dir string, log pslog.Logger) *FileInboxHook {
	if log == nil {
		log = pslog.NoopLogger()
	}
	return &FileInboxHook{
		dir:  dir,
		log:  log.With("svc", "file_inbox"),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (h *FileInboxHook) Name() string { return "file_inbox" }

// Start creates the inbox directory and begins watching it. When the
// platform watcher is unavailable the hook still works through the
// runner's interval polling, just without early wakeups.
func (h *FileInboxHook) Start(ctx context.Context) error {
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create inbox directory %s", h.dir)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		h.log.Warn("filesystem watcher unavailable, falling back to interval polling", "error", err)
		return nil
	}
	if err := watcher.Add(h.dir); err != nil {
		watcher.Close()
		h.log.Warn("failed to watch inbox directory, falling back to interval polling", "dir", h.dir, "error", err)
		return nil
	}
	h.watcher = watcher
	go h.watch()
	h.log.Info("inbox watching", "dir", h.dir)
	return nil
}

func (h *FileInboxHook) Stop() error {
	close(h.done)
	if h.watcher != nil {
		return h.watcher.Close()
	}
	return nil
}

// Wake signals that the inbox changed and a poll is worthwhile.
func (h *FileInboxHook) Wake() <-chan struct{} { return h.wake }

// Poll consumes every inbox file present right now, oldest name first.
func (h *FileInboxHook) Poll(ctx context.Context) ([]Input, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read inbox directory %s", h.dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".txt" || ext == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var inputs []Input
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return inputs, err
		}
		path := filepath.Join(h.dir, name)
		in, err := h.consume(path)
		if err != nil {
			h.log.Warn("rejecting inbox file", "file", name, "error", err)
			if renameErr := os.Rename(path, path+".rejected"); renameErr != nil {
				h.log.Error("failed to set aside inbox file", "file", name, "error", renameErr)
			}
			continue
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func (h *FileInboxHook) consume(path string) (Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Input{}, errors.Wrapf(err, "failed to read inbox file")
	}
	var in Input
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &in); err != nil {
			return Input{}, errors.Wrapf(err, "invalid inbox JSON")
		}
	} else {
		in.Content = strings.TrimSpace(string(data))
	}
	if in.Content == "" {
		return Input{}, errors.New("inbox file has no content")
	}
	if in.Role == "" {
		in.Role = "user"
	}
	if err := os.Remove(path); err != nil {
		return Input{}, errors.Wrapf(err, "failed to consume inbox file")
	}
	return in, nil
}

func (h *FileInboxHook) watch() {
	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				select {
				case h.wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.Warn("inbox watcher error", "error", err)
		}
	}
}
