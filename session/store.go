package session

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/m4xw311/agentbridge/errors"
)

var (
	// ErrBadSessionID means the id contains path separators or dot
	// segments and was rejected before touching the filesystem.
	ErrBadSessionID = errors.Sentinel("invalid session id")
	// ErrAmbiguousPrefix means a prefix lookup matched several sessions.
	ErrAmbiguousPrefix = errors.Sentinel("session id prefix is ambiguous")
)

const (
	metadataFile   = "metadata.json"
	transcriptFile = "transcript.jsonl"
)

// Metadata is the persisted descriptor for one session directory.
type Metadata struct {
	ID        string       `json:"session_id"`
	Name      string       `json:"name,omitempty"`
	ParentID  string       `json:"parent_session_id,omitempty"`
	Config    EngineConfig `json:"config"`
	State     string       `json:"state"`
	Error     string       `json:"error,omitempty"`
	Created   time.Time    `json:"created"`
	Updated   time.Time    `json:"updated"`
	TurnCount int          `json:"turn_count"`
}

// Store persists sessions as one directory each: metadata.json plus an
// append-only transcript.jsonl.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) the sessions directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create sessions directory %s", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root sessions directory.
func (st *Store) Dir() string { return st.dir }

// validateID rejects ids that could escape the sessions directory.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." {
		return ErrBadSessionID
	}
	if strings.ContainsAny(id, `/\`) {
		return ErrBadSessionID
	}
	return nil
}

func (st *Store) sessionDir(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(st.dir, id), nil
}

// Exists reports whether a session directory with metadata is present.
func (st *Store) Exists(id string) bool {
	dir, err := st.sessionDir(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, metadataFile))
	return err == nil
}

// SaveMetadata writes the descriptor, creating the session directory on
// first save.
func (st *Store) SaveMetadata(meta *Metadata) error {
	dir, err := st.sessionDir(meta.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create session directory")
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal metadata")
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0644); err != nil {
		return errors.Wrapf(err, "write metadata")
	}
	return nil
}

// LoadMetadata reads the descriptor for one session.
func (st *Store) LoadMetadata(id string) (*Metadata, error) {
	dir, err := st.sessionDir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "read metadata for %s", id)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrapf(err, "parse metadata for %s", id)
	}
	return &meta, nil
}

// AppendMessage adds one transcript row.
func (st *Store) AppendMessage(id string, msg Message) error {
	dir, err := st.sessionDir(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create session directory")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "marshal message")
	}
	f, err := os.OpenFile(filepath.Join(dir, transcriptFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "open transcript")
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.Wrapf(err, "append transcript")
	}
	return nil
}

// LoadTranscript reads every parseable transcript row in order.
// Malformed rows are skipped; a session with no transcript yet yields
// an empty slice.
func (st *Store) LoadTranscript(id string) ([]Message, error) {
	dir, err := st.sessionDir(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, transcriptFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "open transcript for %s", id)
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return messages, errors.Wrapf(err, "scan transcript for %s", id)
	}
	return messages, nil
}

// List returns every readable session descriptor sorted by most
// recently updated. Unreadable entries are reported alongside instead
// of failing the listing.
func (st *Store) List() ([]*Metadata, []error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{errors.Wrapf(err, "read sessions directory")}
	}

	var metas []*Metadata
	var issues []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := st.LoadMetadata(entry.Name())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			issues = append(issues, errors.Wrapf(err, "session %s", entry.Name()))
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Updated.After(metas[j].Updated)
	})
	return metas, issues
}

// Delete removes a session directory and everything in it.
func (st *Store) Delete(id string) error {
	dir, err := st.sessionDir(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "stat session %s", id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "delete session %s", id)
	}
	return nil
}

// FindByPrefix resolves a unique session id from a prefix. An exact
// match wins over prefix matches.
func (st *Store) FindByPrefix(prefix string) (string, error) {
	if err := validateID(prefix); err != nil {
		return "", err
	}
	if st.Exists(prefix) {
		return prefix, nil
	}
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return "", errors.Wrapf(err, "read sessions directory")
	}
	var matches []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			matches = append(matches, entry.Name())
		}
	}
	switch len(matches) {
	case 0:
		return "", ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return "", errors.Wrapf(ErrAmbiguousPrefix, "%q matches %d sessions", prefix, len(matches))
	}
}
