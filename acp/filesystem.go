package acp

import (
	"context"

	"github.com/m4xw311/agentbridge/config"
	"github.com/m4xw311/agentbridge/errors"
	"github.com/m4xw311/agentbridge/session"
	"github.com/m4xw311/agentbridge/tools"
	"github.com/m4xw311/agentbridge/wire"
)

// FileReader reads text files for the read_file tool. line and limit
// follow the wire semantics: 1-based start line and line count, zero
// meaning unset.
type FileReader interface {
	ReadTextFile(ctx context.Context, path string, line, limit int) (string, error)
}

// FileWriter writes text files for the write_file tool.
type FileWriter interface {
	WriteTextFile(ctx context.Context, path, content string) error
}

type fsReadParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      int    `json:"line,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type fsReadResult struct {
	Content string `json:"content"`
}

type fsWriteParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// BridgedFS proxies file access to the client. The client's view of
// the filesystem is authoritative: a client error never falls back to
// the bridge's own disk.
type BridgedFS struct {
	conn *Connection
	sess *session.Session
}

func (f *BridgedFS) ReadTextFile(ctx context.Context, path string, line, limit int) (string, error) {
	caps := f.conn.capabilities()
	if caps == nil || !caps.FSRead {
		return "", wire.Errorf(wire.CodeCapabilityUnavailable, "client does not support fs.read")
	}
	var res fsReadResult
	err := f.conn.Call(ctx, "fs/read_text_file", fsReadParams{
		SessionID: f.sess.ID(),
		Path:      path,
		Line:      line,
		Limit:     limit,
	}, &res)
	if err != nil {
		return "", errors.Wrapf(err, "fs/read_text_file")
	}
	return res.Content, nil
}

func (f *BridgedFS) WriteTextFile(ctx context.Context, path, content string) error {
	caps := f.conn.capabilities()
	if caps == nil || !caps.FSWrite {
		return wire.Errorf(wire.CodeCapabilityUnavailable, "client does not support fs.write")
	}
	err := f.conn.Call(ctx, "fs/write_text_file", fsWriteParams{
		SessionID: f.sess.ID(),
		Path:      path,
		Content:   content,
	}, nil)
	if err != nil {
		return errors.Wrapf(err, "fs/write_text_file")
	}
	return nil
}

// LocalFS serves file access from the bridge host, honoring the
// configured visibility and read-only restrictions.
type LocalFS struct {
	Access *config.FilesystemAccess
}

func (f *LocalFS) ReadTextFile(_ context.Context, path string, line, limit int) (string, error) {
	return tools.ReadTextFile(path, line, limit, f.Access)
}

func (f *LocalFS) WriteTextFile(_ context.Context, path, content string) error {
	return tools.WriteTextFile(path, content, f.Access)
}
