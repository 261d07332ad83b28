package acp

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/m4xw311/agentbridge/config"
	"github.com/m4xw311/agentbridge/errors"
	"github.com/m4xw311/agentbridge/session"
)

// maxResourceSize caps how much of a linked resource gets inlined into
// the prompt text.
const maxResourceSize = 50000

type initializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

type authMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type authenticateParams struct {
	MethodID string `json:"methodId"`
	Token    string `json:"token"`
}

type envEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type mcpServerSpec struct {
	Name    string     `json:"name"`
	Type    string     `json:"type,omitempty"`
	Command string     `json:"command,omitempty"`
	Args    []string   `json:"args,omitempty"`
	Env     []envEntry `json:"env,omitempty"`
	URL     string     `json:"url,omitempty"`
}

type sessionNewParams struct {
	Cwd        string          `json:"cwd"`
	MCPServers []mcpServerSpec `json:"mcpServers,omitempty"`
	Name       string          `json:"name,omitempty"`
	ModeID     string          `json:"modeId,omitempty"`
}

type sessionLoadParams struct {
	SessionID  string          `json:"sessionId"`
	Cwd        string          `json:"cwd,omitempty"`
	MCPServers []mcpServerSpec `json:"mcpServers,omitempty"`
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

type sessionForkParams struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name,omitempty"`
}

type setModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

type setModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

type sessionInfo struct {
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name,omitempty"`
	ParentID  string    `json:"parentSessionId,omitempty"`
	State     string    `json:"state"`
	Created   time.Time `json:"createdAt"`
	Updated   time.Time `json:"updatedAt"`
	TurnCount int       `json:"turnCount"`
}

type sessionUpdateParams struct {
	SessionID string `json:"sessionId"`
	Seq       uint64 `json:"seq"`
	Update    any    `json:"update"`
}

type modeInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type modeState struct {
	CurrentModeID  string     `json:"currentModeId"`
	AvailableModes []modeInfo `json:"availableModes"`
}

type commandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Input       any    `json:"input,omitempty"`
}

// contentBlock is one element of a prompt. Only text, resource_link
// and resource blocks carry usable input for the engine.
type contentBlock struct {
	Type        string            `json:"type"`
	Text        string            `json:"text,omitempty"`
	URI         string            `json:"uri,omitempty"`
	Name        string            `json:"name,omitempty"`
	MimeType    string            `json:"mimeType,omitempty"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Size        *int64            `json:"size,omitempty"`
	Resource    *embeddedResource `json:"resource,omitempty"`
}

type embeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// extractUserText flattens prompt content blocks into the text handed
// to the engine. Resource links are expanded inline when they point at
// readable local files; embedded resources are included only when that
// capability was negotiated.
func extractUserText(blocks []contentBlock, embedded bool) string {
	var parts []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) != "" {
				parts = append(parts, block.Text)
			}
		case "resource_link":
			if rendered := renderResourceLink(block); rendered != "" {
				parts = append(parts, rendered)
			}
		case "resource":
			if embedded && block.Resource != nil {
				parts = append(parts, renderEmbeddedResource(block.Resource))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func renderResourceLink(block contentBlock) string {
	label := block.Name
	if label == "" {
		label = block.URI
	}
	if label == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "=== Resource: %s ===\n", label)
	if block.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", block.Title)
	}
	if block.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", block.Description)
	}
	content, err := readFileFromURI(block.URI)
	if err != nil {
		fmt.Fprintf(&b, "[resource not readable: %v]\n", err)
	} else {
		b.WriteString(content)
		if !strings.HasSuffix(content, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=== End Resource ===")
	return b.String()
}

func renderEmbeddedResource(res *embeddedResource) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Resource: %s ===\n", res.URI)
	text := res.Text
	if len(text) > maxResourceSize {
		text = text[:maxResourceSize] + "\n[... truncated to 50KB ...]"
	}
	b.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("=== End Resource ===")
	return b.String()
}

// readFileFromURI reads the content behind a file:// URI, capped at
// maxResourceSize bytes.
func readFileFromURI(uri string) (string, error) {
	if uri == "" {
		return "", errors.New("resource has no URI")
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid resource URI")
	}
	if parsed.Scheme != "file" {
		return "", errors.New("unsupported resource scheme '%s'", parsed.Scheme)
	}
	data, err := os.ReadFile(parsed.Path)
	if err != nil {
		return "", err
	}
	if len(data) > maxResourceSize {
		return string(data[:maxResourceSize]) + "\n[... truncated to 50KB ...]", nil
	}
	return string(data), nil
}

func modeList(modes []config.Mode) []modeInfo {
	infos := make([]modeInfo, 0, len(modes))
	for _, m := range modes {
		infos = append(infos, modeInfo{ID: m.ID, Name: m.Name, Description: m.Description})
	}
	return infos
}

func commandList(commands []config.Command) []commandInfo {
	infos := make([]commandInfo, 0, len(commands))
	for _, c := range commands {
		info := commandInfo{Name: c.Name, Description: c.Description}
		if c.InputHint != "" {
			info.Input = map[string]string{"hint": c.InputHint}
		}
		infos = append(infos, info)
	}
	return infos
}

func sessionInfoFromMetadata(meta *session.Metadata) sessionInfo {
	return sessionInfo{
		SessionID: meta.ID,
		Name:      meta.Name,
		ParentID:  meta.ParentID,
		State:     string(meta.State),
		Created:   meta.Created,
		Updated:   meta.Updated,
		TurnCount: meta.TurnCount,
	}
}

func envEntries(env map[string]string) []envEntry {
	if len(env) == 0 {
		return nil
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]envEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, envEntry{Name: name, Value: env[name]})
	}
	return entries
}

func envMap(entries []envEntry) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		env[e.Name] = e.Value
	}
	return env
}
