package tools

import (
	"context"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/agentbridge/config"
	"github.com/m4xw311/agentbridge/errors"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema object describing the tool's
	// arguments, advertised to the model as-is.
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Aliased is implemented by tools that answer to additional names
// during toolset matching, such as server-qualified MCP tool names.
type Aliased interface {
	Aliases() []string
}

// ToolRegistry holds the built-in tools.
type ToolRegistry struct {
	tools map[string]Tool
}

func NewToolRegistry(cfg *config.Config) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}

	r.Register(&ReadFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&WriteFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ExecuteCommandTool{
		allowedCommands: cfg.AllowedCommands,
		outputLimit:     cfg.TerminalOutputLimit,
	})

	return r
}

func (r *ToolRegistry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool sorted by name.
func (r *ToolRegistry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetActiveTools filters the given tools down to a toolset. A nil
// toolset activates everything. Entries may be exact names, aliases
// (for MCP tools the "<server>.<tool>" form), or glob patterns such as
// "gopls.*". A pattern that matches nothing is an error so that a typo
// in the config does not silently drop tools.
func GetActiveTools(all []Tool, ts *config.Toolset) ([]Tool, error) {
	if ts == nil {
		return all, nil
	}
	var active []Tool
	seen := make(map[string]bool)
	for _, entry := range ts.Tools {
		matched := false
		for _, t := range all {
			if !toolMatches(t, entry) || seen[t.Name()] {
				continue
			}
			active = append(active, t)
			seen[t.Name()] = true
			matched = true
		}
		if !matched {
			return nil, errors.New("toolset '%s' entry '%s' matches no available tool", ts.Name, entry)
		}
	}
	return active, nil
}

func toolMatches(t Tool, entry string) bool {
	names := []string{t.Name()}
	if a, ok := t.(Aliased); ok {
		names = append(names, a.Aliases()...)
	}
	for _, name := range names {
		if name == entry {
			return true
		}
		if strings.ContainsAny(entry, "*?[") {
			if ok, err := path.Match(entry, name); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex
// support). An unparseable pattern falls back to exact comparison.
func isCommandAllowed(command string, allowed []string) (bool, error) {
	cmdParts := strings.Fields(command)
	if len(cmdParts) == 0 {
		return false, nil
	}

	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			if command == pattern {
				return true, nil
			}
			continue
		}
		if re.MatchString(command) {
			return true, nil
		}
	}
	return false, nil
}

// CommandAllowed reports whether command matches one of the allowlist
// patterns.
func CommandAllowed(command string, patterns []string) bool {
	ok, err := isCommandAllowed(command, patterns)
	return err == nil && ok
}

// TruncateOutput bounds s to limit bytes, keeping the tail. The cut
// lands on a UTF-8 boundary so the kept text stays valid. limit <= 0
// means unbounded.
func TruncateOutput(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	cut := len(s) - limit
	for cut < len(s) {
		b := s[cut]
		if b < 0x80 || b >= 0xC0 {
			break
		}
		cut++
	}
	return s[cut:], true
}
