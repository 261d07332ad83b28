package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDefaults verifies the pre-file configuration baseline
func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Engine != "mock" {
		t.Errorf("Engine = %q, want mock", cfg.Engine)
	}
	if cfg.UpdateBuffer != 256 {
		t.Errorf("UpdateBuffer = %d, want 256", cfg.UpdateBuffer)
	}
	if !cfg.Capabilities.LoadSession || !cfg.Capabilities.Fork || !cfg.Capabilities.Resume {
		t.Errorf("session capabilities should default on: %+v", cfg.Capabilities)
	}
	if cfg.Capabilities.Audio || cfg.Capabilities.MCPHTTP {
		t.Errorf("audio and mcp_http should default off: %+v", cfg.Capabilities)
	}
	if len(cfg.Modes) != 1 || cfg.Modes[0].ID != "default" {
		t.Errorf("expected a single default mode, got %+v", cfg.Modes)
	}
}

// TestLoadConfigFile verifies file values override defaults field-wise
func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
engine: anthropic
model: claude-sonnet-4-0
update_buffer: 8
capabilities:
  fork: false
allowed_commands:
  - "^ls(\\s|$)"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Engine != "anthropic" {
		t.Errorf("Engine = %q, want anthropic", cfg.Engine)
	}
	if cfg.UpdateBuffer != 8 {
		t.Errorf("UpdateBuffer = %d, want 8", cfg.UpdateBuffer)
	}
	if cfg.Capabilities.Fork {
		t.Errorf("fork should be overridden to false")
	}
	// Untouched fields keep their defaults
	if !cfg.Capabilities.LoadSession {
		t.Errorf("load_session default lost on partial capabilities override")
	}
	if len(cfg.AllowedCommands) != 1 {
		t.Errorf("AllowedCommands = %v", cfg.AllowedCommands)
	}
}

// TestGetToolset verifies named lookup with default fallback
func TestGetToolset(t *testing.T) {
	cfg := &Config{Toolsets: []Toolset{
		{Name: "default", Tools: []string{"read_file"}},
		{Name: "full", Tools: []string{"read_file", "write_file", "execute_command"}},
	}}

	if ts := cfg.GetToolset("full"); ts == nil || len(ts.Tools) != 3 {
		t.Errorf("GetToolset(full) = %+v", ts)
	}
	if ts := cfg.GetToolset("missing"); ts == nil || ts.Name != "default" {
		t.Errorf("GetToolset(missing) should fall back to default, got %+v", ts)
	}
	if ts := cfg.GetToolset(""); ts == nil || ts.Name != "default" {
		t.Errorf("GetToolset(\"\") should resolve default, got %+v", ts)
	}

	empty := &Config{}
	if ts := empty.GetToolset("default"); ts != nil {
		t.Errorf("missing default toolset should return nil, got %+v", ts)
	}
}
