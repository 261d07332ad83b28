package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/agentbridge/errors"
	"gopkg.in/yaml.v3"
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type,omitempty"` // stdio (default), sse or http
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	URL     string            `yaml:"url,omitempty"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Capabilities is the server side of the capability negotiation. Flags
// left false here are never offered to clients regardless of what the
// client declares.
type Capabilities struct {
	LoadSession     bool `yaml:"load_session"`
	Fork            bool `yaml:"fork"`
	Resume          bool `yaml:"resume"`
	Audio           bool `yaml:"audio"`
	EmbeddedContext bool `yaml:"embedded_context"`
	MCPSSE          bool `yaml:"mcp_sse"`
	MCPHTTP         bool `yaml:"mcp_http"`
}

// Mode describes a selectable session mode advertised on session/new.
type Mode struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Command describes a slash command advertised to clients.
type Command struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	InputHint   string `yaml:"input_hint"`
}

// Hooks configures the file-based input/output hooks.
type Hooks struct {
	InboxDir    string `yaml:"inbox_dir"`
	OutboxFile  string `yaml:"outbox_file"`
	PollSeconds int    `yaml:"poll_seconds"`
}

// PollInterval returns the configured polling cadence with a 5s floor
// default.
func (h Hooks) PollInterval() time.Duration {
	if h.PollSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(h.PollSeconds) * time.Second
}

type Config struct {
	Engine               string           `yaml:"engine"`
	Model                string           `yaml:"model"`
	SessionDir           string           `yaml:"session_dir"`
	UpdateBuffer         int              `yaml:"update_buffer"`
	TerminalOutputLimit  int              `yaml:"terminal_output_limit"`
	AuthToken            string           `yaml:"auth_token"`
	Listen               string           `yaml:"listen"`
	Capabilities         Capabilities     `yaml:"capabilities"`
	Modes                []Mode           `yaml:"modes"`
	Commands             []Command        `yaml:"commands"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
	Hooks                Hooks            `yaml:"hooks"`
}

// Default returns the configuration used before any file is applied.
func Default() *Config {
	cfg := &Config{
		Engine:              "mock",
		UpdateBuffer:        256,
		TerminalOutputLimit: 1 << 20,
		Capabilities: Capabilities{
			LoadSession:     true,
			Fork:            true,
			Resume:          true,
			EmbeddedContext: true,
			MCPSSE:          true,
		},
		Modes: []Mode{
			{ID: "default", Name: "Default", Description: "Standard agent behavior"},
		},
	}
	// Keep the bridge's own state directory out of tool reach
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".agentbridge", ".agentbridge/**")
	if home, err := os.UserHomeDir(); err == nil {
		cfg.SessionDir = filepath.Join(home, ".agentbridge", "sessions")
	} else {
		cfg.SessionDir = filepath.Join(".agentbridge", "sessions")
	}
	return cfg
}

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := Default()

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".agentbridge", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".agentbridge", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	return cfg, nil
}

// LoadConfigFile loads a single explicit config file over the defaults,
// skipping the layered lookup. Used when --config is passed.
func LoadConfigFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Note: Unmarshal will overwrite fields present in the YAML. This provides
	// a simple merge where project-level config replaces user-level.
	// A more sophisticated merge could be implemented if needed.
	return yaml.Unmarshal(data, cfg)
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided. A missing
// "default" toolset means every registered tool is active.
func (c *Config) GetToolset(name string) *Toolset {
	if name == "" {
		name = "default"
	}
	for i := range c.Toolsets {
		if c.Toolsets[i].Name == name {
			return &c.Toolsets[i]
		}
	}
	if name == "default" {
		return nil
	}
	return c.GetToolset("default")
}
