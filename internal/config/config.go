// Package config handles mcpchat configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/paths"
)

// Engine providers.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// Backend transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first by FindConfig.
// Then: ./config.yaml, ~/.config/mcpchat/config.yaml, /etc/mcpchat/config.yaml.
func DefaultSearchPaths() []string {
	search := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		search = append(search, filepath.Join(home, ".config", "mcpchat", "config.yaml"))
	}

	return append(search, "/etc/mcpchat/config.yaml")
}

// ErrNoConfig is returned by FindConfig when no file exists in the
// default search paths. Callers may fall back to Default.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all mcpchat configuration.
type Config struct {
	Engine    EngineConfig   `yaml:"engine"`
	MCP       MCPConfig      `yaml:"mcp"`
	Dispatch  DispatchConfig `yaml:"dispatch"`
	Audit     AuditConfig    `yaml:"audit"`
	Tracing   TracingConfig  `yaml:"tracing"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text or json
}

// EngineConfig selects and configures the reasoning engine.
type EngineConfig struct {
	Provider     string `yaml:"provider"` // gemini, anthropic
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	MaxTokens    int    `yaml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt"`

	// RequestsPerMinute caps engine calls. Zero means unlimited.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`

	// HistoryTurns is how many completed turns are replayed to the
	// engine as context. Zero sends only the current message.
	HistoryTurns int `yaml:"history_turns"`
}

// Configured reports whether an API key is available.
func (e EngineConfig) Configured() bool {
	return e.APIKey != ""
}

// MCPConfig lists the tool servers to launch.
type MCPConfig struct {
	Servers []ServerConfig `yaml:"servers"`

	// ServersFile is a JSON file in the {"mcpServers": {...}} layout
	// used by desktop MCP hosts. Its entries are appended after Servers.
	// Empty means ~/.cursor/mcp.json; "-" disables the import. A
	// leading ~ is expanded, as in audit.path and tracing.file_path.
	ServersFile string `yaml:"servers_file"`
}

// ServerConfig is the launch specification for one tool server.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio (default) or http
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`

	// IncludeTools, when non-empty, limits registration to these tool names.
	IncludeTools []string `yaml:"include_tools"`
	// ExcludeTools names tools that are never registered.
	ExcludeTools []string `yaml:"exclude_tools"`

	Disabled bool `yaml:"disabled"`
}

// EnvList renders Env as KEY=VALUE pairs in key order.
func (s ServerConfig) EnvList() []string {
	return sortedEnv(s.Env)
}

// DispatchConfig bounds backend interaction.
type DispatchConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ListTimeout    time.Duration `yaml:"list_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`

	// HealthInterval is how often HTTP backends are pinged. Negative
	// disables pinging. Stdio backends are watched for exit instead.
	HealthInterval time.Duration `yaml:"health_interval"`

	// MaxInFlight is the number of concurrent requests allowed on one
	// backend connection. One serializes calls per backend.
	MaxInFlight int `yaml:"max_in_flight"`

	// MaxToolRounds is how many dispatch rounds a single turn may run.
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// ValidateArguments checks tool arguments against the advertised
	// input schema before contacting the backend.
	ValidateArguments *bool `yaml:"validate_arguments"`
}

// Validate reports whether argument validation is enabled (default true).
func (d DispatchConfig) Validate() bool {
	return d.ValidateArguments == nil || *d.ValidateArguments
}

// AuditConfig enables the dispatch ledger.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // none, stdout, file
	FilePath    string `yaml:"file_path"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Engine.Provider == "" {
		c.Engine.Provider = ProviderGemini
	}
	if c.Engine.Model == "" {
		switch c.Engine.Provider {
		case ProviderAnthropic:
			c.Engine.Model = "claude-sonnet-4-5"
		default:
			c.Engine.Model = "gemini-2.0-flash-exp"
		}
	}
	if c.Engine.APIKey == "" {
		switch c.Engine.Provider {
		case ProviderAnthropic:
			c.Engine.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		default:
			c.Engine.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if c.Engine.MaxTokens == 0 {
		c.Engine.MaxTokens = 4096
	}

	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Transport == "" {
			c.MCP.Servers[i].Transport = TransportStdio
		}
	}
	if c.MCP.ServersFile == "" {
		c.MCP.ServersFile = paths.CursorServersFile()
	}
	c.MCP.ServersFile = paths.ExpandHome(c.MCP.ServersFile)
	c.Audit.Path = paths.ExpandHome(c.Audit.Path)
	c.Tracing.FilePath = paths.ExpandHome(c.Tracing.FilePath)

	if c.Dispatch.ConnectTimeout == 0 {
		c.Dispatch.ConnectTimeout = 30 * time.Second
	}
	if c.Dispatch.ListTimeout == 0 {
		c.Dispatch.ListTimeout = 30 * time.Second
	}
	if c.Dispatch.CallTimeout == 0 {
		c.Dispatch.CallTimeout = 60 * time.Second
	}
	if c.Dispatch.MaxInFlight <= 0 {
		c.Dispatch.MaxInFlight = 1
	}
	if c.Dispatch.HealthInterval == 0 {
		c.Dispatch.HealthInterval = 60 * time.Second
	}
	if c.Dispatch.MaxToolRounds <= 0 {
		c.Dispatch.MaxToolRounds = 1
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "mcpchat"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for values that would only fail
// later, at connect or request time.
func (c *Config) Validate() error {
	switch c.Engine.Provider {
	case ProviderGemini, ProviderAnthropic:
	default:
		return fmt.Errorf("engine.provider %q is not supported (valid: gemini, anthropic)", c.Engine.Provider)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat)
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate server name %q", i, s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				return fmt.Errorf("mcp server %q: command is required for stdio transport", s.Name)
			}
		case TransportHTTP:
			if s.URL == "" {
				return fmt.Errorf("mcp server %q: url is required for http transport", s.Name)
			}
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q (valid: stdio, http)", s.Name, s.Transport)
		}
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		return errors.New("audit.path is required when audit is enabled")
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "file":
		if c.Tracing.Enabled && c.Tracing.FilePath == "" {
			return errors.New("tracing.file_path is required for the file exporter")
		}
	default:
		return fmt.Errorf("tracing.exporter %q is not supported (valid: none, stdout, file)", c.Tracing.Exporter)
	}

	return nil
}
