// Package config handles mcpterm configuration loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nugget/mcpterm/internal/mcp"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./mcpterm.yaml, $XDG_CONFIG_HOME/mcpterm/config.yaml (falling
// back to ~/.config/mcpterm/config.yaml), /etc/mcpterm/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcpterm.yaml"}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "mcpterm", "config.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpterm", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpterm/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns an empty path and no error when nothing was found; the caller
// falls back to [Default].
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

	return "", nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the
// process environment without overriding variables that are already
// set. Missing files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Config holds all mcpterm configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFile   string          `yaml:"log_file"`
	DataDir   string          `yaml:"data_dir"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Session   SessionConfig   `yaml:"session"`
	Servers   []ServerConfig  `yaml:"servers"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines settings for OpenAI and OpenAI-compatible endpoints.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	OpenAIURL string        `yaml:"openai_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig pins a model name to a provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai
}

// SessionConfig bounds the conversation loop and server calls.
type SessionConfig struct {
	// MaxIterations caps model round-trips per user turn.
	MaxIterations int `yaml:"max_iterations"`
	// ToolTimeout bounds a single tool invocation.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	// ConnectTimeout bounds each handshake step of a server connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// ProviderRetries is the number of retries for retryable provider errors.
	ProviderRetries int `yaml:"provider_retries"`
	// ReconnectOnInvoke retries a failed or disconnected server once
	// before a tool invocation that targets it.
	ReconnectOnInvoke *bool `yaml:"reconnect_on_invoke"`
	// HealthInterval enables periodic liveness pings when positive.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// ReconnectEnabled reports whether on-demand reconnect before invocation
// is enabled. Defaults to true when unset.
func (s SessionConfig) ReconnectEnabled() bool {
	return s.ReconnectOnInvoke == nil || *s.ReconnectOnInvoke
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name          string            `yaml:"name"`
	Description   string            `yaml:"description"`
	Transport     string            `yaml:"transport"` // stdio, http, ws
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args"`
	Env           map[string]string `yaml:"env"`
	Cwd           string            `yaml:"cwd"`
	URL           string            `yaml:"url"`
	Headers       map[string]string `yaml:"headers"`
	Notifications bool              `yaml:"notifications"`
	Timeout       time.Duration     `yaml:"timeout"`
	Disabled      bool              `yaml:"disabled"`
	IncludeTools  []string          `yaml:"include_tools"`
	ExcludeTools  []string          `yaml:"exclude_tools"`
}

// MCP converts the YAML server entry into the transport-level config
// consumed by the mcp package.
func (s ServerConfig) MCP() mcp.ServerConfig {
	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	transport := s.Transport
	if transport == "" {
		transport = mcp.TransportStdio
	}
	return mcp.ServerConfig{
		Name:          s.Name,
		Description:   s.Description,
		Transport:     transport,
		Command:       s.Command,
		Args:          s.Args,
		Env:           env,
		Dir:           expandHome(s.Cwd),
		URL:           s.URL,
		Headers:       s.Headers,
		Notifications: s.Notifications,
		Timeout:       s.Timeout,
		IncludeTools:  s.IncludeTools,
		ExcludeTools:  s.ExcludeTools,
	}
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before decoding. Unset fields receive the
// values from [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration the way [Load] does, after
// expanding environment variables.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration with no servers.
func Default() *Config {
	cfg := &Config{
		LogLevel: "warn",
		Models: ModelsConfig{
			Default:   "gpt-4o-mini",
			OllamaURL: "http://localhost:11434",
			OpenAIURL: "https://api.openai.com/v1",
		},
		Anthropic: AnthropicConfig{APIKey: os.Getenv("ANTHROPIC_API_KEY")},
		OpenAI:    OpenAIConfig{APIKey: os.Getenv("OPENAI_API_KEY")},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued session limits. Negative values are
// left in place so Validate can reject them.
func (c *Config) applyDefaults() {
	if c.Session.MaxIterations == 0 {
		c.Session.MaxIterations = 10
	}
	if c.Session.ToolTimeout == 0 {
		c.Session.ToolTimeout = 60 * time.Second
	}
	if c.Session.ConnectTimeout == 0 {
		c.Session.ConnectTimeout = 30 * time.Second
	}
	if c.Session.ProviderRetries == 0 {
		c.Session.ProviderRetries = 3
	}
	c.DataDir = expandHome(c.DataDir)
	c.LogFile = expandHome(c.LogFile)
}

// Validate checks the configuration for errors that would prevent the
// session from starting. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Session.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("session.max_iterations must be positive, got %d", c.Session.MaxIterations))
	}
	if c.Session.ToolTimeout < 0 || c.Session.ConnectTimeout < 0 || c.Session.HealthInterval < 0 {
		errs = append(errs, errors.New("session timeouts must not be negative"))
	}
	if c.Session.ProviderRetries < 0 {
		errs = append(errs, fmt.Errorf("session.provider_retries must not be negative, got %d", c.Session.ProviderRetries))
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		label := fmt.Sprintf("servers[%d]", i)
		if s.Name != "" {
			label = fmt.Sprintf("server %q", s.Name)
		}

		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		case strings.Contains(s.Name, mcp.NamespaceSeparator):
			errs = append(errs, fmt.Errorf("%s: name must not contain %q", label, mcp.NamespaceSeparator))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("%s: duplicate name", label))
		}
		seen[s.Name] = true

		switch s.Transport {
		case "", mcp.TransportStdio:
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("%s: stdio transport requires command", label))
			}
		case mcp.TransportHTTP, mcp.TransportWS:
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("%s: %s transport requires url", label, s.Transport))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown transport %q (valid: stdio, http, ws)", label, s.Transport))
		}

		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s: timeout must not be negative", label))
		}
	}

	return errors.Join(errs...)
}

// EnabledServers returns the server entries that are not disabled.
func (c *Config) EnabledServers() []ServerConfig {
	out := make([]ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
