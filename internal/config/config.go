// ABOUTME: Configuration loading and parsing for query-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/query-gateway/internal/query"
)

// Registry source kinds.
const (
	SourceHTTP     = "http"
	SourcePostgres = "postgres"
)

// Config represents the complete query-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Registry  RegistryConfig  `yaml:"registry" toml:"registry"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health service
	// PublicURL is the base URL the agent process uses to reach /mcp.
	// Derived from http_addr when empty, or from the tailnet name when
	// tailscale is enabled.
	PublicURL string `yaml:"public_url" toml:"public_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// RegistryConfig describes where tool definitions come from
type RegistryConfig struct {
	Source      string `yaml:"source" toml:"source"`
	URL         string `yaml:"url" toml:"url"`
	Credential  string `yaml:"credential" toml:"credential"`
	DatabaseURL string `yaml:"database_url" toml:"database_url"`
	Table       string `yaml:"table" toml:"table"`
	ExecuteURL  string `yaml:"execute_url" toml:"execute_url"`

	Timeout  time.Duration `yaml:"-" toml:"-"`
	CacheTTL time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
	CacheTTLRaw string `yaml:"cache_ttl" toml:"cache_ttl"`
}

// AgentConfig holds settings for the upstream agent process
type AgentConfig struct {
	DefaultModel   string   `yaml:"default_model" toml:"default_model"`
	APIKey         string   `yaml:"api_key" toml:"api_key"`
	Binary         string   `yaml:"binary" toml:"binary"`
	ExtraArgs      []string `yaml:"extra_args" toml:"extra_args"`
	MaxTurns       int      `yaml:"max_turns" toml:"max_turns"`
	PermissionMode string   `yaml:"permission_mode" toml:"permission_mode"`
	MCPServerName  string   `yaml:"mcp_server_name" toml:"mcp_server_name"`

	ToolTimeout    time.Duration `yaml:"-" toml:"-"`
	ToolTimeoutRaw string        `yaml:"tool_timeout" toml:"tool_timeout"`
}

// DatabaseConfig holds the query ledger location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Registry.Source == "" {
		c.Registry.Source = SourceHTTP
	}
	if c.Registry.Table == "" {
		c.Registry.Table = "ai_tool_registry"
	}
	if c.Registry.Timeout == 0 {
		c.Registry.Timeout = 10 * time.Second
	}
	if c.Registry.CacheTTL == 0 {
		c.Registry.CacheTTL = 5 * time.Minute
	}
	if c.Agent.DefaultModel == "" {
		c.Agent.DefaultModel = query.DefaultModel
	}
	if c.Agent.Binary == "" {
		c.Agent.Binary = "claude"
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = 20
	}
	if c.Agent.PermissionMode == "" {
		c.Agent.PermissionMode = "bypassPermissions"
	}
	if c.Agent.MCPServerName == "" {
		c.Agent.MCPServerName = "gateway"
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Server.PublicURL == "" && c.Server.HTTPAddr != "" && !c.Tailscale.Enabled {
		c.Server.PublicURL = publicURLFromAddr(c.Server.HTTPAddr)
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
}

// publicURLFromAddr turns a listen address into a loopback URL.
func publicURLFromAddr(addr string) string {
	host, port, found := strings.Cut(addr, ":")
	if !found {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" || host == "[::]" {
		host = "127.0.0.1"
	}
	return "http://" + host + ":" + port
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Registry.Source {
	case SourceHTTP:
		if c.Registry.URL == "" {
			return fmt.Errorf("registry.url is required for the http source")
		}
	case SourcePostgres:
		if c.Registry.DatabaseURL == "" {
			return fmt.Errorf("registry.database_url is required for the postgres source")
		}
	default:
		return fmt.Errorf("registry.source must be %q or %q, got %q", SourceHTTP, SourcePostgres, c.Registry.Source)
	}

	if !query.IsSupportedModel(c.Agent.DefaultModel) {
		return fmt.Errorf("agent.default_model %q is not a supported tool-capable model", c.Agent.DefaultModel)
	}

	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must not be negative")
	}

	if !query.IsPermissionMode(c.Agent.PermissionMode) {
		return fmt.Errorf("agent.permission_mode %q is not recognized", c.Agent.PermissionMode)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"registry.timeout", cfg.Registry.TimeoutRaw, &cfg.Registry.Timeout},
		{"registry.cache_ttl", cfg.Registry.CacheTTLRaw, &cfg.Registry.CacheTTL},
		{"agent.tool_timeout", cfg.Agent.ToolTimeoutRaw, &cfg.Agent.ToolTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
