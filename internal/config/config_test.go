// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:3847"
  grpc_addr: "127.0.0.1:50051"

registry:
  source: "http"
  url: "https://db.example.com/rest/v1/ai_tool_registry"
  credential: "service-key"
  execute_url: "https://db.example.com/functions/v1/tools-execute"
  timeout: "5s"
  cache_ttl: "1m"

agent:
  default_model: "claude-opus-4-20250514"
  api_key: "sk-test"
  max_turns: 8
  extra_args:
    - "--debug"

database:
  path: "./ledger.db"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:3847" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:3847")
	}
	if cfg.Server.PublicURL != "http://127.0.0.1:3847" {
		t.Errorf("Server.PublicURL = %q, want derived loopback URL", cfg.Server.PublicURL)
	}
	if cfg.Registry.Source != SourceHTTP {
		t.Errorf("Registry.Source = %q, want %q", cfg.Registry.Source, SourceHTTP)
	}
	if cfg.Registry.Timeout != 5*time.Second {
		t.Errorf("Registry.Timeout = %v, want 5s", cfg.Registry.Timeout)
	}
	if cfg.Registry.CacheTTL != time.Minute {
		t.Errorf("Registry.CacheTTL = %v, want 1m", cfg.Registry.CacheTTL)
	}
	if cfg.Registry.Table != "ai_tool_registry" {
		t.Errorf("Registry.Table = %q, want default", cfg.Registry.Table)
	}
	if cfg.Agent.DefaultModel != "claude-opus-4-20250514" {
		t.Errorf("Agent.DefaultModel = %q", cfg.Agent.DefaultModel)
	}
	if cfg.Agent.MaxTurns != 8 {
		t.Errorf("Agent.MaxTurns = %d, want 8", cfg.Agent.MaxTurns)
	}
	if len(cfg.Agent.ExtraArgs) != 1 || cfg.Agent.ExtraArgs[0] != "--debug" {
		t.Errorf("Agent.ExtraArgs = %v", cfg.Agent.ExtraArgs)
	}
	if cfg.Agent.Binary != "claude" {
		t.Errorf("Agent.Binary = %q, want default", cfg.Agent.Binary)
	}
	if cfg.Agent.ToolTimeout != 30*time.Second {
		t.Errorf("Agent.ToolTimeout = %v, want default 30s", cfg.Agent.ToolTimeout)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default", cfg.Metrics.Path)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:9000"
public_url = "http://gateway.local:9000/"

[registry]
source = "postgres"
database_url = "postgres://localhost/tools"
table = "tools"

[database]
path = "/tmp/ledger.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Registry.Source != SourcePostgres {
		t.Errorf("Registry.Source = %q, want postgres", cfg.Registry.Source)
	}
	if cfg.Registry.Table != "tools" {
		t.Errorf("Registry.Table = %q, want tools", cfg.Registry.Table)
	}
	if cfg.Server.PublicURL != "http://gateway.local:9000" {
		t.Errorf("Server.PublicURL = %q, want trailing slash trimmed", cfg.Server.PublicURL)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_REGISTRY_KEY", "expanded-key")
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-expanded")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:3847"
registry:
  url: "https://db.example.com/tools"
  credential: "${TEST_REGISTRY_KEY}"
agent:
  api_key: "${TEST_ANTHROPIC_KEY}"
database:
  path: "./ledger.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Registry.Credential != "expanded-key" {
		t.Errorf("Registry.Credential = %q, want expanded-key", cfg.Registry.Credential)
	}
	if cfg.Agent.APIKey != "sk-expanded" {
		t.Errorf("Agent.APIKey = %q, want sk-expanded", cfg.Agent.APIKey)
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:3847"
registry:
  url: "https://db.example.com/tools"
  credential: "${QUERY_GATEWAY_TEST_UNSET_VAR}"
database:
  path: "./ledger.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Registry.Credential != "" {
		t.Errorf("Registry.Credential = %q, want empty string", cfg.Registry.Credential)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "server:\n  http_addr: [unclosed\n")
	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:3847"
registry:
  url: "https://db.example.com/tools"
  timeout: "soon"
database:
  path: "./ledger.db"
`)
	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "registry.timeout") {
		t.Errorf("error %q should name the offending field", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{
			Server:   ServerConfig{HTTPAddr: "127.0.0.1:3847"},
			Registry: RegistryConfig{URL: "https://db.example.com/tools"},
			Database: DatabaseConfig{Path: "./ledger.db"},
		}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"tailscale replaces http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "query-gateway"}
		}, ""},
		{"http source without url", func(c *Config) { c.Registry.URL = "" }, "registry.url"},
		{"postgres source without dsn", func(c *Config) { c.Registry.Source = SourcePostgres }, "registry.database_url"},
		{"unknown source", func(c *Config) { c.Registry.Source = "ftp" }, "registry.source"},
		{"lightweight default model", func(c *Config) { c.Agent.DefaultModel = "claude-3-5-haiku-20241022" }, "agent.default_model"},
		{"unknown default model", func(c *Config) { c.Agent.DefaultModel = "gpt-4" }, "agent.default_model"},
		{"bad permission mode", func(c *Config) { c.Agent.PermissionMode = "yolo" }, "agent.permission_mode"},
		{"negative max turns", func(c *Config) { c.Agent.MaxTurns = -1 }, "agent.max_turns"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
