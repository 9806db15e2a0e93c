// ABOUTME: Resolves a client's per-query configuration against the registry snapshot.
// ABOUTME: Produces the effective model, credential, tool set and trace id for one query.

package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/query-gateway/internal/registry"
)

// ErrMissingSystemPrompt is returned when a query config has no system prompt.
var ErrMissingSystemPrompt = errors.New("systemPrompt is required")

// ErrMissingCredential is returned when neither the query nor the process
// supplies an upstream credential.
var ErrMissingCredential = errors.New("no API key configured for the agent")

// ErrMalformedConfig is returned when the config object cannot be decoded.
var ErrMalformedConfig = errors.New("malformed query config")

// Warning is a non-fatal resolution finding surfaced to the client as debug output.
type Warning string

// ToolFilterEmpty means enabledTools named tools but none exist in the registry.
const ToolFilterEmpty Warning = "tool_filter_empty"

// AgentQueryConfig is the client-supplied config object of a query message.
// EnabledTools is a pointer so an absent list and an empty list stay distinct.
type AgentQueryConfig struct {
	Model          string    `json:"model,omitempty"`
	AgentID        string    `json:"agentId,omitempty"`
	AgentName      string    `json:"agentName,omitempty"`
	EnabledTools   *[]string `json:"enabledTools,omitempty"`
	SystemPrompt   string    `json:"systemPrompt"`
	APIKey         string    `json:"apiKey,omitempty"`
	MaxTurns       int       `json:"maxTurns,omitempty"`
	PermissionMode string    `json:"permissionMode,omitempty"`
}

// ParseConfig decodes a raw config object. A missing object decodes to the
// zero config, which then fails resolution on the system prompt.
func ParseConfig(raw json.RawMessage) (*AgentQueryConfig, error) {
	var cfg AgentQueryConfig
	if len(raw) == 0 || string(raw) == "null" {
		return &cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	return &cfg, nil
}

// Defaults are the process-level fallbacks applied during resolution.
type Defaults struct {
	Model          string
	APIKey         string
	MaxTurns       int
	PermissionMode string
	ServerName     string
}

// Effective is a fully resolved query configuration.
type Effective struct {
	TraceID        string
	Model          string
	RequestedModel string
	AgentID        string
	AgentName      string
	SystemPrompt   string
	APIKey         string
	MaxTurns       int
	PermissionMode string

	// Tools is the tool subset visible to this query, sorted by name.
	Tools []*registry.Entry
	// AllowedTools holds the namespaced names the agent may call.
	AllowedTools []string
	// UnknownTools lists requested names absent from the registry.
	UnknownTools []string
	Warnings     []Warning
}

// ModelReplaced reports whether the requested model was swapped for the default.
func (e *Effective) ModelReplaced() bool {
	return e.RequestedModel != "" && e.RequestedModel != e.Model
}

// HasWarning reports whether w was raised during resolution.
func (e *Effective) HasWarning(w Warning) bool {
	for _, got := range e.Warnings {
		if got == w {
			return true
		}
	}
	return false
}

// Resolver turns client configs into effective configs.
type Resolver struct {
	defaults Defaults
	newID    func() string
}

// NewResolver creates a resolver. An empty default model falls back to
// DefaultModel and an empty server name to "gateway".
func NewResolver(defaults Defaults) *Resolver {
	if defaults.Model == "" {
		defaults.Model = DefaultModel
	}
	if defaults.ServerName == "" {
		defaults.ServerName = "gateway"
	}
	if defaults.PermissionMode == "" {
		defaults.PermissionMode = "bypassPermissions"
	}
	return &Resolver{defaults: defaults, newID: uuid.NewString}
}

// ToolPrefix is the namespace the agent sees in front of every gateway tool.
func (r *Resolver) ToolPrefix() string {
	return ToolPrefix(r.defaults.ServerName)
}

// ToolPrefix returns the tool namespace prefix for an MCP server name.
func ToolPrefix(serverName string) string {
	return "mcp__" + serverName + "__"
}

// Resolve validates cfg and computes the effective configuration against snap.
// Errors are returned before any upstream work is started.
func (r *Resolver) Resolve(cfg *AgentQueryConfig, snap *registry.Snapshot) (*Effective, error) {
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		return nil, ErrMissingSystemPrompt
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = r.defaults.APIKey
	}
	if apiKey == "" {
		return nil, ErrMissingCredential
	}

	eff := &Effective{
		TraceID:        r.newID(),
		Model:          ResolveModel(cfg.Model, r.defaults.Model),
		RequestedModel: cfg.Model,
		AgentID:        cfg.AgentID,
		AgentName:      cfg.AgentName,
		SystemPrompt:   cfg.SystemPrompt,
		APIKey:         apiKey,
		MaxTurns:       r.defaults.MaxTurns,
		PermissionMode: r.defaults.PermissionMode,
	}
	if cfg.MaxTurns > 0 {
		eff.MaxTurns = cfg.MaxTurns
	}
	if IsPermissionMode(cfg.PermissionMode) {
		eff.PermissionMode = cfg.PermissionMode
	}

	eff.Tools, eff.UnknownTools = filterTools(cfg.EnabledTools, snap)
	if cfg.EnabledTools != nil && len(*cfg.EnabledTools) > 0 && len(eff.Tools) == 0 {
		eff.Warnings = append(eff.Warnings, ToolFilterEmpty)
	}

	prefix := r.ToolPrefix()
	eff.AllowedTools = make([]string, len(eff.Tools))
	for i, t := range eff.Tools {
		eff.AllowedTools[i] = prefix + t.Name
	}

	return eff, nil
}

// filterTools applies the enabledTools tri-state: nil means every tool, an
// empty list means none, otherwise the intersection by name.
func filterTools(enabled *[]string, snap *registry.Snapshot) (tools []*registry.Entry, unknown []string) {
	if snap == nil {
		if enabled != nil {
			unknown = append(unknown, *enabled...)
		}
		return nil, unknown
	}
	if enabled == nil {
		return snap.Entries(), nil
	}

	want := make(map[string]bool, len(*enabled))
	for _, name := range *enabled {
		want[name] = true
		if _, ok := snap.Lookup(name); !ok {
			unknown = append(unknown, name)
		}
	}
	for _, e := range snap.Entries() {
		if want[e.Name] {
			tools = append(tools, e)
		}
	}
	return tools, unknown
}
