// ABOUTME: Routes tool calls from the agent to the handler bound for each registry tool.
// ABOUTME: Validates input against the tool schema and bounds every call with a timeout.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/query-gateway/internal/registry"
)

// ErrToolNotFound indicates the requested tool is not in the query's table.
var ErrToolNotFound = errors.New("tool not found")

// ErrInvalidInput indicates the input failed schema validation.
var ErrInvalidInput = registry.ErrInvalidInput

// ErrNoExecutor indicates no handler is configured to run registry tools.
var ErrNoExecutor = errors.New("no tool executor configured")

// DefaultTimeout is the default timeout for tool execution.
const DefaultTimeout = 30 * time.Second

// Call is one tool invocation as seen by a handler.
type Call struct {
	Tool       string
	HandlerRef string
	Input      json.RawMessage
	StoreID    string
	TraceID    string
}

// ToolHandler executes a tool call and returns its JSON result.
type ToolHandler func(ctx context.Context, call Call) (json.RawMessage, error)

// Tool binds a registry entry to the handler that runs it.
type Tool struct {
	Entry   *registry.Entry
	Handler ToolHandler
}

// Table is the executable tool set of one query. It is immutable once built.
type Table struct {
	tools map[string]*Tool
	names []string
}

// NewTable binds every entry to handler.
func NewTable(entries []*registry.Entry, handler ToolHandler) *Table {
	t := &Table{tools: make(map[string]*Tool, len(entries))}
	for _, e := range entries {
		if _, dup := t.tools[e.Name]; dup {
			continue
		}
		t.tools[e.Name] = &Tool{Entry: e, Handler: handler}
		t.names = append(t.names, e.Name)
	}
	sort.Strings(t.names)
	return t
}

// Lookup finds a tool by its registry name.
func (t *Table) Lookup(name string) (*Tool, bool) {
	tool, ok := t.tools[name]
	return tool, ok
}

// Entries returns the bound entries sorted by name.
func (t *Table) Entries() []*registry.Entry {
	out := make([]*registry.Entry, len(t.names))
	for i, n := range t.names {
		out[i] = t.tools[n].Entry
	}
	return out
}

// Len returns the number of tools in the table.
func (t *Table) Len() int {
	return len(t.names)
}

// CallObserver receives the outcome of every routed call.
type CallObserver interface {
	ObserveToolCall(tool, result string, elapsed time.Duration)
}

// RouterConfig contains configuration options for the Router.
type RouterConfig struct {
	Logger   *slog.Logger
	Timeout  time.Duration
	Observer CallObserver
}

// Router runs tool calls against a query's table.
type Router struct {
	logger   *slog.Logger
	timeout  time.Duration
	observer CallObserver
}

// NewRouter creates a new Router with the given configuration.
func NewRouter(cfg RouterConfig) *Router {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger.With("component", "dispatch"),
		timeout:  timeout,
		observer: cfg.Observer,
	}
}

// Scope identifies the query a call belongs to.
type Scope struct {
	StoreID string
	TraceID string
}

// Call validates input and runs the named tool from table.
func (r *Router) Call(ctx context.Context, table *Table, scope Scope, name string, input json.RawMessage) (json.RawMessage, error) {
	start := time.Now()

	tool, ok := table.Lookup(name)
	if !ok {
		r.logger.Debug("tool not found in query table", "tool_name", name, "trace_id", scope.TraceID)
		r.observe(name, "not_found", start)
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := tool.Entry.ValidateInput(input); err != nil {
		r.logger.Info("tool input rejected", "tool_name", name, "trace_id", scope.TraceID, "error", err)
		r.observe(name, "invalid", start)
		return nil, err
	}
	if tool.Handler == nil {
		r.observe(name, "error", start)
		return nil, ErrNoExecutor
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.logger.Info("→ dispatching tool", "tool_name", name, "trace_id", scope.TraceID)
	result, err := tool.Handler(ctx, Call{
		Tool:       name,
		HandlerRef: tool.Entry.HandlerRef,
		Input:      input,
		StoreID:    scope.StoreID,
		TraceID:    scope.TraceID,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("tool %s: %w", name, ctxErr)
		}
		r.logger.Warn("tool call failed",
			"tool_name", name,
			"trace_id", scope.TraceID,
			"elapsed", time.Since(start),
			"error", err,
		)
		r.observe(name, "error", start)
		return nil, err
	}

	r.logger.Info("← tool responded", "tool_name", name, "trace_id", scope.TraceID, "elapsed", time.Since(start))
	r.observe(name, "success", start)
	return result, nil
}

func (r *Router) observe(tool, result string, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveToolCall(tool, result, time.Since(start))
	}
}
