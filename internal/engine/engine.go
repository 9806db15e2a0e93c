// ABOUTME: Upstream agent engine contract: the request, the closed event set, and the runner interface.
// ABOUTME: Also owns the single predicate that classifies teardown noise as benign.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrTeardown marks an error raised while the agent process was being torn
// down after cancellation or after it already delivered a result.
var ErrTeardown = errors.New("agent process exited")

// Request carries everything one agent run needs.
type Request struct {
	TraceID        string
	Prompt         string
	SystemPrompt   string
	Model          string
	APIKey         string
	AllowedTools   []string
	MaxTurns       int
	PermissionMode string

	// MCPServerName and MCPURL describe the tool endpoint the agent connects to.
	MCPServerName string
	MCPURL        string
}

// Engine runs one agent query. The returned channel is closed when the
// upstream stream ends; cancelling ctx tears the run down.
type Engine interface {
	Run(ctx context.Context, req *Request) (<-chan Event, error)
}

// Event is one upstream event. The set of implementations is closed.
type Event interface {
	isEvent()
}

// Init reports session start.
type Init struct {
	SessionID string
	Model     string
	Tools     []string
}

// TextDelta is an incremental chunk of assistant text.
type TextDelta struct {
	Text string
}

// ToolStart reports a tool invocation, from either a streamed content block
// or a complete assistant message.
type ToolStart struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult reports a tool outcome as fed back to the agent.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Result is the upstream's final summary.
type Result struct {
	Status       string
	IsError      bool
	Turns        int
	InputTokens  int64
	OutputTokens int64
	TotalCost    *float64
	Text         string
}

// Error is a failure surfaced by the upstream stream.
type Error struct {
	Err error
}

func (Init) isEvent()       {}
func (TextDelta) isEvent()  {}
func (ToolStart) isEvent()  {}
func (ToolResult) isEvent() {}
func (Result) isEvent()     {}
func (Error) isEvent()      {}

// benignPatterns match teardown messages produced by killed agent processes.
var benignPatterns = []string{
	"process exited",
	"signal: killed",
	"signal: terminated",
	"operation was aborted",
}

// IsBenignTeardown reports whether err is noise from tearing down a run
// rather than a failure worth surfacing to the client.
func IsBenignTeardown(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrTeardown) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range benignPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
