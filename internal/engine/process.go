// ABOUTME: Engine implementation that drives the agent CLI as a child process.
// ABOUTME: Streams stdout as NDJSON events and kills the process when the run is cancelled.

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// maxLineSize bounds a single stream-json line.
const maxLineSize = 16 * 1024 * 1024

// BuiltinTools are the agent CLI's own tools. They are denied on every run
// in addition to emptying the built-in tool set, so the agent can only
// reach the gateway's MCP tools.
var BuiltinTools = []string{
	"Bash", "BashOutput", "KillShell",
	"Read", "Write", "Edit", "MultiEdit", "NotebookEdit",
	"Glob", "Grep", "LS",
	"WebFetch", "WebSearch",
	"Task", "TodoWrite", "ExitPlanMode", "SlashCommand",
}

// ProcessConfig configures the agent CLI invocation.
type ProcessConfig struct {
	Binary    string
	ExtraArgs []string
	Logger    *slog.Logger
}

// ProcessEngine spawns one agent process per run.
type ProcessEngine struct {
	binary    string
	extraArgs []string
	logger    *slog.Logger
}

// NewProcessEngine creates a process engine. An empty binary means "claude".
func NewProcessEngine(cfg ProcessConfig) *ProcessEngine {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ProcessEngine{
		binary:    cfg.Binary,
		extraArgs: cfg.ExtraArgs,
		logger:    cfg.Logger.With("component", "engine"),
	}
}

// Args builds the command line for req.
func (p *ProcessEngine) Args(req *Request) ([]string, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--model", req.Model,
		"--system-prompt", req.SystemPrompt,
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	if req.MCPURL != "" {
		mcpConfig, err := json.Marshal(map[string]any{
			"mcpServers": map[string]any{
				req.MCPServerName: map[string]string{"type": "http", "url": req.MCPURL},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("encoding mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(mcpConfig), "--strict-mcp-config")
	}
	args = append(args,
		"--tools", "",
		"--disallowedTools", strings.Join(BuiltinTools, ","),
		"--allowedTools", strings.Join(req.AllowedTools, ","),
	)
	args = append(args, p.extraArgs...)
	args = append(args, "--", req.Prompt)
	return args, nil
}

// Run implements Engine.
func (p *ProcessEngine) Run(ctx context.Context, req *Request) (<-chan Event, error) {
	args, err := p.Args(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Env = append(os.Environ(), "ANTHROPIC_API_KEY="+req.APIKey)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening agent stdout: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent process: %w", err)
	}

	logger := p.logger.With("trace_id", req.TraceID, "pid", cmd.Process.Pid)
	logger.Debug("agent process started", "model", req.Model, "tools", len(req.AllowedTools))

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		sawResult := p.pump(ctx, stdout, events)
		waitErr := cmd.Wait()

		switch {
		case ctx.Err() != nil:
			logger.Debug("agent process cancelled")
			send(ctx, events, Error{Err: fmt.Errorf("%w: %v", ErrTeardown, context.Cause(ctx))})
		case waitErr != nil && sawResult:
			logger.Debug("agent process exited after result", "error", waitErr)
			send(ctx, events, Error{Err: fmt.Errorf("%w: %v", ErrTeardown, waitErr)})
		case waitErr != nil:
			msg := strings.TrimSpace(stderr.String())
			logger.Warn("agent process failed", "error", waitErr, "stderr", msg)
			if msg == "" {
				msg = waitErr.Error()
			}
			send(ctx, events, Error{Err: errors.New("agent failed: " + msg)})
		}
	}()

	return events, nil
}

// pump forwards decoded events until stdout closes. It reports whether a
// Result was seen.
func (p *ProcessEngine) pump(ctx context.Context, r io.Reader, events chan<- Event) bool {
	sawResult := false
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		for _, ev := range DecodeLine(line) {
			if _, ok := ev.(Result); ok {
				sawResult = true
			}
			if !send(ctx, events, ev) {
				return sawResult
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		p.logger.Warn("reading agent output", "error", err)
	}
	return sawResult
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		// Teardown errors are still offered without blocking.
		select {
		case events <- ev:
			return true
		default:
			return false
		}
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
