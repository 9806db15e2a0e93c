// ABOUTME: Per-connection session state machine owning the single in-flight query.
// ABOUTME: Routes inbound client messages and streams translated agent events back.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/query-gateway/internal/dispatch"
	"github.com/2389/query-gateway/internal/engine"
	"github.com/2389/query-gateway/internal/mcp"
	"github.com/2389/query-gateway/internal/protocol"
	"github.com/2389/query-gateway/internal/query"
	"github.com/2389/query-gateway/internal/registry"
	"github.com/2389/query-gateway/internal/store"
	"github.com/2389/query-gateway/internal/translate"
)

// ErrQueryInProgress rejects a query that arrives while another is running.
var ErrQueryInProgress = errors.New("a query is already in progress on this connection")

// ErrStreamEnded is reported when the agent stream closes without a result.
var ErrStreamEnded = errors.New("agent stream ended unexpectedly")

// State is the query state of a session. An aborted query returns the
// session to Idle at once; its upstream unwinds in the background and
// anything it still produces is dropped.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sender writes one outbound message to the client.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

// ToolEndpoint issues and revokes per-query tool scopes.
type ToolEndpoint interface {
	Grant(scope mcp.Scope) string
	Revoke(token string)
}

// QueryObserver receives the outcome of every finished query.
type QueryObserver interface {
	ObserveQuery(status string, elapsed time.Duration)
}

// Deps are shared by every session of a gateway.
type Deps struct {
	Cache    *registry.Cache
	Resolver *query.Resolver
	Engine   engine.Engine
	Endpoint ToolEndpoint
	Executor dispatch.ToolHandler

	// MCPServerName and MCPBaseURL tell the agent where the tool endpoint lives.
	MCPServerName string
	MCPBaseURL    string

	// Store and Observer are optional.
	Store    store.Store
	Observer QueryObserver
	Logger   *slog.Logger
}

// Session is one client connection.
type Session struct {
	ID string

	deps   *Deps
	sender Sender
	logger *slog.Logger

	ctx       context.Context
	cancelAll context.CancelFunc

	// runs counts query goroutines still unwinding, including aborted ones.
	runs sync.WaitGroup

	// mu guards the fields below and serializes every write to the client.
	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	closed bool
}

// New creates a session for a newly accepted connection.
func New(id string, sender Sender, deps *Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        id,
		deps:      deps,
		sender:    sender,
		logger:    logger.With("component", "session", "connection_id", id),
		ctx:       ctx,
		cancelAll: cancel,
	}
}

// State returns the current query state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendReady greets the client with the server version and tool metadata.
func (s *Session) SendReady(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(protocol.Ready(version, ToolInfos(s.deps.Cache.Metadata())))
}

// Handle processes one inbound frame. Query-level failures are reported to
// the client and never returned; the error result is reserved for write
// failures that should end the connection.
func (s *Session) Handle(ctx context.Context, data []byte) error {
	in, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("rejecting inbound message", "error", err)
		return s.send(protocol.Error(err.Error()))
	}

	switch in.Type {
	case protocol.TypePing:
		return s.send(protocol.Pong())
	case protocol.TypeGetTools:
		return s.handleGetTools(ctx)
	case protocol.TypeAbort:
		return s.abort()
	case protocol.TypeQuery:
		return s.startQuery(ctx, in)
	}
	return nil
}

// Close cancels every query of the session and waits for all of them to
// unwind.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancelAll()
	s.runs.Wait()
	s.logger.Debug("session closed")
}

func (s *Session) handleGetTools(ctx context.Context) error {
	if err := s.deps.Cache.InvalidateAndReload(ctx); err != nil {
		s.logger.Warn("tool registry reload failed", "error", err)
	}
	return s.send(protocol.Tools(ToolInfos(s.deps.Cache.Metadata())))
}

func (s *Session) abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		s.logger.Debug("abort ignored", "state", s.state)
		return nil
	}
	s.state = Idle
	s.cancel()
	s.cancel = nil
	s.logger.Info("query aborted by client", "generation", s.gen)
	return s.sendLocked(protocol.Aborted())
}

func (s *Session) startQuery(ctx context.Context, in *protocol.Inbound) error {
	s.mu.Lock()
	busy := s.state != Idle
	s.mu.Unlock()
	if busy {
		return s.send(protocol.Error(ErrQueryInProgress.Error()))
	}

	cfg, err := query.ParseConfig(in.Config)
	if err != nil {
		return s.send(protocol.Error(err.Error()))
	}

	if err := s.deps.Cache.Load(ctx); err != nil {
		s.logger.Warn("continuing without tools", "error", err)
	}
	eff, err := s.deps.Resolver.Resolve(cfg, s.deps.Cache.Snapshot())
	if err != nil {
		s.logger.Info("query rejected", "error", err)
		return s.send(protocol.Error(err.Error()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return s.sendLocked(protocol.Error(ErrQueryInProgress.Error()))
	}
	if s.closed {
		return nil
	}

	qctx, cancel := context.WithCancel(s.ctx)
	s.gen++
	s.state = Active
	s.cancel = cancel

	if eff.ModelReplaced() {
		s.logger.Info("unsupported model replaced", "requested", eff.RequestedModel, "model", eff.Model)
	}
	s.logger.Info("query started",
		"trace_id", eff.TraceID,
		"model", eff.Model,
		"tools", len(eff.Tools),
		"store_id", in.StoreID,
	)

	if err := s.sendLocked(protocol.Started(eff.Model, in.StoreID)); err != nil {
		s.state = Idle
		s.cancel = nil
		cancel()
		return err
	}
	for _, msg := range warningMessages(eff) {
		if err := s.sendLocked(msg); err != nil {
			s.logger.Warn("failed to send warning", "error", err)
		}
	}

	s.runs.Add(1)
	go s.run(qctx, cancel, s.gen, eff, in)
	return nil
}

// run drives one query from upstream start to terminal state.
func (s *Session) run(ctx context.Context, cancel context.CancelFunc, gen uint64, eff *query.Effective, in *protocol.Inbound) {
	started := time.Now()
	logger := s.logger.With("trace_id", eff.TraceID)
	outcome := &store.QueryOutcome{Status: store.StatusError}

	defer func() {
		cancel()
		s.finish(gen)
		s.recordFinish(eff.TraceID, outcome)
		if s.deps.Observer != nil {
			s.deps.Observer.ObserveQuery(outcome.Status, time.Since(started))
		}
		logger.Info("query finished", "status", outcome.Status, "duration", time.Since(started))
		s.runs.Done()
	}()

	s.recordStart(eff, in.StoreID, started)

	table := dispatch.NewTable(eff.Tools, s.deps.Executor)
	token := s.deps.Endpoint.Grant(mcp.Scope{Table: table, StoreID: in.StoreID, TraceID: eff.TraceID})
	defer s.deps.Endpoint.Revoke(token)

	req := &engine.Request{
		TraceID:        eff.TraceID,
		Prompt:         BuildPrompt(in.Prompt, in.StoreID, in.AttachedPaths),
		SystemPrompt:   eff.SystemPrompt,
		Model:          eff.Model,
		APIKey:         eff.APIKey,
		AllowedTools:   eff.AllowedTools,
		MaxTurns:       eff.MaxTurns,
		PermissionMode: eff.PermissionMode,
		MCPServerName:  s.deps.MCPServerName,
		MCPURL:         strings.TrimRight(s.deps.MCPBaseURL, "/") + "/mcp/" + token,
	}

	events, err := s.deps.Engine.Run(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			outcome.Status = store.StatusAborted
			return
		}
		logger.Error("failed to start agent", "error", err)
		outcome.Error = err.Error()
		s.emitTerminal(gen, protocol.Error(err.Error()))
		return
	}

	tr := translate.New(query.ToolPrefix(s.deps.MCPServerName))
	terminal, delivered := false, false
	for ev := range events {
		if terminal {
			continue
		}
		if res, ok := ev.(engine.ToolResult); ok {
			s.recordToolCall(eff.TraceID, tr.CurrentTool(), !res.IsError)
		}
		for _, msg := range tr.Translate(ev) {
			switch m := msg.(type) {
			case *protocol.DoneMessage:
				outcome.Status = m.Status
				outcome.Turns = m.Usage.Turns
				outcome.InputTokens = m.Usage.InputTokens
				outcome.OutputTokens = m.Usage.OutputTokens
				outcome.TotalCost = m.Usage.TotalCost
				terminal = true
			case *protocol.ErrorMessage:
				outcome.Status = store.StatusError
				outcome.Error = m.Error
				terminal = true
			}
			if terminal {
				delivered = s.emitTerminal(gen, msg)
				break
			}
			s.emit(gen, msg)
		}
	}

	switch {
	case delivered:
	case ctx.Err() != nil:
		outcome.Status = store.StatusAborted
		outcome.Error = ""
	case terminal:
	default:
		outcome.Error = ErrStreamEnded.Error()
		s.emitTerminal(gen, protocol.Error(ErrStreamEnded.Error()))
	}
}

// emit sends msg if gen is still the active query.
func (s *Session) emit(gen uint64, msg any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != Active || s.closed {
		return
	}
	if err := s.sendLocked(msg); err != nil {
		s.logger.Warn("failed to send message", "type", protocol.TypeOf(msg), "error", err)
	}
}

// emitTerminal sends the final message of a query and returns the session to
// Idle in the same critical section. It reports whether gen still owned the
// session.
func (s *Session) emitTerminal(gen uint64, msg any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != Active || s.closed {
		return false
	}
	s.state = Idle
	s.cancel = nil
	if err := s.sendLocked(msg); err != nil {
		s.logger.Warn("failed to send message", "type", protocol.TypeOf(msg), "error", err)
	}
	return true
}

// finish returns the session to Idle when gen ended without delivering a
// terminal message, for example when the session was closed mid-query.
func (s *Session) finish(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != Active {
		return
	}
	s.state = Idle
	s.cancel = nil
}

func (s *Session) send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(msg)
}

func (s *Session) sendLocked(msg any) error {
	if s.closed {
		return nil
	}
	return s.sender.Send(s.ctx, msg)
}

func (s *Session) recordStart(eff *query.Effective, storeID string, started time.Time) {
	if s.deps.Store == nil {
		return
	}
	err := s.deps.Store.RecordQueryStart(context.Background(), &store.QueryRecord{
		TraceID:      eff.TraceID,
		ConnectionID: s.ID,
		AgentID:      eff.AgentID,
		AgentName:    eff.AgentName,
		Model:        eff.Model,
		StoreID:      storeID,
		StartedAt:    started,
	})
	if err != nil {
		s.logger.Warn("failed to record query start", "trace_id", eff.TraceID, "error", err)
	}
}

func (s *Session) recordToolCall(traceID, tool string, success bool) {
	if s.deps.Store == nil {
		return
	}
	if tool == "" {
		tool = translate.UnknownTool
	}
	err := s.deps.Store.RecordToolCall(context.Background(), &store.ToolCall{
		TraceID: traceID,
		Tool:    tool,
		Success: success,
	})
	if err != nil {
		s.logger.Warn("failed to record tool call", "trace_id", traceID, "error", err)
	}
}

func (s *Session) recordFinish(traceID string, outcome *store.QueryOutcome) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.RecordQueryFinish(context.Background(), traceID, outcome); err != nil {
		s.logger.Warn("failed to record query finish", "trace_id", traceID, "error", err)
	}
}
