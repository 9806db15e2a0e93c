// ABOUTME: MCP-compatible HTTP endpoint through which the agent process reaches a query's tools.
// ABOUTME: Implements the Streamable HTTP transport (POST JSON-RPC) with token-scoped sessions.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/2389/query-gateway/internal/dispatch"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// MCPToolInfo represents an MCP tool definition.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPListToolsResult is the result for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params for tools/call.
type MCPCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPCallToolResult is the result for tools/call.
type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent represents content in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// mcpSession binds an initialized client to the token it initialized with.
type mcpSession struct {
	id              string
	protocolVersion string
	token           string
	createdAt       time.Time
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(protocolVersion, token string) *mcpSession {
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		token:           token,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

// dropToken removes every session initialized with token.
func (s *sessionStore) dropToken(token string) {
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.token == token {
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
}

// Config holds configuration for the MCP server.
type Config struct {
	Router     *dispatch.Router
	TokenStore *TokenStore
	Logger     *slog.Logger
	Version    string
}

// Server implements the MCP endpoint for agent processes.
type Server struct {
	router     *dispatch.Router
	tokenStore *TokenStore
	logger     *slog.Logger
	version    string
	sessions   *sessionStore
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}
	if cfg.TokenStore == nil {
		return nil, errors.New("token store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	return &Server{
		router:     cfg.Router,
		tokenStore: cfg.TokenStore,
		logger:     logger.With("component", "mcp"),
		version:    version,
		sessions:   newSessionStore(),
	}, nil
}

// RegisterRoutes mounts the token-scoped MCP endpoint.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/mcp/{token}", s.handleMCP)
}

// Grant issues a token for scope. The agent reaches the scope's tools at
// /mcp/{token} until the token is revoked.
func (s *Server) Grant(scope Scope) string {
	token := s.tokenStore.CreateToken(scope)
	s.logger.Debug("granted tool scope", "trace_id", scope.TraceID, "tools", scope.Table.Len())
	return token
}

// Revoke invalidates token and every session opened with it.
func (s *Server) Revoke(token string) {
	s.tokenStore.InvalidateToken(token)
	s.sessions.dropToken(token)
}

// handleMCP is the single MCP endpoint supporting POST, GET, and DELETE per the
// Streamable HTTP transport.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// Server-initiated SSE streams are not offered.
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session. Only the token that opened a session may close it.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if sess.token != chi.URLParam(r, "token") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.logger.Debug("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	scope := s.tokenStore.Scope(token)
	if scope == nil {
		http.Error(w, "Unauthorized: unknown or expired token", http.StatusUnauthorized)
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body", nil)
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "invalid JSON", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version", nil)
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	if !isInitialize {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		sess, ok := s.sessions.get(sessionID)
		if !ok || sess.token != token {
			// Session expired or belongs to another query; client must re-initialize.
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sessionID,
		"trace_id", scope.TraceID,
	)

	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, req, token, scope)
	case "ping":
		s.sendJSONRPCResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, req, scope)
	case "tools/call":
		s.handleToolsCall(w, r, req, scope)
	default:
		s.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "method not found", nil)
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, req JSONRPCRequest, token string, scope *Scope) {
	sess := s.sessions.create(latestProtocolVersion, token)

	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"trace_id", scope.TraceID,
		"tools", scope.Table.Len(),
	)

	w.Header().Set("Mcp-Session-Id", sess.id)
	s.sendJSONRPCResult(w, req.ID, map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "query-gateway",
			"version": s.version,
		},
	})
}

func (s *Server) handleToolsList(w http.ResponseWriter, req JSONRPCRequest, scope *Scope) {
	entries := scope.Table.Entries()
	result := MCPListToolsResult{Tools: make([]MCPToolInfo, len(entries))}
	for i, e := range entries {
		result.Tools[i] = MCPToolInfo{
			Name:        e.Name,
			Description: e.Description,
			InputSchema: e.InputSchema,
		}
	}

	s.logger.Debug("tools/list", "count", len(entries), "trace_id", scope.TraceID)
	s.sendJSONRPCResult(w, req.ID, result)
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, scope *Scope) {
	var params MCPCallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}
	if params.Name == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool name is required", nil)
		return
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	out, err := s.router.Call(r.Context(), scope.Table, dispatch.Scope{
		StoreID: scope.StoreID,
		TraceID: scope.TraceID,
	}, params.Name, args)
	if err != nil {
		s.handleToolError(w, req.ID, params.Name, err)
		return
	}

	s.sendJSONRPCResult(w, req.ID, MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: resultText(out)}},
	})
}

// resultText renders a tool result for the agent. JSON strings are unquoted.
func resultText(out json.RawMessage) string {
	var str string
	if err := json.Unmarshal(out, &str); err == nil {
		return str
	}
	return string(out)
}

// handleToolError maps dispatch failures. Unknown tools are protocol errors;
// everything else is reported to the agent as a failed tool result.
func (s *Server) handleToolError(w http.ResponseWriter, id json.RawMessage, toolName string, err error) {
	if errors.Is(err, dispatch.ErrToolNotFound) {
		s.sendJSONRPCError(w, id, JSONRPCInvalidParams, "tool not found", nil)
		return
	}

	message := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		message = "tool execution timed out"
	case errors.Is(err, context.Canceled):
		message = "request cancelled"
	}

	s.sendJSONRPCResult(w, id, MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: message}},
		IsError: true,
	})
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
