// ABOUTME: MCP token store mapping per-query tokens to the query's tool scope.
// ABOUTME: Tokens are created when a query is admitted and invalidated when it ends.

package mcp

import (
	"sync"

	"github.com/google/uuid"

	"github.com/2389/query-gateway/internal/dispatch"
)

// Scope is what a token grants: one query's tool table and identifiers.
type Scope struct {
	Table   *dispatch.Table
	StoreID string
	TraceID string
}

// TokenStore manages MCP access tokens and their associated scopes.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*Scope
}

// NewTokenStore creates a new token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]*Scope),
	}
}

// CreateToken registers scope and returns the token to embed in the MCP URL.
func (s *TokenStore) CreateToken(scope Scope) string {
	token := uuid.New().String()

	s.mu.Lock()
	s.tokens[token] = &scope
	s.mu.Unlock()

	return token
}

// Scope returns the scope for a token, or nil if the token is unknown.
func (s *TokenStore) Scope(token string) *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[token]
}

// InvalidateToken removes a token from the store.
func (s *TokenStore) InvalidateToken(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// TokenCount returns the number of active tokens (for monitoring).
func (s *TokenStore) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
