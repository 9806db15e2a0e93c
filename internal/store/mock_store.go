// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	queries   map[string]*QueryRecord
	toolCalls map[string][]*ToolCall

	// FailWrites makes every write return this error when set.
	FailWrites error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		queries:   make(map[string]*QueryRecord),
		toolCalls: make(map[string][]*ToolCall),
	}
}

// RecordQueryStart stores a running query.
func (m *MockStore) RecordQueryStart(ctx context.Context, q *QueryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	if _, exists := m.queries[q.TraceID]; exists {
		return ErrDuplicateQuery
	}

	c := *q
	if c.Status == "" {
		c.Status = StatusRunning
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	m.queries[c.TraceID] = &c
	return nil
}

// RecordQueryFinish applies a terminal outcome.
func (m *MockStore) RecordQueryFinish(ctx context.Context, traceID string, o *QueryOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	q, ok := m.queries[traceID]
	if !ok {
		return ErrNotFound
	}

	finished := o.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	q.Status = o.Status
	q.Turns = o.Turns
	q.InputTokens = o.InputTokens
	q.OutputTokens = o.OutputTokens
	q.TotalCost = o.TotalCost
	q.Error = o.Error
	q.FinishedAt = &finished
	return nil
}

// RecordToolCall appends a tool call.
func (m *MockStore) RecordToolCall(ctx context.Context, call *ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	c := *call
	m.toolCalls[c.TraceID] = append(m.toolCalls[c.TraceID], &c)
	return nil
}

// GetQuery returns a copy of the query.
func (m *MockStore) GetQuery(ctx context.Context, traceID string) (*QueryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queries[traceID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *q
	return &c, nil
}

// ListQueries returns queries newest first.
func (m *MockStore) ListQueries(ctx context.Context, limit int) ([]*QueryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*QueryRecord, 0, len(m.queries))
	for _, q := range m.queries {
		c := *q
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListToolCalls returns the tool calls of a query.
func (m *MockStore) ListToolCalls(ctx context.Context, traceID string) ([]*ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ToolCall, len(m.toolCalls[traceID]))
	for i, c := range m.toolCalls[traceID] {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

// SummarizeUsage aggregates queries started since.
func (m *MockStore) SummarizeUsage(ctx context.Context, since time.Time) (*UsageSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum UsageSummary
	for _, q := range m.queries {
		if q.StartedAt.Before(since) {
			continue
		}
		sum.Queries++
		sum.InputTokens += q.InputTokens
		sum.OutputTokens += q.OutputTokens
		if q.TotalCost != nil {
			sum.TotalCost += *q.TotalCost
		}
	}
	return &sum, nil
}

// MarkInterrupted closes running queries.
func (m *MockStore) MarkInterrupted(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now()
	for _, q := range m.queries {
		if q.Status == StatusRunning {
			q.Status = StatusInterrupted
			q.FinishedAt = &now
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure implementations satisfy the interface.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
