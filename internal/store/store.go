// ABOUTME: Store interface and data types for the query ledger
// ABOUTME: Records each admitted query, its outcome, and the tools it called

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateQuery is returned when a trace id is recorded twice
var ErrDuplicateQuery = errors.New("query already recorded")

// Query status values written by the gateway. Upstream result subtypes
// (success, error_max_turns, ...) are stored verbatim alongside these.
const (
	StatusRunning     = "running"
	StatusAborted     = "aborted"
	StatusError       = "error"
	StatusInterrupted = "interrupted"
)

// QueryRecord is one admitted query
type QueryRecord struct {
	TraceID      string
	ConnectionID string
	AgentID      string
	AgentName    string
	Model        string
	StoreID      string
	Status       string
	Turns        int
	InputTokens  int64
	OutputTokens int64
	TotalCost    *float64 // nil when the upstream reported no cost
	Error        string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// QueryOutcome is the terminal state of a query
type QueryOutcome struct {
	Status       string
	Turns        int
	InputTokens  int64
	OutputTokens int64
	TotalCost    *float64
	Error        string
	FinishedAt   time.Time
}

// ToolCall records one tool result observed during a query
type ToolCall struct {
	TraceID   string
	Tool      string
	Success   bool
	CreatedAt time.Time
}

// UsageSummary aggregates finished queries
type UsageSummary struct {
	Queries      int64
	InputTokens  int64
	OutputTokens int64
	TotalCost    float64
}

// Store defines the query ledger operations
type Store interface {
	RecordQueryStart(ctx context.Context, q *QueryRecord) error
	RecordQueryFinish(ctx context.Context, traceID string, outcome *QueryOutcome) error
	RecordToolCall(ctx context.Context, call *ToolCall) error
	GetQuery(ctx context.Context, traceID string) (*QueryRecord, error)
	ListQueries(ctx context.Context, limit int) ([]*QueryRecord, error)
	ListToolCalls(ctx context.Context, traceID string) ([]*ToolCall, error)
	SummarizeUsage(ctx context.Context, since time.Time) (*UsageSummary, error)
	MarkInterrupted(ctx context.Context) (int64, error)
	Close() error
}
