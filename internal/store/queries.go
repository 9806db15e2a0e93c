// ABOUTME: SQLite implementation of the query ledger operations
// ABOUTME: Stores query lifecycle rows, per-query tool calls, and usage aggregates

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// RecordQueryStart inserts a running query row.
func (s *SQLiteStore) RecordQueryStart(ctx context.Context, q *QueryRecord) error {
	status := q.Status
	if status == "" {
		status = StatusRunning
	}
	started := q.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	query := `
		INSERT INTO queries (
			trace_id, connection_id, agent_id, agent_name, model, store_id, status, started_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		q.TraceID,
		q.ConnectionID,
		nullString(q.AgentID),
		nullString(q.AgentName),
		q.Model,
		nullString(q.StoreID),
		status,
		started.UTC().Format(timeFormat),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateQuery
		}
		return fmt.Errorf("inserting query: %w", err)
	}

	s.logger.Debug("recorded query start", "trace_id", q.TraceID, "model", q.Model)
	return nil
}

// RecordQueryFinish writes the terminal outcome of a query.
func (s *SQLiteStore) RecordQueryFinish(ctx context.Context, traceID string, o *QueryOutcome) error {
	finished := o.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	query := `
		UPDATE queries
		SET status = ?, turns = ?, input_tokens = ?, output_tokens = ?, total_cost = ?, error = ?, finished_at = ?
		WHERE trace_id = ?
	`
	var cost any
	if o.TotalCost != nil {
		cost = *o.TotalCost
	}
	result, err := s.db.ExecContext(ctx, query,
		o.Status,
		o.Turns,
		o.InputTokens,
		o.OutputTokens,
		cost,
		nullString(o.Error),
		finished.UTC().Format(timeFormat),
		traceID,
	)
	if err != nil {
		return fmt.Errorf("updating query: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("recorded query finish", "trace_id", traceID, "status", o.Status)
	return nil
}

// RecordToolCall appends a tool result observation.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, call *ToolCall) error {
	created := call.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	success := 0
	if call.Success {
		success = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_tool_calls (trace_id, tool, success, created_at) VALUES (?, ?, ?, ?)`,
		call.TraceID, call.Tool, success, created.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting tool call: %w", err)
	}
	return nil
}

const querySelect = `
	SELECT trace_id, connection_id, agent_id, agent_name, model, store_id, status,
	       turns, input_tokens, output_tokens, total_cost, error, started_at, finished_at
	FROM queries
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuery(row rowScanner) (*QueryRecord, error) {
	var (
		q                                 QueryRecord
		agentID, agentName, storeID, errS sql.NullString
		cost                              sql.NullFloat64
		startedAt                         string
		finishedAt                        sql.NullString
	)
	err := row.Scan(
		&q.TraceID, &q.ConnectionID, &agentID, &agentName, &q.Model, &storeID, &q.Status,
		&q.Turns, &q.InputTokens, &q.OutputTokens, &cost, &errS, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	q.AgentID = agentID.String
	q.AgentName = agentName.String
	q.StoreID = storeID.String
	q.Error = errS.String
	if cost.Valid {
		v := cost.Float64
		q.TotalCost = &v
	}

	q.StartedAt, err = time.Parse(timeFormat, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(timeFormat, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		q.FinishedAt = &t
	}
	return &q, nil
}

// GetQuery retrieves one query by trace id.
func (s *SQLiteStore) GetQuery(ctx context.Context, traceID string) (*QueryRecord, error) {
	q, err := scanQuery(s.db.QueryRowContext(ctx, querySelect+` WHERE trace_id = ?`, traceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying query: %w", err)
	}
	return q, nil
}

// ListQueries returns the most recent queries, newest first.
func (s *SQLiteStore) ListQueries(ctx context.Context, limit int) ([]*QueryRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, querySelect+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}
	defer rows.Close()

	var out []*QueryRecord
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning query: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ListToolCalls returns the tool calls of a query in order.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, traceID string) ([]*ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trace_id, tool, success, created_at FROM query_tool_calls WHERE trace_id = ? ORDER BY id`, traceID)
	if err != nil {
		return nil, fmt.Errorf("listing tool calls: %w", err)
	}
	defer rows.Close()

	var out []*ToolCall
	for rows.Next() {
		var (
			c       ToolCall
			success int
			created string
		)
		if err := rows.Scan(&c.TraceID, &c.Tool, &success, &created); err != nil {
			return nil, fmt.Errorf("scanning tool call: %w", err)
		}
		c.Success = success == 1
		if c.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// SummarizeUsage aggregates token and cost counters for queries started since.
func (s *SQLiteStore) SummarizeUsage(ctx context.Context, since time.Time) (*UsageSummary, error) {
	var sum UsageSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(total_cost), 0)
		FROM queries
		WHERE started_at >= ?
	`, since.UTC().Format(timeFormat)).Scan(&sum.Queries, &sum.InputTokens, &sum.OutputTokens, &sum.TotalCost)
	if err != nil {
		return nil, fmt.Errorf("summarizing usage: %w", err)
	}
	return &sum, nil
}

// MarkInterrupted closes queries left running by a previous process.
func (s *SQLiteStore) MarkInterrupted(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queries SET status = ?, finished_at = ? WHERE status = ?`,
		StatusInterrupted, time.Now().UTC().Format(timeFormat), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("marking interrupted queries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("marked interrupted queries", "count", n)
	}
	return n, nil
}
