// ABOUTME: Registry source that reads tool rows directly from Postgres.
// ABOUTME: Uses a pgx pool; the table name is configurable and quoted as an identifier.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource fetches the tool list from a registry table.
type PostgresSource struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

// NewPostgresSource connects a pool to databaseURL. The caller owns Close.
func NewPostgresSource(ctx context.Context, databaseURL, table string, logger *slog.Logger) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to registry database: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSource{pool: pool, table: table, logger: logger}, nil
}

// Name implements Source.
func (s *PostgresSource) Name() string { return "postgres" }

// Fetch implements Source.
func (s *PostgresSource) Fetch(ctx context.Context) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, selectToolsSQL(s.table))
	if err != nil {
		return nil, fmt.Errorf("querying tool registry: %w", err)
	}
	defer rows.Close()

	var out []toolRow
	for rows.Next() {
		var (
			r       toolRow
			schema  string
			enabled bool
		)
		if err := rows.Scan(&r.Name, &r.Category, &r.Description, &schema, &r.HandlerRef, &enabled); err != nil {
			return nil, fmt.Errorf("scanning tool row: %w", err)
		}
		r.InputSchema = json.RawMessage(schema)
		r.Enabled = &enabled
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading tool rows: %w", err)
	}

	return entriesFromRows(out, s.logger), nil
}

// Close releases the pool.
func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}

// selectToolsSQL builds the registry query. Schema-qualified names such as
// "public.ai_tool_registry" are split and quoted part by part.
func selectToolsSQL(table string) string {
	ident := pgx.Identifier(strings.Split(table, ".")).Sanitize()
	return `SELECT name, COALESCE(category, ''), COALESCE(description, ''),
		COALESCE(input_schema::text, '{}'), COALESCE(handler_ref, ''), COALESCE(enabled, true)
		FROM ` + ident + ` ORDER BY name`
}
