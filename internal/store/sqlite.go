// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides the query ledger with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS queries (
			trace_id      TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			agent_id      TEXT,
			agent_name    TEXT,
			model         TEXT NOT NULL,
			store_id      TEXT,
			status        TEXT NOT NULL,
			turns         INTEGER NOT NULL DEFAULT 0,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost    REAL,
			error         TEXT,
			started_at    TEXT NOT NULL,
			finished_at   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_queries_started ON queries(started_at);
		CREATE INDEX IF NOT EXISTS idx_queries_status ON queries(status);
		CREATE INDEX IF NOT EXISTS idx_queries_store ON queries(store_id);

		CREATE TABLE IF NOT EXISTS query_tool_calls (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id   TEXT NOT NULL,
			tool       TEXT NOT NULL,
			success    INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (trace_id) REFERENCES queries(trace_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_query_tool_calls_trace ON query_tool_calls(trace_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "queries",
			column: "agent_name",
			apply:  `ALTER TABLE queries ADD COLUMN agent_name TEXT`,
		},
		{
			table:  "queries",
			column: "turns",
			apply:  `ALTER TABLE queries ADD COLUMN turns INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// DB exposes the underlying handle for schema contract tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed")
}

// nullString converts empty strings to NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
