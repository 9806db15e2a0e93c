// Package store persists the gateway's query ledger in SQLite.
//
// # Overview
//
// Every admitted query gets one row in the queries table, written when the
// query starts and updated when it reaches a terminal state. Tool results
// observed during the query are appended to query_tool_calls.
//
// Ledger writes are best-effort from the caller's point of view: the session
// logs a failed write and carries on with the query.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode, schema created on open
//   - MockStore: in-memory, for tests
//
// # Restart Handling
//
// Queries cannot survive a restart. MarkInterrupted, called at startup,
// closes rows that a previous process left in the running state.
package store
