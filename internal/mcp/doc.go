// Package mcp exposes a query's tools to the agent process over the Model
// Context Protocol.
//
// # Overview
//
// Every admitted query gets a fresh token bound to a Scope: the query's
// dispatch table plus its store and trace identifiers. The agent process is
// started with an MCP config pointing at /mcp/{token}, so the only tools it
// can list or call are the ones resolved for that query.
//
// # Transport
//
// The endpoint implements the Streamable HTTP transport over POST:
//
//   - initialize creates a session and returns it in Mcp-Session-Id
//   - tools/list returns the scope's tools with their input schemas
//   - tools/call validates arguments and routes through dispatch.Router
//   - notifications are accepted with 202 and no body
//
// GET (server-initiated streams) is not offered. DELETE closes a session.
//
// # Token Lifecycle
//
// Tokens are created when a query starts and revoked when it reaches a
// terminal state. Revoking a token also drops every session opened with it.
package mcp
