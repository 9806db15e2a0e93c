// Package gateway orchestrates the query-gateway server components.
//
// # Overview
//
// The gateway owns every process-wide component: the tool registry cache,
// the query resolver, the agent engine, the MCP tool endpoint, the query
// ledger, and the metrics registry. Each accepted WebSocket connection gets
// a session.Session that shares these dependencies and owns its own query
// lifecycle.
//
// # HTTP Surface
//
//   - GET /ws - client WebSocket (ready on connect, then query/abort/ping/get_tools)
//   - GET /health - liveness
//   - GET /health/ready - 200 once the registry has been loaded once
//   - GET /metrics - Prometheus exposition (when metrics.enabled)
//   - POST /mcp/{token} - per-query MCP endpoint used by agent processes
//
// # gRPC
//
// When server.grpc_addr is set, a grpc.health.v1 service mirrors /health/ready
// for supervisors that probe over gRPC.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :80 (and :50051 for gRPC health). Agent processes are pointed at
// the node's tailnet DNS name unless server.public_url is set.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run performs the initial registry load, marks ledger rows left running by a
// previous process as interrupted, and serves until ctx is canceled. Shutdown
// aborts in-flight queries and closes every socket.
package gateway
