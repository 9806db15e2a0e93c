// Package config handles configuration loading for query-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion, defaults, and validation.
//
// # Configuration File
//
// Resolution order:
//
//  1. --config flag
//  2. QUERY_GATEWAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/query-gateway/gateway.yaml (or ~/.config/...)
//
// # Environment Variable Expansion
//
//	registry:
//	  credential: "${REGISTRY_SERVICE_KEY}"
//	agent:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:3847"   # WebSocket, health, MCP, metrics
//	  grpc_addr: ""                  # optional gRPC health service
//	  public_url: ""                 # base URL for /mcp, defaults from http_addr
//
//	registry:
//	  source: "http"                 # http or postgres
//	  url: "https://db.example.com/rest/v1/ai_tool_registry"
//	  credential: "${REGISTRY_SERVICE_KEY}"
//	  database_url: ""               # postgres source only
//	  table: "ai_tool_registry"
//	  execute_url: "https://db.example.com/functions/v1/tools-execute"
//	  timeout: "10s"
//	  cache_ttl: "5m"
//
//	agent:
//	  default_model: "claude-sonnet-4-20250514"
//	  api_key: "${ANTHROPIC_API_KEY}"
//	  binary: "claude"
//	  max_turns: 20
//	  permission_mode: "bypassPermissions"
//	  mcp_server_name: "gateway"
//	  tool_timeout: "30s"
//
//	database:
//	  path: "~/.local/share/query-gateway/ledger.db"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
