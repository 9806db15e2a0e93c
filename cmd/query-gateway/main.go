// ABOUTME: Entry point for query-gateway, the WebSocket front door for tool-using agent queries.
// ABOUTME: Wires the cobra root command and its persistent --config flag.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "query-gateway",
	Short:         "WebSocket gateway for tool-using agent queries",
	Long:          "query-gateway accepts queries from desktop clients over WebSocket, runs them through an agent process, and exposes the configured tool registry to that agent over MCP.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $QUERY_GATEWAY_CONFIG or ~/.config/query-gateway/gateway.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
