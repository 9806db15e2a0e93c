// ABOUTME: The serve command: prints the banner, loads config, and runs the gateway until signalled.
// ABOUTME: --fake-agent swaps the agent process for a scripted in-process engine for local client work.

package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/query-gateway/internal/config"
	"github.com/2389/query-gateway/internal/engine"
	"github.com/2389/query-gateway/internal/gateway"
)

const banner = `
                                                   _
  __ _ _  _ ___ _ _ _  _ ___ __ _ __ _| |_ _____ __ ____ _ _  _
 / _' | || / -_) '_| || |___/ _' / _' |  _/ -_) V  V / _' | || |
 \__, |\_,_\___|_|  \_, |   \__, \__,_|\__\___|\_/\_/\__,_|\_, |
    |_|             |__/    |___/                          |__/
`

var fakeAgent bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&fakeAgent, "fake-agent", false, "answer queries with a scripted engine instead of the agent binary")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := cmd.OutOrStdout()
	color.New(color.FgCyan).Fprint(out, banner)
	color.New(color.FgHiBlack).Fprintf(out, "    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, out)
	printStartup(out, cfg, configPath)

	logger.Info("starting query-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"registry_source", cfg.Registry.Source,
	)

	opts := []gateway.Option{gateway.WithVersion(version)}
	if fakeAgent {
		logger.Warn("fake agent enabled, queries will not reach a model")
		opts = append(opts, gateway.WithEngine(fakeEngine()))
	}

	gw, err := gateway.New(cfg, logger, opts...)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func printStartup(w io.Writer, cfg *config.Config, configPath string) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	line := func(label, value string) {
		green.Fprint(w, "    ▶ ")
		printf(w, "%-10s %s\n", label+":", value)
	}

	line("Config", configPath)
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	line("Registry", cfg.Registry.Source)
	line("Ledger", cfg.Database.Path)
	line("Model", cfg.Agent.DefaultModel)

	if cfg.Tailscale.Enabled {
		green.Fprint(w, "    ▶ ")
		printf(w, "%-10s ", "Tailscale:")
		cyan.Fprint(w, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(w, " (ephemeral)")
		}
		printf(w, "\n")
	}
	if cfg.Metrics.Enabled {
		line("Metrics", cfg.Metrics.Path)
	}
	printf(w, "\n")
}

// fakeEngine echoes a short canned answer with one tool round trip.
func fakeEngine() engine.Engine {
	return &engine.ScriptedEngine{
		Delay: 150 * time.Millisecond,
		Script: []engine.Event{
			engine.Init{SessionID: "fake", Model: "fake-agent"},
			engine.TextDelta{Text: "This is the fake agent. "},
			engine.ToolStart{ID: "toolu_fake", Name: "mcp__gateway__echo", Input: []byte(`{"text":"hello"}`)},
			engine.ToolResult{ToolUseID: "toolu_fake", Content: `{"text":"hello"}`},
			engine.TextDelta{Text: "No model was contacted."},
			engine.Result{Status: "success", Turns: 1, InputTokens: 12, OutputTokens: 9},
		},
	}
}

// withTimeout bounds calls to a running gateway.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 10*time.Second)
}
