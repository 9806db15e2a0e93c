// ABOUTME: The tools command loads the configured registry source and prints its tools.
// ABOUTME: Useful for checking registry credentials and schemas without starting the server.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/query-gateway/internal/config"
	"github.com/2389/query-gateway/internal/gateway"
	"github.com/2389/query-gateway/internal/registry"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools from the configured registry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()
		logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())
		return runTools(ctx, cmd.OutOrStdout(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(ctx context.Context, w io.Writer, cfg *config.Config, logger *slog.Logger) error {
	src, err := gateway.NewSource(ctx, cfg.Registry, logger)
	if err != nil {
		return fmt.Errorf("creating registry source: %w", err)
	}
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}

	cache := registry.NewCache(src, registry.WithLogger(logger))
	if err := cache.Load(ctx); err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}
	return printTools(w, cache.Metadata())
}

func printTools(w io.Writer, tools []registry.Metadata) error {
	if len(tools) == 0 {
		color.New(color.FgYellow).Fprintln(w, "no tools registered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	printf(tw, "NAME\tCATEGORY\tDESCRIPTION\n")
	for _, t := range tools {
		printf(tw, "%s\t%s\t%s\n", t.Name, t.Category, t.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	printf(w, "\n%d tool(s)\n", len(tools))
	return nil
}
