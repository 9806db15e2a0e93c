// ABOUTME: The queries command reads the local query ledger.
// ABOUTME: Lists recent queries with a usage summary, or shows one query and its tool calls.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/query-gateway/internal/store"
)

var (
	queriesLimit int
	queriesSince time.Duration
)

var queriesCmd = &cobra.Command{
	Use:   "queries",
	Short: "List recent queries from the ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openLedger()
		if err != nil {
			return err
		}
		defer s.Close()
		return listQueries(cmd.Context(), cmd.OutOrStdout(), s, queriesLimit, queriesSince)
	},
}

var queriesShowCmd = &cobra.Command{
	Use:   "show <trace-id>",
	Short: "Show one query and the tools it called",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openLedger()
		if err != nil {
			return err
		}
		defer s.Close()
		return showQuery(cmd.Context(), cmd.OutOrStdout(), s, args[0])
	},
}

func init() {
	queriesCmd.Flags().IntVarP(&queriesLimit, "limit", "n", 20, "maximum number of queries to list")
	queriesCmd.Flags().DurationVar(&queriesSince, "since", 24*time.Hour, "window for the usage summary")
	queriesCmd.AddCommand(queriesShowCmd)
	rootCmd.AddCommand(queriesCmd)
}

func openLedger() (store.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := cfg.Database.Path
	if envPath := os.Getenv("QUERY_GATEWAY_DB_PATH"); envPath != "" {
		path = envPath
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return s, nil
}

func listQueries(ctx context.Context, w io.Writer, s store.Store, limit int, since time.Duration) error {
	queries, err := s.ListQueries(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing queries: %w", err)
	}

	if len(queries) == 0 {
		color.New(color.FgYellow).Fprintln(w, "no queries recorded")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		printf(tw, "TRACE\tSTARTED\tSTATUS\tMODEL\tTOKENS\tCOST\n")
		for _, q := range queries {
			printf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				q.TraceID,
				q.StartedAt.Local().Format("2006-01-02 15:04:05"),
				colorStatus(q.Status),
				q.Model,
				q.InputTokens, q.OutputTokens,
				formatCost(q.TotalCost),
			)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	summary, err := s.SummarizeUsage(ctx, time.Now().Add(-since))
	if err != nil {
		return fmt.Errorf("summarizing usage: %w", err)
	}
	printf(w, "\nlast %s: %d queries, %d input / %d output tokens, $%.4f\n",
		since, summary.Queries, summary.InputTokens, summary.OutputTokens, summary.TotalCost)
	return nil
}

func showQuery(ctx context.Context, w io.Writer, s store.Store, traceID string) error {
	q, err := s.GetQuery(ctx, traceID)
	if err != nil {
		return fmt.Errorf("getting query %s: %w", traceID, err)
	}
	calls, err := s.ListToolCalls(ctx, traceID)
	if err != nil {
		return fmt.Errorf("listing tool calls: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Fprintf(w, "Query %s\n", q.TraceID)
	printf(w, "  Status:     %s\n", colorStatus(q.Status))
	printf(w, "  Model:      %s\n", q.Model)
	if q.StoreID != "" {
		printf(w, "  Store:      %s\n", q.StoreID)
	}
	if q.AgentName != "" {
		printf(w, "  Agent:      %s\n", q.AgentName)
	}
	printf(w, "  Started:    %s\n", q.StartedAt.Local().Format(time.RFC3339))
	if q.FinishedAt != nil {
		printf(w, "  Duration:   %s\n", q.FinishedAt.Sub(q.StartedAt).Round(time.Millisecond))
	}
	printf(w, "  Turns:      %d\n", q.Turns)
	printf(w, "  Tokens:     %d in / %d out\n", q.InputTokens, q.OutputTokens)
	printf(w, "  Cost:       %s\n", formatCost(q.TotalCost))
	if q.Error != "" {
		printf(w, "  Error:      %s\n", color.RedString(q.Error))
	}

	if len(calls) == 0 {
		return nil
	}
	printf(w, "\n")
	cyan.Fprintln(w, "Tool calls")
	for _, c := range calls {
		mark := color.GreenString("✓")
		if !c.Success {
			mark = color.RedString("✗")
		}
		printf(w, "  %s %s  %s\n", mark, c.CreatedAt.Local().Format("15:04:05"), c.Tool)
	}
	return nil
}

func colorStatus(status string) string {
	switch status {
	case "success":
		return color.GreenString(status)
	case store.StatusError, store.StatusInterrupted:
		return color.RedString(status)
	case store.StatusAborted, store.StatusRunning:
		return color.YellowString(status)
	default:
		return status
	}
}

func formatCost(cost *float64) string {
	if cost == nil {
		return "-"
	}
	return fmt.Sprintf("$%.4f", *cost)
}
