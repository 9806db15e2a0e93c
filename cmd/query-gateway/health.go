// ABOUTME: The health command probes a running gateway over HTTP and, when configured, gRPC.
// ABOUTME: Exits non-zero when any probe reports the gateway unhealthy.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/query-gateway/internal/config"
	"github.com/2389/query-gateway/internal/gateway"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check gateway health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(cmd.Context())
		defer cancel()
		return runHealth(ctx, cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

// baseURL is the address the CLI uses to reach a local gateway.
func baseURL(cfg *config.Config) string {
	if cfg.Server.PublicURL != "" {
		return cfg.Server.PublicURL
	}
	return "http://" + cfg.Server.HTTPAddr
}

func runHealth(ctx context.Context, w io.Writer, cfg *config.Config) error {
	base := baseURL(cfg)

	if _, err := httpGet(ctx, base+"/health"); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprint(w, "healthy")

	body, err := httpGet(ctx, base+"/health/ready")
	if err != nil {
		color.New(color.FgYellow).Fprintf(w, " (not ready: %v)\n", err)
	} else {
		printf(w, " (%s)\n", strings.TrimSpace(body))
	}

	if cfg.Server.GRPCAddr == "" {
		return nil
	}
	status, err := checkGRPC(ctx, cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc health check failed: %w", err)
	}
	printf(w, "grpc: %s\n", status)
	if status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health: %s", status)
	}
	return nil
}

func httpGet(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

func checkGRPC(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: gateway.HealthServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
