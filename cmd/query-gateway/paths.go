// ABOUTME: Resolves config and data locations for the CLI.
// ABOUTME: Flag beats QUERY_GATEWAY_CONFIG beats the XDG config directory.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/2389/query-gateway/internal/config"
)

// getConfigPath returns the path to the gateway config file.
// Priority: --config flag > QUERY_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/query-gateway/gateway.yaml > ~/.config/query-gateway/gateway.yaml
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("QUERY_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "query-gateway", "gateway.yaml")
}

// loadConfig reads the config file selected by getConfigPath.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath(cfgFile)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}
