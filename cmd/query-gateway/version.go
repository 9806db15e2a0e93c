// ABOUTME: The version command.
// ABOUTME: Prints the build version stamped by goreleaser.

package main

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of query-gateway",
	Run: func(cmd *cobra.Command, _ []string) {
		printf(cmd.OutOrStdout(), "query-gateway %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
