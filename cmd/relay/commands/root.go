// Package commands provides the CLI commands for the relay.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel  string
	logPretty bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - resumable server-push event streaming",
	Long: `Relay serves session-scoped, ordered event streams over HTTP/SSE.
Clients that disconnect resume exactly where they left off by replaying
their Last-Event-ID; bounded retention decides how far back that reaches.

Run 'relay serve' to start the server, or 'relay status' to query one.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "Human-readable log output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("relay %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(emitCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
