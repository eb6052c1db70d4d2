package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/tabhub/cmd/tabhub/commands"
	"github.com/teranos/tabhub/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tabhub",
	Short: "tabhub - browser automation relay hub",
	Long: `tabhub bridges MCP tool clients to a browser extension through a
local websocket hub. Many clients and one extension meet at a single
process that correlates requests and responses.

Available commands:
  serve   - Start a standalone hub on the well-known port
  mcp     - Run an MCP stdio server (connects to the hub, or starts one)
  version - Show version information

Examples:
  tabhub serve                 # Start the hub on port 54321
  tabhub serve --health-port 54322
  tabhub mcp --client-name claude-desktop
  tabhub version --json`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Root().PersistentFlags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of human-readable output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.McpCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
