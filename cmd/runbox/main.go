// Runbox: session and terminal orchestration for sandboxed code execution.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "Runbox runs sandboxed code execution sessions over HTTP, WebSocket and MCP.",
	Long: `Runbox runs user code and terminal commands inside per-session sandboxes.
Each session owns one isolated container with a persistent working directory,
reachable through the HTTP API, an interactive terminal WebSocket and MCP tools.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, execCmd, attachCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
