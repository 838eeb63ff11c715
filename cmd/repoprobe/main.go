// RepoProbe — sandboxed git bisect as a service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "repoprobe",
	Short: "RepoProbe — find the first bad commit, safely.",
	Long: `RepoProbe runs git bisect against a user-supplied test command inside an
isolated, network-less container. Repositories are cloned once into a shared
cache and reused across jobs; results are served over HTTP, WebSocket, and MCP.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, bisectCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
