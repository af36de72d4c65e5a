package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coedit",
		Short: "Real-time collaborative document synchronization server",
		Long: `Coedit is a synchronization server for collaborative documents.

Clients connect over WebSocket, exchange CRDT updates through a compact
binary protocol, and converge on the same document state. Features:

  • Conflict-free merging of concurrent edits
  • Presence (awareness) propagation between peers
  • Pluggable persistence: memory, bbolt, Redis, PostgreSQL
  • Debounced webhook notifications on document change
  • Application message relay between clients`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coedit %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
