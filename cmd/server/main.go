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
		Use:   "relaychat",
		Short: "Real-time text broadcast relay",
		Long: `relaychat relays short text messages between connected clients.

Clients connect over TCP (or the optional WebSocket and QUIC gateways),
send a display name, then exchange {"text": "..."} messages that are
fanned out to every other connected client.`,
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
