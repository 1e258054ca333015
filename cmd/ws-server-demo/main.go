// Command ws-server-demo runs the WebSocket server as a standalone echo
// service: every text message a client sends is broadcast back to all
// connected clients.
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
		Use:   "ws-server-demo",
		Short: "Echo WebSocket server",
		Long: `ws-server-demo runs the embeddable WebSocket server on its own.

Every text message is re-broadcast to every connected client. Idle
clients are dropped after one watchdog period, and Prometheus metrics
are served on a separate address.`,
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
