package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "routerstream",
		Short: "Real-time stream broker for router devices",
		Long: `routerstream multiplexes browser WebSocket subscriptions onto shared
device streams. Identical subscriptions share one device-level stream and
one authenticated session per device and credential set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
