// Command wschat is a small chat built on the messaging layer: "serve" runs
// a server with key-gated rooms and "dial" connects an interactive client.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "dev"

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "wschat",
		Short: "Chat over WebSocket events, rooms and pending calls",
		Long: `wschat runs a chat server or connects to one.

Messages are JSON envelopes {"event", "data"} over WebSocket text
frames. Clients join rooms with an optional key and call server
responders with pending calls such as "sum" and "join".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		serveCmd(&verbose),
		dialCmd(&verbose),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}
