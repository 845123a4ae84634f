// proctor-sim - trace replay and generation tool for the proctoring agent
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "proctor-sim",
	Short: "Replay and generate proctoring telemetry traces",
	Long: `proctor-sim drives the proctoring agent with recorded or synthetic
browser telemetry. Traces are NDJSON streams of timestamped observations
(clipboard operations, viewport samples, key chords, DOM snapshots, camera
frames); replay runs the full detector pipeline against a live collector.`,
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
