package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibecodejam/proctor/internal/extensions"
	"github.com/vibecodejam/proctor/internal/session"
	"github.com/vibecodejam/proctor/internal/trace"
	"github.com/vibecodejam/proctor/internal/transport"
)

var replayFlags struct {
	apiBase       string
	sessionID     string
	speed         float64
	useWebSocket  bool
	batchInterval time.Duration
	withFace      bool
	registry      string
}

var replayCmd = &cobra.Command{
	Use:   "replay <trace.ndjson>",
	Short: "Replay a telemetry trace through the agent against a collector",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayFlags.apiBase, "api", "http://localhost:8000/api/proctoring", "collector API base URL")
	replayCmd.Flags().StringVar(&replayFlags.sessionID, "session", "", "session ID (generated when empty)")
	replayCmd.Flags().Float64Var(&replayFlags.speed, "speed", 10, "replay speed multiplier (0 = as fast as possible)")
	replayCmd.Flags().BoolVar(&replayFlags.useWebSocket, "websocket", true, "deliver events over WebSocket")
	replayCmd.Flags().DurationVar(&replayFlags.batchInterval, "batch-interval", 2*time.Second, "event batch interval")
	replayCmd.Flags().BoolVar(&replayFlags.withFace, "face", true, "enable the simulated camera")
	replayCmd.Flags().StringVar(&replayFlags.registry, "registry", "", "extension fingerprint YAML overlay file")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	records, err := trace.ReadAll(f)
	closeErr := f.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("close trace: %w", closeErr)
	}
	if len(records) == 0 {
		return fmt.Errorf("trace is empty")
	}

	player := trace.NewPlayer()
	cfg := session.Config{
		SessionID:     replayFlags.sessionID,
		APIBase:       replayFlags.apiBase,
		BatchInterval: replayFlags.batchInterval,
		UseWebSocket:  replayFlags.useWebSocket,
		Probe:         player,
		DOM:           player,
		OnRiskUpdate: func(u transport.RiskUpdate) {
			slog.Info("Collector risk update", "score", u.Score, "level", u.Level)
		},
		OnError: func(err error) {
			slog.Warn("Session error", "error", err)
		},
	}
	if replayFlags.withFace {
		cfg.FaceSource = player
		cfg.FaceCounter = player
		cfg.Face.SampleInterval = 500 * time.Millisecond
	}
	if replayFlags.registry != "" {
		fps, err := extensions.LoadRegistry(replayFlags.registry)
		if err != nil {
			return fmt.Errorf("load extension registry: %w", err)
		}
		cfg.Extensions.Registry = fps
	}

	// Fast detector cadences so short traces still exercise the pollers.
	cfg.DevTools.PollInterval = 200 * time.Millisecond
	cfg.Extensions.ScanInterval = 500 * time.Millisecond

	sess := session.New(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	slog.Info("Replaying trace", "session_id", sess.SessionID(),
		"records", len(records), "speed", replayFlags.speed)

	replayErr := player.Replay(ctx, records, sess, replayFlags.speed)

	// Let the pollers observe the final environment state before stopping.
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	sess.Stop()

	if replayErr != nil && replayErr != context.Canceled {
		return fmt.Errorf("replay: %w", replayErr)
	}

	stats := sess.ClipboardStats()
	fmt.Printf("session:    %s\n", sess.SessionID())
	fmt.Printf("risk score: %d (%s)\n", sess.RiskScore(), sess.RiskLevel())
	fmt.Printf("clipboard:  %d copies, %d cuts, %d pastes (%d chars)\n",
		stats.Copies, stats.Cuts, stats.Pastes, stats.TotalPastedChars)
	return nil
}
