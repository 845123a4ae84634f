package main

import (
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vibecodejam/proctor/internal/trace"
)

var generateFlags struct {
	out      string
	scenario string
	seed     int64
	duration int64 // milliseconds
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a synthetic telemetry trace",
	Long: `Generates an NDJSON trace for one of the built-in scenarios:

  honest   - typing-dominated session, small self-pastes, camera steady
  cheater  - large external pastes, DevTools activity, helper extension,
             candidate leaving the frame`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&generateFlags.out, "out", "o", "-", "output file (- for stdout)")
	generateCmd.Flags().StringVar(&generateFlags.scenario, "scenario", "cheater", "scenario: honest or cheater")
	generateCmd.Flags().Int64Var(&generateFlags.seed, "seed", 1, "random seed")
	generateCmd.Flags().Int64Var(&generateFlags.duration, "duration", 60_000, "trace duration in milliseconds")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(_ *cobra.Command, _ []string) error {
	var records []trace.Record
	rng := rand.New(rand.NewSource(generateFlags.seed))

	switch generateFlags.scenario {
	case "honest":
		records = honestScenario(rng, generateFlags.duration)
	case "cheater":
		records = cheaterScenario(rng, generateFlags.duration)
	default:
		return fmt.Errorf("unknown scenario %q", generateFlags.scenario)
	}

	out := os.Stdout
	if generateFlags.out != "-" {
		f, err := os.Create(generateFlags.out)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		out = f
	}

	w := trace.NewWriter(out)
	for _, r := range records {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

func honestScenario(rng *rand.Rand, duration int64) []trace.Record {
	records := []trace.Record{
		{At: 0, Kind: trace.KindViewport, Viewport: &trace.ViewportRecord{Width: 1440, Height: 850}},
		{At: 0, Kind: trace.KindFrame, Frame: &trace.FrameRecord{Faces: 1}},
	}

	// The candidate occasionally copies their own code and pastes it back.
	at := int64(2000)
	for at < duration {
		snippet := "result = solve(input_data)"
		records = append(records,
			trace.Record{At: at, Kind: trace.KindClipboard,
				Clipboard: &trace.ClipboardRecord{Kind: "copy", Text: snippet}},
			trace.Record{At: at + 800, Kind: trace.KindClipboard,
				Clipboard: &trace.ClipboardRecord{Kind: "paste", Text: snippet}},
		)
		at += 8000 + rng.Int63n(8000)
	}
	return records
}

func cheaterScenario(rng *rand.Rand, duration int64) []trace.Record {
	generated := strings.Repeat("def helper(arr):\n    return sorted(arr)[::-1]\n", 10)
	falseV := false
	trueV := true

	records := []trace.Record{
		{At: 0, Kind: trace.KindViewport, Viewport: &trace.ViewportRecord{Width: 1440, Height: 850}},
		{At: 0, Kind: trace.KindFrame, Frame: &trace.FrameRecord{Faces: 1}},
		// Helper extension injects its widget early.
		{At: 1500, Kind: trace.KindDOM, DOM: &trace.DOMRecord{
			Selectors: []string{`div[class*="chatgpt-sidebar"]`},
			Scripts:   []trace.ScriptRecord{{Src: "chrome-extension://abcdef/content.js"}},
		}},
		// DevTools opened by shortcut, viewport loses dock height.
		{At: 5000, Kind: trace.KindChord, Chord: "F12"},
		{At: 5200, Kind: trace.KindViewport, Viewport: &trace.ViewportRecord{Width: 1440, Height: 540}},
		// Tab-out to the assistant and back.
		{At: 9000, Kind: trace.KindFocus, Focused: &falseV},
		{At: 9000, Kind: trace.KindTab},
		{At: 9050, Kind: trace.KindVisibility, Hidden: &trueV},
		{At: 9700, Kind: trace.KindFocus, Focused: &trueV},
		// The generated answer arrives as one large external paste.
		{At: 11000, Kind: trace.KindClipboard, Clipboard: &trace.ClipboardRecord{Kind: "paste", Text: generated}},
		// Candidate leaves the frame while "thinking".
		{At: 15000, Kind: trace.KindFrame, Frame: &trace.FrameRecord{Faces: 0}},
		{At: 22000, Kind: trace.KindFrame, Frame: &trace.FrameRecord{Faces: 1}},
		{At: 24000, Kind: trace.KindSnapshot, Snapshot: &trace.SnapshotRecord{
			TaskID: "task-1", Code: generated, Language: "python"}},
	}

	// Sporadic smaller pastes for the rest of the trace.
	at := int64(30000)
	for at < duration {
		records = append(records, trace.Record{At: at, Kind: trace.KindClipboard,
			Clipboard: &trace.ClipboardRecord{Kind: "paste",
				Text: strings.Repeat("x = x + 1\n", 25+rng.Intn(20))}})
		at += 10000 + rng.Int63n(10000)
	}
	return records
}
