// Package main provides the CLI entry point for the narrator engine.
//
// Narrator executes scripted multi-act conversations ("narratives")
// against LLM providers, captures their structured output into
// dynamically created tables, and schedules autonomous actors that post
// curated content to external platforms.
//
// # Basic Usage
//
// Run a narrative:
//
//	narrator run --narrative stories/daily.toml --backend anthropic --save
//
// Inspect stored executions:
//
//	narrator list --name daily-digest
//	narrator show <id>
//
// Curate generated content:
//
//	narrator content list potential_posts --status pending
//	narrator content review potential_posts 3 approved
//	narrator content promote potential_posts 3 --target posts
//
// # Environment Variables
//
//   - DATABASE_URL: Postgres DSN; falls back to a local SQLite file when unset
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY / GEMINI_API_KEY: provider credentials
//   - <PROVIDER>_TIER: rate-limit tier override per provider
//   - <PROVIDER>_MODEL: default model override per provider
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:           "narrator",
		Short:         "LLM narrative orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newRunCmd(),
		newListCmd(),
		newShowCmd(),
		newContentCmd(),
		newActorCmd(),
		newTUICmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
