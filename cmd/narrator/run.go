package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexusnarrative/narrator/internal/assemble"
	"github.com/nexusnarrative/narrator/internal/config"
	"github.com/nexusnarrative/narrator/internal/driver"
	"github.com/nexusnarrative/narrator/internal/narrative"
	"github.com/nexusnarrative/narrator/internal/processor"
	"github.com/nexusnarrative/narrator/internal/ratelimit"
	"github.com/nexusnarrative/narrator/internal/repository"
	"github.com/nexusnarrative/narrator/internal/storage"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// openRepository picks Postgres when DATABASE_URL is set, else the local
// SQLite file.
func openRepository(ctx context.Context, cfg *config.Config) (*repository.Store, error) {
	if cfg.DatabaseURL != "" {
		return repository.NewPostgres(ctx, cfg.DatabaseURL)
	}
	return repository.NewSQLite(ctx, config.AppName+".db")
}

func newRunCmd() *cobra.Command {
	var (
		narrativePath  string
		narrativeName  string
		backend        string
		apiKey         string
		model          string
		save           bool
		processDiscord bool
		configPath     string
		overrides      config.TierOverrides
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a narrative against an LLM backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			file, err := narrative.LoadFile(narrativePath)
			if err != nil {
				return err
			}
			selected, err := file.Select(narrativeName)
			if err != nil {
				return err
			}

			tier, err := cfg.ResolveTier(backend, overrides)
			if err != nil {
				return err
			}
			detector := ratelimit.NewDetector()
			limiter, err := ratelimit.NewLimiter(tier)
			if err != nil {
				return err
			}

			registry := driver.NewRegistry()
			drv, err := registry.New(ctx, backend, driver.Options{
				APIKey:     apiKey,
				Model:      model,
				RetryDelay: time.Second,
				Detector:   detector,
			})
			if err != nil {
				return err
			}
			limited := driver.NewLimitedDriver(drv, limiter)

			repo, err := openRepository(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			actor := storage.NewActor(repo.DB(), repo.Dialect())
			defer actor.Close()

			processors := processor.NewRegistry(slog.Default())
			contentGen := processor.NewContentGeneration(actor, narrativePath)
			if processDiscord {
				contentGen = contentGen.WithTarget("discord_messages")
			}
			processors.Register(contentGen)

			executorOpts := []narrative.ExecutorOption{
				narrative.WithProcessors(processors),
				narrative.WithResolver(narrative.NewResolver(file)),
			}
			if selected.Metadata.Template != "" {
				executorOpts = append(executorOpts,
					narrative.WithAssembler(assemble.NewSchemaAssembler(repo.DB(), repo.Dialect(), selected.Metadata.Template)))
			}
			executor := narrative.NewExecutor(limited, executorOpts...)

			execution, execErr := executor.Execute(ctx, selected)
			if detected, ok := detector.Last(backend); ok {
				effective := ratelimit.LowerOf(tier, detected)
				if effective != tier {
					slog.Info("provider headers report a lower tier than the configured one",
						"configured", tier.Name, "detected", detected.Name)
				}
			}
			if save && execution != nil {
				if _, saveErr := repo.SaveExecution(ctx, execution); saveErr != nil {
					slog.Error("failed to save execution", "error", saveErr)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "saved execution", execution.ID)
				}
			}
			if execErr != nil {
				return execErr
			}

			for _, act := range execution.ActExecutions {
				fmt.Fprintf(cmd.OutOrStdout(), "=== %s ===\n%s\n\n", act.ActName, act.Response)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&narrativePath, "narrative", "", "path to the narrative TOML file")
	cmd.Flags().StringVar(&narrativeName, "name", "", "narrative to select from a multi-narrative file")
	cmd.Flags().StringVar(&backend, "backend", "anthropic", "LLM backend (anthropic, openai, google, bedrock)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key override for the backend")
	cmd.Flags().StringVar(&model, "model", "", "model override for the backend")
	cmd.Flags().BoolVar(&save, "save", false, "persist the execution")
	cmd.Flags().BoolVar(&processDiscord, "process-discord", false, "extract content into the discord_messages table")
	cmd.Flags().StringVar(&configPath, "config", "", "path to the config file")
	cmd.Flags().StringVar(&overrides.Tier, "tier", "", "rate-limit tier name")
	cmd.Flags().Uint64Var(&overrides.RPM, "rpm", 0, "requests-per-minute override")
	cmd.Flags().Uint64Var(&overrides.TPM, "tpm", 0, "tokens-per-minute override")
	cmd.Flags().Uint64Var(&overrides.RPD, "rpd", 0, "requests-per-day override")
	cmd.Flags().IntVar(&overrides.MaxConcurrent, "max-concurrent", 0, "concurrency override")
	cmd.Flags().BoolVar(&overrides.NoRateLimit, "no-rate-limit", false, "disable rate limiting")
	cmd.MarkFlagRequired("narrative")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		nameFilter string
		limit      int
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored narrative executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			repo, err := openRepository(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			summaries, err := repo.ListExecutions(ctx, models.ExecutionFilter{
				NarrativeName: nameFilter,
				Limit:         limit,
			})
			if err != nil {
				return err
			}
			for _, s := range summaries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-24s %-10s acts=%d  %s\n",
					s.ID, s.NarrativeName, s.Status, s.ActCount, s.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&nameFilter, "name", "", "filter by narrative name")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum rows")
	cmd.Flags().StringVar(&configPath, "config", "", "path to the config file")
	return cmd
}

func newShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one stored execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			repo, err := openRepository(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			execution, err := repo.LoadExecution(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(execution, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the config file")
	return cmd
}

func newTUICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui <table>",
		Short: "Launch the terminal review UI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("the terminal UI is not included in this build; use `narrator content list %s`", args[0])
		},
	}
}
