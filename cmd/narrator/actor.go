package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nexusnarrative/narrator/internal/actor"
	"github.com/nexusnarrative/narrator/internal/approval"
	"github.com/nexusnarrative/narrator/internal/config"
	"github.com/nexusnarrative/narrator/internal/security"
)

func platformToken(platform string) string {
	switch platform {
	case "discord":
		return os.Getenv("DISCORD_BOT_TOKEN")
	case "slack":
		return os.Getenv("SLACK_BOT_TOKEN")
	case "telegram":
		return os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	return ""
}

func buildPipeline() (*security.Pipeline, error) {
	return security.NewPipeline(security.PipelineConfig{
		Permissions: security.PermissionConfig{AllowAllByDefault: true},
		ContentFilter: security.DefaultContentFilterConfig(),
		RateLimits: map[string]security.RateLimitRule{
			"discord.msg.send":  {MaxTokens: 30, WindowSecs: 60, Burst: 5},
			"slack.msg.send":    {MaxTokens: 30, WindowSecs: 60, Burst: 5},
			"telegram.msg.send": {MaxTokens: 30, WindowSecs: 60, Burst: 5},
		},
	}, approval.NewWorkflow())
}

func newActorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Run scheduled autonomous actors",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file")

	runCmd := &cobra.Command{
		Use:   "run <actor.yaml>",
		Short: "Execute one actor immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			actorCfg, err := actor.LoadConfig(args[0])
			if err != nil {
				return err
			}
			repo, err := openRepository(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			pipeline, err := buildPipeline()
			if err != nil {
				return err
			}

			var platform actor.Platform
			if actorCfg.Platform != "" {
				platform, err = actor.NewPlatform(actorCfg.Platform, platformToken(actorCfg.Platform))
				if err != nil {
					return err
				}
			}

			runner := actor.NewRunner(repo.DB(), []actor.Skill{actor.NewPostContent(pipeline)},
				actor.WithRunnerDialect(repo.Dialect()))
			result, err := runner.ExecuteOnce(ctx, actorCfg, platform)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "actor %s: %d succeeded, %d failed, %d skipped (%s)\n",
				result.Actor, len(result.Succeeded), len(result.Failed), len(result.Skipped), result.Duration)
			for _, failure := range result.Failed {
				fmt.Fprintf(cmd.OutOrStdout(), "  failed %s: %v\n", failure.Skill, failure.Err)
			}
			return nil
		},
	}

	var stateFile string
	serveCmd := &cobra.Command{
		Use:   "serve <actors-dir>",
		Short: "Schedule every actor in a directory and run until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			actors, err := actor.LoadConfigDir(args[0])
			if err != nil {
				return err
			}
			if len(actors) == 0 {
				return fmt.Errorf("no actor definitions in %s", args[0])
			}
			repo, err := openRepository(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			pipeline, err := buildPipeline()
			if err != nil {
				return err
			}
			states, err := actor.NewJSONFileState(stateFile)
			if err != nil {
				return err
			}

			runner := actor.NewRunner(repo.DB(), []actor.Skill{actor.NewPostContent(pipeline)},
				actor.WithRunnerDialect(repo.Dialect()))
			scheduler := actor.NewScheduler()

			for _, actorCfg := range actors {
				actorCfg := actorCfg
				var platform actor.Platform
				if actorCfg.Platform != "" {
					platform, err = actor.NewPlatform(actorCfg.Platform, platformToken(actorCfg.Platform))
					if err != nil {
						return err
					}
				}
				err := scheduler.Schedule(actorCfg.Name, actorCfg.Schedule, func(taskCtx context.Context) {
					result, runErr := runner.ExecuteOnce(taskCtx, actorCfg, platform)
					if runErr != nil {
						fmt.Fprintf(os.Stderr, "actor %s failed: %v\n", actorCfg.Name, runErr)
						return
					}
					if state, mErr := json.Marshal(result); mErr == nil {
						_ = states.SaveState(taskCtx, actorCfg.Name, state)
					}
				})
				if err != nil {
					return err
				}
			}

			// Graceful shutdown on interrupt.
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			scheduler.Stop()
			return nil
		},
	}
	serveCmd.Flags().StringVar(&stateFile, "state-file", "narrator-actors.json", "task state persistence file")

	cmd.AddCommand(runCmd, serveCmd)
	return cmd
}
