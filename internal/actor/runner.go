package actor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/internal/schema"
)

// SkillFailure pairs a failed skill with its final error.
type SkillFailure struct {
	Skill string
	Err   error
}

// Result collects one actor run's outcome.
type Result struct {
	Actor     string
	Succeeded []Output
	Failed    []SkillFailure
	Skipped   []string
	StartedAt time.Time
	Duration  time.Duration
}

// Runner executes actors once: load knowledge, then run each skill under
// the retry policy.
type Runner struct {
	db      *sql.DB
	dialect schema.Dialect
	skills  map[string]Skill
	logger  *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger configures the runner logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRunnerDialect sets the SQL dialect knowledge tables live in.
func WithRunnerDialect(d schema.Dialect) RunnerOption {
	return func(r *Runner) {
		if d != "" {
			r.dialect = d
		}
	}
}

// NewRunner builds a runner over a skill registry.
func NewRunner(db *sql.DB, skills []Skill, opts ...RunnerOption) *Runner {
	r := &Runner{
		db:      db,
		dialect: schema.DialectPostgres,
		skills:  make(map[string]Skill, len(skills)),
		logger:  slog.Default(),
	}
	for _, s := range skills {
		r.skills[s.Name()] = s
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ExecuteOnce performs one full actor run.
func (r *Runner) ExecuteOnce(ctx context.Context, cfg *Config, platform Platform) (*Result, error) {
	logger := r.logger.With("actor", cfg.Name)
	result := &Result{Actor: cfg.Name, StartedAt: time.Now()}
	defer func() { result.Duration = time.Since(result.StartedAt) }()

	knowledge, err := r.loadKnowledge(ctx, cfg, logger)
	if err != nil {
		return result, err
	}

	for _, skillName := range cfg.Skills {
		skillCfg := cfg.SkillConfigs[skillName]
		if !skillCfg.IsEnabled() {
			logger.Info("skill disabled, skipping", "skill", skillName)
			result.Skipped = append(result.Skipped, skillName)
			continue
		}

		skill, ok := r.skills[skillName]
		if !ok {
			err := apperr.NotFound("actor.run", "skill", skillName)
			result.Failed = append(result.Failed, SkillFailure{Skill: skillName, Err: err})
			if cfg.Execution.StopOnUnrecoverable {
				return result, err
			}
			continue
		}

		sctx := &SkillContext{
			Knowledge: knowledge,
			Config:    skillCfg,
			Platform:  platform,
			DB:        r.db,
			Logger:    logger.With("skill", skillName),
		}
		output, err := r.invokeWithRetry(ctx, cfg, skill, sctx)
		if err != nil {
			result.Failed = append(result.Failed, SkillFailure{Skill: skillName, Err: err})
			recoverable := Recoverable(err)
			if !recoverable && cfg.Execution.StopOnUnrecoverable {
				return result, err
			}
			if recoverable && !cfg.Execution.ContinueOnError {
				return result, err
			}
			continue
		}
		if output != nil {
			result.Succeeded = append(result.Succeeded, *output)
		}
	}
	return result, nil
}

// invokeWithRetry retries recoverable failures up to the configured
// budget; unrecoverable failures return immediately.
func (r *Runner) invokeWithRetry(ctx context.Context, cfg *Config, skill Skill, sctx *SkillContext) (*Output, error) {
	attempts := cfg.Execution.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		output, err := skill.Execute(ctx, sctx)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if !Recoverable(err) {
			return nil, err
		}
		sctx.Logger.Warn("skill attempt failed", "attempt", attempt, "of", attempts, "error", err)
	}
	return nil, fmt.Errorf("skill %s failed after %d attempts: %w", skill.Name(), attempts, lastErr)
}

// loadKnowledge reads every knowledge table into memory. Missing tables
// warn unless the actor stops on unrecoverable failures.
func (r *Runner) loadKnowledge(ctx context.Context, cfg *Config, logger *slog.Logger) (map[string][]map[string]any, error) {
	knowledge := make(map[string][]map[string]any, len(cfg.Knowledge))
	for _, table := range cfg.Knowledge {
		if err := schema.ValidateIdentifier(table); err != nil {
			return nil, err
		}
		exists, err := schema.TableExists(ctx, r.db, r.dialect, table)
		if err != nil {
			return nil, err
		}
		if !exists {
			if cfg.Execution.StopOnUnrecoverable {
				return nil, apperr.NotFound("actor.knowledge", "table", table)
			}
			logger.Warn("knowledge table missing", "table", table)
			continue
		}

		rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+table)
		if err != nil {
			return nil, apperr.New(apperr.KindQuery, "actor.knowledge", err, map[string]any{"table": table})
		}
		loaded, err := schema.RowsToMaps(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		knowledge[table] = loaded
		logger.Debug("loaded knowledge table", "table", table, "rows", len(loaded))
	}
	return knowledge, nil
}
