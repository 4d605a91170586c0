package actor

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// SkillContext is everything a skill gets to work with for one run.
type SkillContext struct {
	// Knowledge maps table name to that table's rows, loaded up front.
	Knowledge map[string][]map[string]any
	// Config is this skill's per-actor configuration.
	Config SkillConfig
	// Platform is the outbound surface as the runner was given it; skills
	// that post route through the security pipeline themselves.
	Platform Platform
	// DB is the shared connection pool for skills that query directly.
	DB *sql.DB
	// Logger is scoped to the actor run.
	Logger *slog.Logger
}

// Output is one skill's successful result.
type Output struct {
	Skill   string         `json:"skill"`
	Summary string         `json:"summary,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Skill is one unit of actor work.
type Skill interface {
	Name() string
	Execute(ctx context.Context, sctx *SkillContext) (*Output, error)
}

// Recoverable classifies a skill failure for the retry policy: transient
// transport, quota and database failures are worth retrying; structural
// and policy failures are not.
func Recoverable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindRateLimited, apperr.KindBackend, apperr.KindQuery, apperr.KindProviderHTTP:
		return true
	case "":
		// Untyped errors default to recoverable, matching the bias of
		// retrying transient platform hiccups.
		return true
	default:
		return false
	}
}
