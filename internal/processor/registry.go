// Package processor runs post-act hooks over freshly executed narrative
// acts. Processors inspect an act's output and side-effect on storage;
// their failures are reported to the caller in aggregate but never abort
// the narrative that produced the act.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nexusnarrative/narrator/pkg/models"
)

// Context is the read-only view a processor gets of the just-completed act.
type Context struct {
	Act           *models.ActExecution
	Metadata      models.NarrativeMetadata
	NarrativeName string
	NarrativeFile string

	IsLastAct           bool
	ShouldExtractOutput bool
}

// ActProcessor is one post-act hook.
type ActProcessor interface {
	// Name identifies the processor in logs and aggregated errors.
	Name() string
	// ShouldProcess reports whether this processor applies to the act.
	ShouldProcess(pctx *Context) bool
	// Process runs the hook.
	Process(ctx context.Context, pctx *Context) error
}

// Registry dispatches to processors in registration order.
type Registry struct {
	processors []ActProcessor
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register appends a processor to the dispatch order.
func (r *Registry) Register(p ActProcessor) {
	if p != nil {
		r.processors = append(r.processors, p)
	}
}

// Dispatch runs every matching processor, never short-circuiting: a
// failing processor does not prevent later ones from running. All
// failures come back as one aggregated error.
func (r *Registry) Dispatch(ctx context.Context, pctx *Context) error {
	var failures []string
	for _, p := range r.processors {
		if !p.ShouldProcess(pctx) {
			continue
		}
		r.logger.Debug("running processor", "processor", p.Name(), "act", pctx.Act.ActName)
		if err := p.Process(ctx, pctx); err != nil {
			r.logger.Warn("processor failed", "processor", p.Name(), "act", pctx.Act.ActName, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
		}
	}
	if len(failures) > 0 {
		return errors.New(strings.Join(failures, "; "))
	}
	return nil
}
