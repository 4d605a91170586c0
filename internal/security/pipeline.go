package security

import (
	"context"
	"log/slog"

	"github.com/nexusnarrative/narrator/internal/approval"
)

// ApprovalActionParam carries an already-created pending action's id back
// through a retried command.
const ApprovalActionParam = "_approval_action_id"

// PipelineConfig wires the five layers together.
type PipelineConfig struct {
	Permissions     PermissionConfig
	ContentFilter   ContentFilterConfig
	RateLimits      map[string]RateLimitRule
	RequireApproval map[string]bool
}

// Pipeline runs the five security layers in order. A failure at layer k
// stops layers k+1..5 and the gated operation.
type Pipeline struct {
	permissions *PermissionChecker
	validator   Validator
	content     *ContentFilter
	rates       *CommandRateLimiter
	approvals   *approval.Workflow
	require     map[string]bool
	logger      *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithValidator swaps the structural validator.
func WithValidator(v Validator) PipelineOption {
	return func(p *Pipeline) {
		if v != nil {
			p.validator = v
		}
	}
}

// WithLogger configures the pipeline logger.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline builds a pipeline. approvals may be shared with the surface
// that decides pending actions.
func NewPipeline(cfg PipelineConfig, approvals *approval.Workflow, opts ...PipelineOption) (*Pipeline, error) {
	content, err := NewContentFilter(cfg.ContentFilter)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		permissions: NewPermissionChecker(cfg.Permissions),
		validator:   ChatValidator{},
		content:     content,
		rates:       NewCommandRateLimiter(cfg.RateLimits),
		approvals:   approvals,
		require:     cfg.RequireApproval,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Approvals exposes the shared workflow for deciding surfaces.
func (p *Pipeline) Approvals() *approval.Workflow { return p.approvals }

// CheckSecurity runs all five layers for one command invocation. A nil,
// nil return means the command may execute. A non-nil action id with a
// nil error means the command was parked pending approval; re-invoke
// with ApprovalActionParam set once it is decided.
func (p *Pipeline) CheckSecurity(narrativeID, command string, params map[string]string) (*string, error) {
	if err := p.permissions.Check(command, params); err != nil {
		return nil, err
	}
	if err := p.validator.Validate(command, params); err != nil {
		return nil, err
	}
	if content, ok := params["content"]; ok {
		if err := p.content.Check(content); err != nil {
			return nil, err
		}
	}
	if err := p.rates.Check(command); err != nil {
		return nil, err
	}

	if p.require[command] && p.approvals != nil {
		if actionID, ok := params[ApprovalActionParam]; ok {
			return nil, p.approvals.CheckApproval(actionID)
		}
		action := p.approvals.CreatePendingAction(narrativeID, command, params, "command requires approval")
		p.logger.Info("command parked for approval",
			"narrative", narrativeID, "command", command, "action_id", action.ID)
		return &action.ID, nil
	}
	return nil, nil
}

// Execute gates fn behind the pipeline. When the command parks for
// approval, fn does not run and the pending action id is returned.
func (p *Pipeline) Execute(ctx context.Context, narrativeID, command string, params map[string]string, fn func(context.Context) error) (*string, error) {
	actionID, err := p.CheckSecurity(narrativeID, command, params)
	if err != nil {
		return nil, err
	}
	if actionID != nil {
		return actionID, nil
	}
	return nil, fn(ctx)
}
