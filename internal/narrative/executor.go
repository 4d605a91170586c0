package narrative

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/internal/driver"
	"github.com/nexusnarrative/narrator/internal/processor"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// RefResolver resolves a narrative_ref for composition.
type RefResolver interface {
	Resolve(ref, sourcePath string) (*models.Narrative, error)
}

// PromptAssembler rewrites a content-focus prompt into a full schema
// prompt before the driver sees it. Already-complete prompts pass
// through unchanged.
type PromptAssembler interface {
	Assemble(ctx context.Context, contentFocus string) (string, error)
}

// Executor runs one narrative at a time: acts execute strictly in toc
// order, each seeing the full conversation history of its predecessors.
type Executor struct {
	driver    driver.Driver
	registry  *processor.Registry
	resolver  RefResolver
	assembler PromptAssembler
	logger    *slog.Logger
	now       func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger configures the executor logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithResolver configures composition resolution.
func WithResolver(r RefResolver) ExecutorOption {
	return func(e *Executor) {
		if r != nil {
			e.resolver = r
		}
	}
}

// WithProcessors configures the post-act processor registry.
func WithProcessors(r *processor.Registry) ExecutorOption {
	return func(e *Executor) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithAssembler configures schema-prompt assembly for template-backed
// narratives.
func WithAssembler(a PromptAssembler) ExecutorOption {
	return func(e *Executor) {
		if a != nil {
			e.assembler = a
		}
	}
}

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor builds an executor over the given driver.
func NewExecutor(drv driver.Driver, opts ...ExecutorOption) *Executor {
	e := &Executor{
		driver:   drv,
		registry: processor.NewRegistry(nil),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the narrative to completion. The returned execution is
// sealed: Completed with every act on success, Failed with the partial
// act list and the error text when a driver call fails. Processor
// failures are logged and never fail the narrative.
func (e *Executor) Execute(ctx context.Context, n *models.Narrative) (*models.NarrativeExecution, error) {
	if err := n.Validate(); err != nil {
		return nil, apperr.New(apperr.KindValidation, "narrative.execute", err, map[string]any{"narrative": n.Metadata.Name})
	}

	ex := &models.NarrativeExecution{
		NarrativeName: n.Metadata.Name,
		Status:        models.StatusRunning,
		StartedAt:     e.now(),
	}

	stack := map[string]bool{}
	err := e.run(ctx, n, ex, stack)
	completed := e.now()
	ex.CompletedAt = &completed
	if err != nil {
		ex.Status = models.StatusFailed
		ex.Error = err.Error()
		return ex, err
	}
	ex.Status = models.StatusCompleted
	return ex, nil
}

// run executes n's acts, appending records to ex. stack holds the names
// of narratives currently on the composition path.
func (e *Executor) run(ctx context.Context, n *models.Narrative, ex *models.NarrativeExecution, stack map[string]bool) error {
	name := n.Metadata.Name
	if stack[name] {
		return apperr.CycleDetected("narrative.execute", name)
	}
	stack[name] = true
	defer delete(stack, name)

	var history []models.Message
	total := len(n.TOCOrder)

	for i, actName := range n.TOCOrder {
		cfg, _ := n.Act(actName)

		var response string
		var err error
		inputs := cfg.Inputs
		if cfg.NarrativeRef != "" {
			response, err = e.compose(ctx, cfg.NarrativeRef, n.SourcePath, stack)
		} else {
			inputs, err = e.assembleInputs(ctx, cfg.Inputs)
			if err != nil {
				return err
			}
			history = append(history, models.Message{Role: models.RoleUser, Content: inputs})
			response, err = e.generate(ctx, n, cfg, history)
		}
		if err != nil {
			return err
		}

		record := models.ActExecution{
			ActName:        actName,
			Inputs:         inputs,
			Model:          cfg.Model,
			Temperature:    cfg.Temperature,
			MaxTokens:      cfg.MaxTokens,
			Response:       response,
			SequenceNumber: i,
		}
		ex.ActExecutions = append(ex.ActExecutions, record)

		isLast := i == total-1
		pctx := &processor.Context{
			Act:                 &ex.ActExecutions[len(ex.ActExecutions)-1],
			Metadata:            n.Metadata,
			NarrativeName:       name,
			NarrativeFile:       n.SourcePath,
			IsLastAct:           isLast,
			ShouldExtractOutput: isLast,
		}
		if perr := e.registry.Dispatch(ctx, pctx); perr != nil {
			e.logger.Warn("processors reported failures", "narrative", name, "act", actName, "error", perr)
		}

		// Every act's response joins the running history, composed acts
		// included, so later acts see everything before them.
		history = append(history, models.Message{
			Role:    models.RoleAssistant,
			Content: []models.Input{models.TextInput(response)},
		})
	}
	return nil
}

// assembleInputs runs text inputs through the prompt assembler, leaving
// media inputs alone. The returned slice is what the act record keeps.
func (e *Executor) assembleInputs(ctx context.Context, inputs []models.Input) ([]models.Input, error) {
	if e.assembler == nil {
		return inputs, nil
	}
	out := make([]models.Input, len(inputs))
	copy(out, inputs)
	for i, in := range out {
		if in.Kind != models.InputText {
			continue
		}
		assembled, err := e.assembler.Assemble(ctx, in.Text)
		if err != nil {
			return nil, err
		}
		out[i].Text = assembled
	}
	return out, nil
}

// compose resolves and runs a nested narrative, returning its acts'
// concatenated output as this act's response.
func (e *Executor) compose(ctx context.Context, ref, sourcePath string, stack map[string]bool) (string, error) {
	if stack[ref] {
		return "", apperr.CycleDetected("narrative.execute", ref)
	}
	if e.resolver == nil {
		return "", apperr.New(apperr.KindConfig, "narrative.execute", nil, map[string]any{
			"reason": "narrative_ref used without a resolver", "ref": ref,
		})
	}
	nested, err := e.resolver.Resolve(ref, sourcePath)
	if err != nil {
		return "", err
	}
	// The resolved narrative may carry its own name; a cycle under either
	// name fails before any driver call.
	if stack[nested.Metadata.Name] {
		return "", apperr.CycleDetected("narrative.execute", nested.Metadata.Name)
	}

	sub := &models.NarrativeExecution{NarrativeName: nested.Metadata.Name}
	if err := e.run(ctx, nested, sub, stack); err != nil {
		return "", err
	}

	parts := make([]string, 0, len(sub.ActExecutions))
	for _, act := range sub.ActExecutions {
		parts = append(parts, act.Response)
	}
	return strings.Join(parts, "\n"), nil
}

// generate performs the act's driver call(s), honouring per-act overrides
// and carousel repetition.
func (e *Executor) generate(ctx context.Context, n *models.Narrative, cfg models.ActConfig, history []models.Message) (string, error) {
	req := driver.GenerateRequest{Messages: history}
	if cfg.Model != nil {
		req.Model = *cfg.Model
	}
	if cfg.Temperature != nil {
		req.Temperature = cfg.Temperature
	}
	if cfg.MaxTokens != nil {
		req.MaxTokens = *cfg.MaxTokens
	}

	carousel := cfg.Carousel
	if carousel == nil {
		carousel = n.Carousel
	}

	drv := e.driver
	iterations := 1
	if carousel != nil {
		iterations = int(carousel.Iterations)
		if limited, ok := drv.(*driver.LimitedDriver); ok {
			scaled, err := limited.Scaled(carousel.BudgetRatio)
			if err != nil {
				return "", err
			}
			drv = scaled
		}
	}

	var outputs []string
	for i := 0; i < iterations; i++ {
		resp, err := drv.Generate(ctx, req)
		if err != nil {
			if de, ok := driver.GetDriverError(err); ok {
				return "", de.AsAppError("narrative.execute")
			}
			return "", err
		}
		outputs = append(outputs, responseText(resp))
	}
	return strings.Join(outputs, "\n"), nil
}

// responseText filters a response to its text outputs, joined by newline.
func responseText(resp *driver.GenerateResponse) string {
	var parts []string
	for _, out := range resp.Outputs {
		if out.Kind == driver.OutputText {
			parts = append(parts, out.Text)
		}
	}
	return strings.Join(parts, "\n")
}
