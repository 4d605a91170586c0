package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/internal/driver"
	"github.com/nexusnarrative/narrator/internal/processor"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// scriptedDriver replies with a fixed string per call and records every
// request it sees.
type scriptedDriver struct {
	requests []driver.GenerateRequest
	replies  []string
	err      error
}

func (d *scriptedDriver) Generate(ctx context.Context, req driver.GenerateRequest) (*driver.GenerateResponse, error) {
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	reply := fmt.Sprintf("reply-%d", len(d.requests))
	if len(d.replies) >= len(d.requests) {
		reply = d.replies[len(d.requests)-1]
	}
	return &driver.GenerateResponse{Outputs: []driver.Output{{Kind: driver.OutputText, Text: reply}}}, nil
}

func (d *scriptedDriver) GenerateStream(ctx context.Context, req driver.GenerateRequest) (<-chan driver.StreamChunk, error) {
	return driver.SingleChunkStream(ctx, d, req)
}

func (d *scriptedDriver) Name() string { return "scripted" }
func (d *scriptedDriver) Model() string { return "scripted-1" }
func (d *scriptedDriver) RateLimits() driver.RateLimitConfig { return driver.RateLimitConfig{} }

func strp(s string) *string { return &s }

func threeActNarrative() *models.Narrative {
	return &models.Narrative{
		Metadata: models.NarrativeMetadata{Name: "counting", SkipContentGeneration: true},
		TOCOrder: []string{"a", "b", "c"},
		Acts: map[string]models.ActConfig{
			"a": {Inputs: []models.Input{models.TextInput("Say 'one'")}, Model: strp("flash-lite")},
			"b": {Inputs: []models.Input{models.TextInput("Say 'two'")}, Model: strp("flash")},
			"c": {Inputs: []models.Input{models.TextInput("Say 'three'")}, Model: strp("pro")},
		},
	}
}

func TestExecuteThreeActsMixedModels(t *testing.T) {
	drv := &scriptedDriver{}
	ex, err := NewExecutor(drv).Execute(context.Background(), threeActNarrative())
	if err != nil {
		t.Fatal(err)
	}

	if ex.Status != models.StatusCompleted {
		t.Fatalf("status = %v", ex.Status)
	}
	if len(ex.ActExecutions) != 3 {
		t.Fatalf("want 3 act executions, got %d", len(ex.ActExecutions))
	}
	wantModels := []string{"flash-lite", "flash", "pro"}
	wantNames := []string{"a", "b", "c"}
	for i, act := range ex.ActExecutions {
		if act.SequenceNumber != i || act.ActName != wantNames[i] {
			t.Errorf("act %d = %q seq %d", i, act.ActName, act.SequenceNumber)
		}
		if act.Model == nil || *act.Model != wantModels[i] {
			t.Errorf("act %d model = %v, want %s", i, act.Model, wantModels[i])
		}
		if drv.requests[i].Model != wantModels[i] {
			t.Errorf("request %d model = %q, want %s", i, drv.requests[i].Model, wantModels[i])
		}
	}
}

func TestExecuteThreadsHistory(t *testing.T) {
	drv := &scriptedDriver{replies: []string{"one", "two", "three"}}
	if _, err := NewExecutor(drv).Execute(context.Background(), threeActNarrative()); err != nil {
		t.Fatal(err)
	}

	// The third request carries both earlier exchanges.
	third := drv.requests[2]
	if len(third.Messages) != 5 {
		t.Fatalf("third request has %d messages", len(third.Messages))
	}
	if third.Messages[1].Role != models.RoleAssistant || third.Messages[1].Content[0].Text != "one" {
		t.Fatalf("message 1 = %+v", third.Messages[1])
	}
	if third.Messages[3].Content[0].Text != "two" {
		t.Fatalf("message 3 = %+v", third.Messages[3])
	}
}

func TestExecuteCarouselIterations(t *testing.T) {
	drv := &scriptedDriver{replies: []string{"alpha", "beta", "gamma"}}
	n := &models.Narrative{
		Metadata: models.NarrativeMetadata{Name: "spin", SkipContentGeneration: true},
		TOCOrder: []string{"spin"},
		Acts: map[string]models.ActConfig{
			"spin": {
				Inputs:   []models.Input{models.TextInput("variations please")},
				Carousel: &models.Carousel{Iterations: 3, BudgetRatio: 0.5},
			},
		},
	}

	ex, err := NewExecutor(drv).Execute(context.Background(), n)
	if err != nil {
		t.Fatal(err)
	}
	if len(drv.requests) != 3 {
		t.Fatalf("want 3 driver calls, got %d", len(drv.requests))
	}
	if ex.ActExecutions[0].Response != "alpha\nbeta\ngamma" {
		t.Fatalf("response = %q", ex.ActExecutions[0].Response)
	}
}

func TestExecuteDriverFailureSealsFailed(t *testing.T) {
	drv := &scriptedDriver{err: errors.New("upstream 503 server error")}
	ex, err := NewExecutor(drv).Execute(context.Background(), threeActNarrative())
	if err == nil {
		t.Fatal("want error")
	}
	if ex.Status != models.StatusFailed || ex.Error == "" {
		t.Fatalf("execution = %+v", ex)
	}
	if len(ex.ActExecutions) != 0 {
		t.Fatalf("failed first act should leave no records, got %d", len(ex.ActExecutions))
	}
	if len(drv.requests) != 1 {
		t.Fatalf("no further acts should run, got %d requests", len(drv.requests))
	}
}

type failingProcessor struct{}

func (failingProcessor) Name() string { return "broken" }
func (failingProcessor) ShouldProcess(*processor.Context) bool { return true }
func (failingProcessor) Process(context.Context, *processor.Context) error {
	return errors.New("processor exploded")
}

func TestProcessorErrorsDoNotFailNarrative(t *testing.T) {
	drv := &scriptedDriver{}
	registry := processor.NewRegistry(nil)
	registry.Register(failingProcessor{})

	ex, err := NewExecutor(drv, WithProcessors(registry)).Execute(context.Background(), threeActNarrative())
	if err != nil {
		t.Fatalf("processor errors must not fail the narrative: %v", err)
	}
	if ex.Status != models.StatusCompleted {
		t.Fatalf("status = %v", ex.Status)
	}
}

type suffixAssembler struct{}

func (suffixAssembler) Assemble(_ context.Context, focus string) (string, error) {
	return focus + " [assembled]", nil
}

func TestAssemblerRewritesInputsBeforeDriver(t *testing.T) {
	drv := &scriptedDriver{}
	ex, err := NewExecutor(drv, WithAssembler(suffixAssembler{})).Execute(context.Background(), threeActNarrative())
	if err != nil {
		t.Fatal(err)
	}

	// The driver sees the assembled text and the record keeps it.
	if got := drv.requests[0].Messages[0].Content[0].Text; got != "Say 'one' [assembled]" {
		t.Fatalf("driver saw %q", got)
	}
	if got := ex.ActExecutions[0].Inputs[0].Text; got != "Say 'one' [assembled]" {
		t.Fatalf("record kept %q", got)
	}
}

// mapResolver resolves references from an in-memory set.
type mapResolver map[string]*models.Narrative

func (m mapResolver) Resolve(ref, _ string) (*models.Narrative, error) {
	n, ok := m[ref]
	if !ok {
		return nil, apperr.NotFound("test.resolve", "narrative", ref)
	}
	return n, nil
}

func TestCompositionCycleDetected(t *testing.T) {
	a := &models.Narrative{
		Metadata: models.NarrativeMetadata{Name: "A", SkipContentGeneration: true},
		TOCOrder: []string{"call-b"},
		Acts:     map[string]models.ActConfig{"call-b": {NarrativeRef: "B"}},
	}
	b := &models.Narrative{
		Metadata: models.NarrativeMetadata{Name: "B", SkipContentGeneration: true},
		TOCOrder: []string{"call-a"},
		Acts:     map[string]models.ActConfig{"call-a": {NarrativeRef: "A"}},
	}

	drv := &scriptedDriver{}
	_, err := NewExecutor(drv, WithResolver(mapResolver{"A": a, "B": b})).Execute(context.Background(), a)
	if !apperr.Is(err, apperr.KindCycleDetected) {
		t.Fatalf("want CycleDetected, got %v", err)
	}
	if len(drv.requests) != 0 {
		t.Fatalf("cycle must be detected before any driver call, got %d", len(drv.requests))
	}
}

func TestCompositionOutputBecomesResponse(t *testing.T) {
	sub := &models.Narrative{
		Metadata: models.NarrativeMetadata{Name: "sub", SkipContentGeneration: true},
		TOCOrder: []string{"s1", "s2"},
		Acts: map[string]models.ActConfig{
			"s1": {Inputs: []models.Input{models.TextInput("part one")}},
			"s2": {Inputs: []models.Input{models.TextInput("part two")}},
		},
	}
	parent := &models.Narrative{
		Metadata: models.NarrativeMetadata{Name: "parent", SkipContentGeneration: true},
		TOCOrder: []string{"gather", "summarize"},
		Acts: map[string]models.ActConfig{
			"gather":    {NarrativeRef: "sub"},
			"summarize": {Inputs: []models.Input{models.TextInput("summarize the above")}},
		},
	}

	drv := &scriptedDriver{replies: []string{"alpha", "beta", "final"}}
	ex, err := NewExecutor(drv, WithResolver(mapResolver{"sub": sub})).Execute(context.Background(), parent)
	if err != nil {
		t.Fatal(err)
	}
	if ex.ActExecutions[0].Response != "alpha\nbeta" {
		t.Fatalf("composed response = %q", ex.ActExecutions[0].Response)
	}
	if !strings.Contains(ex.ActExecutions[1].Response, "final") {
		t.Fatalf("summarize response = %q", ex.ActExecutions[1].Response)
	}

	// The composed act's output reaches the next act through history: the
	// summarize request carries it as an assistant turn before the user
	// prompt.
	summarizeReq := drv.requests[2]
	if len(summarizeReq.Messages) != 2 {
		t.Fatalf("summarize request has %d messages", len(summarizeReq.Messages))
	}
	if summarizeReq.Messages[0].Role != models.RoleAssistant ||
		summarizeReq.Messages[0].Content[0].Text != "alpha\nbeta" {
		t.Fatalf("summarize history[0] = %+v", summarizeReq.Messages[0])
	}
	if summarizeReq.Messages[1].Role != models.RoleUser {
		t.Fatalf("summarize history[1] = %+v", summarizeReq.Messages[1])
	}
}
