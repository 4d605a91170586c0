package models

import (
	"strings"
	"testing"
)

func f32(v float32) *float32 { return &v }
func i(v int) *int { return &v }

func validNarrative() Narrative {
	return Narrative{
		Metadata: NarrativeMetadata{Name: "daily-digest"},
		TOCOrder: []string{"outline", "draft"},
		Acts: map[string]ActConfig{
			"outline": {Inputs: []Input{TextInput("Outline three story ideas.")}},
			"draft":   {Inputs: []Input{TextInput("Write the best one in full.")}},
		},
	}
}

func TestActConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		act     ActConfig
		wantErr string
	}{
		{
			name: "inputs only",
			act:  ActConfig{Inputs: []Input{TextInput("hi")}},
		},
		{
			name: "narrative ref only",
			act:  ActConfig{NarrativeRef: "other"},
		},
		{
			name:    "neither set",
			act:     ActConfig{},
			wantErr: "exactly one",
		},
		{
			name:    "both set",
			act:     ActConfig{Inputs: []Input{TextInput("hi")}, NarrativeRef: "other"},
			wantErr: "exactly one",
		},
		{
			name:    "ref with carousel",
			act:     ActConfig{NarrativeRef: "other", Carousel: &Carousel{Iterations: 2, BudgetRatio: 0.5}},
			wantErr: "carousel",
		},
		{
			name:    "temperature too high",
			act:     ActConfig{Inputs: []Input{TextInput("hi")}, Temperature: f32(2.5)},
			wantErr: "temperature",
		},
		{
			name:    "temperature negative",
			act:     ActConfig{Inputs: []Input{TextInput("hi")}, Temperature: f32(-0.1)},
			wantErr: "temperature",
		},
		{
			name: "temperature boundary",
			act:  ActConfig{Inputs: []Input{TextInput("hi")}, Temperature: f32(2.0)},
		},
		{
			name:    "zero max tokens",
			act:     ActConfig{Inputs: []Input{TextInput("hi")}, MaxTokens: i(0)},
			wantErr: "max_tokens",
		},
		{
			name:    "carousel zero iterations",
			act:     ActConfig{Inputs: []Input{TextInput("hi")}, Carousel: &Carousel{Iterations: 0, BudgetRatio: 1}},
			wantErr: "iterations",
		},
		{
			name:    "carousel ratio above one",
			act:     ActConfig{Inputs: []Input{TextInput("hi")}, Carousel: &Carousel{Iterations: 3, BudgetRatio: 1.5}},
			wantErr: "budget_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.act.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("want error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNarrativeValidate(t *testing.T) {
	n := validNarrative()
	if err := n.Validate(); err != nil {
		t.Fatalf("valid narrative rejected: %v", err)
	}

	missing := validNarrative()
	missing.TOCOrder = append(missing.TOCOrder, "epilogue")
	if err := missing.Validate(); err == nil || !strings.Contains(err.Error(), "epilogue") {
		t.Fatalf("want missing-act error, got %v", err)
	}

	unnamed := validNarrative()
	unnamed.Metadata.Name = ""
	if err := unnamed.Validate(); err == nil {
		t.Fatal("want error for unnamed narrative")
	}

	empty := validNarrative()
	empty.TOCOrder = nil
	if err := empty.Validate(); err == nil {
		t.Fatal("want error for empty toc order")
	}
}

func TestActLookup(t *testing.T) {
	n := validNarrative()
	if _, ok := n.Act("outline"); !ok {
		t.Fatal("expected outline act")
	}
	if _, ok := n.Act("nope"); ok {
		t.Fatal("unexpected act")
	}
}
