package narrative

import (
	"strings"
	"testing"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/pkg/models"
)

const singleNarrativeTOML = `
[narrative]
name = "daily-digest"
description = "Summarize the day"
template = "posts_template"
target = "potential_posts"

[toc]
order = ["outline", "draft"]

[acts.outline]
model = "flash-lite"
temperature = 0.7

[[acts.outline.input]]
type = "text"
content = "Outline three story ideas."

[acts.draft]
max_tokens = 2048

[[acts.draft.input]]
type = "text"
content = "Write the best one."

[[acts.draft.input]]
type = "image"
url = "https://example.com/cover.png"
mime = "image/png"
`

func TestParseSingleNarrative(t *testing.T) {
	f, err := ParseFile("daily.toml", []byte(singleNarrativeTOML))
	if err != nil {
		t.Fatal(err)
	}
	if f.IsMulti() {
		t.Fatal("single-narrative file misdetected as multi")
	}

	n, err := f.Select("")
	if err != nil {
		t.Fatal(err)
	}
	if n.Metadata.Name != "daily-digest" || n.Metadata.Target != "potential_posts" {
		t.Fatalf("metadata = %+v", n.Metadata)
	}
	if len(n.TOCOrder) != 2 || n.TOCOrder[0] != "outline" {
		t.Fatalf("order = %v", n.TOCOrder)
	}

	outline := n.Acts["outline"]
	if outline.Model == nil || *outline.Model != "flash-lite" {
		t.Fatalf("outline model = %v", outline.Model)
	}
	if outline.Temperature == nil || *outline.Temperature != 0.7 {
		t.Fatalf("outline temperature = %v", outline.Temperature)
	}

	draft := n.Acts["draft"]
	if draft.MaxTokens == nil || *draft.MaxTokens != 2048 {
		t.Fatalf("draft max_tokens = %v", draft.MaxTokens)
	}
	if len(draft.Inputs) != 2 || draft.Inputs[1].Kind != models.InputImage {
		t.Fatalf("draft inputs = %+v", draft.Inputs)
	}
	if draft.Inputs[1].Source.URL != "https://example.com/cover.png" {
		t.Fatalf("image source = %+v", draft.Inputs[1].Source)
	}
	if n.SourcePath != "daily.toml" {
		t.Fatalf("source path = %q", n.SourcePath)
	}
}

const multiNarrativeTOML = `
[narratives.short]
name = "short"
order = ["hook"]

[narratives.long]
name = "long"
order = ["hook", "expand"]

[acts.hook]
[[acts.hook.input]]
type = "text"
content = "Write a hook."

[acts.expand]
narrative_ref = "short"
`

func TestParseMultiNarrative(t *testing.T) {
	f, err := ParseFile("multi.toml", []byte(multiNarrativeTOML))
	if err != nil {
		t.Fatal(err)
	}
	if !f.IsMulti() {
		t.Fatal("multi-narrative file misdetected")
	}
	if names := f.Names(); len(names) != 2 || names[0] != "long" || names[1] != "short" {
		t.Fatalf("names = %v", names)
	}

	long, err := f.Select("long")
	if err != nil {
		t.Fatal(err)
	}
	if long.Acts["expand"].NarrativeRef != "short" {
		t.Fatalf("expand = %+v", long.Acts["expand"])
	}

	// Selecting without a name fails and names the candidates.
	_, err = f.Select("")
	if err == nil || !strings.Contains(err.Error(), "short") || !strings.Contains(err.Error(), "long") {
		t.Fatalf("want candidate listing, got %v", err)
	}

	if _, err := f.Select("ghost"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestParseRejectsInvalidNarratives(t *testing.T) {
	// An act in the order but not defined.
	bad := `
[narrative]
name = "broken"
[toc]
order = ["missing"]
`
	if _, err := ParseFile("x.toml", []byte(bad)); err == nil {
		// Parsing succeeds; selection validates.
		f, _ := ParseFile("x.toml", []byte(bad))
		if _, err := f.Select(""); err == nil {
			t.Fatal("want validation error for missing act")
		}
	}

	empty := `title = "not a narrative file"`
	if _, err := ParseFile("y.toml", []byte(empty)); err == nil {
		t.Fatal("want error for file without narratives")
	}
}

func TestMediaInputNeedsSource(t *testing.T) {
	bad := `
[narrative]
name = "img"
[toc]
order = ["a"]
[acts.a]
[[acts.a.input]]
type = "image"
mime = "image/png"
`
	f, err := ParseFile("img.toml", []byte(bad))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Select(""); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("want Validation, got %v", err)
	}
}
