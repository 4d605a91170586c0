package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindRateLimited, "driver.generate", errors.New("429"), nil)
	wrapped := fmt.Errorf("executing act: %w", err)

	if got := KindOf(wrapped); got != KindRateLimited {
		t.Fatalf("KindOf = %q, want %q", got, KindRateLimited)
	}
	if !Is(wrapped, KindRateLimited) {
		t.Fatal("Is should see through wrapping")
	}
	if Is(wrapped, KindConfig) {
		t.Fatal("Is matched the wrong kind")
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
}

func TestRemediationHints(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "rate limited with retry after",
			err:  New(KindRateLimited, "op", nil, map[string]any{"retry_after_seconds": 30}),
			want: "retry after 30 seconds",
		},
		{
			name: "missing credential names the variable",
			err:  New(KindMissingCredential, "op", nil, map[string]any{"env_var": "ANTHROPIC_API_KEY"}),
			want: "set ANTHROPIC_API_KEY",
		},
		{
			name: "parse hints at json-only output",
			err:  New(KindProviderParse, "op", errors.New("bad json"), nil),
			want: "JSON-only",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if msg := tt.err.Error(); !strings.Contains(msg, tt.want) {
				t.Fatalf("message %q missing %q", msg, tt.want)
			}
		})
	}
}

func TestConstructors(t *testing.T) {
	v := Validation("schema.review", "rating", "must be between 1 and 5")
	if v.Kind != KindValidation || v.Field("field") != "rating" {
		t.Fatalf("unexpected validation error: %+v", v)
	}

	nf := NotFound("repo.load", "execution", "42")
	if nf.Kind != KindNotFound || nf.Field("id") != "42" {
		t.Fatalf("unexpected not-found error: %+v", nf)
	}

	c := Conflict("storage.start", "content_generations")
	if c.Kind != KindConflict {
		t.Fatalf("unexpected conflict error: %+v", c)
	}

	cy := CycleDetected("narrative.execute", "A")
	if cy.Kind != KindCycleDetected || cy.Field("name") != "A" {
		t.Fatalf("unexpected cycle error: %+v", cy)
	}
}
