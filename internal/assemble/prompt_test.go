package assemble

import (
	"strings"
	"testing"

	"github.com/nexusnarrative/narrator/pkg/models"
)

func TestIsContentFocus(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"write five posts about hiking", true},
		{"Required Fields:\n- title", false},
		{"the JSON Object must contain", false},
		{"respect the SCHEMA below", false},
		{"mind the data type of each field", false},
		{"draft a critical outlook on markets", true},
	}
	for _, tt := range tests {
		if got := IsContentFocus(tt.in); got != tt.want {
			t.Errorf("IsContentFocus(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func intp(v int) *int { return &v }

func TestPrompt(t *testing.T) {
	schema := models.TableSchema{
		TableName: "potential_posts",
		Columns: []models.ColumnInfo{
			{Name: "id", DataType: "bigint", Nullable: false},
			{Name: "title", DataType: "character varying(120)", Nullable: false},
			{Name: "body", DataType: "text", Nullable: false},
			{Name: "image_url", DataType: "text", Nullable: true},
			{Name: "review_status", DataType: "text", Nullable: true},
		},
	}

	got := Prompt(schema, "posts about winter cycling")

	for _, want := range []string{
		"Required Fields:",
		"- title: text (max 120 chars) - a short headline",
		"- body: text - the full text",
		"Optional Fields:",
		"- image_url: text - a fully qualified URL (optional)",
		"posts about winter cycling",
		"CRITICAL OUTPUT REQUIREMENTS",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q\n%s", want, got)
		}
	}
	if strings.Contains(got, "- id:") || strings.Contains(got, "review_status") {
		t.Error("metadata columns leaked into the prompt")
	}
}

func TestPromptPassThrough(t *testing.T) {
	full := "Required Fields:\n- x: text\nGo."
	if got := Prompt(models.TableSchema{}, full); got != full {
		t.Fatalf("complete prompt should pass through, got %q", got)
	}
}

func TestPromptPlatformContext(t *testing.T) {
	schema := models.TableSchema{
		TableName: "discord_announcements",
		Columns:   []models.ColumnInfo{{Name: "content", DataType: "text"}},
	}
	got := Prompt(schema, "announce the release")
	if !strings.Contains(got, "Discord") {
		t.Fatalf("want platform context, got %q", got)
	}
}

func TestHumanType(t *testing.T) {
	tests := []struct {
		col  models.ColumnInfo
		want string
	}{
		{models.ColumnInfo{DataType: "bigint"}, "64-bit integer"},
		{models.ColumnInfo{DataType: "character varying(40)"}, "text (max 40 chars)"},
		{models.ColumnInfo{DataType: "character varying", MaxLength: intp(80)}, "text (max 80 chars)"},
		{models.ColumnInfo{DataType: "timestamp without time zone"}, "timestamp"},
		{models.ColumnInfo{DataType: "ARRAY"}, "array"},
		{models.ColumnInfo{DataType: "jsonb"}, "jsonb"},
	}
	for _, tt := range tests {
		if got := HumanType(tt.col); got != tt.want {
			t.Errorf("HumanType(%q) = %q, want %q", tt.col.DataType, got, tt.want)
		}
	}
}
