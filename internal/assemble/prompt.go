// Package assemble turns a reflected table schema plus a short user
// "content focus" into a complete generation prompt: field requirements,
// the focus itself, and a strict output-format footer.
package assemble

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nexusnarrative/narrator/pkg/models"
)

// sentinels mark text that already looks like a complete schema prompt
// rather than a bare content focus.
var sentinels = []string{
	"required fields",
	"optional fields",
	"json object",
	"critical output",
	"schema",
	"data type",
}

// metadataColumns are appended to every generated content table and are
// excluded from the prompt's field list.
var metadataColumns = map[string]bool{
	"id":                true,
	"generated_at":      true,
	"source_narrative":  true,
	"source_act":        true,
	"generation_model":  true,
	"review_status":     true,
	"tags":              true,
	"rating":            true,
}

// platformContext maps table-name prefixes to a one-line platform hint.
var platformContext = map[string]string{
	"discord":  "This content is destined for Discord; keep messages under 2000 characters.",
	"telegram": "This content is destined for Telegram.",
	"slack":    "This content is destined for Slack.",
}

var varcharPattern = regexp.MustCompile(`^character varying\((\d+)\)$`)

// IsContentFocus reports whether input is a bare content focus (true) or
// an already-complete prompt (false). Detection is by absence of every
// schema-keyword sentinel, case-insensitively.
func IsContentFocus(input string) bool {
	lower := strings.ToLower(input)
	for _, s := range sentinels {
		if strings.Contains(lower, s) {
			return false
		}
	}
	return true
}

// Prompt builds the assembled prompt for generating rows matching schema.
// Inputs that are not a content focus pass through unchanged.
func Prompt(schema models.TableSchema, contentFocus string) string {
	if !IsContentFocus(contentFocus) {
		return contentFocus
	}

	var b strings.Builder

	for prefix, line := range platformContext {
		if strings.HasPrefix(schema.TableName, prefix+"_") || schema.TableName == prefix {
			b.WriteString(line)
			b.WriteString("\n\n")
			break
		}
	}

	var required, optional []models.ColumnInfo
	for _, col := range schema.Columns {
		if metadataColumns[col.Name] {
			continue
		}
		if col.Nullable {
			optional = append(optional, col)
		} else {
			required = append(required, col)
		}
	}

	if len(required) > 0 {
		b.WriteString("Required Fields:\n")
		for _, col := range required {
			b.WriteString(fieldBullet(col, false))
		}
		b.WriteString("\n")
	}
	if len(optional) > 0 {
		b.WriteString("Optional Fields:\n")
		for _, col := range optional {
			b.WriteString(fieldBullet(col, true))
		}
		b.WriteString("\n")
	}

	b.WriteString(contentFocus)
	b.WriteString("\n\n")
	b.WriteString(outputRequirements)
	return b.String()
}

const outputRequirements = `CRITICAL OUTPUT REQUIREMENTS:
- Respond with a JSON object or array ONLY.
- Do NOT wrap the output in markdown code fences.
- Do NOT include commentary before or after the JSON.
- Use the exact field names listed above with correct data types.`

func fieldBullet(col models.ColumnInfo, optional bool) string {
	bullet := fmt.Sprintf("- %s: %s", col.Name, HumanType(col))
	if hint := domainHint(col.Name); hint != "" {
		bullet += " - " + hint
	}
	if optional {
		bullet += " (optional)"
	}
	return bullet + "\n"
}

// HumanType renders a PostgreSQL data type as the plain-language phrase
// used in prompts. Unknown types pass through untouched.
func HumanType(col models.ColumnInfo) string {
	dt := col.DataType
	switch dt {
	case "bigint":
		return "64-bit integer"
	case "timestamp without time zone":
		return "timestamp"
	case "ARRAY":
		return "array"
	}
	if m := varcharPattern.FindStringSubmatch(dt); m != nil {
		return fmt.Sprintf("text (max %s chars)", m[1])
	}
	if dt == "character varying" && col.MaxLength != nil {
		return fmt.Sprintf("text (max %d chars)", *col.MaxLength)
	}
	return dt
}

// domainHint suggests a value domain from well-known column names.
func domainHint(name string) string {
	switch {
	case strings.HasSuffix(name, "_url") || name == "url":
		return "a fully qualified URL"
	case strings.HasSuffix(name, "_at"):
		return "ISO 8601"
	case name == "title":
		return "a short headline"
	case name == "body" || name == "content":
		return "the full text"
	}
	return ""
}
