// Package extract recovers machine-readable JSON and TOML payloads from
// free-form LLM output: fenced code blocks, balanced-delimiter scanning and
// a couple of repair heuristics for truncated or unwrapped responses.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// JSON locates a JSON document inside text. Strategies, in order: a
// ```json fenced block (closing fence optional when the response was
// truncated), then the balanced region starting at whichever of the first
// '{' or first '[' occurs earlier, then the other delimiter kind.
func JSON(text string) (string, error) {
	if fenced, ok := fencedBlock(text, "json"); ok {
		return fenced, nil
	}

	objIdx := strings.IndexByte(text, '{')
	arrIdx := strings.IndexByte(text, '[')

	first, second := byte('{'), byte('[')
	if arrIdx >= 0 && (objIdx < 0 || arrIdx < objIdx) {
		first, second = '[', '{'
	}

	if s, ok := balanced(text, first); ok {
		return s, nil
	}
	if s, ok := balanced(text, second); ok {
		return s, nil
	}
	return "", apperr.New(apperr.KindProviderParse, "extract.json", nil, map[string]any{
		"response_length": len(text),
	})
}

// fencedBlock returns the body of the first ```lang fenced block. A missing
// closing fence returns the rest of the text, trimmed.
func fencedBlock(text, lang string) (string, bool) {
	marker := "```" + lang
	start := strings.Index(text, marker)
	if start < 0 {
		return "", false
	}
	body := text[start+len(marker):]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	body = strings.TrimSpace(body)
	return body, body != ""
}

// balanced extracts the region starting at the first occurrence of open,
// tracking nesting depth and skipping over string literals and escapes.
func balanced(text string, open byte) (string, bool) {
	var closeCh byte
	switch open {
	case '{':
		closeCh = '}'
	case '[':
		closeCh = ']'
	default:
		return "", false
	}

	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closeCh:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// Parse deserialises s into T. When the decoder reports trailing garbage
// and the input starts with neither '{' nor '[', it retries with a
// prepended '{', then wrapped in braces entirely, recovering responses
// where the model dropped the outer object.
func Parse[T any](s string) (T, error) {
	var out T
	err := json.Unmarshal([]byte(s), &out)
	if err == nil {
		return out, nil
	}

	trimmed := strings.TrimSpace(s)
	repairable := !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") && isTrailingError(err)
	if !repairable {
		var zero T
		return zero, apperr.New(apperr.KindProviderParse, "extract.parse", err, nil)
	}

	var repaired T
	if jErr := json.Unmarshal([]byte("{"+trimmed), &repaired); jErr == nil {
		return repaired, nil
	}
	if jErr := json.Unmarshal([]byte("{"+trimmed+"}"), &repaired); jErr == nil {
		return repaired, nil
	}
	var zero T
	return zero, apperr.New(apperr.KindProviderParse, "extract.parse", err, nil)
}

// isTrailingError reports whether err is the decoder complaining about
// content after a complete value, the signature of a bare `"k":v` body.
func isTrailingError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "after top-level value") ||
		strings.Contains(msg, "invalid character ':'") ||
		strings.Contains(msg, "invalid character ','")
}
