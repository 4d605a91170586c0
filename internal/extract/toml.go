package extract

import (
	"strings"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// TOML locates a TOML document inside text: a ```toml fenced block, else
// the substring starting at the first '[' provided a '=' appears later.
func TOML(text string) (string, error) {
	if fenced, ok := fencedBlock(text, "toml"); ok {
		return fenced, nil
	}

	start := strings.IndexByte(text, '[')
	if start >= 0 && strings.IndexByte(text[start:], '=') > 0 {
		return strings.TrimSpace(text[start:]), nil
	}
	return "", apperr.New(apperr.KindProviderParse, "extract.toml", nil, map[string]any{
		"response_length": len(text),
	})
}
