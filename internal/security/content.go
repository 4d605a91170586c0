package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// Mention and URL shapes are fixed; only the budgets and domain sets are
// configurable.
var (
	mentionPattern = regexp.MustCompile(`<@!?\d{17,19}>`)
	urlPattern     = regexp.MustCompile(`https?://[^\s]+`)
)

var massMentionTokens = []string{"@everyone", "@here"}

// ContentFilterConfig parameterizes layer three.
type ContentFilterConfig struct {
	MaxLength          int             `yaml:"max_length"`
	MaxMentions        int             `yaml:"max_mentions"`
	MaxURLs            int             `yaml:"max_urls"`
	DeniedDomains      map[string]bool `yaml:"denied_domains"`
	AllowedDomains     map[string]bool `yaml:"allowed_domains"`
	BlockMassMentions  bool            `yaml:"block_mass_mentions"`
	ProhibitedPatterns []string        `yaml:"prohibited_patterns"`
}

// DefaultContentFilterConfig returns the chat-platform defaults.
func DefaultContentFilterConfig() ContentFilterConfig {
	return ContentFilterConfig{
		MaxLength:         2000,
		MaxMentions:       5,
		MaxURLs:           3,
		BlockMassMentions: true,
	}
}

// ContentFilter evaluates layer three.
type ContentFilter struct {
	cfg        ContentFilterConfig
	prohibited []*regexp.Regexp
}

// NewContentFilter compiles the prohibited patterns up front so a bad
// pattern fails at construction, not per message.
func NewContentFilter(cfg ContentFilterConfig) (*ContentFilter, error) {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 2000
	}
	f := &ContentFilter{cfg: cfg}
	for _, pattern := range cfg.ProhibitedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, apperr.New(apperr.KindConfig, "security.content", err, map[string]any{"pattern": pattern})
		}
		f.prohibited = append(f.prohibited, re)
	}
	return f, nil
}

// Check applies every content rule to one message body.
func (f *ContentFilter) Check(content string) error {
	if len(content) > f.cfg.MaxLength {
		return violation(fmt.Sprintf("content exceeds %d characters", f.cfg.MaxLength))
	}

	if f.cfg.BlockMassMentions {
		for _, token := range massMentionTokens {
			if strings.Contains(content, token) {
				return violation("mass mention " + token + " is blocked")
			}
		}
	}

	if f.cfg.MaxMentions > 0 {
		if n := len(mentionPattern.FindAllString(content, -1)); n > f.cfg.MaxMentions {
			return violation(fmt.Sprintf("%d mentions exceed the limit of %d", n, f.cfg.MaxMentions))
		}
	}

	urls := urlPattern.FindAllString(content, -1)
	if f.cfg.MaxURLs > 0 && len(urls) > f.cfg.MaxURLs {
		return violation(fmt.Sprintf("%d urls exceed the limit of %d", len(urls), f.cfg.MaxURLs))
	}
	for _, url := range urls {
		domain := extractDomain(url)
		if f.cfg.DeniedDomains[domain] {
			return violation("domain " + domain + " is denied")
		}
		if len(f.cfg.AllowedDomains) > 0 && !f.cfg.AllowedDomains[domain] {
			return violation("domain " + domain + " is not in the allowed set")
		}
	}

	for _, re := range f.prohibited {
		if re.MatchString(content) {
			return violation("content matches prohibited pattern " + re.String())
		}
	}
	return nil
}

// extractDomain strips the protocol, then everything from the first '/',
// then a trailing ':port'.
func extractDomain(url string) string {
	domain := url
	if idx := strings.Index(domain, "://"); idx >= 0 {
		domain = domain[idx+3:]
	}
	if idx := strings.IndexByte(domain, '/'); idx >= 0 {
		domain = domain[:idx]
	}
	if idx := strings.IndexByte(domain, ':'); idx >= 0 {
		domain = domain[:idx]
	}
	return strings.ToLower(domain)
}

func violation(reason string) error {
	return apperr.New(apperr.KindContentViolation, "security.content", nil, map[string]any{"reason": reason})
}
