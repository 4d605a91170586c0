package security

import (
	"regexp"
	"strings"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// Validator performs command-specific structural checks, layer two.
type Validator interface {
	Validate(command string, params map[string]string) error
}

var (
	snowflakePattern   = regexp.MustCompile(`^\d{17,19}$`)
	channelNamePattern = regexp.MustCompile(`^[a-z0-9_-]{1,100}$`)
)

// ChatValidator validates the parameter shapes common to chat platforms:
// snowflake ids, message content, channel and role names. Commands with
// no recognizable parameters pass through.
type ChatValidator struct{}

// Validate applies the structural rules to every recognized parameter.
func (ChatValidator) Validate(command string, params map[string]string) error {
	for name, value := range params {
		if strings.HasPrefix(name, "_") || value == "" {
			continue
		}
		switch {
		case strings.HasSuffix(name, "_id"):
			if !snowflakePattern.MatchString(value) {
				return invalid(name, "must be a 17-19 digit id")
			}
		case name == "content":
			if len(value) < 1 || len(value) > 2000 {
				return invalid(name, "content must be 1-2000 characters")
			}
		case name == "channel_name":
			if !channelNamePattern.MatchString(value) {
				return invalid(name, "channel name must be 1-100 chars of [a-z0-9_-]")
			}
		case name == "role_name":
			if len(value) < 1 || len(value) > 100 {
				return invalid(name, "role name must be 1-100 characters")
			}
		}
	}
	return nil
}

func invalid(field, reason string) error {
	return apperr.Validation("security.validation", field, reason)
}
