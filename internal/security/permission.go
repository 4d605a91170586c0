// Package security gates every command an actor wants to run against an
// external platform behind five layers: permission, structural
// validation, content filtering, per-command rate limiting and the
// approval workflow. A failure at any layer stops the pipeline and the
// underlying operation.
package security

import (
	"strings"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// ResourcePermissions allow/deny specific ids of one resource type.
type ResourcePermissions struct {
	AllowedIDs        map[string]bool `yaml:"allowed_ids"`
	DeniedIDs         map[string]bool `yaml:"denied_ids"`
	AllowAllByDefault bool            `yaml:"allow_all_by_default"`
}

// PermissionConfig is layer one's policy.
type PermissionConfig struct {
	AllowedCommands   map[string]bool                `yaml:"allowed_commands"`
	DeniedCommands    map[string]bool                `yaml:"denied_commands"`
	AllowAllByDefault bool                           `yaml:"allow_all_by_default"`
	Resources         map[string]ResourcePermissions `yaml:"resources"`

	// ProtectedUserIDs and ProtectedRoleIDs are always denied as command
	// targets, independent of every allow/deny list.
	ProtectedUserIDs map[string]bool `yaml:"protected_user_ids"`
	ProtectedRoleIDs map[string]bool `yaml:"protected_role_ids"`
}

// PermissionChecker evaluates layer one.
type PermissionChecker struct {
	cfg PermissionConfig
}

// NewPermissionChecker builds the checker.
func NewPermissionChecker(cfg PermissionConfig) *PermissionChecker {
	return &PermissionChecker{cfg: cfg}
}

// Check applies the permission policy to one command invocation.
func (c *PermissionChecker) Check(command string, params map[string]string) error {
	// Protected targets are absolute: not even an allowed command may
	// touch them.
	if id := params["user_id"]; id != "" && c.cfg.ProtectedUserIDs[id] {
		return denied(command, "user "+id+" is protected")
	}
	if id := params["role_id"]; id != "" && c.cfg.ProtectedRoleIDs[id] {
		return denied(command, "role "+id+" is protected")
	}

	if c.cfg.DeniedCommands[command] {
		return denied(command, "command is denied")
	}
	if !c.cfg.AllowedCommands[command] && !c.cfg.AllowAllByDefault {
		return denied(command, "command is not in the allowed set")
	}

	for param, id := range params {
		resourceType, ok := strings.CutSuffix(param, "_id")
		if !ok || id == "" {
			continue
		}
		perms, configured := c.cfg.Resources[resourceType]
		if !configured {
			continue
		}
		if perms.DeniedIDs[id] {
			return denied(command, resourceType+" "+id+" is denied")
		}
		if !perms.AllowedIDs[id] && !perms.AllowAllByDefault {
			return denied(command, resourceType+" "+id+" is not in the allowed set")
		}
	}
	return nil
}

func denied(command, reason string) error {
	return apperr.New(apperr.KindPermissionDenied, "security.permission", nil, map[string]any{
		"command": command,
		"reason":  reason,
	})
}
