// Package actor runs long-lived autonomous agents: each actor loads its
// knowledge tables, executes its skills on a schedule and posts results
// to an external platform through the security pipeline.
package actor

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// ScheduleKind selects how an actor's runs are spaced.
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleInterval  ScheduleKind = "interval"
	ScheduleOnce      ScheduleKind = "once"
	ScheduleCron      ScheduleKind = "cron"
)

// ScheduleConfig is one actor's cadence.
type ScheduleConfig struct {
	Type ScheduleKind `yaml:"type"`
	// Seconds applies to interval schedules.
	Seconds int `yaml:"seconds"`
	// At is an RFC 3339 instant for once schedules.
	At string `yaml:"at"`
	// Expression is a standard five-field cron expression.
	Expression string `yaml:"expression"`
}

// SkillConfig carries per-skill overrides and parameters.
type SkillConfig struct {
	Enabled *bool          `yaml:"enabled"`
	Params  map[string]any `yaml:"params"`
}

// IsEnabled defaults to true when unset.
func (c SkillConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ExecutionConfig tunes the runner's failure policy.
type ExecutionConfig struct {
	MaxRetries          int  `yaml:"max_retries"`
	StopOnUnrecoverable bool `yaml:"stop_on_unrecoverable"`
	ContinueOnError     bool `yaml:"continue_on_error"`
}

// CacheConfig bounds knowledge reloads.
type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// Config is one actor definition, usually loaded from actors/<name>.yaml.
type Config struct {
	Name         string                 `yaml:"name"`
	Knowledge    []string               `yaml:"knowledge"`
	Skills       []string               `yaml:"skills"`
	Platform     string                 `yaml:"platform"`
	Settings     map[string]any         `yaml:"settings"`
	Cache        CacheConfig            `yaml:"cache"`
	Execution    ExecutionConfig        `yaml:"execution"`
	Schedule     ScheduleConfig         `yaml:"schedule"`
	SkillConfigs map[string]SkillConfig `yaml:"skill_configs"`
}

// Validate checks the structural requirements of an actor definition.
func (c *Config) Validate() error {
	if c.Name == "" {
		return apperr.Validation("actor.config", "name", "actor name is required")
	}
	if len(c.Skills) == 0 {
		return apperr.Validation("actor.config", "skills", "actor needs at least one skill")
	}
	switch c.Schedule.Type {
	case "", ScheduleImmediate:
	case ScheduleInterval:
		if c.Schedule.Seconds <= 0 {
			return apperr.Validation("actor.config", "schedule.seconds", "interval schedules need seconds > 0")
		}
	case ScheduleOnce:
		if c.Schedule.At == "" {
			return apperr.Validation("actor.config", "schedule.at", "once schedules need an instant")
		}
	case ScheduleCron:
		if c.Schedule.Expression == "" {
			return apperr.Validation("actor.config", "schedule.expression", "cron schedules need an expression")
		}
	default:
		return apperr.Validation("actor.config", "schedule.type", "unknown schedule type "+string(c.Schedule.Type))
	}
	return nil
}

// LoadConfig reads one actor definition.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "actor.load", err, map[string]any{"path": path})
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apperr.New(apperr.KindConfig, "actor.load", err, map[string]any{"path": path})
	}
	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigDir reads every .yaml/.yml actor definition under dir.
func LoadConfigDir(dir string) ([]*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "actor.load", err, map[string]any{"dir": dir})
	}
	var out []*Config
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		cfg, err := LoadConfig(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}
