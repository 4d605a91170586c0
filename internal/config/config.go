// Package config loads the layered application configuration: bundled
// tier defaults, then the user's TOML file, then environment variables,
// then CLI overrides, each layer winning over the one before it.
package config

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml"

	"github.com/nexusnarrative/narrator/internal/apperr"
	"github.com/nexusnarrative/narrator/internal/ratelimit"
)

// ProviderConfig is one provider's tier catalogue.
type ProviderConfig struct {
	DefaultTier string                          `toml:"default_tier"`
	Tiers       map[string]ratelimit.TierConfig `toml:"tiers"`
}

// Config is the aggregated application configuration.
type Config struct {
	Providers map[string]ProviderConfig `toml:"providers"`

	// DatabaseURL comes from the environment, never the file.
	DatabaseURL string `toml:"-"`
}

// bundledDefaults ships conservative tiers for the known providers so a
// fresh install rate-limits sensibly without any config file.
const bundledDefaults = `
[providers.anthropic]
default_tier = "tier1"
[providers.anthropic.tiers.tier1]
name = "Tier 1"
rpm = 5
tpm = 20000
max_concurrent = 2
[providers.anthropic.tiers.tier4]
name = "Tier 4"
rpm = 2000
tpm = 160000
max_concurrent = 16

[providers.openai]
default_tier = "tier1"
[providers.openai.tiers.free]
name = "Free"
rpm = 3
tpm = 40000
rpd = 200
max_concurrent = 1
[providers.openai.tiers.tier1]
name = "Tier 1"
rpm = 500
tpm = 200000
max_concurrent = 8

[providers.google]
default_tier = "free"
[providers.google.tiers.free]
name = "Free"
rpm = 10
tpm = 250000
rpd = 250
max_concurrent = 2
[providers.google.tiers.paygo]
name = "Pay-as-you-go"
rpm = 360
tpm = 4000000
max_concurrent = 8

[providers.bedrock]
default_tier = "default"
[providers.bedrock.tiers.default]
name = "Default"
rpm = 120
max_concurrent = 8
`

// AppName names the binary for config discovery.
const AppName = "narrator"

// Load reads the layered configuration. Explicit paths are tried as
// given; otherwise ./narrator.toml and ~/.config/nexusnarrative/narrator.toml.
func Load(explicitPath string) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal([]byte(bundledDefaults), cfg); err != nil {
		return nil, apperr.New(apperr.KindConfig, "config.load", err, map[string]any{"source": "bundled"})
	}

	var paths []string
	if explicitPath != "" {
		paths = []string{explicitPath}
	} else {
		paths = append(paths, AppName+".toml")
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".config", "nexusnarrative", AppName+".toml"))
		}
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, apperr.New(apperr.KindConfig, "config.load", err, map[string]any{"path": path})
		}
		var user Config
		if err := toml.Unmarshal(data, &user); err != nil {
			return nil, apperr.New(apperr.KindConfig, "config.load", err, map[string]any{"path": path})
		}
		cfg.merge(&user)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	return cfg, nil
}

// merge lays user configuration over the receiver: user tiers replace
// same-named tiers, user default_tier wins when set.
func (c *Config) merge(user *Config) {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, userProvider := range user.Providers {
		provider := c.Providers[name]
		if userProvider.DefaultTier != "" {
			provider.DefaultTier = userProvider.DefaultTier
		}
		if provider.Tiers == nil {
			provider.Tiers = make(map[string]ratelimit.TierConfig)
		}
		for tierName, tier := range userProvider.Tiers {
			provider.Tiers[tierName] = tier
		}
		c.Providers[name] = provider
	}
}

// TierOverrides carries the CLI's rate-limit flags.
type TierOverrides struct {
	Tier          string
	RPM           uint64
	TPM           uint64
	RPD           uint64
	MaxConcurrent int
	NoRateLimit   bool
}

// ResolveTier picks the effective tier for a provider: CLI overrides
// first, then <PROVIDER>_TIER from the environment, then the config
// file's default. A header-detected tier is merged afterwards by the
// caller via ratelimit.LowerOf.
func (c *Config) ResolveTier(provider string, overrides TierOverrides) (ratelimit.TierConfig, error) {
	if overrides.NoRateLimit {
		return ratelimit.TierConfig{
			Name: "unlimited",
			RPM:  ratelimit.Unlimited,
			TPM:  ratelimit.Unlimited,
			RPD:  ratelimit.Unlimited,
		}, nil
	}

	providerCfg := c.Providers[provider]
	tierName := overrides.Tier
	if tierName == "" {
		tierName = os.Getenv(strings.ToUpper(provider) + "_TIER")
	}
	if tierName == "" {
		tierName = providerCfg.DefaultTier
	}

	var tier ratelimit.TierConfig
	if tierName != "" {
		named, ok := providerCfg.Tiers[tierName]
		if !ok {
			return ratelimit.TierConfig{}, apperr.New(apperr.KindConfig, "config.tier", nil, map[string]any{
				"reason":   "unknown tier " + tierName + " for provider " + provider,
				"provider": provider,
			})
		}
		tier = named
	}

	if overrides.RPM > 0 {
		tier.RPM = overrides.RPM
	}
	if overrides.TPM > 0 {
		tier.TPM = overrides.TPM
	}
	if overrides.RPD > 0 {
		tier.RPD = overrides.RPD
	}
	if overrides.MaxConcurrent > 0 {
		tier.MaxConcurrent = overrides.MaxConcurrent
	}
	return tier, nil
}
