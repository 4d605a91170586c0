package driver

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/nexusnarrative/narrator/internal/ratelimit"
)

// Options parameterizes driver construction across providers. Unset
// fields fall back to environment variables and provider defaults.
type Options struct {
	APIKey     string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
	Limits     RateLimitConfig
	Detector   *ratelimit.Detector

	// Region applies to bedrock only.
	Region string
}

// Factory builds a Driver for one backend.
type Factory func(ctx context.Context, opts Options) (Driver, error)

// Registry maps backend names to driver factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in backends registered:
// anthropic, openai, google (alias gemini) and bedrock.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}

	r.Register("anthropic", func(ctx context.Context, opts Options) (Driver, error) {
		return NewAnthropicDriver(AnthropicConfig{
			APIKey:       envDefault(opts.APIKey, "ANTHROPIC_API_KEY"),
			DefaultModel: envDefault(opts.Model, "ANTHROPIC_MODEL"),
			MaxRetries:   opts.MaxRetries,
			RetryDelay:   opts.RetryDelay,
			Limits:       opts.Limits,
			Detector:     opts.Detector,
		})
	})
	r.Register("openai", func(ctx context.Context, opts Options) (Driver, error) {
		return NewOpenAIDriver(OpenAIConfig{
			APIKey:       envDefault(opts.APIKey, "OPENAI_API_KEY"),
			DefaultModel: envDefault(opts.Model, "OPENAI_MODEL"),
			MaxRetries:   opts.MaxRetries,
			RetryDelay:   opts.RetryDelay,
			Limits:       opts.Limits,
		})
	})
	googleFactory := func(ctx context.Context, opts Options) (Driver, error) {
		key := opts.APIKey
		if key == "" {
			key = os.Getenv("GEMINI_API_KEY")
		}
		if key == "" {
			key = os.Getenv("GOOGLE_API_KEY")
		}
		return NewGoogleDriver(ctx, GoogleConfig{
			APIKey:       key,
			DefaultModel: envDefault(opts.Model, "GEMINI_MODEL"),
			MaxRetries:   opts.MaxRetries,
			RetryDelay:   opts.RetryDelay,
			Limits:       opts.Limits,
			Detector:     opts.Detector,
		})
	}
	r.Register("google", googleFactory)
	r.Register("gemini", googleFactory)
	r.Register("bedrock", func(ctx context.Context, opts Options) (Driver, error) {
		return NewBedrockDriver(ctx, BedrockConfig{
			Region:       opts.Region,
			DefaultModel: envDefault(opts.Model, "BEDROCK_MODEL"),
			MaxRetries:   opts.MaxRetries,
			RetryDelay:   opts.RetryDelay,
			Limits:       opts.Limits,
		})
	})
	return r
}

// Register installs (or replaces) a backend factory.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[strings.ToLower(name)] = factory
}

// Backends lists the registered backend names.
func (r *Registry) Backends() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// New builds a driver for the named backend.
func (r *Registry) New(ctx context.Context, backend string, opts Options) (Driver, error) {
	factory, ok := r.factories[strings.ToLower(backend)]
	if !ok {
		return nil, &DriverError{
			Reason:  FailoverModelUnavailable,
			Driver:  backend,
			Message: "unknown backend; known: " + strings.Join(r.Backends(), ", "),
		}
	}
	return factory(ctx, opts)
}

func envDefault(value, envVar string) string {
	if value != "" {
		return value
	}
	return os.Getenv(envVar)
}
