// Package models catalogues the LLM models the engine can drive and
// provides provider/model fallback chains for resilient generation.
package models

import (
	"sort"
	"strings"
	"sync"
)

// Provider identifies an LLM provider backend.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderBedrock   Provider = "bedrock"
)

// Capability identifies something a model can do.
type Capability string

const (
	CapVision      Capability = "vision"
	CapTools       Capability = "tools"
	CapStreaming   Capability = "streaming"
	CapJSON        Capability = "json"
	CapAudio       Capability = "audio"
	CapVideo       Capability = "video"
	CapEmbeddings  Capability = "embeddings"
	CapLongContext Capability = "long_context"
)

// Tier ranks a model's quality/cost band.
type Tier string

const (
	TierFlagship Tier = "flagship"
	TierStandard Tier = "standard"
	TierFast     Tier = "fast"
)

// Model is one catalogued model and its static facts.
type Model struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Provider        Provider     `json:"provider"`
	Tier            Tier         `json:"tier"`
	ContextWindow   int          `json:"context_window"`
	MaxOutputTokens int          `json:"max_output_tokens,omitempty"`
	Capabilities    []Capability `json:"capabilities"`
	Aliases         []string     `json:"aliases,omitempty"`
	InputPrice      float64      `json:"input_price,omitempty"`
	OutputPrice     float64      `json:"output_price,omitempty"`
}

// HasCapability reports whether the model declares cap.
func (m *Model) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// SupportsVision reports whether the model can process images.
func (m *Model) SupportsVision() bool { return m.HasCapability(CapVision) }

// SupportsTools reports whether the model supports function calling.
func (m *Model) SupportsTools() bool { return m.HasCapability(CapTools) }

// SupportsStreaming reports whether the model streams responses.
func (m *Model) SupportsStreaming() bool { return m.HasCapability(CapStreaming) }

// Catalog is a registry of models, addressable by id or alias.
type Catalog struct {
	mu      sync.RWMutex
	models  map[string]*Model
	aliases map[string]string
}

// NewCatalog creates a catalog pre-loaded with the built-in models.
func NewCatalog() *Catalog {
	c := &Catalog{
		models:  make(map[string]*Model),
		aliases: make(map[string]string),
	}
	for _, m := range builtinModels {
		model := m
		c.Register(&model)
	}
	return c
}

// Register adds or replaces a model, wiring its aliases.
func (c *Catalog) Register(model *Model) {
	if model == nil || model.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[model.ID] = model
	for _, alias := range model.Aliases {
		c.aliases[strings.ToLower(alias)] = model.ID
	}
}

// Get looks a model up by id or alias.
func (c *Catalog) Get(id string) (*Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.models[id]; ok {
		return m, true
	}
	if canonical, ok := c.aliases[strings.ToLower(id)]; ok {
		m, ok := c.models[canonical]
		return m, ok
	}
	return nil, false
}

// List returns every model, sorted by provider then id.
func (c *Catalog) List() []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListByProvider returns the provider's models, sorted by id.
func (c *Catalog) ListByProvider(provider Provider) []*Model {
	var out []*Model
	for _, m := range c.List() {
		if m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

// ListByCapability returns the models declaring cap.
func (c *Catalog) ListByCapability(cap Capability) []*Model {
	var out []*Model
	for _, m := range c.List() {
		if m.HasCapability(cap) {
			out = append(out, m)
		}
	}
	return out
}

var builtinModels = []Model{
	{
		ID: "claude-opus-4-20250514", Name: "Claude Opus 4",
		Provider: ProviderAnthropic, Tier: TierFlagship,
		ContextWindow: 200_000, MaxOutputTokens: 32_000,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapLongContext},
		Aliases:      []string{"claude-opus"},
		InputPrice:   15, OutputPrice: 75,
	},
	{
		ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4",
		Provider: ProviderAnthropic, Tier: TierStandard,
		ContextWindow: 200_000, MaxOutputTokens: 64_000,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapLongContext},
		Aliases:      []string{"claude-sonnet"},
		InputPrice:   3, OutputPrice: 15,
	},
	{
		ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku",
		Provider: ProviderAnthropic, Tier: TierFast,
		ContextWindow: 200_000, MaxOutputTokens: 8192,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming},
		Aliases:      []string{"claude-haiku"},
		InputPrice:   0.8, OutputPrice: 4,
	},
	{
		ID: "gpt-4o", Name: "GPT-4o",
		Provider: ProviderOpenAI, Tier: TierStandard,
		ContextWindow: 128_000, MaxOutputTokens: 16_384,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapJSON, CapAudio},
		InputPrice:   2.5, OutputPrice: 10,
	},
	{
		ID: "gpt-4o-mini", Name: "GPT-4o mini",
		Provider: ProviderOpenAI, Tier: TierFast,
		ContextWindow: 128_000, MaxOutputTokens: 16_384,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapJSON},
		InputPrice:   0.15, OutputPrice: 0.6,
	},
	{
		ID: "text-embedding-3-small", Name: "Text Embedding 3 Small",
		Provider: ProviderOpenAI, Tier: TierFast,
		ContextWindow: 8191,
		Capabilities:  []Capability{CapEmbeddings},
		InputPrice:    0.02,
	},
	{
		ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash",
		Provider: ProviderGoogle, Tier: TierFast,
		ContextWindow: 1_048_576, MaxOutputTokens: 8192,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapJSON, CapAudio, CapVideo, CapLongContext},
		Aliases:      []string{"flash"},
		InputPrice:   0.1, OutputPrice: 0.4,
	},
	{
		ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash-Lite",
		Provider: ProviderGoogle, Tier: TierFast,
		ContextWindow: 1_048_576, MaxOutputTokens: 8192,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapJSON, CapLongContext},
		Aliases:      []string{"flash-lite"},
		InputPrice:   0.075, OutputPrice: 0.3,
	},
	{
		ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro",
		Provider: ProviderGoogle, Tier: TierStandard,
		ContextWindow: 2_097_152, MaxOutputTokens: 8192,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming, CapJSON, CapAudio, CapVideo, CapLongContext},
		Aliases:      []string{"pro"},
		InputPrice:   1.25, OutputPrice: 5,
	},
	{
		ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Name: "Claude 3.5 Sonnet (Bedrock)",
		Provider: ProviderBedrock, Tier: TierStandard,
		ContextWindow: 200_000, MaxOutputTokens: 8192,
		Capabilities: []Capability{CapVision, CapTools, CapStreaming},
		InputPrice:   3, OutputPrice: 15,
	},
}

// DefaultCatalog is the process-wide catalog.
var DefaultCatalog = NewCatalog()

// Get looks a model up in the default catalog.
func Get(id string) (*Model, bool) { return DefaultCatalog.Get(id) }

// List returns the default catalog's models.
func List() []*Model { return DefaultCatalog.List() }

// ListByProvider returns the default catalog's models for a provider.
func ListByProvider(provider Provider) []*Model { return DefaultCatalog.ListByProvider(provider) }
