package models

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

// DefaultBedrockRefreshInterval bounds how often the foundation-model
// list is re-fetched.
const DefaultBedrockRefreshInterval = time.Hour

// BedrockDiscoveryConfig configures runtime discovery of the Bedrock
// foundation models available in a region.
type BedrockDiscoveryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// ProviderFilter limits discovery to the named upstream providers
	// (e.g. "anthropic", "amazon"); empty means all.
	ProviderFilter []string `yaml:"provider_filter"`
}

// BedrockClient is the slice of the Bedrock control-plane API discovery
// uses; the indirection keeps tests off the network.
type BedrockClient interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

// BedrockDiscovery fetches and caches the region's model list.
type BedrockDiscovery struct {
	config BedrockDiscoveryConfig
	logger *slog.Logger

	mu        sync.RWMutex
	client    BedrockClient
	cache     []*Model
	expiresAt time.Time
}

// NewBedrockDiscovery builds a discovery instance.
func NewBedrockDiscovery(cfg BedrockDiscoveryConfig, logger *slog.Logger) *BedrockDiscovery {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultBedrockRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BedrockDiscovery{config: cfg, logger: logger}
}

// SetClient injects a client, replacing lazy construction. Tests use it.
func (d *BedrockDiscovery) SetClient(client BedrockClient) {
	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
}

// Discover returns the region's text-generation models, served from
// cache within the refresh interval.
func (d *BedrockDiscovery) Discover(ctx context.Context) ([]*Model, error) {
	if !d.config.Enabled {
		return nil, nil
	}

	d.mu.RLock()
	if d.cache != nil && time.Now().Before(d.expiresAt) {
		cached := d.cache
		d.mu.RUnlock()
		return cached, nil
	}
	d.mu.RUnlock()

	models, err := d.fetch(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.cache = models
	d.expiresAt = time.Now().Add(d.config.RefreshInterval)
	d.mu.Unlock()

	d.logger.Info("discovered bedrock models", "region", d.config.Region, "count", len(models))
	return models, nil
}

// RegisterWithCatalog registers every discovered model.
func (d *BedrockDiscovery) RegisterWithCatalog(ctx context.Context, catalog *Catalog) error {
	models, err := d.Discover(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		catalog.Register(m)
	}
	return nil
}

func (d *BedrockDiscovery) fetch(ctx context.Context) ([]*Model, error) {
	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	if err != nil {
		return nil, fmt.Errorf("list bedrock foundation models: %w", err)
	}

	var models []*Model
	for _, summary := range out.ModelSummaries {
		if !d.include(summary) {
			continue
		}
		models = append(models, d.toModel(summary))
	}
	return models, nil
}

func (d *BedrockDiscovery) getClient(ctx context.Context) (BedrockClient, error) {
	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()
	if client != nil {
		return client, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(d.config.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	created := bedrock.NewFromConfig(awsCfg)
	d.mu.Lock()
	d.client = created
	d.mu.Unlock()
	return created, nil
}

// include keeps active text-output models matching the provider filter.
func (d *BedrockDiscovery) include(summary types.FoundationModelSummary) bool {
	if summary.ModelLifecycle != nil && summary.ModelLifecycle.Status != types.FoundationModelLifecycleStatusActive {
		return false
	}

	textOutput := false
	for _, mod := range summary.OutputModalities {
		if mod == types.ModelModalityText {
			textOutput = true
		}
	}
	if !textOutput {
		return false
	}

	if len(d.config.ProviderFilter) == 0 {
		return true
	}
	provider := strings.ToLower(deref(summary.ProviderName))
	for _, want := range d.config.ProviderFilter {
		if strings.EqualFold(want, provider) {
			return true
		}
	}
	return false
}

func (d *BedrockDiscovery) toModel(summary types.FoundationModelSummary) *Model {
	caps := []Capability{CapStreaming}
	for _, mod := range summary.InputModalities {
		if mod == types.ModelModalityImage {
			caps = append(caps, CapVision)
		}
	}

	return &Model{
		ID:            deref(summary.ModelId),
		Name:          deref(summary.ModelName),
		Provider:      ProviderBedrock,
		Tier:          TierStandard,
		ContextWindow: 32_000,
		Capabilities:  caps,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
