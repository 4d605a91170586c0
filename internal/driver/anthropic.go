// Package driver implements the provider-facing client layer of the
// narrative engine. Each concrete driver wraps one vendor SDK and
// normalizes requests, responses, streaming and errors into the shared
// Driver contract, so the executor never sees provider-specific shapes.
package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nexusnarrative/narrator/internal/ratelimit"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// AnthropicConfig holds configuration for an AnthropicDriver. Only APIKey
// is required; everything else defaults sensibly.
type AnthropicConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
	Limits       RateLimitConfig

	// Detector, when set, is fed the rate-limit headers of every
	// successful response so the account tier can be inferred at runtime.
	Detector *ratelimit.Detector
}

// AnthropicDriver talks to Anthropic's Messages API.
type AnthropicDriver struct {
	client       anthropic.Client
	base         BaseDriver
	defaultModel string
	limits       RateLimitConfig
	detector     *ratelimit.Detector
}

// NewAnthropicDriver creates a driver for Anthropic's API.
func NewAnthropicDriver(cfg AnthropicConfig) (*AnthropicDriver, error) {
	if cfg.APIKey == "" {
		return nil, (&DriverError{
			Reason:  FailoverAuth,
			Driver:  "anthropic",
			Message: "API key is required; set ANTHROPIC_API_KEY",
		})
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	return &AnthropicDriver{
		client:       anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		base:         NewBaseDriver("anthropic", cfg.MaxRetries, cfg.RetryDelay),
		defaultModel: cfg.DefaultModel,
		limits:       cfg.Limits,
		detector:     cfg.Detector,
	}, nil
}

// Name returns the provider identifier.
func (d *AnthropicDriver) Name() string { return "anthropic" }

// Model returns the default model.
func (d *AnthropicDriver) Model() string { return d.defaultModel }

// RateLimits returns the driver's declared quota.
func (d *AnthropicDriver) RateLimits() RateLimitConfig { return d.limits }

// Generate performs a full, non-streaming completion.
func (d *AnthropicDriver) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := d.resolveModel(req.Model)
	params, err := d.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	var msg *anthropic.Message
	err = d.base.Retry(ctx, IsRetryable, func() error {
		var raw *http.Response
		m, callErr := d.client.Messages.New(ctx, params, option.WithResponseInto(&raw))
		if raw != nil && d.detector != nil {
			d.detector.Observe("anthropic", raw.Header)
		}
		if callErr != nil {
			return d.wrapError(callErr, model)
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := &GenerateResponse{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			resp.Outputs = append(resp.Outputs, Output{Kind: OutputText, Text: block.Text})
		}
	}
	return resp, nil
}

// GenerateStream streams a completion as it is produced. The returned
// channel carries exactly one chunk with IsFinal set.
func (d *AnthropicDriver) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	model := d.resolveModel(req.Model)
	params, err := d.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)

		stream := d.client.Messages.NewStreaming(ctx, params)
		finish := FinishStop
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					chunks <- StreamChunk{Content: delta.Text}
				}
			case "message_delta":
				if sr := event.AsMessageDelta().Delta.StopReason; sr != "" {
					finish = anthropicFinishReason(string(sr))
				}
			}
		}
		if err := stream.Err(); err != nil {
			finish = FinishError
		}
		chunks <- StreamChunk{IsFinal: true, FinishReason: finish}
	}()
	return chunks, nil
}

// Metadata reports static model facts.
func (d *AnthropicDriver) Metadata() ModelMetadata {
	return catalogMetadata(d.defaultModel, ModelMetadata{
		MaxInputTokens:    200_000,
		MaxOutputTokens:   8192,
		SupportsStreaming: true,
		SupportsVision:    true,
		SupportsDocuments: true,
		SupportsToolUse:   true,
	})
}

// VisionLimits reports the image constraints of the Messages API.
func (d *AnthropicDriver) VisionLimits() VisionLimits {
	return VisionLimits{
		MaxImages:      100,
		AllowedFormats: []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
		MaxSizeBytes:   5 * 1024 * 1024,
	}
}

// CountTokens estimates tokens at roughly four characters per token, the
// usual shape of English text under Claude's tokenizer.
func (d *AnthropicDriver) CountTokens(text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

func (d *AnthropicDriver) resolveModel(model string) string {
	if model == "" {
		return d.defaultModel
	}
	return model
}

func (d *AnthropicDriver) buildParams(req GenerateRequest, model string) (anthropic.MessageNewParams, error) {
	system, converted, err := splitSystem(req.Messages, convertAnthropicMessage)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	return params, nil
}

// convertAnthropicMessage maps one conversation message onto Anthropic's
// content-block format.
func convertAnthropicMessage(msg models.Message) (anthropic.MessageParam, error) {
	var content []anthropic.ContentBlockParamUnion
	for _, in := range msg.Content {
		switch in.Kind {
		case models.InputText:
			content = append(content, anthropic.NewTextBlock(in.Text))
		case models.InputImage:
			if in.Source.Base64 == "" {
				return anthropic.MessageParam{}, unsupportedInput("anthropic", in, "images must be inline base64")
			}
			if _, err := base64.StdEncoding.DecodeString(in.Source.Base64); err != nil {
				return anthropic.MessageParam{}, conversionError("anthropic", fmt.Errorf("invalid base64 image: %w", err))
			}
			content = append(content, anthropic.NewImageBlockBase64(in.MIME, in.Source.Base64))
		default:
			return anthropic.MessageParam{}, unsupportedInput("anthropic", in, "only text and image inputs are supported")
		}
	}

	if msg.Role == models.RoleAssistant {
		return anthropic.NewAssistantMessage(content...), nil
	}
	return anthropic.NewUserMessage(content...), nil
}

func anthropicFinishReason(stop string) FinishReason {
	switch stop {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishMaxTokens
	case "tool_use":
		return FinishToolCalls
	case "refusal":
		return FinishContentFilter
	default:
		return FinishStop
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (d *AnthropicDriver) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetDriverError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		de := NewDriverError("anthropic", model, err).WithStatus(apiErr.StatusCode)
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					de = de.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					de = de.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					de = de.WithRequestID(payload.RequestID)
				}
			}
		}
		if apiErr.StatusCode == http.StatusTooManyRequests && apiErr.Response != nil {
			if ra := parseRetryAfter(apiErr.Response.Header); ra > 0 {
				de = de.WithRetryAfter(ra)
			}
		}
		return de
	}
	return NewDriverError("anthropic", model, err)
}
