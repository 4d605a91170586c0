package driver

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/nexusnarrative/narrator/internal/ratelimit"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// GoogleConfig holds configuration for a GoogleDriver.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
	Limits       RateLimitConfig
	Detector     *ratelimit.Detector
}

// GoogleDriver talks to the Gemini API through the genai SDK.
type GoogleDriver struct {
	client       *genai.Client
	base         BaseDriver
	defaultModel string
	limits       RateLimitConfig
}

// NewGoogleDriver creates a driver for the Gemini API.
func NewGoogleDriver(ctx context.Context, cfg GoogleConfig) (*GoogleDriver, error) {
	if cfg.APIKey == "" {
		return nil, &DriverError{
			Reason:  FailoverAuth,
			Driver:  "google",
			Message: "API key is required; set GEMINI_API_KEY",
		}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Detector != nil {
		clientCfg.HTTPClient = &http.Client{
			Transport: &headerObserver{provider: "google", detector: cfg.Detector},
		}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, NewDriverError("google", cfg.DefaultModel, err)
	}
	return &GoogleDriver{
		client:       client,
		base:         NewBaseDriver("google", cfg.MaxRetries, cfg.RetryDelay),
		defaultModel: cfg.DefaultModel,
		limits:       cfg.Limits,
	}, nil
}

func (d *GoogleDriver) Name() string { return "google" }
func (d *GoogleDriver) Model() string { return d.defaultModel }
func (d *GoogleDriver) RateLimits() RateLimitConfig { return d.limits }

// Generate performs a full, non-streaming completion.
func (d *GoogleDriver) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := d.resolveModel(req.Model)
	contents, config, err := d.buildRequest(req)
	if err != nil {
		return nil, err
	}

	var resp *genai.GenerateContentResponse
	err = d.base.Retry(ctx, IsRetryable, func() error {
		r, callErr := d.client.Models.GenerateContent(ctx, model, contents, config)
		if callErr != nil {
			return NewDriverError("google", model, callErr)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &GenerateResponse{}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				out.Outputs = append(out.Outputs, Output{Kind: OutputText, Text: part.Text})
			}
		}
	}
	return out, nil
}

// GenerateStream streams a completion using the SDK's response iterator.
func (d *GoogleDriver) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	model := d.resolveModel(req.Model)
	contents, config, err := d.buildRequest(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)

		finish := FinishStop
		for resp, err := range d.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				chunks <- StreamChunk{IsFinal: true, FinishReason: FinishError}
				return
			}
			if resp == nil {
				continue
			}
			for _, cand := range resp.Candidates {
				if cand == nil || cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part.Text != "" {
						chunks <- StreamChunk{Content: part.Text}
					}
				}
				if cand.FinishReason != "" {
					finish = googleFinishReason(cand.FinishReason)
				}
			}
		}
		chunks <- StreamChunk{IsFinal: true, FinishReason: finish}
	}()
	return chunks, nil
}

// Metadata reports static model facts.
func (d *GoogleDriver) Metadata() ModelMetadata {
	return catalogMetadata(d.defaultModel, ModelMetadata{
		MaxInputTokens:    1_048_576,
		MaxOutputTokens:   8192,
		SupportsStreaming: true,
		SupportsVision:    true,
		SupportsAudio:     true,
		SupportsVideo:     true,
		SupportsDocuments: true,
		SupportsToolUse:   true,
		SupportsJSONMode:  true,
	})
}

// VisionLimits reports the Gemini API's image constraints.
func (d *GoogleDriver) VisionLimits() VisionLimits {
	return VisionLimits{
		MaxImages:      3000,
		AllowedFormats: []string{"image/jpeg", "image/png", "image/webp", "image/heic", "image/heif"},
		MaxSizeBytes:   20 * 1024 * 1024,
	}
}

// CountTokens asks the API for an exact count, falling back to a
// character-based estimate when the call fails.
func (d *GoogleDriver) CountTokens(text string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	contents := []*genai.Content{{Role: genai.RoleUser, Parts: []*genai.Part{{Text: text}}}}
	resp, err := d.client.Models.CountTokens(ctx, d.defaultModel, contents, nil)
	if err != nil || resp == nil {
		return (len(text) + 3) / 4, nil
	}
	return int(resp.TotalTokens), nil
}

func (d *GoogleDriver) resolveModel(model string) string {
	if model == "" {
		return d.defaultModel
	}
	return model
}

func (d *GoogleDriver) buildRequest(req GenerateRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	system, contents, err := splitSystem(req.Messages, convertGoogleMessage)
	if err != nil {
		return nil, nil, err
	}

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(*req.Temperature)
	}
	return contents, config, nil
}

func convertGoogleMessage(msg models.Message) (*genai.Content, error) {
	content := &genai.Content{Role: genai.RoleUser}
	if msg.Role == models.RoleAssistant {
		content.Role = genai.RoleModel
	}

	for _, in := range msg.Content {
		switch in.Kind {
		case models.InputText:
			content.Parts = append(content.Parts, &genai.Part{Text: in.Text})
		case models.InputImage, models.InputAudio, models.InputVideo, models.InputDocument:
			if in.Source.Base64 == "" {
				return nil, unsupportedInput("google", in, "media must be inline base64")
			}
			data, err := base64.StdEncoding.DecodeString(in.Source.Base64)
			if err != nil {
				return nil, conversionError("google", err)
			}
			content.Parts = append(content.Parts, &genai.Part{
				InlineData: &genai.Blob{MIMEType: in.MIME, Data: data},
			})
		default:
			return nil, unsupportedInput("google", in, "unknown input kind")
		}
	}
	return content, nil
}

func googleFinishReason(fr genai.FinishReason) FinishReason {
	switch fr {
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return FinishContentFilter
	default:
		return FinishStop
	}
}
