package driver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nexusnarrative/narrator/pkg/models"
)

// OpenAIConfig holds configuration for an OpenAIDriver.
type OpenAIConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
	Limits       RateLimitConfig
}

// OpenAIDriver talks to OpenAI's chat completions API.
type OpenAIDriver struct {
	client       *openai.Client
	base         BaseDriver
	defaultModel string
	limits       RateLimitConfig
}

// NewOpenAIDriver creates a driver for OpenAI's API.
func NewOpenAIDriver(cfg OpenAIConfig) (*OpenAIDriver, error) {
	if cfg.APIKey == "" {
		return nil, &DriverError{
			Reason:  FailoverAuth,
			Driver:  "openai",
			Message: "API key is required; set OPENAI_API_KEY",
		}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}
	return &OpenAIDriver{
		client:       openai.NewClient(cfg.APIKey),
		base:         NewBaseDriver("openai", cfg.MaxRetries, cfg.RetryDelay),
		defaultModel: cfg.DefaultModel,
		limits:       cfg.Limits,
	}, nil
}

func (d *OpenAIDriver) Name() string { return "openai" }
func (d *OpenAIDriver) Model() string { return d.defaultModel }
func (d *OpenAIDriver) RateLimits() RateLimitConfig { return d.limits }

// Generate performs a full, non-streaming completion.
func (d *OpenAIDriver) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := d.resolveModel(req.Model)
	chatReq, err := d.buildRequest(req, model)
	if err != nil {
		return nil, err
	}

	var resp openai.ChatCompletionResponse
	err = d.base.Retry(ctx, IsRetryable, func() error {
		r, callErr := d.client.CreateChatCompletion(ctx, chatReq)
		if callErr != nil {
			return d.wrapError(callErr, model)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &DriverError{Reason: FailoverUnknown, Driver: "openai", Model: model, Message: "response carried no choices"}
	}

	return &GenerateResponse{
		Outputs:      []Output{{Kind: OutputText, Text: resp.Choices[0].Message.Content}},
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// GenerateStream streams a completion chunk by chunk.
func (d *OpenAIDriver) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	model := d.resolveModel(req.Model)
	chatReq, err := d.buildRequest(req, model)
	if err != nil {
		return nil, err
	}

	stream, err := d.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, d.wrapError(err, model)
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		finish := FinishStop
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				chunks <- StreamChunk{IsFinal: true, FinishReason: FinishError}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				chunks <- StreamChunk{Content: choice.Delta.Content}
			}
			if choice.FinishReason != "" {
				finish = openaiFinishReason(choice.FinishReason)
			}
		}
		chunks <- StreamChunk{IsFinal: true, FinishReason: finish}
	}()
	return chunks, nil
}

// Metadata reports static model facts.
func (d *OpenAIDriver) Metadata() ModelMetadata {
	return catalogMetadata(d.defaultModel, ModelMetadata{
		MaxInputTokens:    128_000,
		MaxOutputTokens:   16_384,
		SupportsStreaming: true,
		SupportsVision:    true,
		SupportsToolUse:   true,
		SupportsJSONMode:  true,
	})
}

// CountTokens estimates tokens at roughly four characters per token.
func (d *OpenAIDriver) CountTokens(text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

func (d *OpenAIDriver) resolveModel(model string) string {
	if model == "" {
		return d.defaultModel
	}
	return model
}

func (d *OpenAIDriver) buildRequest(req GenerateRequest, model string) (openai.ChatCompletionRequest, error) {
	system, converted, err := splitSystem(req.Messages, convertOpenAIMessage)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	messages := converted
	if system != "" {
		messages = append([]openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		}}, messages...)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}
	return chatReq, nil
}

func convertOpenAIMessage(msg models.Message) (openai.ChatCompletionMessage, error) {
	role := openai.ChatMessageRoleUser
	if msg.Role == models.RoleAssistant {
		role = openai.ChatMessageRoleAssistant
	}

	hasMedia := false
	for _, in := range msg.Content {
		if in.Kind != models.InputText {
			hasMedia = true
		}
	}
	if !hasMedia {
		return openai.ChatCompletionMessage{Role: role, Content: textContent(msg)}, nil
	}

	var parts []openai.ChatMessagePart
	for _, in := range msg.Content {
		switch in.Kind {
		case models.InputText:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: in.Text,
			})
		case models.InputImage:
			url := in.Source.URL
			if url == "" && in.Source.Base64 != "" {
				url = "data:" + in.MIME + ";base64," + in.Source.Base64
			}
			if url == "" {
				return openai.ChatCompletionMessage{}, unsupportedInput("openai", in, "image needs a URL or inline base64")
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url},
			})
		default:
			return openai.ChatCompletionMessage{}, unsupportedInput("openai", in, "only text and image inputs are supported")
		}
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}, nil
}

func openaiFinishReason(fr openai.FinishReason) FinishReason {
	switch fr {
	case openai.FinishReasonStop:
		return FinishStop
	case openai.FinishReasonLength:
		return FinishMaxTokens
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return FinishToolCalls
	case openai.FinishReasonContentFilter:
		return FinishContentFilter
	default:
		return FinishStop
	}
}

func (d *OpenAIDriver) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetDriverError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		de := NewDriverError("openai", model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			de = de.WithMessage(apiErr.Message)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			de = de.WithCode(code)
		}
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			// The SDK does not surface the Retry-After header; leave
			// RetryAfter unset and let the caller back off.
			de.Reason = FailoverRateLimit
		}
		return de
	}
	return NewDriverError("openai", model, err)
}
