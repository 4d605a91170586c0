package driver

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	catalog "github.com/nexusnarrative/narrator/internal/models"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// BedrockConfig holds configuration for a BedrockDriver. Credentials fall
// back to the default AWS chain when not set explicitly.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
	Limits          RateLimitConfig

	// DiscoverModels, when true, registers the region's available
	// foundation models with the shared catalog at construction.
	DiscoverModels bool
}

// BedrockDriver talks to AWS Bedrock through the Converse API, the one
// non-HTTP-JSON transport in the registry.
type BedrockDriver struct {
	client       *bedrockruntime.Client
	base         BaseDriver
	defaultModel string
	region       string
	limits       RateLimitConfig
}

// NewBedrockDriver creates a driver for AWS Bedrock.
func NewBedrockDriver(ctx context.Context, cfg BedrockConfig) (*BedrockDriver, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, NewDriverError("bedrock", cfg.DefaultModel, err)
	}

	d := &BedrockDriver{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		base:         NewBaseDriver("bedrock", cfg.MaxRetries, cfg.RetryDelay),
		defaultModel: cfg.DefaultModel,
		region:       cfg.Region,
		limits:       cfg.Limits,
	}

	if cfg.DiscoverModels {
		discovery := catalog.NewBedrockDiscovery(catalog.BedrockDiscoveryConfig{
			Enabled: true,
			Region:  cfg.Region,
		}, nil)
		// Discovery failures are not fatal; the driver still works with
		// the configured model id.
		_ = discovery.RegisterWithCatalog(ctx, catalog.DefaultCatalog)
	}
	return d, nil
}

func (d *BedrockDriver) Name() string { return "bedrock" }
func (d *BedrockDriver) Model() string { return d.defaultModel }
func (d *BedrockDriver) RateLimits() RateLimitConfig { return d.limits }

// Generate performs a full, non-streaming Converse call.
func (d *BedrockDriver) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := d.resolveModel(req.Model)
	input, err := d.buildInput(req, model)
	if err != nil {
		return nil, err
	}

	var out *bedrockruntime.ConverseOutput
	err = d.base.Retry(ctx, IsRetryable, func() error {
		o, callErr := d.client.Converse(ctx, input)
		if callErr != nil {
			return d.wrapError(callErr, model)
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := &GenerateResponse{}
	if out.Usage != nil {
		resp.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				resp.Outputs = append(resp.Outputs, Output{Kind: OutputText, Text: text.Value})
			}
		}
	}
	return resp, nil
}

// GenerateStream streams a completion via ConverseStream.
func (d *BedrockDriver) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	model := d.resolveModel(req.Model)
	input, err := d.buildInput(req, model)
	if err != nil {
		return nil, err
	}

	streamInput := &bedrockruntime.ConverseStreamInput{
		ModelId:         input.ModelId,
		Messages:        input.Messages,
		System:          input.System,
		InferenceConfig: input.InferenceConfig,
	}
	stream, err := d.client.ConverseStream(ctx, streamInput)
	if err != nil {
		return nil, d.wrapError(err, model)
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)

		eventStream := stream.GetStream()
		defer eventStream.Close()

		finish := FinishStop
		for event := range eventStream.Events() {
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && delta.Value != "" {
					chunks <- StreamChunk{Content: delta.Value}
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				finish = bedrockFinishReason(ev.Value.StopReason)
			}
		}
		if err := eventStream.Err(); err != nil {
			finish = FinishError
		}
		chunks <- StreamChunk{IsFinal: true, FinishReason: finish}
	}()
	return chunks, nil
}

// Metadata reports static model facts.
func (d *BedrockDriver) Metadata() ModelMetadata {
	return catalogMetadata(d.defaultModel, ModelMetadata{
		MaxInputTokens:    200_000,
		MaxOutputTokens:   4096,
		SupportsStreaming: true,
		SupportsVision:    true,
		SupportsToolUse:   true,
	})
}

// CountTokens estimates tokens at roughly four characters per token; the
// Converse API exposes no tokenizer endpoint.
func (d *BedrockDriver) CountTokens(text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

func (d *BedrockDriver) resolveModel(model string) string {
	if model == "" {
		return d.defaultModel
	}
	return model
}

func (d *BedrockDriver) buildInput(req GenerateRequest, model string) (*bedrockruntime.ConverseInput, error) {
	system, messages, err := splitSystem(req.Messages, convertBedrockMessage)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if system != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}
	inference := &types.InferenceConfiguration{}
	set := false
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
		set = true
	}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(*req.Temperature)
		set = true
	}
	if set {
		input.InferenceConfig = inference
	}
	return input, nil
}

func convertBedrockMessage(msg models.Message) (types.Message, error) {
	role := types.ConversationRoleUser
	if msg.Role == models.RoleAssistant {
		role = types.ConversationRoleAssistant
	}

	var content []types.ContentBlock
	for _, in := range msg.Content {
		switch in.Kind {
		case models.InputText:
			content = append(content, &types.ContentBlockMemberText{Value: in.Text})
		case models.InputImage:
			if in.Source.Base64 == "" {
				return types.Message{}, unsupportedInput("bedrock", in, "images must be inline base64")
			}
			data, err := base64.StdEncoding.DecodeString(in.Source.Base64)
			if err != nil {
				return types.Message{}, conversionError("bedrock", err)
			}
			format, ok := bedrockImageFormat(in.MIME)
			if !ok {
				return types.Message{}, unsupportedInput("bedrock", in, "unsupported image format "+in.MIME)
			}
			content = append(content, &types.ContentBlockMemberImage{
				Value: types.ImageBlock{
					Format: format,
					Source: &types.ImageSourceMemberBytes{Value: data},
				},
			})
		default:
			return types.Message{}, unsupportedInput("bedrock", in, "only text and image inputs are supported")
		}
	}
	return types.Message{Role: role, Content: content}, nil
}

func bedrockImageFormat(mime string) (types.ImageFormat, bool) {
	switch mime {
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/png":
		return types.ImageFormatPng, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	}
	return "", false
}

func bedrockFinishReason(sr types.StopReason) FinishReason {
	switch sr {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return FinishStop
	case types.StopReasonMaxTokens:
		return FinishMaxTokens
	case types.StopReasonToolUse:
		return FinishToolCalls
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		return FinishContentFilter
	default:
		return FinishStop
	}
}

func (d *BedrockDriver) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetDriverError(err); ok {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		de := NewDriverError("bedrock", model, err).WithCode(apiErr.ErrorCode())
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			de.Reason = FailoverRateLimit
		case "AccessDeniedException", "UnrecognizedClientException":
			de.Reason = FailoverAuth
		case "ResourceNotFoundException", "ModelNotReadyException":
			de.Reason = FailoverModelUnavailable
		case "ServiceUnavailableException", "InternalServerException", "ModelErrorException":
			de.Reason = FailoverServerError
		case "ValidationException":
			de.Reason = FailoverInvalidRequest
		}
		if apiErr.ErrorMessage() != "" {
			de = de.WithMessage(apiErr.ErrorMessage())
		}
		return de
	}
	return NewDriverError("bedrock", model, err)
}
