package driver

import (
	"context"

	"github.com/nexusnarrative/narrator/pkg/models"
)

// GenerateRequest carries one turn's worth of conversation plus optional
// per-call overrides. A driver MUST honour an explicit Model override for
// this call only, without mutating its own default.
type GenerateRequest struct {
	Messages    []models.Message
	MaxTokens   int
	Temperature *float32
	Model       string
}

// OutputKind discriminates the variant held by an Output.
type OutputKind string

const (
	OutputText  OutputKind = "text"
	OutputAudio OutputKind = "audio"
	OutputImage OutputKind = "image"
)

// Output is one piece of a GenerateResponse.
type Output struct {
	Kind OutputKind
	Text string
	MIME string
	Data []byte
}

// GenerateResponse is the full, non-streaming result of a Generate call.
type GenerateResponse struct {
	Outputs      []Output
	InputTokens  int
	OutputTokens int
}

// FinishReason is carried by the final chunk of a stream.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishMaxTokens     FinishReason = "max_tokens"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// StreamChunk is one element of a GenerateStream sequence. Exactly one chunk
// in a sequence has IsFinal=true, and it alone carries FinishReason.
type StreamChunk struct {
	Content      string
	IsFinal      bool
	FinishReason FinishReason
}

// RateLimitConfig is a driver's declared quota; a zero field means
// unlimited.
type RateLimitConfig struct {
	RPM uint64
	TPM uint64
	RPD uint64
}

// Driver represents one provider+model pairing.
type Driver interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error)
	Name() string
	Model() string
	RateLimits() RateLimitConfig
}

// ModelMetadata describes static model facts.
type ModelMetadata struct {
	MaxInputTokens     int
	MaxOutputTokens    int
	SupportsStreaming  bool
	SupportsVision     bool
	SupportsAudio      bool
	SupportsVideo      bool
	SupportsDocuments  bool
	SupportsToolUse    bool
	SupportsJSONMode   bool
	SupportsEmbeddings bool
	SupportsBatch      bool
}

// MetadataProvider is an optional capability exposing static model facts.
type MetadataProvider interface {
	Metadata() ModelMetadata
}

// VisionLimits describes a vision-capable driver's image constraints.
type VisionLimits struct {
	MaxImages       int
	AllowedFormats  []string
	MaxSizeBytes    int64
}

// VisionCapable is an optional capability for drivers that accept images.
type VisionCapable interface {
	VisionLimits() VisionLimits
}

// TokenCounter is an optional capability for drivers with a tokenizer.
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// textOf concatenates the Text-kind outputs of a response with newlines.
func textOf(resp *GenerateResponse) string {
	var out string
	for i, o := range resp.Outputs {
		if o.Kind != OutputText {
			continue
		}
		if out != "" && i > 0 {
			out += "\n"
		}
		out += o.Text
	}
	return out
}

// SingleChunkStream adapts a synchronous Generate call into the
// GenerateStream contract for drivers without native streaming support:
// the full response is emitted as one final chunk.
func SingleChunkStream(ctx context.Context, d Driver, req GenerateRequest) (<-chan StreamChunk, error) {
	resp, err := d.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Content: textOf(resp), IsFinal: true, FinishReason: FinishStop}
	close(ch)
	return ch, nil
}
