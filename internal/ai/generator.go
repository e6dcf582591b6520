// generator.go - Extraction service client interface and the Gemini implementation

package ai

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Usage holds token counts reported by the extraction service for one call.
// All fields default to zero when the transport does not report usage.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// GenerateResponse is the raw outcome of one extraction call. Text is
// expected to be JSON, optionally wrapped in markdown code fences.
type GenerateResponse struct {
	Text  string
	Usage Usage
}

// Generator is the single contract against the external extraction service:
// structured fields from an image given an instruction. Implementations must
// be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, image []byte, mimeType, instruction, model string) (*GenerateResponse, error)
}

// GeminiGenerator implements Generator using the Gemini API. The client is
// constructed once at process start and shared; per-call model handles are
// cheap.
type GeminiGenerator struct {
	client *genai.Client
}

func NewGeminiGenerator(ctx context.Context, apiKey string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiGenerator{client: client}, nil
}

func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}

func (g *GeminiGenerator) Generate(ctx context.Context, image []byte, mimeType, instruction, modelName string) (*GenerateResponse, error) {
	model := g.client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(instruction)},
	}

	resp, err := model.GenerateContent(ctx,
		genai.Text("Extract bill data."),
		genai.Blob{MIMEType: mimeType, Data: image},
	)
	if err != nil {
		return nil, err
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from Gemini API")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text = string(t)
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("empty response from Gemini API")
	}

	out := &GenerateResponse{Text: text}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
		if out.Usage.TotalTokens == 0 {
			out.Usage.TotalTokens = out.Usage.InputTokens + out.Usage.OutputTokens
		}
	}
	return out, nil
}
