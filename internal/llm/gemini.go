package llm

import (
	"context"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"bi-gateway/internal/domain"
)

// GeminiGenerator asks a Gemini model for SQL.
type GeminiGenerator struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	name    string
	timeout time.Duration
}

// NewGeminiGenerator creates a client for model. Extra options are appended
// after the API key, which lets tests point it at a fake endpoint.
func NewGeminiGenerator(ctx context.Context, apiKey, model string, timeout time.Duration, opts ...option.ClientOption) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, domain.ErrGeneration(err, "create gemini client")
	}
	m := client.GenerativeModel(model)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(SystemPrompt)}}
	m.SetTemperature(0.1)
	m.SetMaxOutputTokens(1024)
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GeminiGenerator{client: client, model: m, name: model, timeout: timeout}, nil
}

// Generate implements domain.Generator.
func (g *GeminiGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.model.GenerateContent(ctx, genai.Text(BuildPrompt(req)))
	if err != nil {
		return nil, domain.ErrGeneration(err, "call gemini")
	}
	sql, err := ParseResponse(responseText(resp))
	if err != nil {
		return nil, err
	}
	return &domain.GenerationResult{SQL: sql, Model: "gemini/" + g.name}, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		// the first candidate with content is the answer
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}

// Close releases the client.
func (g *GeminiGenerator) Close() error { return g.client.Close() }

var _ domain.Generator = (*GeminiGenerator)(nil)
