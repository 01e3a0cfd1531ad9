package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bi-gateway/internal/domain"
)

// DefaultOllamaURL is the local Ollama daemon.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaGenerator asks an Ollama server for SQL over its generate API.
type OllamaGenerator struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaGenerator creates a generator for model at baseURL. timeout bounds
// each HTTP call; zero means 60s.
func NewOllamaGenerator(baseURL, model string, timeout time.Duration) *OllamaGenerator {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	System  string         `json:"system,omitempty"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Generate implements domain.Generator.
func (g *OllamaGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:   g.model,
		System:  SystemPrompt,
		Prompt:  BuildPrompt(req),
		Options: map[string]any{"temperature": 0.1},
	})
	if err != nil {
		return nil, domain.ErrGeneration(err, "encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, domain.ErrGeneration(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, domain.ErrGeneration(err, "call ollama")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.ErrGeneration(err, "read response")
	}
	var out ollamaResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(data, &out)
		return nil, domain.ErrGeneration(nil, "ollama returned status %d %s", resp.StatusCode, out.Error)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, domain.ErrGeneration(err, "decode response")
	}

	sql, err := ParseResponse(out.Response)
	if err != nil {
		return nil, err
	}
	return &domain.GenerationResult{SQL: sql, Model: "ollama/" + g.model}, nil
}

// Ping checks that the server answers.
func (g *OllamaGenerator) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

var _ domain.Generator = (*OllamaGenerator)(nil)
