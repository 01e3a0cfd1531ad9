package app

import (
	"context"
	"fmt"

	"bi-gateway/internal/config"
	"bi-gateway/internal/domain"
	"bi-gateway/internal/llm"
)

// generator is the configured SQL generator plus its health probe and
// cleanup.
type generator struct {
	domain.Generator
	ping  func(context.Context) error
	close func() error
}

func newGenerator(ctx context.Context, cfg config.LLMConfig) (*generator, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		g := llm.NewOllamaGenerator(cfg.OllamaURL, cfg.OllamaModel, cfg.Timeout)
		return &generator{Generator: g, ping: g.Ping}, nil
	case config.ProviderGemini:
		g, err := llm.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		// no cheap probe; a key that cannot generate shows up as generation_failed
		return &generator{Generator: g, ping: noPing, close: g.Close}, nil
	case config.ProviderGolden:
		g, err := llm.LoadGolden(cfg.GoldenQueriesPath)
		if err != nil {
			return nil, err
		}
		return &generator{Generator: g, ping: noPing}, nil
	}
	return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
}

func noPing(context.Context) error { return nil }
