package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/config"
)

// Request is one completion call. MaxTokens of zero falls back to the
// configured default.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Generator produces a completion for a prompt. Implementations are safe for
// concurrent use.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// NewGenerator builds the backend named by provider, falling back to the
// configured default when provider is empty.
func NewGenerator(cfg config.LLMConfig, provider string, log *slog.Logger) (Generator, error) {
	if provider == "" {
		provider = cfg.Provider
	}
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutS) * time.Second}
	switch provider {
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set when llm provider=openai")
		}
		return &openAIGenerator{cfg: cfg, apiKey: apiKey, client: client, log: log}, nil
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY must be set when llm provider=anthropic")
		}
		return &anthropicGenerator{cfg: cfg, apiKey: apiKey, client: client, log: log}, nil
	case "mock":
		return &mockGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
