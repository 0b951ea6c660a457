// Package llm wraps the chat-completion providers behind a single Client
// interface and turns provider failures into ErrGenerationUnavailable.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabfab/docchat/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrGenerationUnavailable is returned when the model provider fails for any
// reason: transport, authentication, quota, timeout or cancellation.
var ErrGenerationUnavailable = errors.New("generation unavailable")

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// StreamClient is implemented by clients that can deliver the answer
// incrementally. fn receives fragments in arrival order.
type StreamClient interface {
	Client
	GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error
}

type Options struct {
	Provider string
	Model    string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
	GeminiBaseURL string
}

func optionsFrom(cfg config.Config) Options {
	return Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiBaseURL: cfg.GeminiBaseURL,
	}
}

// NewClient builds the client for cfg.LLM.Provider. Hosted providers fail
// fast when their API key is missing.
func NewClient(ctx context.Context, cfg config.Config) (Client, error) {
	opts := optionsFrom(cfg)

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	case config.ProviderGemini:
		if opts.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini provider selected but GEMINI_API_KEY not set")
		}
		return NewGeminiClient(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}
