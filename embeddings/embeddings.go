// Package embeddings turns chunk and query text into vectors through a
// configured provider.
package embeddings

import (
	"context"
	"fmt"

	"github.com/fabfab/docchat/config"
)

const defaultBatchSize = 64

// Embedder maps texts to vectors. The returned slice has one vector per input
// text, in input order, all of the same dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider  string
	Model     string
	Dimension int
	BatchSize int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		BatchSize:     cfg.Embeddings.BatchSize,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(opts), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}

// embedInBatches calls fn for consecutive slices of at most size texts and
// checks that every batch comes back complete and with the expected dimension.
func embedInBatches(ctx context.Context, provider string, texts []string, size, dimension int,
	fn func(ctx context.Context, batch []string) ([][]float32, error)) ([][]float32, error) {
	if size <= 0 {
		size = defaultBatchSize
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vectors, err := fn(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("%s returned %d embeddings for %d texts", provider, len(vectors), end-start)
		}
		for _, vec := range vectors {
			if dimension > 0 && len(vec) != dimension {
				return nil, fmt.Errorf("%s embedding dimension mismatch: expected %d, got %d", provider, dimension, len(vec))
			}
		}
		results = append(results, vectors...)
	}
	return results, nil
}
