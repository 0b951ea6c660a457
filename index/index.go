// Package index stores chunk embeddings in per-session collections and ranks
// them against a query by semantic similarity.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fabfab/docchat/embeddings"
)

// ErrIndexUnavailable is returned when the backing store or the embedder
// cannot serve a request.
var ErrIndexUnavailable = errors.New("vector index unavailable")

// Collection is a handle to a named set of chunks, one per chat session.
type Collection struct {
	Name string
}

type Index interface {
	// EnsureCollection returns the collection called name, creating it when needed.
	EnsureCollection(ctx context.Context, name string) (Collection, error)
	// Add embeds and stores chunks. Identical text within a collection is stored once.
	Add(ctx context.Context, c Collection, chunks []string) error
	// Query returns up to k chunk texts, most similar to text first.
	Query(ctx context.Context, c Collection, text string, k int) ([]string, error)
	DeleteCollection(ctx context.Context, name string) error
	Count(ctx context.Context, c Collection) (int, error)
}

// ChunkID derives a stable identifier for text stored in collection.
func ChunkID(collection, text string) string {
	sum := sha256.Sum256([]byte(collection + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

type chunkEntry struct {
	ID        string
	Text      string
	Embedding []float32
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIndexUnavailable, err)
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("collection name cannot be empty")
	}
	return nil
}

// embedChunks drops duplicate texts, embeds the rest in one call and returns
// entries keyed by ChunkID.
func embedChunks(ctx context.Context, embedder embeddings.Embedder, collection string, chunks []string) ([]chunkEntry, error) {
	if embedder == nil {
		return nil, unavailable("embed chunks", fmt.Errorf("embedder not configured"))
	}

	seen := make(map[string]struct{}, len(chunks))
	entries := make([]chunkEntry, 0, len(chunks))
	texts := make([]string, 0, len(chunks))
	for _, text := range chunks {
		id := ChunkID(collection, text)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		entries = append(entries, chunkEntry{ID: id, Text: text})
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return entries, nil
	}

	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return nil, unavailable("embed chunks", err)
	}
	if len(vectors) != len(texts) {
		return nil, unavailable("embed chunks", fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(texts), len(vectors)))
	}
	for i := range entries {
		entries[i].Embedding = vectors[i]
	}
	return entries, nil
}

func embedQuery(ctx context.Context, embedder embeddings.Embedder, text string) ([]float32, error) {
	if embedder == nil {
		return nil, unavailable("embed query", fmt.Errorf("embedder not configured"))
	}
	vectors, err := embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, unavailable("embed query", err)
	}
	if len(vectors) == 0 {
		return nil, unavailable("embed query", fmt.Errorf("embedder returned no vectors"))
	}
	return vectors[0], nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
