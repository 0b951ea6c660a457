package rag

import (
	"context"
	"strings"

	"github.com/fabfab/docchat/index"
)

const DefaultTopK = 10

type Retriever struct {
	index index.Index
	topK  int
}

func NewRetriever(idx index.Index, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{index: idx, topK: topK}
}

// Retrieve returns the session's most relevant chunks joined by newlines,
// best match first. Sessions without indexed text yield "".
func (r *Retriever) Retrieve(ctx context.Context, sessionID, query string) (string, error) {
	results, err := r.index.Query(ctx, index.Collection{Name: sessionID}, query, r.topK)
	if err != nil {
		return "", err
	}
	return strings.Join(results, "\n"), nil
}
