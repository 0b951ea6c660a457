// Package rag ties chunking, the vector index and generation into the
// retrieval augmented answer flow for a chat session.
package rag

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fabfab/docchat/index"
	"github.com/fabfab/docchat/metrics"
)

type Chunker interface {
	Chunk(text string) []string
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Stream(ctx context.Context, prompt string, fn func(string) error) (string, error)
}

// Answer is the outcome of one question: the generated response plus the
// context and prompt it was produced from.
type Answer struct {
	Response string
	Context  string
	Prompt   string
}

type Pipeline struct {
	chunker   Chunker
	index     index.Index
	retriever *Retriever
	generator Generator
	metrics   *metrics.Metrics
	logger    *log.Logger
}

type Options struct {
	TopK    int
	Metrics *metrics.Metrics
	Logger  *log.Logger
}

func NewPipeline(chunker Chunker, idx index.Index, generator Generator, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Pipeline{
		chunker:   chunker,
		index:     idx,
		retriever: NewRetriever(idx, opts.TopK),
		generator: generator,
		metrics:   opts.Metrics,
		logger:    logger,
	}
}

// Ingest chunks text into the session's collection, creating it when needed,
// and returns the number of chunks produced.
func (p *Pipeline) Ingest(ctx context.Context, sessionID, text string) (int, error) {
	chunks := p.Chunk(text)
	if err := p.IngestChunks(ctx, sessionID, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

func (p *Pipeline) Chunk(text string) []string {
	return p.chunker.Chunk(text)
}

// IngestChunks stores already chunked text in the session's collection.
func (p *Pipeline) IngestChunks(ctx context.Context, sessionID string, chunks []string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	col, err := p.index.EnsureCollection(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	if len(chunks) == 0 {
		p.logger.Printf("no text to index for session %s", sessionID)
		return nil
	}

	if err := p.index.Add(ctx, col, chunks); err != nil {
		return fmt.Errorf("add chunks: %w", err)
	}

	p.metrics.AddChunks(len(chunks))
	p.logger.Printf("indexed %d chunks for session %s", len(chunks), sessionID)
	return nil
}

// DeleteSession drops the session's collection.
func (p *Pipeline) DeleteSession(ctx context.Context, sessionID string) error {
	if err := p.index.DeleteCollection(ctx, sessionID); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return nil
}

func (p *Pipeline) Retrieve(ctx context.Context, sessionID, query string) (string, error) {
	start := time.Now()
	result, err := p.retriever.Retrieve(ctx, sessionID, query)
	p.metrics.ObserveRetrieval(time.Since(start))
	if err != nil {
		return "", fmt.Errorf("retrieve context: %w", err)
	}
	return result, nil
}

func (p *Pipeline) Query(ctx context.Context, sessionID, message string) (Answer, error) {
	return p.QueryStream(ctx, sessionID, message, nil)
}

// QueryStream behaves like Query and additionally forwards each generated
// fragment to fn as it arrives.
func (p *Pipeline) QueryStream(ctx context.Context, sessionID, message string, fn func(string) error) (Answer, error) {
	retrieved, err := p.Retrieve(ctx, sessionID, message)
	if err != nil {
		return Answer{}, err
	}
	if retrieved == "" {
		p.logger.Printf("no context available for session %s, answering without references", sessionID)
	}

	prompt := BuildPrompt(message, retrieved)

	start := time.Now()
	response, err := p.generator.Stream(ctx, prompt, fn)
	p.metrics.ObserveGeneration(time.Since(start), err)
	if err != nil {
		return Answer{}, fmt.Errorf("generate answer: %w", err)
	}

	return Answer{Response: response, Context: retrieved, Prompt: prompt}, nil
}
