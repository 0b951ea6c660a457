package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Generator turns a fully assembled prompt into an answer. Each call sends
// the system instruction plus the prompt as a single user turn.
type Generator struct {
	client       Client
	systemPrompt string
	timeout      time.Duration
	logger       *log.Logger
}

func NewGenerator(client Client, systemPrompt string, timeout time.Duration, logger *log.Logger) *Generator {
	if logger == nil {
		logger = log.Default()
	}

	return &Generator{
		client:       client,
		systemPrompt: systemPrompt,
		timeout:      timeout,
		logger:       logger,
	}
}

// Generate returns the complete answer. Streaming clients are drained and
// their fragments concatenated in arrival order.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.Stream(ctx, prompt, nil)
}

// Stream forwards each fragment to fn as it arrives and returns the joined
// answer. Errors returned by fn abort the call and are returned unchanged.
// Clients without streaming support deliver the whole answer as one fragment.
func (g *Generator) Stream(ctx context.Context, prompt string, fn func(string) error) (string, error) {
	if g.client == nil {
		return "", fmt.Errorf("%w: llm client is not configured", ErrGenerationUnavailable)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	messages := g.messages(prompt)

	streamClient, ok := g.client.(StreamClient)
	if !ok {
		answer, err := g.client.Generate(ctx, messages)
		if err != nil {
			return "", g.unavailable(err)
		}
		if fn != nil && answer != "" {
			if err := fn(answer); err != nil {
				return "", err
			}
		}
		return answer, nil
	}

	var (
		builder     strings.Builder
		callbackErr error
	)
	err := streamClient.GenerateStream(ctx, messages, func(fragment string) error {
		if fragment == "" {
			return nil
		}
		builder.WriteString(fragment)
		if fn == nil {
			return nil
		}
		if err := fn(fragment); err != nil {
			callbackErr = err
			return err
		}
		return nil
	})
	if callbackErr != nil {
		return "", callbackErr
	}
	if err != nil {
		return "", g.unavailable(err)
	}
	return builder.String(), nil
}

func (g *Generator) messages(prompt string) []Message {
	messages := make([]Message, 0, 2)
	if g.systemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: g.systemPrompt})
	}
	return append(messages, Message{Role: RoleUser, Content: prompt})
}

func (g *Generator) unavailable(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		g.logger.Printf("generation timed out after %s", g.timeout)
	} else {
		g.logger.Printf("generation failed: %v", err)
	}
	return fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
}
