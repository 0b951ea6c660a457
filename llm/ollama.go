package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ollamaClient talks to the /api/chat endpoint. Streaming responses arrive as
// newline-delimited JSON objects, the last one carrying done=true.
type ollamaClient struct {
	host   string
	model  string
	client *http.Client
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

// NewOllamaClient leaves the HTTP client without a timeout; the Generator
// bounds each call through its context.
func NewOllamaClient(opts Options) StreamClient {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	return &ollamaClient{
		host:   host,
		model:  opts.Model,
		client: &http.Client{},
	}
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message) (string, error) {
	var answer strings.Builder
	err := c.chat(ctx, messages, false, func(fragment string) error {
		answer.WriteString(fragment)
		return nil
	})
	if err != nil {
		return "", err
	}
	return answer.String(), nil
}

func (c *ollamaClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error {
	return c.chat(ctx, messages, true, fn)
}

// chat posts the conversation and feeds every message fragment in the
// response to fn. A non-streaming reply is a single object and goes through
// the same decode loop.
func (c *ollamaClient) chat(ctx context.Context, messages []Message, stream bool, fn func(string) error) error {
	payload := ollamaChatRequest{
		Model:    c.model,
		Messages: make([]ollamaChatMessage, len(messages)),
		Stream:   stream,
	}
	for i, msg := range messages {
		payload.Messages[i] = ollamaChatMessage{Role: msg.Role, Content: msg.Content}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call ollama chat API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if msg := strings.TrimSpace(string(detail)); msg != "" {
			return fmt.Errorf("ollama chat API returned status %s: %s", resp.Status, msg)
		}
		return fmt.Errorf("ollama chat API returned status %s", resp.Status)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode ollama response: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama chat error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := fn(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
}
