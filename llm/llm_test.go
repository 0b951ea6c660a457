package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fabfab/docchat/config"
)

func TestNewClientDefaults(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOllama,
			Model:    "llama3.1:8b",
		},
		OllamaHost: "http://localhost:11434",
	}

	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected llm client, got error: %v", err)
	}

	if client == nil {
		t.Fatal("expected non-nil client")
	}
}

func TestNewClientOpenAIRequiresAPIKey(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOpenAI,
			Model:    "gpt-4o",
		},
	}

	if _, err := NewClient(context.Background(), cfg); err == nil {
		t.Fatal("expected error for missing OPENAI_API_KEY")
	}
}

func TestNewClientGeminiRequiresAPIKey(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderGemini,
			Model:    "gemini-2.5-flash",
		},
	}

	if _, err := NewClient(context.Background(), cfg); err == nil {
		t.Fatal("expected error for missing GEMINI_API_KEY")
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	if _, err := NewClient(context.Background(), config.Config{LLM: config.LLMConfig{Provider: "claude-local"}}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestToGeminiContents(t *testing.T) {
	contents, cfg := toGeminiContents([]Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})

	if len(contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(contents))
	}
	if contents[1].Role != "model" {
		t.Fatalf("expected assistant turn mapped to model, got %q", contents[1].Role)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("unexpected system instruction: %#v", cfg.SystemInstruction)
	}
}

func TestOllamaClientStreamsFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Errorf("expected streaming request")
		}
		enc := json.NewEncoder(w)
		for _, part := range []string{"Cats ", "are ", "mammals."} {
			_ = enc.Encode(ollamaChatResponse{Message: ollamaChatMessage{Role: RoleAssistant, Content: part}})
		}
		_ = enc.Encode(ollamaChatResponse{Done: true})
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{OllamaHost: srv.URL, Model: "llama3.1:8b"})
	var parts []string
	err := client.GenerateStream(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, func(s string) error {
		parts = append(parts, s)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(parts, "|") != "Cats |are |mammals." {
		t.Fatalf("unexpected fragments: %#v", parts)
	}
}

func TestOllamaClientGenerateNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Errorf("expected non-streaming request")
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != RoleSystem {
			t.Errorf("unexpected messages %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{Message: ollamaChatMessage{Role: RoleAssistant, Content: "Yes."}, Done: true})
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{OllamaHost: srv.URL, Model: "llama3.1:8b"})
	answer, err := client.Generate(context.Background(), []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "q"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if answer != "Yes." {
		t.Fatalf("unexpected answer %q", answer)
	}
}

func TestOllamaClientSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model \"nope\" not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{OllamaHost: srv.URL, Model: "nope"})
	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func geminiCandidate(text string) string {
	payload, _ := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []any{map[string]any{"text": text}},
			},
		}},
	})
	return string(payload)
}

func newGeminiServer(t *testing.T, parts []string) (*httptest.Server, *[]string) {
	t.Helper()
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var req struct {
			Contents          []json.RawMessage `json:"contents"`
			SystemInstruction json.RawMessage   `json:"systemInstruction"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Contents) != 1 || !strings.Contains(string(req.SystemInstruction), "sys") {
			t.Errorf("unexpected request contents=%d system=%s", len(req.Contents), req.SystemInstruction)
		}

		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, part := range parts {
				fmt.Fprintf(w, "data: %s\n\n", geminiCandidate(part))
			}
			return
		}
		_, _ = w.Write([]byte(geminiCandidate(strings.Join(parts, ""))))
	}))
	t.Cleanup(srv.Close)
	return srv, &paths
}

func TestGeminiClientGenerate(t *testing.T) {
	srv, paths := newGeminiServer(t, []string{"Cats are mammals."})

	client, err := NewGeminiClient(context.Background(), Options{GeminiAPIKey: "test", GeminiBaseURL: srv.URL, Model: "gemini-2.5-flash"})
	if err != nil {
		t.Fatalf("new gemini client: %v", err)
	}
	answer, err := client.Generate(context.Background(), []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "q"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if answer != "Cats are mammals." {
		t.Fatalf("unexpected answer %q", answer)
	}
	if len(*paths) != 1 || !strings.HasSuffix((*paths)[0], "models/gemini-2.5-flash:generateContent") {
		t.Fatalf("unexpected request paths %v", *paths)
	}
}

func TestGeminiClientStreamsFragments(t *testing.T) {
	srv, _ := newGeminiServer(t, []string{"Cats ", "are ", "mammals."})

	client, err := NewGeminiClient(context.Background(), Options{GeminiAPIKey: "test", GeminiBaseURL: srv.URL, Model: "gemini-2.5-flash"})
	if err != nil {
		t.Fatalf("new gemini client: %v", err)
	}
	var parts []string
	err = client.GenerateStream(context.Background(), []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "q"}}, func(s string) error {
		parts = append(parts, s)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(parts, "|") != "Cats |are |mammals." {
		t.Fatalf("unexpected fragments: %#v", parts)
	}
}

func TestGeminiClientSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	client, err := NewGeminiClient(context.Background(), Options{GeminiAPIKey: "test", GeminiBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new gemini client: %v", err)
	}
	if _, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "q"}}); err == nil {
		t.Fatal("expected error for quota failure")
	}
}

func TestOpenAIClientStreamsFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient(Options{OpenAIAPIKey: "test", OpenAIBaseURL: srv.URL + "/v1", Model: "m"})
	gen := NewGenerator(client, "system", time.Second, log.New(io.Discard, "", 0))

	answer, err := gen.Generate(context.Background(), "q")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if answer != "Hello" {
		t.Fatalf("expected Hello, got %q", answer)
	}
}

type stubClient struct {
	answer   string
	err      error
	messages []Message
}

func (s *stubClient) Generate(_ context.Context, messages []Message) (string, error) {
	s.messages = messages
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

type stubStreamClient struct {
	stubClient
	fragments []string
	failAfter int
	block     bool
}

func (s *stubStreamClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error {
	s.messages = messages
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	for i, fragment := range s.fragments {
		if s.failAfter > 0 && i == s.failAfter {
			return errors.New("connection reset")
		}
		if err := fn(fragment); err != nil {
			return err
		}
	}
	return nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestGeneratorSendsSystemPromptAndUserTurn(t *testing.T) {
	client := &stubClient{answer: "ok"}
	gen := NewGenerator(client, "be helpful", 0, quietLogger())

	if _, err := gen.Generate(context.Background(), "the prompt"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(client.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(client.messages))
	}
	if client.messages[0].Role != RoleSystem || client.messages[0].Content != "be helpful" {
		t.Fatalf("unexpected system message: %#v", client.messages[0])
	}
	if client.messages[1].Role != RoleUser || client.messages[1].Content != "the prompt" {
		t.Fatalf("unexpected user message: %#v", client.messages[1])
	}
}

func TestGeneratorDrainsStreamInOrder(t *testing.T) {
	client := &stubStreamClient{fragments: []string{"Cats ", "", "are ", "mammals."}}
	gen := NewGenerator(client, "", 0, quietLogger())

	answer, err := gen.Generate(context.Background(), "q")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if answer != "Cats are mammals." {
		t.Fatalf("unexpected answer: %q", answer)
	}
}

func TestGeneratorStreamForwardsFragments(t *testing.T) {
	client := &stubStreamClient{fragments: []string{"a", "b", "c"}}
	gen := NewGenerator(client, "", 0, quietLogger())

	var got []string
	answer, err := gen.Stream(context.Background(), "q", func(s string) error {
		got = append(got, s)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if answer != "abc" || strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("unexpected stream result %q %#v", answer, got)
	}
}

func TestGeneratorNonStreamingClientDeliversOneFragment(t *testing.T) {
	gen := NewGenerator(&stubClient{answer: "whole"}, "", 0, quietLogger())

	calls := 0
	answer, err := gen.Stream(context.Background(), "q", func(s string) error {
		calls++
		return nil
	})
	if err != nil || answer != "whole" || calls != 1 {
		t.Fatalf("unexpected result %q, %d calls, err %v", answer, calls, err)
	}
}

func TestGeneratorWrapsUpstreamFailures(t *testing.T) {
	upstream := errors.New("quota exceeded")
	gen := NewGenerator(&stubClient{err: upstream}, "", 0, quietLogger())

	_, err := gen.Generate(context.Background(), "q")
	if !errors.Is(err, ErrGenerationUnavailable) {
		t.Fatalf("expected ErrGenerationUnavailable, got %v", err)
	}
	if !errors.Is(err, upstream) {
		t.Fatalf("expected upstream cause to be preserved, got %v", err)
	}
}

func TestGeneratorMidStreamFailure(t *testing.T) {
	gen := NewGenerator(&stubStreamClient{fragments: []string{"a", "b", "c"}, failAfter: 2}, "", 0, quietLogger())

	answer, err := gen.Generate(context.Background(), "q")
	if !errors.Is(err, ErrGenerationUnavailable) {
		t.Fatalf("expected ErrGenerationUnavailable, got %v", err)
	}
	if answer != "" {
		t.Fatalf("expected no partial answer, got %q", answer)
	}
}

func TestGeneratorTimeout(t *testing.T) {
	gen := NewGenerator(&stubStreamClient{block: true}, "", 20*time.Millisecond, quietLogger())

	_, err := gen.Generate(context.Background(), "q")
	if !errors.Is(err, ErrGenerationUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout wrapped in ErrGenerationUnavailable, got %v", err)
	}
}

func TestGeneratorCancelledContext(t *testing.T) {
	gen := NewGenerator(&stubStreamClient{block: true}, "", 0, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := gen.Generate(ctx, "q"); !errors.Is(err, ErrGenerationUnavailable) {
		t.Fatalf("expected ErrGenerationUnavailable, got %v", err)
	}
}

func TestGeneratorCallbackErrorIsReturnedUnchanged(t *testing.T) {
	gen := NewGenerator(&stubStreamClient{fragments: []string{"a", "b"}}, "", 0, quietLogger())
	stop := errors.New("client went away")

	_, err := gen.Stream(context.Background(), "q", func(string) error { return stop })
	if !errors.Is(err, stop) || errors.Is(err, ErrGenerationUnavailable) {
		t.Fatalf("expected callback error unchanged, got %v", err)
	}
}

func TestGeneratorWithoutClient(t *testing.T) {
	gen := NewGenerator(nil, "", 0, quietLogger())
	if _, err := gen.Generate(context.Background(), "q"); !errors.Is(err, ErrGenerationUnavailable) {
		t.Fatalf("expected ErrGenerationUnavailable, got %v", err)
	}
}
