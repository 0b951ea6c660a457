package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Server.Address != ":8000" || cfg.Retrieval.TopK != 10 || cfg.Chunker.MaxTokens != 50 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Storage.Driver != StorageSQLite || cfg.LLM.SystemPrompt != DefaultSystemPrompt {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected allowed origins %v", cfg.Server.AllowedOrigins)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docchat.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: memory
chunker:
  max_tokens: 20
retrieval:
  top_k: 3
llm:
  provider: openai
  model: gpt-4o-mini
  timeout: 90s
server:
  allowed_origins:
    - https://chat.example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Storage.Driver != StorageMemory || cfg.Chunker.MaxTokens != 20 || cfg.Retrieval.TopK != 3 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.LLM.Provider != ProviderOpenAI || cfg.LLM.Timeout != 90*time.Second {
		t.Fatalf("llm values not applied: %+v", cfg.LLM)
	}
	if cfg.Server.AllowedOrigins[0] != "https://chat.example.com" {
		t.Fatalf("unexpected allowed origins %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Embeddings.Dimension != 1536 {
		t.Fatalf("defaults should fill unset keys, got dimension %d", cfg.Embeddings.Dimension)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DOCCHAT_CHUNKER_MAX_TOKENS", "77")
	t.Setenv("DOCCHAT_STORAGE_DRIVER", "memory")
	t.Setenv("GEMINI_API_KEY", "gemini-test-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Chunker.MaxTokens != 77 {
		t.Fatalf("expected env override for max tokens, got %d", cfg.Chunker.MaxTokens)
	}
	if cfg.Storage.Driver != StorageMemory {
		t.Fatalf("expected env override for storage driver, got %q", cfg.Storage.Driver)
	}
	if cfg.GeminiAPIKey != "gemini-test-key" {
		t.Fatalf("expected legacy GEMINI_API_KEY to be honoured, got %q", cfg.GeminiAPIKey)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: mongo\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown storage driver")
	}

	path = writeConfig(t, "retrieval:\n  top_k: 0\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-positive top_k")
	}
}

func TestValidateRedisLockOutlivesGeneration(t *testing.T) {
	cfg := Default()
	cfg.Redis.Addr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default lock ttl should exceed default llm timeout: %v", err)
	}

	cfg.LLM.Timeout = 5 * time.Minute
	cfg.Redis.LockTTL = 2 * time.Minute
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when the lock expires before generation times out")
	}

	cfg.LLM.Timeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unbounded generation with a redis lock")
	}

	cfg.Redis.Addr = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("local locking has no ttl constraint: %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error when the named config file does not exist")
	}
}
