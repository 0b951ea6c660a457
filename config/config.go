package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Server     ServerConfig    `mapstructure:"server"`
	Storage    StorageConfig   `mapstructure:"storage"`
	Chunker    ChunkerConfig   `mapstructure:"chunker"`
	Retrieval  RetrievalConfig `mapstructure:"retrieval"`
	Embeddings EmbeddingConfig `mapstructure:"embeddings"`
	LLM        LLMConfig       `mapstructure:"llm"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Metrics    MetricsConfig   `mapstructure:"metrics"`

	DataDir     string `mapstructure:"data_dir"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Neo4jURI    string `mapstructure:"neo4j_uri"`
	Neo4jUser   string `mapstructure:"neo4j_username"`
	Neo4jPass   string `mapstructure:"neo4j_password"`

	OllamaHost    string `mapstructure:"ollama_host"`
	OpenAIAPIKey  string `mapstructure:"openai_api_key"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`
	GeminiAPIKey  string `mapstructure:"gemini_api_key"`
	GeminiBaseURL string `mapstructure:"gemini_base_url"`
}

type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
}

// StorageConfig selects where sessions, transcripts and vector collections live.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type ChunkerConfig struct {
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type RetrievalConfig struct {
	TopK int `mapstructure:"top_k"`
}

type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
	// BatchSize caps how many texts go into one provider request.
	BatchSize int `mapstructure:"batch_size"`
}

type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	Model        string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	SystemPrompt string        `mapstructure:"system_prompt"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultSystemPrompt is the instruction sent with every generation request.
const DefaultSystemPrompt = "You are a chat bot who answers user questions using your knowledge and the knowledge that is provided to you as reference."

// legacyEnv maps config keys to the unprefixed variable names operators already export.
var legacyEnv = map[string]string{
	"postgres_dsn":    "POSTGRES_DSN",
	"neo4j_uri":       "NEO4J_URI",
	"neo4j_username":  "NEO4J_USERNAME",
	"neo4j_password":  "NEO4J_PASSWORD",
	"ollama_host":     "OLLAMA_HOST",
	"openai_api_key":  "OPENAI_API_KEY",
	"openai_base_url": "OPENAI_BASE_URL",
	"gemini_api_key":  "GEMINI_API_KEY",
	"gemini_base_url": "GEMINI_BASE_URL",
	"redis.addr":      "REDIS_ADDR",
	"data_dir":        "DATA_DIR",
}

// Load reads configuration from defaults, an optional config file, a .env
// file in the working directory and the environment, in increasing priority.
// An empty path searches ./docchat.{yaml,json} and ./config/.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("docchat")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("DOCCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "DOCCHAT_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.max_upload_bytes", int64(32<<20))

	v.SetDefault("storage.driver", StorageSQLite)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("postgres_dsn", "postgres://localhost:5432/docchat?sslmode=disable")

	v.SetDefault("chunker.model", "gpt-4")
	v.SetDefault("chunker.max_tokens", 50)
	v.SetDefault("retrieval.top_k", 10)

	v.SetDefault("embeddings.provider", ProviderOpenAI)
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.dimension", 1536)
	v.SetDefault("embeddings.batch_size", 64)

	v.SetDefault("llm.provider", ProviderGemini)
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.system_prompt", DefaultSystemPrompt)

	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("neo4j_username", "neo4j")

	v.SetDefault("redis.lock_ttl", 2*time.Minute)
	v.SetDefault("metrics.enabled", true)
}

// Validate rejects configurations the services cannot run with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StorageSQLite, StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres, memory, got %q", c.Storage.Driver)
	}
	if c.Chunker.MaxTokens <= 0 {
		return fmt.Errorf("chunker.max_tokens must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings.dimension must be positive")
	}
	if c.LLM.Timeout < 0 {
		return fmt.Errorf("llm.timeout cannot be negative")
	}
	// The Redis session lock is not renewed, so it must outlive a whole turn.
	if strings.TrimSpace(c.Redis.Addr) != "" {
		if c.LLM.Timeout == 0 {
			return fmt.Errorf("llm.timeout must be set when redis.addr is configured")
		}
		if c.Redis.LockTTL <= c.LLM.Timeout {
			return fmt.Errorf("redis.lock_ttl (%s) must exceed llm.timeout (%s)", c.Redis.LockTTL, c.LLM.Timeout)
		}
	}
	return nil
}
