package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/fabfab/docchat/chat"
	"github.com/fabfab/docchat/chunker"
	"github.com/fabfab/docchat/config"
	"github.com/fabfab/docchat/database"
	"github.com/fabfab/docchat/embeddings"
	"github.com/fabfab/docchat/index"
	"github.com/fabfab/docchat/knowledge"
	"github.com/fabfab/docchat/llm"
	"github.com/fabfab/docchat/metrics"
	"github.com/fabfab/docchat/rag"
	"github.com/fabfab/docchat/session"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// app holds the wired services shared by every command.
type app struct {
	cfg     config.Config
	logger  *log.Logger
	metrics *metrics.Metrics
	chat    *chat.Service
	graph   neo4j.DriverWithContext
	closers []func()
}

// newApp wires storage, models and the chat service from cfg. Without
// models, embedding and generation are left unconfigured so that
// administrative commands run without provider credentials.
func newApp(ctx context.Context, cfg config.Config, logger *log.Logger, models bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx, models); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, models bool) error {
	cfg, logger := a.cfg, a.logger
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	var (
		embedder embeddings.Embedder
		client   llm.Client
		err      error
	)
	if models {
		embedder, err = embeddings.NewEmbedder(cfg)
		if err != nil {
			return fmt.Errorf("embedder setup: %w", err)
		}
		client, err = llm.NewClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("llm setup: %w", err)
		}
	}

	idx, store, err := a.openStorage(ctx, embedder)
	if err != nil {
		return err
	}

	tokenizer, err := chunker.NewTiktokenTokenizer(cfg.Chunker.Model)
	if err != nil {
		return fmt.Errorf("tokenizer setup: %w", err)
	}
	ch, err := chunker.New(tokenizer, cfg.Chunker.MaxTokens)
	if err != nil {
		return fmt.Errorf("chunker setup: %w", err)
	}

	generator := llm.NewGenerator(client, cfg.LLM.SystemPrompt, cfg.LLM.Timeout, logger)
	pipeline := rag.NewPipeline(ch, idx, generator, rag.Options{
		TopK:    cfg.Retrieval.TopK,
		Metrics: a.metrics,
		Logger:  logger,
	})

	locker, err := a.openLocker(ctx)
	if err != nil {
		return err
	}

	var graph chat.GraphStore
	if strings.TrimSpace(cfg.Neo4jURI) != "" {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			return fmt.Errorf("neo4j connection: %w", err)
		}
		a.graph = driver
		a.closers = append(a.closers, func() { _ = driver.Close(context.Background()) })
		graph = chat.NewNeo4jGraphStore(driver)
	}

	a.chat = chat.NewService(chat.Deps{
		Store:    store,
		Pipeline: pipeline,
		Locker:   locker,
		Graph:    graph,
		Metrics:  a.metrics,
		Logger:   logger,
	})

	logger.Printf("storage=%s embeddings=%s/%s llm=%s/%s", cfg.Storage.Driver,
		strings.ToUpper(cfg.Embeddings.Provider), cfg.Embeddings.Model,
		strings.ToUpper(cfg.LLM.Provider), cfg.LLM.Model)
	return nil
}

func (a *app) openStorage(ctx context.Context, embedder embeddings.Embedder) (index.Index, session.Store, error) {
	switch a.cfg.Storage.Driver {
	case config.StorageMemory:
		return index.NewMemoryIndex(embedder), session.NewMemoryStore(), nil

	case config.StoragePostgres:
		pool, err := database.NewPostgresPool(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connection: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := database.EnsureRAGSchema(ctx, pool, a.cfg.Embeddings.Dimension); err != nil {
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		if err := database.EnsureSessionSchema(ctx, pool); err != nil {
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return index.NewPostgresIndex(pool, embedder), session.NewPostgresStore(pool), nil

	default:
		db, err := database.OpenSQLite(a.cfg.DataDir, "docchat.db")
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite open: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := database.EnsureSQLiteSchema(ctx, db); err != nil {
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return index.NewSQLiteIndex(db, embedder), session.NewSQLiteStore(db), nil
	}
}

func (a *app) openLocker(ctx context.Context) (session.Locker, error) {
	if strings.TrimSpace(a.cfg.Redis.Addr) == "" {
		return session.NewLocalLocker(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return session.NewRedisLocker(client, a.cfg.Redis.LockTTL, a.logger), nil
}

// purge deletes every session and clears the graph mirror.
func (a *app) purge(ctx context.Context) (int, error) {
	sessions, err := a.chat.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		if err := a.chat.DeleteSession(ctx, s.ID); err != nil {
			return 0, fmt.Errorf("delete session %s: %w", s.ID, err)
		}
	}
	if a.graph != nil {
		if err := knowledge.Purge(ctx, a.graph); err != nil {
			return len(sessions), fmt.Errorf("clear neo4j: %w", err)
		}
	}
	return len(sessions), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
