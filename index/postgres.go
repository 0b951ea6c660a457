package index

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/docchat/embeddings"
)

// PostgresIndex stores embeddings in a pgvector column and ranks with the
// cosine distance operator. The schema comes from database.EnsureRAGSchema.
type PostgresIndex struct {
	pool     *pgxpool.Pool
	embedder embeddings.Embedder
}

func NewPostgresIndex(pool *pgxpool.Pool, embedder embeddings.Embedder) *PostgresIndex {
	return &PostgresIndex{pool: pool, embedder: embedder}
}

func (p *PostgresIndex) EnsureCollection(ctx context.Context, name string) (Collection, error) {
	if err := validateName(name); err != nil {
		return Collection{}, err
	}
	if p.pool == nil {
		return Collection{}, unavailable("ensure collection", fmt.Errorf("postgres pool is nil"))
	}

	if _, err := p.pool.Exec(ctx, "INSERT INTO rag_collections (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", name); err != nil {
		return Collection{}, unavailable("ensure collection", err)
	}
	return Collection{Name: name}, nil
}

func (p *PostgresIndex) Add(ctx context.Context, c Collection, chunks []string) (err error) {
	if err := validateName(c.Name); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	if p.pool == nil {
		return unavailable("add chunks", fmt.Errorf("postgres pool is nil"))
	}

	entries, err := embedChunks(ctx, p.embedder, c.Name, chunks)
	if err != nil {
		return err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "INSERT INTO rag_collections (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", c.Name); err != nil {
		return unavailable("ensure collection", err)
	}

	for _, entry := range entries {
		if _, err = tx.Exec(ctx, `
			INSERT INTO rag_chunks (collection, id, content, embedding, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NOW(), NOW())
			ON CONFLICT (collection, id) DO UPDATE
			SET content = EXCLUDED.content,
			    embedding = EXCLUDED.embedding,
			    updated_at = NOW()
		`, c.Name, entry.ID, entry.Text, pgvector.NewVector(entry.Embedding)); err != nil {
			return unavailable("upsert chunk", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return unavailable("commit chunks", err)
	}
	return nil
}

func (p *PostgresIndex) Query(ctx context.Context, c Collection, text string, k int) ([]string, error) {
	if k <= 0 {
		return []string{}, nil
	}

	n, err := p.Count(ctx, c)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []string{}, nil
	}

	query, err := embedQuery(ctx, p.embedder, text)
	if err != nil {
		return nil, err
	}

	// The materialized CTE keeps the planner off the HNSW index, whose
	// approximate scan is filtered by collection only after it returns.
	rows, err := p.pool.Query(ctx, `
		WITH c AS MATERIALIZED (
			SELECT content, embedding, seq
			FROM rag_chunks
			WHERE collection = $1
		)
		SELECT content
		FROM c
		ORDER BY embedding <=> $2::vector, seq
		LIMIT $3
	`, c.Name, pgvector.NewVector(query), k)
	if err != nil {
		return nil, unavailable("query similar chunks", err)
	}
	defer rows.Close()

	results := make([]string, 0, k)
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, unavailable("scan similar chunk", err)
		}
		results = append(results, content)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query similar chunks", err)
	}
	return results, nil
}

func (p *PostgresIndex) DeleteCollection(ctx context.Context, name string) error {
	if p.pool == nil {
		return unavailable("delete collection", fmt.Errorf("postgres pool is nil"))
	}
	if _, err := p.pool.Exec(ctx, "DELETE FROM rag_collections WHERE name = $1", name); err != nil {
		return unavailable("delete collection", err)
	}
	return nil
}

func (p *PostgresIndex) Count(ctx context.Context, c Collection) (int, error) {
	if p.pool == nil {
		return 0, unavailable("count chunks", fmt.Errorf("postgres pool is nil"))
	}
	var n int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM rag_chunks WHERE collection = $1", c.Name).Scan(&n); err != nil {
		return 0, unavailable("count chunks", err)
	}
	return n, nil
}

var _ Index = (*PostgresIndex)(nil)
