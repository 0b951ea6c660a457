package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fabfab/docchat/embeddings"
)

// SQLiteIndex persists collections in the rag_collections and rag_chunks
// tables created by database.EnsureSQLiteSchema. Similarity is computed in
// process over the collection's rows.
type SQLiteIndex struct {
	mu       sync.RWMutex
	db       *sql.DB
	embedder embeddings.Embedder
}

func NewSQLiteIndex(db *sql.DB, embedder embeddings.Embedder) *SQLiteIndex {
	return &SQLiteIndex{db: db, embedder: embedder}
}

func (s *SQLiteIndex) EnsureCollection(ctx context.Context, name string) (Collection, error) {
	if err := validateName(name); err != nil {
		return Collection{}, err
	}
	if s.db == nil {
		return Collection{}, unavailable("ensure collection", fmt.Errorf("sqlite db is nil"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "INSERT INTO rag_collections (name) VALUES (?) ON CONFLICT(name) DO NOTHING", name); err != nil {
		return Collection{}, unavailable("ensure collection", err)
	}
	return Collection{Name: name}, nil
}

func (s *SQLiteIndex) Add(ctx context.Context, c Collection, chunks []string) (err error) {
	if err := validateName(c.Name); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	if s.db == nil {
		return unavailable("add chunks", fmt.Errorf("sqlite db is nil"))
	}

	entries, err := embedChunks(ctx, s.embedder, c.Name, chunks)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "INSERT INTO rag_collections (name) VALUES (?) ON CONFLICT(name) DO NOTHING", c.Name); err != nil {
		return unavailable("ensure collection", err)
	}

	for _, entry := range entries {
		blob, marshalErr := json.Marshal(entry.Embedding)
		if marshalErr != nil {
			err = fmt.Errorf("marshal embedding: %w", marshalErr)
			return err
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO rag_chunks (collection, id, content, embedding)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET content = excluded.content, embedding = excluded.embedding
		`, c.Name, entry.ID, entry.Text, blob); err != nil {
			return unavailable("upsert chunk", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return unavailable("commit chunks", err)
	}
	return nil
}

func (s *SQLiteIndex) Query(ctx context.Context, c Collection, text string, k int) ([]string, error) {
	if k <= 0 {
		return []string{}, nil
	}
	if s.db == nil {
		return nil, unavailable("query collection", fmt.Errorf("sqlite db is nil"))
	}

	entries, err := s.load(ctx, c.Name)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []string{}, nil
	}

	query, err := embedQuery(ctx, s.embedder, text)
	if err != nil {
		return nil, err
	}
	return topK(entries, query, k), nil
}

func (s *SQLiteIndex) load(ctx context.Context, name string) ([]chunkEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, content, embedding FROM rag_chunks WHERE collection = ? ORDER BY rowid", name)
	if err != nil {
		return nil, unavailable("load chunks", err)
	}
	defer rows.Close()

	entries := make([]chunkEntry, 0)
	for rows.Next() {
		var (
			entry chunkEntry
			blob  []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Text, &blob); err != nil {
			return nil, unavailable("scan chunk", err)
		}
		if err := json.Unmarshal(blob, &entry.Embedding); err != nil {
			return nil, unavailable("decode embedding", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load chunks", err)
	}
	return entries, nil
}

func (s *SQLiteIndex) DeleteCollection(ctx context.Context, name string) (err error) {
	if s.db == nil {
		return unavailable("delete collection", fmt.Errorf("sqlite db is nil"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM rag_chunks WHERE collection = ?", name); err != nil {
		return unavailable("delete chunks", err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM rag_collections WHERE name = ?", name); err != nil {
		return unavailable("delete collection", err)
	}
	if err = tx.Commit(); err != nil {
		return unavailable("commit delete", err)
	}
	return nil
}

func (s *SQLiteIndex) Count(ctx context.Context, c Collection) (int, error) {
	if s.db == nil {
		return 0, unavailable("count chunks", fmt.Errorf("sqlite db is nil"))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rag_chunks WHERE collection = ?", c.Name).Scan(&n); err != nil {
		return 0, unavailable("count chunks", err)
	}
	return n, nil
}

var _ Index = (*SQLiteIndex)(nil)
