// Package knowledge mirrors sessions, their documents and chunks into a Neo4j
// graph so uploads can be explored alongside the vector index.
package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Document struct {
	ID          string
	SessionID   string
	SessionName string
	Filename    string
	ContentType string
	SHA         string
	UploadedAt  time.Time
	Chunks      []Chunk
}

type Chunk struct {
	ID    string
	Index int
	Text  string
}

func SyncDocument(ctx context.Context, driver neo4j.DriverWithContext, doc Document) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"id":           doc.ID,
		"session_id":   doc.SessionID,
		"session_name": doc.SessionName,
		"filename":     doc.Filename,
		"content_type": doc.ContentType,
		"sha":          doc.SHA,
		"uploaded_at":  doc.UploadedAt.UTC().Format(time.RFC3339),
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (s:Session {id: $session_id})
			SET s.name = $session_name
			MERGE (d:Document {id: $id})
			SET d.filename = $filename,
			    d.content_type = $content_type,
			    d.sha256 = $sha,
			    d.uploaded_at = datetime($uploaded_at)
			MERGE (s)-[:HAS_DOCUMENT]->(d)
		`, params); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[r:HAS_CHUNK]->(:Chunk)
			DELETE r
		`, map[string]any{"id": doc.ID}); err != nil {
			return nil, fmt.Errorf("clear existing chunk relations: %w", err)
		}

		for _, chunk := range doc.Chunks {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $doc_id})
				MERGE (c:Chunk {id: $chunk_id})
				SET c.text = $chunk_text,
				    c.session_id = $session_id
				MERGE (d)-[:HAS_CHUNK {order: $chunk_index}]->(c)
			`, map[string]any{
				"doc_id":      doc.ID,
				"chunk_id":    chunk.ID,
				"chunk_index": chunk.Index,
				"chunk_text":  chunk.Text,
				"session_id":  doc.SessionID,
			}); err != nil {
				return nil, fmt.Errorf("upsert chunk node: %w", err)
			}
		}

		return nil, nil
	})

	return err
}

// DeleteSession removes a session node together with its documents and chunks.
func DeleteSession(ctx context.Context, driver neo4j.DriverWithContext, sessionID string) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		"MATCH (c:Chunk {session_id: $session_id}) DETACH DELETE c",
		"MATCH (:Session {id: $session_id})-[:HAS_DOCUMENT]->(d:Document) DETACH DELETE d",
		"MATCH (s:Session {id: $session_id}) DETACH DELETE s",
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, query := range queries {
			if _, err := tx.Run(ctx, query, map[string]any{"session_id": sessionID}); err != nil {
				return nil, fmt.Errorf("delete session graph: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// Purge deletes every node this package writes.
func Purge(ctx context.Context, driver neo4j.DriverWithContext) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		"MATCH (c:Chunk) DETACH DELETE c",
		"MATCH (d:Document) DETACH DELETE d",
		"MATCH (s:Session) DETACH DELETE s",
	}

	for _, query := range queries {
		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return err
		}
		if _, err := result.Consume(ctx); err != nil {
			return err
		}
	}

	return nil
}
