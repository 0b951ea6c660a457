package chat

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/docchat/knowledge"
)

// GraphStore mirrors sessions and their documents outside the vector index.
type GraphStore interface {
	SyncDocument(ctx context.Context, doc knowledge.Document) error
	DeleteSession(ctx context.Context, sessionID string) error
}

type Neo4jGraphStore struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jGraphStore(driver neo4j.DriverWithContext) *Neo4jGraphStore {
	return &Neo4jGraphStore{driver: driver}
}

func (s *Neo4jGraphStore) SyncDocument(ctx context.Context, doc knowledge.Document) error {
	return knowledge.SyncDocument(ctx, s.driver, doc)
}

func (s *Neo4jGraphStore) DeleteSession(ctx context.Context, sessionID string) error {
	return knowledge.DeleteSession(ctx, s.driver, sessionID)
}

var _ GraphStore = (*Neo4jGraphStore)(nil)
