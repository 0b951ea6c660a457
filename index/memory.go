package index

import (
	"context"
	"sync"

	"github.com/fabfab/docchat/embeddings"
)

// MemoryIndex keeps collections in process memory. Contents are lost on exit.
type MemoryIndex struct {
	mu          sync.RWMutex
	embedder    embeddings.Embedder
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	entries  []chunkEntry
	position map[string]int
}

func NewMemoryIndex(embedder embeddings.Embedder) *MemoryIndex {
	return &MemoryIndex{
		embedder:    embedder,
		collections: make(map[string]*memoryCollection),
	}
}

func (m *MemoryIndex) EnsureCollection(_ context.Context, name string) (Collection, error) {
	if err := validateName(name); err != nil {
		return Collection{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(name)
	return Collection{Name: name}, nil
}

// collection must be called with mu held for writing.
func (m *MemoryIndex) collection(name string) *memoryCollection {
	col, ok := m.collections[name]
	if !ok {
		col = &memoryCollection{position: make(map[string]int)}
		m.collections[name] = col
	}
	return col
}

func (m *MemoryIndex) Add(ctx context.Context, c Collection, chunks []string) error {
	if err := validateName(c.Name); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	entries, err := embedChunks(ctx, m.embedder, c.Name, chunks)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	col := m.collection(c.Name)
	for _, entry := range entries {
		if pos, ok := col.position[entry.ID]; ok {
			col.entries[pos] = entry
			continue
		}
		col.position[entry.ID] = len(col.entries)
		col.entries = append(col.entries, entry)
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, c Collection, text string, k int) ([]string, error) {
	if k <= 0 || m.size(c.Name) == 0 {
		return []string{}, nil
	}

	query, err := embedQuery(ctx, m.embedder, text)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[c.Name]
	if !ok {
		return []string{}, nil
	}
	return topK(col.entries, query, k), nil
}

func (m *MemoryIndex) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *MemoryIndex) Count(_ context.Context, c Collection) (int, error) {
	return m.size(c.Name), nil
}

func (m *MemoryIndex) size(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if col, ok := m.collections[name]; ok {
		return len(col.entries)
	}
	return 0
}

var _ Index = (*MemoryIndex)(nil)
