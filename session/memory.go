package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a process-local Store used for tests and the memory storage driver.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int
	sessions map[string]*memorySession
}

type memorySession struct {
	seq      int
	session  Session
	messages []Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (m *MemoryStore) CreateSession(_ context.Context, name string) (Session, error) {
	s := newSession(name)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.sessions[s.ID] = &memorySession{seq: m.seq, session: s}
	return s, nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	s := entry.session
	s.Documents = append([]Document{}, entry.session.Documents...)
	s.MessageCount = len(entry.messages)
	return s, nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	entries := make([]*memorySession, 0, len(m.sessions))
	for _, entry := range m.sessions {
		entries = append(entries, entry)
	}
	sessions := make([]Session, 0, len(entries))
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].session.CreatedAt.Equal(entries[j].session.CreatedAt) {
			return entries[i].seq > entries[j].seq
		}
		return entries[i].session.CreatedAt.After(entries[j].session.CreatedAt)
	})
	for _, entry := range entries {
		s := entry.session
		s.Documents = nil
		s.MessageCount = len(entry.messages)
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	return sessions, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) AddDocument(_ context.Context, sessionID string, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	entry.session.Documents = append(entry.session.Documents, doc)
	return nil
}

func (m *MemoryStore) AppendMessages(_ context.Context, sessionID string, msgs ...Message) error {
	if err := validateMessages(sessionID, msgs); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	for _, msg := range msgs {
		msg.SessionID = sessionID
		entry.messages = append(entry.messages, msg)
	}
	return nil
}

func (m *MemoryStore) Messages(_ context.Context, sessionID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		return []Message{}, nil
	}
	return append([]Message{}, entry.messages...), nil
}

var _ Store = (*MemoryStore)(nil)
