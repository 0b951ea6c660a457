// Package session keeps chat sessions, their uploaded document descriptors
// and message transcripts.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

type Session struct {
	ID           string
	Name         string
	CreatedAt    time.Time
	Documents    []Document
	MessageCount int
}

// Document describes one upload. The text itself lives in the vector index.
type Document struct {
	Filename    string
	ContentType string
	Size        int64
	ChunkCount  int
	UploadedAt  time.Time
}

type Message struct {
	ID        string
	SessionID string
	Content   string
	Sender    string
	Timestamp time.Time
}

type Store interface {
	CreateSession(ctx context.Context, name string) (Session, error)
	// GetSession returns the session with its documents and message count.
	GetSession(ctx context.Context, id string) (Session, error)
	// ListSessions returns all sessions newest first. Documents are not loaded.
	ListSessions(ctx context.Context) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error
	AddDocument(ctx context.Context, sessionID string, doc Document) error
	// AppendMessages stores msgs in order, all or none.
	AppendMessages(ctx context.Context, sessionID string, msgs ...Message) error
	// Messages returns the transcript in insertion order. Unknown sessions
	// have an empty transcript.
	Messages(ctx context.Context, sessionID string) ([]Message, error)
}

func NewMessage(sessionID, sender, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Content:   content,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
	}
}

func newSession(name string) Session {
	return Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Documents: []Document{},
	}
}

func validateMessages(sessionID string, msgs []Message) error {
	for i, msg := range msgs {
		if msg.Sender != SenderUser && msg.Sender != SenderAssistant {
			return fmt.Errorf("message %d has invalid sender %q", i, msg.Sender)
		}
		if msg.SessionID != "" && msg.SessionID != sessionID {
			return fmt.Errorf("message %d belongs to session %s", i, msg.SessionID)
		}
		if msg.ID == "" {
			return fmt.Errorf("message %d has no id", i)
		}
	}
	return nil
}
