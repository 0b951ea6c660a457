// Package chat coordinates sessions, document uploads and chat turns on top
// of the retrieval pipeline.
package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/docchat/index"
	"github.com/fabfab/docchat/knowledge"
	"github.com/fabfab/docchat/metrics"
	"github.com/fabfab/docchat/rag"
	"github.com/fabfab/docchat/session"
)

// Pipeline is the subset of rag.Pipeline the service drives.
type Pipeline interface {
	Chunk(text string) []string
	IngestChunks(ctx context.Context, sessionID string, chunks []string) error
	QueryStream(ctx context.Context, sessionID, message string, fn func(string) error) (rag.Answer, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type Deps struct {
	Store    session.Store
	Pipeline Pipeline
	// Locker defaults to a process-local locker.
	Locker  session.Locker
	Graph   GraphStore
	Metrics *metrics.Metrics
	Logger  *log.Logger
}

type Service struct {
	store    session.Store
	pipeline Pipeline
	locker   session.Locker
	graph    GraphStore
	metrics  *metrics.Metrics
	logger   *log.Logger
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	locker := deps.Locker
	if locker == nil {
		locker = session.NewLocalLocker()
	}

	return &Service{
		store:    deps.Store,
		pipeline: deps.Pipeline,
		locker:   locker,
		graph:    deps.Graph,
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

func (s *Service) CreateSession(ctx context.Context, name string) (session.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return session.Session{}, fmt.Errorf("%w: session name cannot be empty", ErrInvalidInput)
	}
	created, err := s.store.CreateSession(ctx, name)
	if err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	s.logger.Printf("created session %s (%s)", created.ID, created.Name)
	return created, nil
}

func (s *Service) ListSessions(ctx context.Context) ([]session.Session, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (session.Session, error) {
	found, err := s.store.GetSession(ctx, id)
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	return found, nil
}

// Transcript returns the session's messages in the order they were written.
func (s *Service) Transcript(ctx context.Context, sessionID string) ([]session.Message, error) {
	msgs, err := s.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	return msgs, nil
}

// UploadDocument chunks and indexes the upload into the session's collection
// and records its descriptor.
func (s *Service) UploadDocument(ctx context.Context, sessionID string, upload Upload) (session.Document, error) {
	if strings.TrimSpace(upload.Filename) == "" {
		return session.Document{}, fmt.Errorf("%w: filename cannot be empty", ErrInvalidInput)
	}

	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return session.Document{}, fmt.Errorf("lock session: %w", err)
	}
	defer unlock()

	current, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return session.Document{}, fmt.Errorf("get session: %w", err)
	}

	chunks := s.pipeline.Chunk(upload.Text)
	if err := s.pipeline.IngestChunks(ctx, sessionID, chunks); err != nil {
		return session.Document{}, fmt.Errorf("index document: %w", err)
	}

	doc := session.Document{
		Filename:    upload.Filename,
		ContentType: upload.ContentType,
		Size:        upload.Size,
		ChunkCount:  len(chunks),
		UploadedAt:  time.Now().UTC(),
	}
	// Indexed chunks stay in place when the descriptor cannot be saved; a
	// retried upload merges onto them by chunk ID.
	if err := s.store.AddDocument(ctx, sessionID, doc); err != nil {
		s.logger.Printf("record %s in session %s failed after indexing %d chunks: %v", doc.Filename, sessionID, len(chunks), err)
		return session.Document{}, fmt.Errorf("record document: %w", err)
	}
	s.logger.Printf("uploaded %s to session %s (%d chunks)", doc.Filename, sessionID, doc.ChunkCount)

	s.syncGraph(ctx, current, doc, upload.Text, chunks)
	return doc, nil
}

func (s *Service) syncGraph(ctx context.Context, owner session.Session, doc session.Document, text string, chunks []string) {
	if s.graph == nil {
		return
	}

	hash := sha256.Sum256([]byte(text))
	nodes := make([]knowledge.Chunk, 0, len(chunks))
	for idx, chunk := range chunks {
		nodes = append(nodes, knowledge.Chunk{ID: index.ChunkID(owner.ID, chunk), Index: idx, Text: chunk})
	}

	err := s.graph.SyncDocument(ctx, knowledge.Document{
		ID:          uuid.NewString(),
		SessionID:   owner.ID,
		SessionName: owner.Name,
		Filename:    doc.Filename,
		ContentType: doc.ContentType,
		SHA:         hex.EncodeToString(hash[:]),
		UploadedAt:  doc.UploadedAt,
		Chunks:      nodes,
	})
	if err != nil {
		s.logger.Printf("graph sync error for session %s: %v", owner.ID, err)
	}
}

func (s *Service) Chat(ctx context.Context, sessionID, message string) (Reply, error) {
	return s.ChatStream(ctx, sessionID, message, nil)
}

// ChatStream answers message against the session's documents, forwarding
// response fragments to fn when it is non-nil. The user message and the
// answer are appended to the transcript together, and only on success.
func (s *Service) ChatStream(ctx context.Context, sessionID, message string, fn func(string) error) (Reply, error) {
	if strings.TrimSpace(message) == "" {
		return Reply{}, fmt.Errorf("%w: message cannot be empty", ErrInvalidInput)
	}

	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return Reply{}, fmt.Errorf("lock session: %w", err)
	}
	defer unlock()

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		s.recordTurn(err)
		return Reply{}, fmt.Errorf("get session: %w", err)
	}

	answer, err := s.pipeline.QueryStream(ctx, sessionID, message, fn)
	if err != nil {
		s.recordTurn(err)
		return Reply{}, fmt.Errorf("answer message: %w", err)
	}

	userMsg := session.NewMessage(sessionID, session.SenderUser, message)
	botMsg := session.NewMessage(sessionID, session.SenderAssistant, answer.Response)
	if err := s.store.AppendMessages(ctx, sessionID, userMsg, botMsg); err != nil {
		s.recordTurn(err)
		return Reply{}, fmt.Errorf("save transcript: %w", err)
	}

	s.recordTurn(nil)
	return Reply{Response: answer.Response, Context: answer.Context}, nil
}

func (s *Service) recordTurn(err error) {
	switch {
	case err == nil:
		s.metrics.ChatTurn(outcomeOK)
	case errors.Is(err, session.ErrSessionNotFound):
		s.metrics.ChatTurn(outcomeNotFound)
	default:
		s.metrics.ChatTurn(outcomeFailed)
	}
}

// DeleteSession removes the session, its transcript and its collection.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	defer unlock()

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if err := s.pipeline.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("drop session documents: %w", err)
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if s.graph != nil {
		if err := s.graph.DeleteSession(ctx, sessionID); err != nil {
			s.logger.Printf("graph delete error for session %s: %v", sessionID, err)
		}
	}
	s.logger.Printf("deleted session %s", sessionID)
	return nil
}
