package chat

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/fabfab/docchat/chunker"
	"github.com/fabfab/docchat/index"
	"github.com/fabfab/docchat/knowledge"
	"github.com/fabfab/docchat/llm"
	"github.com/fabfab/docchat/metrics"
	"github.com/fabfab/docchat/rag"
	"github.com/fabfab/docchat/session"
)

type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

type keywordEmbedder struct{}

var keywords = []string{"mammal", "cat", "dog", "fish", "not"}

func (keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		vectors[i] = make([]float32, len(keywords))
		for j, kw := range keywords {
			if strings.Contains(lower, kw) {
				vectors[i][j] = 1
			}
		}
	}
	return vectors, nil
}

type stubLLM struct {
	mu     sync.Mutex
	answer string
	err    error
	calls  int
}

func (s *stubLLM) Generate(_ context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if len(messages) == 0 {
		return "", errors.New("no messages provided")
	}
	return s.answer, nil
}

type stubGraphStore struct {
	mu      sync.Mutex
	docs    []knowledge.Document
	deleted []string
	err     error
}

func (s *stubGraphStore) SyncDocument(_ context.Context, doc knowledge.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return s.err
}

func (s *stubGraphStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, sessionID)
	return s.err
}

var _ GraphStore = (*stubGraphStore)(nil)

type fixture struct {
	svc     *Service
	store   *session.MemoryStore
	idx     *index.MemoryIndex
	llm     *stubLLM
	graph   *stubGraphStore
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	ch, err := chunker.New(wordTokenizer{}, 4)
	if err != nil {
		t.Fatalf("chunker.New: %v", err)
	}
	idx := index.NewMemoryIndex(keywordEmbedder{})
	client := &stubLLM{answer: "Cats and dogs are mammals."}
	m := metrics.New()
	pipeline := rag.NewPipeline(ch, idx, llm.NewGenerator(client, "system", 0, logger), rag.Options{Metrics: m, Logger: logger})

	store := session.NewMemoryStore()
	graph := &stubGraphStore{}
	svc := NewService(Deps{
		Store:    store,
		Pipeline: pipeline,
		Graph:    graph,
		Metrics:  m,
		Logger:   logger,
	})
	return &fixture{svc: svc, store: store, idx: idx, llm: client, graph: graph, metrics: m}
}

const zooText = "Cats are mammals. Dogs are mammals too. Fish are not mammals."

func TestCreateSessionValidatesName(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CreateSession(context.Background(), "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUploadDocumentIndexesAndRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.svc.CreateSession(ctx, "Zoo")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	doc, err := f.svc.UploadDocument(ctx, s.ID, Upload{Filename: "zoo.txt", ContentType: "text/plain", Size: int64(len(zooText)), Text: zooText})
	if err != nil {
		t.Fatalf("UploadDocument: %v", err)
	}
	if doc.ChunkCount != 3 {
		t.Fatalf("expected 3 chunks, got %d", doc.ChunkCount)
	}

	count, err := f.idx.Count(ctx, index.Collection{Name: s.ID})
	if err != nil || count != 3 {
		t.Fatalf("expected 3 indexed chunks, got %d (%v)", count, err)
	}

	got, err := f.svc.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Documents) != 1 || got.Documents[0].Filename != "zoo.txt" {
		t.Fatalf("unexpected documents %+v", got.Documents)
	}

	if len(f.graph.docs) != 1 {
		t.Fatalf("expected one graph sync, got %d", len(f.graph.docs))
	}
	synced := f.graph.docs[0]
	if synced.SessionName != "Zoo" || len(synced.Chunks) != 3 || synced.Chunks[0].ID != index.ChunkID(s.ID, "Cats are mammals.") {
		t.Fatalf("unexpected graph document %+v", synced)
	}
}

func TestUploadDocumentUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UploadDocument(context.Background(), "missing", Upload{Filename: "a.txt", Text: "hello"})
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUploadDocumentGraphFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.graph.err = errors.New("neo4j down")

	s, _ := f.svc.CreateSession(ctx, "Zoo")
	if _, err := f.svc.UploadDocument(ctx, s.ID, Upload{Filename: "zoo.txt", Text: zooText}); err != nil {
		t.Fatalf("UploadDocument should tolerate graph errors, got %v", err)
	}
}

type failingDocStore struct {
	*session.MemoryStore
	err error
}

func (f failingDocStore) AddDocument(context.Context, string, session.Document) error {
	return f.err
}

func TestUploadDocumentRecordFailureKeepsChunksForRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := failingDocStore{MemoryStore: f.store, err: errors.New("disk full")}
	svc := NewService(Deps{Store: store, Pipeline: f.svc.pipeline, Logger: log.New(io.Discard, "", 0)})

	s, _ := svc.CreateSession(ctx, "Zoo")
	if _, err := svc.UploadDocument(ctx, s.ID, Upload{Filename: "zoo.txt", Text: zooText}); err == nil {
		t.Fatal("expected error when the descriptor cannot be recorded")
	}

	got, _ := f.store.GetSession(ctx, s.ID)
	if len(got.Documents) != 0 {
		t.Fatalf("expected no descriptor, got %+v", got.Documents)
	}
	count, _ := f.idx.Count(ctx, index.Collection{Name: s.ID})
	if count != 3 {
		t.Fatalf("expected indexed chunks to remain, got %d", count)
	}

	// A retry against a healthy store merges onto the same chunks.
	if _, err := f.svc.UploadDocument(ctx, s.ID, Upload{Filename: "zoo.txt", Text: zooText}); err != nil {
		t.Fatalf("retry upload: %v", err)
	}
	count, _ = f.idx.Count(ctx, index.Collection{Name: s.ID})
	if count != 3 {
		t.Fatalf("expected retry to merge chunks, got %d", count)
	}
}

func TestChatAppendsTurnInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, _ := f.svc.CreateSession(ctx, "Zoo")
	if _, err := f.svc.UploadDocument(ctx, s.ID, Upload{Filename: "zoo.txt", Text: zooText}); err != nil {
		t.Fatalf("UploadDocument: %v", err)
	}

	reply, err := f.svc.Chat(ctx, s.ID, "Which animals are mammals?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.Response != "Cats and dogs are mammals." {
		t.Fatalf("unexpected response %q", reply.Response)
	}
	if !strings.Contains(reply.Context, "Cats are mammals.") {
		t.Fatalf("expected retrieved context, got %q", reply.Context)
	}

	msgs, err := f.svc.Transcript(ctx, s.ID)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Sender != session.SenderUser || msgs[0].Content != "Which animals are mammals?" {
		t.Fatalf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Sender != session.SenderAssistant || msgs[1].Content != reply.Response {
		t.Fatalf("unexpected second message %+v", msgs[1])
	}
}

func TestChatFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.llm.err = errors.New("quota exceeded")

	s, _ := f.svc.CreateSession(ctx, "Zoo")
	_, err := f.svc.Chat(ctx, s.ID, "Which animals are mammals?")
	if !errors.Is(err, llm.ErrGenerationUnavailable) {
		t.Fatalf("expected ErrGenerationUnavailable, got %v", err)
	}

	msgs, _ := f.svc.Transcript(ctx, s.ID)
	if len(msgs) != 0 {
		t.Fatalf("expected empty transcript after failure, got %d messages", len(msgs))
	}
}

func TestChatUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Chat(context.Background(), "missing", "hello")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if f.llm.calls != 0 {
		t.Fatalf("generator should not be called for unknown sessions")
	}
}

func TestChatValidatesMessage(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Chat(context.Background(), "any", "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestChatStreamForwardsFragments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, _ := f.svc.CreateSession(ctx, "Zoo")

	var fragments []string
	reply, err := f.svc.ChatStream(ctx, s.ID, "hello", func(fragment string) error {
		fragments = append(fragments, fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if strings.Join(fragments, "") != reply.Response {
		t.Fatalf("fragments %q do not add up to %q", fragments, reply.Response)
	}
}

func TestConcurrentChatsKeepTurnsPaired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, _ := f.svc.CreateSession(ctx, "Zoo")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Chat(ctx, s.ID, "question"); err != nil {
				t.Errorf("Chat: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, _ := f.svc.Transcript(ctx, s.ID)
	if len(msgs) != 16 {
		t.Fatalf("expected 16 messages, got %d", len(msgs))
	}
	for i := 0; i < len(msgs); i += 2 {
		if msgs[i].Sender != session.SenderUser || msgs[i+1].Sender != session.SenderAssistant {
			t.Fatalf("turn %d is not paired: %s then %s", i/2, msgs[i].Sender, msgs[i+1].Sender)
		}
	}
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, _ := f.svc.CreateSession(ctx, "Zoo")
	if _, err := f.svc.UploadDocument(ctx, s.ID, Upload{Filename: "zoo.txt", Text: zooText}); err != nil {
		t.Fatalf("UploadDocument: %v", err)
	}

	if err := f.svc.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := f.svc.GetSession(ctx, s.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	count, _ := f.idx.Count(ctx, index.Collection{Name: s.ID})
	if count != 0 {
		t.Fatalf("expected collection to be dropped, %d chunks remain", count)
	}
	if len(f.graph.deleted) != 1 || f.graph.deleted[0] != s.ID {
		t.Fatalf("expected graph delete for %s, got %v", s.ID, f.graph.deleted)
	}

	if err := f.svc.DeleteSession(ctx, s.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second delete, got %v", err)
	}
}
