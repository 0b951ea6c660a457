package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fabfab/docchat/chat"
	"github.com/fabfab/docchat/config"
	"github.com/fabfab/docchat/index"
	"github.com/fabfab/docchat/ingestion"
	"github.com/fabfab/docchat/llm"
	"github.com/fabfab/docchat/metrics"
	"github.com/fabfab/docchat/session"
)

// ChatService is the behaviour the HTTP layer needs from chat.Service.
type ChatService interface {
	CreateSession(ctx context.Context, name string) (session.Session, error)
	ListSessions(ctx context.Context) ([]session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	Transcript(ctx context.Context, sessionID string) ([]session.Message, error)
	UploadDocument(ctx context.Context, sessionID string, upload chat.Upload) (session.Document, error)
	Chat(ctx context.Context, sessionID, message string) (chat.Reply, error)
	ChatStream(ctx context.Context, sessionID, message string, fn func(string) error) (chat.Reply, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

var _ ChatService = (*chat.Service)(nil)

// Server exposes the document chat workflows over HTTP.
type Server struct {
	cfg     config.ServerConfig
	svc     ChatService
	metrics *metrics.Metrics
	logger  *log.Logger
	handler http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type createSessionRequest struct {
	SessionName string `json:"session_name"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type sessionSummary struct {
	SessionID    string    `json:"session_id"`
	SessionName  string    `json:"session_name"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

type sessionsResponse struct {
	Sessions []sessionSummary `json:"sessions"`
}

type sessionDetail struct {
	sessionSummary
	Documents []documentInfo `json:"documents"`
}

type documentInfo struct {
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	ChunkCount  int       `json:"chunk_count"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type uploadResponse struct {
	Message      string       `json:"message"`
	DocumentInfo documentInfo `json:"document_info"`
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type chatResponse struct {
	Response string `json:"response"`
	Context  string `json:"context"`
}

type chatMessage struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

type transcriptResponse struct {
	SessionID     string        `json:"session_id"`
	Messages      []chatMessage `json:"messages"`
	TotalMessages int           `json:"total_messages"`
}

type Options struct {
	Config  config.ServerConfig
	Metrics *metrics.Metrics
	Logger  *log.Logger
}

// New constructs a Server backed by svc.
func New(svc ChatService, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{cfg: opts.Config, svc: svc, metrics: opts.Metrics, logger: logger}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("[HTTP] listening on %s", s.cfg.Address)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Printf("[HTTP] shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer, s.cors)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Post("/create-session", s.handleCreateSession)
	r.Get("/sessions", s.handleListSessions)
	r.Post("/upload-document", s.handleUpload)
	r.Post("/chat", s.handleChat)
	r.Post("/chat/stream", s.handleChatStream)
	r.Get("/retrieve-chats/{sessionID}", s.handleTranscript)
	r.Get("/session/{sessionID}", s.handleGetSession)
	r.Delete("/session/{sessionID}", s.handleDeleteSession)
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "AI Document Chat API is running!"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	created, err := s.svc.CreateSession(r.Context(), req.SessionName)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, createSessionResponse{SessionID: created.ID, Message: "Session created successfully"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.ListSessions(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := sessionsResponse{Sessions: make([]sessionSummary, 0, len(sessions))}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, toSummary(sess))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	detail := sessionDetail{sessionSummary: toSummary(sess), Documents: make([]documentInfo, 0, len(sess.Documents))}
	for _, doc := range sess.Documents {
		detail.Documents = append(detail.Documents, toDocumentInfo(doc))
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "Session deleted successfully"})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	msgs, err := s.svc.Transcript(r.Context(), sessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := transcriptResponse{SessionID: sessionID, Messages: make([]chatMessage, 0, len(msgs)), TotalMessages: len(msgs)}
	for _, msg := range msgs {
		resp.Messages = append(resp.Messages, chatMessage{
			MessageID: msg.ID,
			Content:   msg.Content,
			Sender:    msg.Sender,
			Timestamp: msg.Timestamp,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.MaxUploadBytes
	if limit <= 0 {
		limit = 32 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", limit))
			return
		}
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}

	sessionID := strings.TrimSpace(r.FormValue("session_id"))
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("session_id is required"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("file is required: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	contentType := header.Header.Get("Content-Type")
	text, err := ingestion.ExtractText(header.Filename, contentType, data)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	doc, err := s.svc.UploadDocument(r.Context(), sessionID, chat.Upload{
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
		Text:        text,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, uploadResponse{
		Message:      fmt.Sprintf("Document %s uploaded successfully", doc.Filename),
		DocumentInfo: toDocumentInfo(doc),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	reply, err := s.svc.Chat(r.Context(), req.SessionID, req.Message)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, chatResponse{Response: reply.Response, Context: reply.Context})
}

// handleChatStream answers over Server-Sent Events. Failures before the first
// fragment get a regular JSON error response; later ones are sent as a final event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}

	started := false
	_, err := s.svc.ChatStream(r.Context(), req.SessionID, req.Message, func(fragment string) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		return sendSSE(w, flusher, map[string]any{"content": fragment})
	})

	switch {
	case err != nil && !started:
		s.writeServiceError(w, err)
	case err != nil:
		s.logger.Printf("[HTTP] stream aborted: %v", err)
		_ = sendSSE(w, flusher, map[string]any{"error": err.Error(), "done": true})
	case !started:
		// Empty answer: still deliver a well-formed stream.
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_ = sendSSE(w, flusher, map[string]any{"done": true})
	default:
		_ = sendSSE(w, flusher, map[string]any{"done": true})
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}

func toSummary(sess session.Session) sessionSummary {
	return sessionSummary{
		SessionID:    sess.ID,
		SessionName:  sess.Name,
		CreatedAt:    sess.CreatedAt,
		MessageCount: sess.MessageCount,
	}
}

func toDocumentInfo(doc session.Document) documentInfo {
	return documentInfo{
		Filename:    doc.Filename,
		ContentType: doc.ContentType,
		Size:        doc.Size,
		ChunkCount:  doc.ChunkCount,
		UploadedAt:  doc.UploadedAt,
	}
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidInput), errors.Is(err, ingestion.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, index.ErrIndexUnavailable), errors.Is(err, llm.ErrGenerationUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("[HTTP] api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
