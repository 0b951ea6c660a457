package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLiteStore persists sessions in the chat_* tables created by
// database.EnsureSQLiteSchema.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) CreateSession(ctx context.Context, name string) (Session, error) {
	sess := newSession(name)
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO chat_sessions (id, name, created_at) VALUES (?, ?, ?)",
		sess.ID, sess.Name, sess.CreatedAt,
	); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.name, s.created_at,
		       (SELECT COUNT(*) FROM chat_messages m WHERE m.session_id = s.id)
		FROM chat_sessions s
		WHERE s.id = ?
	`, id).Scan(&sess.ID, &sess.Name, &sess.CreatedAt, &sess.MessageCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("query session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT filename, content_type, size, chunk_count, uploaded_at
		FROM chat_documents
		WHERE session_id = ?
		ORDER BY id
	`, id)
	if err != nil {
		return Session{}, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	sess.Documents = make([]Document, 0)
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.Filename, &doc.ContentType, &doc.Size, &doc.ChunkCount, &doc.UploadedAt); err != nil {
			return Session{}, fmt.Errorf("scan document: %w", err)
		}
		sess.Documents = append(sess.Documents, doc)
	}
	if err := rows.Err(); err != nil {
		return Session{}, fmt.Errorf("query documents: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.created_at,
		       (SELECT COUNT(*) FROM chat_messages m WHERE m.session_id = s.id)
		FROM chat_sessions s
		ORDER BY s.created_at DESC, s.rowid DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.CreatedAt, &sess.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM chat_messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM chat_documents WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM chat_sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if affected == 0 {
		err = ErrSessionNotFound
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddDocument(ctx context.Context, sessionID string, doc Document) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = sqliteSessionExists(ctx, tx, sessionID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO chat_documents (session_id, filename, content_type, size, chunk_count, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, doc.Filename, doc.ContentType, doc.Size, doc.ChunkCount, doc.UploadedAt.UTC()); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, msgs ...Message) (err error) {
	if err := validateMessages(sessionID, msgs); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = sqliteSessionExists(ctx, tx, sessionID); err != nil {
		return err
	}
	for _, msg := range msgs {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO chat_messages (id, session_id, content, sender, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, msg.ID, sessionID, msg.Content, msg.Sender, msg.Timestamp.UTC()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, content, sender, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Content, &msg.Sender, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return messages, nil
}

func sqliteSessionExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM chat_sessions WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
