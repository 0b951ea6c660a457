package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in the tables created by
// database.EnsureSessionSchema, so several server instances can share them.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) CreateSession(ctx context.Context, name string) (Session, error) {
	sess := newSession(name)
	if _, err := p.pool.Exec(ctx,
		"INSERT INTO chat_sessions (id, name, created_at) VALUES ($1, $2, $3)",
		sess.ID, sess.Name, sess.CreatedAt,
	); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := p.pool.QueryRow(ctx, `
		SELECT s.id, s.name, s.created_at,
		       (SELECT COUNT(*) FROM chat_messages m WHERE m.session_id = s.id)
		FROM chat_sessions s
		WHERE s.id = $1
	`, id).Scan(&sess.ID, &sess.Name, &sess.CreatedAt, &sess.MessageCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("query session: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT filename, content_type, size, chunk_count, uploaded_at
		FROM chat_documents
		WHERE session_id = $1
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

func (p *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT s.id, s.name, s.created_at,
		       (SELECT COUNT(*) FROM chat_messages m WHERE m.session_id = s.id)
		FROM chat_sessions s
		ORDER BY s.created_at DESC, s.seq DESC
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

func (p *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, "DELETE FROM chat_sessions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) AddDocument(ctx context.Context, sessionID string, doc Document) (err error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = pgSessionExists(ctx, tx, sessionID); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO chat_documents (session_id, filename, content_type, size, chunk_count, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sessionID, doc.Filename, doc.ContentType, doc.Size, doc.ChunkCount, doc.UploadedAt.UTC()); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit document: %w", err)
	}
	return nil
}

func (p *PostgresStore) AppendMessages(ctx context.Context, sessionID string, msgs ...Message) (err error) {
	if err := validateMessages(sessionID, msgs); err != nil {
		return err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = pgSessionExists(ctx, tx, sessionID); err != nil {
		return err
	}
	for _, msg := range msgs {
		if _, err = tx.Exec(ctx, `
			INSERT INTO chat_messages (id, session_id, content, sender, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, msg.ID, sessionID, msg.Content, msg.Sender, msg.Timestamp.UTC()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

func (p *PostgresStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, content, sender, created_at
		FROM chat_messages
		WHERE session_id = $1
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

// pgSessionExists also locks the session row until the transaction ends.
func pgSessionExists(ctx context.Context, tx pgx.Tx, id string) error {
	var one int
	err := tx.QueryRow(ctx, "SELECT 1 FROM chat_sessions WHERE id = $1 FOR SHARE", id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
