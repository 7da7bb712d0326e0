package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eduvia/eduvia/internal/log"
)

// DB is the subset of pgxpool.Pool the store depends on. Defining the
// interface on the consumer side lets tests substitute a fake transaction
// beginner.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore persists sessions and messages in PostgreSQL.
//
// PGStore is safe for concurrent use by multiple goroutines.
type PGStore struct {
	db     DB
	logger log.Logger
}

// NewStore creates a session/message store.
func NewStore(db DB, logger log.Logger) *PGStore {
	if logger == nil {
		logger = log.NewNop()
	}
	return &PGStore{db: db, logger: logger}
}

const sessionColumns = `id, user_id, prompt_key, model, COALESCE(title, ''), created_at, updated_at`

// CreateSessionWithMessage inserts a session and its first user message in
// a single transaction. A session must never exist without its first
// message, so any failure rolls back both inserts.
func (s *PGStore) CreateSessionWithMessage(ctx context.Context, sess *Session, msg *Message) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_sessions (id, user_id, prompt_key, model, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		sess.ID, sess.UserID, sess.PromptKey, sess.Model, sess.Title, sess.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting first message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("created session", "session_id", sess.ID, "user_id", sess.UserID)
	return nil
}

// SessionByID retrieves a session.
func (s *PGStore) SessionByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	return sess, nil
}

// SessionsByUser lists a user's sessions, most recently updated first.
func (s *PGStore) SessionsByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE user_id = $1 ORDER BY updated_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}
	return sessions, nil
}

// InsertMessage persists a single message.
func (s *PGStore) InsertMessage(ctx context.Context, msg *Message) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// MessagesBySession returns all messages of a session in chronological order.
func (s *PGStore) MessagesBySession(ctx context.Context, sessionID uuid.UUID) ([]*Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM chat_messages WHERE session_id = $1 ORDER BY created_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// RecentMessages returns the last limit messages of a session in
// chronological order. Used by the history cache resync.
func (s *PGStore) RecentMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, role, content, created_at FROM (
		     SELECT id, session_id, role, content, created_at
		     FROM chat_messages WHERE session_id = $1
		     ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// UpdateSessionTitle sets the session title. Used once per session by the
// title worker.
func (s *PGStore) UpdateSessionTitle(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE chat_sessions SET title = $2, updated_at = now() WHERE id = $1`,
		id, title)
	if err != nil {
		return fmt.Errorf("updating title for session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// DeleteSession removes a session and, via cascade, its messages. Scoped
// to the owning user.
func (s *PGStore) DeleteSession(ctx context.Context, id, userID uuid.UUID) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM chat_sessions WHERE id = $1 AND user_id = $2`, id, userID,
	); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.PromptKey, &sess.Model,
		&sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

func collectMessages(rows pgx.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	return messages, nil
}
