package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eduvia/eduvia/internal/log"
)

// DB is the subset of pgxpool.Pool the store depends on.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore persists users, profiles, one-time codes and device sessions
// in PostgreSQL.
type PGStore struct {
	db     DB
	logger log.Logger
}

// NewStore creates an identity store.
func NewStore(db DB, logger log.Logger) *PGStore {
	if logger == nil {
		logger = log.NewNop()
	}
	return &PGStore{db: db, logger: logger}
}

// CreateAccount inserts the user row and its profile in one transaction.
func (s *PGStore) CreateAccount(ctx context.Context, user *User, profile *Profile) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	if err := tx.QueryRow(ctx,
		`INSERT INTO users (email, name, password_hash) VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		user.Email, user.Name, user.PasswordHash,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	profile.UserID = user.ID
	if err := tx.QueryRow(ctx,
		`INSERT INTO profiles (user_id, type, level, department, school, industry, role, organization)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		profile.UserID, profile.Type, profile.Level, profile.Department, profile.School,
		profile.Industry, profile.Role, profile.Organization,
	).Scan(&profile.CreatedAt, &profile.UpdatedAt); err != nil {
		return fmt.Errorf("inserting profile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// UserByEmail retrieves a user by email.
func (s *PGStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx,
		`SELECT id, email, name, password_hash, created_at, updated_at
		 FROM users WHERE email = $1`, email,
	).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("querying user by email: %w", err)
	}
	return &u, nil
}

// AccountByID retrieves a user together with their profile.
func (s *PGStore) AccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	var (
		u User
		p Profile
	)
	err := s.db.QueryRow(ctx,
		`SELECT u.id, u.email, u.name, u.password_hash, u.created_at, u.updated_at,
		        p.type,
		        COALESCE(p.level, ''), COALESCE(p.department, ''), COALESCE(p.school, ''),
		        COALESCE(p.industry, ''), COALESCE(p.role, ''), COALESCE(p.organization, ''),
		        p.created_at, p.updated_at
		 FROM users u JOIN profiles p ON p.user_id = u.id
		 WHERE u.id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
		&p.Type, &p.Level, &p.Department, &p.School,
		&p.Industry, &p.Role, &p.Organization,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		return nil, fmt.Errorf("querying account %s: %w", id, err)
	}
	p.UserID = u.ID
	return &Account{User: &u, Profile: &p}, nil
}

// InsertOTP stores a hashed one-time code for an email.
func (s *PGStore) InsertOTP(ctx context.Context, email, codeHash string, expiresAt time.Time) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO auth_otp (email, code_hash, expires_at) VALUES ($1, $2, $3)`,
		email, codeHash, expiresAt,
	); err != nil {
		return fmt.Errorf("inserting otp: %w", err)
	}
	return nil
}

// otpRow is the latest pending code for an email.
type otpRow struct {
	ID       uuid.UUID
	CodeHash string
}

// LatestOTP returns the newest unconsumed, unexpired code for an email.
func (s *PGStore) LatestOTP(ctx context.Context, email string) (uuid.UUID, string, error) {
	var row otpRow
	err := s.db.QueryRow(ctx,
		`SELECT id, code_hash FROM auth_otp
		 WHERE email = $1 AND consumed_at IS NULL AND expires_at > now()
		 ORDER BY created_at DESC LIMIT 1`, email,
	).Scan(&row.ID, &row.CodeHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, "", ErrInvalidOTP
		}
		return uuid.Nil, "", fmt.Errorf("querying otp for %s: %w", email, err)
	}
	return row.ID, row.CodeHash, nil
}

// ConsumeOTP marks a code spent. A code is single-use: once consumed it
// never verifies again.
func (s *PGStore) ConsumeOTP(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE auth_otp SET consumed_at = now() WHERE id = $1 AND consumed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("consuming otp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidOTP
	}
	return nil
}

// UpsertSession records a device session. One row per user+fingerprint:
// a repeat login from a known device re-activates and extends the
// existing row, and sess.ID is filled from the stored row either way.
func (s *PGStore) UpsertSession(ctx context.Context, sess *DeviceSession) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO device_sessions (user_id, fingerprint, platform, expires_at, last_login)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (user_id, fingerprint) DO UPDATE
		 SET revoked = FALSE, platform = EXCLUDED.platform,
		     expires_at = EXCLUDED.expires_at, last_login = now()
		 RETURNING id, created_at`,
		sess.UserID, sess.Fingerprint, sess.Platform, sess.ExpiresAt,
	).Scan(&sess.ID, &sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting device session: %w", err)
	}
	return nil
}

// SessionActive reports whether the session exists, is not revoked and
// has not expired.
func (s *PGStore) SessionActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var active bool
	err := s.db.QueryRow(ctx,
		`SELECT NOT revoked AND expires_at > now() FROM device_sessions WHERE id = $1`, id,
	).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("querying device session %s: %w", id, err)
	}
	return active, nil
}

// SessionsByUser lists the user's device sessions, newest first.
func (s *PGStore) SessionsByUser(ctx context.Context, userID uuid.UUID) ([]*DeviceSession, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, fingerprint, platform, revoked, last_login, expires_at, created_at
		 FROM device_sessions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying device sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*DeviceSession
	for rows.Next() {
		var sess DeviceSession
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Fingerprint, &sess.Platform,
			&sess.Revoked, &sess.LastLogin, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning device session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device sessions: %w", err)
	}
	return sessions, nil
}

// RevokeSession revokes one session, scoped to its owner.
func (s *PGStore) RevokeSession(ctx context.Context, id, userID uuid.UUID) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE device_sessions SET revoked = TRUE WHERE id = $1 AND user_id = $2`, id, userID,
	); err != nil {
		return fmt.Errorf("revoking device session: %w", err)
	}
	return nil
}

// RevokeUserSessions revokes every session of the user.
func (s *PGStore) RevokeUserSessions(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE device_sessions SET revoked = TRUE WHERE user_id = $1`, userID,
	); err != nil {
		return fmt.Errorf("revoking device sessions: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
