package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx records the statements executed in a transaction. The embedded
// pgx.Tx panics on anything the store is not expected to call.
type fakeTx struct {
	pgx.Tx

	execs      []string
	failOnExec int // 1-based index of the Exec call that fails; 0 disables
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	if f.failOnExec > 0 && len(f.execs) == f.failOnExec {
		return pgconn.CommandTag{}, errors.New("insert failed")
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) Commit(context.Context) error {
	if f.rolledBack {
		return pgx.ErrTxClosed
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.rolledBack = true
	return nil
}

// fakeDB hands out a single fakeTx. The embedded DB panics on direct
// query use, which CreateSessionWithMessage must never do.
type fakeDB struct {
	DB
	tx       *fakeTx
	beginErr error
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}

func sessionAndFirstMessage() (*Session, *Message) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		PromptKey: "TUTOR",
		Model:     "llama3-70b-8192",
		Title:     PlaceholderTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	msg := &Message{
		ID:        uuid.New(),
		SessionID: sess.ID,
		Role:      RoleUser,
		Content:   "hello",
		CreatedAt: now,
	}
	return sess, msg
}

func TestCreateSessionWithMessageCommits(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{}
	store := NewStore(&fakeDB{tx: tx}, nil)

	sess, msg := sessionAndFirstMessage()
	require.NoError(t, store.CreateSessionWithMessage(context.Background(), sess, msg))

	require.Len(t, tx.execs, 2)
	assert.Contains(t, tx.execs[0], "INSERT INTO chat_sessions")
	assert.Contains(t, tx.execs[1], "INSERT INTO chat_messages")
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
}

func TestCreateSessionWithMessageRollsBackOnMessageFailure(t *testing.T) {
	t.Parallel()

	// The session insert succeeds, the message insert fails: the whole
	// transaction must roll back so no session exists without its first
	// message.
	tx := &fakeTx{failOnExec: 2}
	store := NewStore(&fakeDB{tx: tx}, nil)

	sess, msg := sessionAndFirstMessage()
	err := store.CreateSessionWithMessage(context.Background(), sess, msg)
	require.Error(t, err)

	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestCreateSessionWithMessageRollsBackOnSessionFailure(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{failOnExec: 1}
	store := NewStore(&fakeDB{tx: tx}, nil)

	sess, msg := sessionAndFirstMessage()
	err := store.CreateSessionWithMessage(context.Background(), sess, msg)
	require.Error(t, err)

	require.Len(t, tx.execs, 1)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestCreateSessionWithMessageBeginFailure(t *testing.T) {
	t.Parallel()

	store := NewStore(&fakeDB{beginErr: errors.New("pool exhausted")}, nil)

	sess, msg := sessionAndFirstMessage()
	err := store.CreateSessionWithMessage(context.Background(), sess, msg)
	require.Error(t, err)
}
