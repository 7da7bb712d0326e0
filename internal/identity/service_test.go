package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*User
	profiles map[uuid.UUID]*Profile
	otps     []memOTP
	sessions map[uuid.UUID]*DeviceSession
}

type memOTP struct {
	id        uuid.UUID
	email     string
	codeHash  string
	expiresAt time.Time
	consumed  bool
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]*User),
		profiles: make(map[uuid.UUID]*Profile),
		sessions: make(map[uuid.UUID]*DeviceSession),
	}
}

func (m *memStore) CreateAccount(_ context.Context, user *User, profile *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[user.Email]; exists {
		return ErrEmailTaken
	}
	user.ID = uuid.New()
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	profile.UserID = user.ID
	m.users[user.Email] = user
	m.profiles[user.ID] = profile
	return nil
}

func (m *memStore) UserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (m *memStore) AccountByID(_ context.Context, id uuid.UUID) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.ID == id {
			return &Account{User: user, Profile: m.profiles[id]}, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *memStore) InsertOTP(_ context.Context, email, codeHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.otps = append(m.otps, memOTP{id: uuid.New(), email: email, codeHash: codeHash, expiresAt: expiresAt})
	return nil
}

func (m *memStore) LatestOTP(_ context.Context, email string) (uuid.UUID, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.otps) - 1; i >= 0; i-- {
		otp := m.otps[i]
		if otp.email == email && !otp.consumed && otp.expiresAt.After(time.Now()) {
			return otp.id, otp.codeHash, nil
		}
	}
	return uuid.Nil, "", ErrInvalidOTP
}

func (m *memStore) ConsumeOTP(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.otps {
		if m.otps[i].id == id && !m.otps[i].consumed {
			m.otps[i].consumed = true
			return nil
		}
	}
	return ErrInvalidOTP
}

func (m *memStore) UpsertSession(_ context.Context, sess *DeviceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.UserID == sess.UserID && existing.Fingerprint == sess.Fingerprint {
			existing.Revoked = false
			existing.ExpiresAt = sess.ExpiresAt
			sess.ID = existing.ID
			return nil
		}
	}
	sess.ID = uuid.New()
	m.sessions[sess.ID] = sess
	return nil
}

func (m *memStore) SessionActive(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	return !sess.Revoked && sess.ExpiresAt.After(time.Now()), nil
}

func (m *memStore) SessionsByUser(_ context.Context, userID uuid.UUID) ([]*DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DeviceSession
	for _, sess := range m.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (m *memStore) RevokeSession(_ context.Context, id, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok && sess.UserID == userID {
		sess.Revoked = true
	}
	return nil
}

func (m *memStore) RevokeUserSessions(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.UserID == userID {
			sess.Revoked = true
		}
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return nil
}

func newTestService(t *testing.T) (*Service, *memStore, *recordingPublisher) {
	t.Helper()
	store := newMemStore()
	events := &recordingPublisher{}
	svc := NewService(store, NewTokenIssuer(testSecret, time.Hour), events, nil)
	return svc, store, events
}

func studentParams() RegisterParams {
	return RegisterParams{
		Email:      "mira@example.com",
		Name:       "Mira",
		Password:   "correct horse",
		Type:       TypeStudent,
		Level:      "bachelor",
		Department: "Physics",
		School:     "ETH",
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	svc, store, events := newTestService(t)
	account, token, err := svc.Register(context.Background(), studentParams())
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, account.User.ID)
	assert.Equal(t, TypeStudent, account.Profile.Type)
	assert.NotEmpty(t, token)

	// The password is stored hashed, never verbatim.
	stored := store.users["mira@example.com"]
	assert.NotEqual(t, "correct horse", stored.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("correct horse")))

	require.Len(t, events.topics, 1)
	assert.Equal(t, TopicUserCreated, events.topics[0])
}

func TestRegisterRejectsBadProfileType(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	params := studentParams()
	params.Type = "alien"
	_, _, err := svc.Register(context.Background(), params)
	assert.ErrorIs(t, err, ErrInvalidProfileType)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	_, _, err := svc.Register(context.Background(), studentParams())
	require.NoError(t, err)
	_, _, err = svc.Register(context.Background(), studentParams())
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLogin(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	_, _, err := svc.Register(context.Background(), studentParams())
	require.NoError(t, err)

	account, token, err := svc.Login(context.Background(), "mira@example.com", "correct horse", Device{Fingerprint: "laptop"})
	require.NoError(t, err)
	assert.Equal(t, "Mira", account.User.Name)
	assert.NotEmpty(t, token)

	// Wrong password and unknown email are indistinguishable.
	_, _, err = svc.Login(context.Background(), "mira@example.com", "wrong", Device{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(context.Background(), "nobody@example.com", "correct horse", Device{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginReusesDeviceSession(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t)
	_, _, err := svc.Register(context.Background(), studentParams())
	require.NoError(t, err)

	laptop := Device{Fingerprint: "laptop", Platform: PlatformBrowser}
	_, _, err = svc.Login(context.Background(), "mira@example.com", "correct horse", laptop)
	require.NoError(t, err)
	_, _, err = svc.Login(context.Background(), "mira@example.com", "correct horse", laptop)
	require.NoError(t, err)

	// Registration used the zero device, so two fingerprints total: a
	// repeat login from the same device does not add a row.
	assert.Len(t, store.sessions, 2)

	_, _, err = svc.Login(context.Background(), "mira@example.com", "correct horse",
		Device{Fingerprint: "phone", Platform: PlatformMobile})
	require.NoError(t, err)
	assert.Len(t, store.sessions, 3)
}

func TestLogoutRevokesSession(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t)
	account, token, err := svc.Register(context.Background(), studentParams())
	require.NoError(t, err)

	auth := NewAuthenticator(NewTokenIssuer(testSecret, time.Hour), store)
	_, sessionID, err := auth.Verify(context.Background(), token)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), account.User.ID, sessionID))
	_, _, err = auth.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestOTPFlow(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	_, _, err := svc.Register(context.Background(), studentParams())
	require.NoError(t, err)

	code, err := svc.RequestOTP(context.Background(), "mira@example.com")
	require.NoError(t, err)
	require.Len(t, code, 6)

	account, token, err := svc.VerifyOTP(context.Background(), "mira@example.com", code, Device{Fingerprint: "laptop"})
	require.NoError(t, err)
	assert.Equal(t, "Mira", account.User.Name)
	assert.NotEmpty(t, token)

	// Single use: the same code never verifies twice.
	_, _, err = svc.VerifyOTP(context.Background(), "mira@example.com", code, Device{Fingerprint: "laptop"})
	assert.ErrorIs(t, err, ErrInvalidOTP)
}

func TestVerifyOTPWrongCode(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	_, _, err := svc.Register(context.Background(), studentParams())
	require.NoError(t, err)

	_, err = svc.RequestOTP(context.Background(), "mira@example.com")
	require.NoError(t, err)

	_, _, err = svc.VerifyOTP(context.Background(), "mira@example.com", "000000", Device{})
	assert.ErrorIs(t, err, ErrInvalidOTP)
}

func TestUserContextStudent(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	account, _, err := svc.Register(context.Background(), studentParams())
	require.NoError(t, err)

	ctx, err := svc.UserContext(context.Background(), account.User.ID, map[string]any{"topic": "entropy"})
	require.NoError(t, err)

	assert.Equal(t, "Mira", ctx["userName"])
	assert.Equal(t, TypeStudent, ctx["userType"])
	assert.Equal(t, true, ctx["isStudent"])
	assert.Equal(t, false, ctx["isWorker"])
	assert.Equal(t, "Physics", ctx["department"])
	assert.Equal(t, "ETH", ctx["school"])
	assert.Equal(t, "entropy", ctx["topic"])
	assert.NotContains(t, ctx, "industry")
}

func TestUserContextWorker(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	account, _, err := svc.Register(context.Background(), RegisterParams{
		Email:        "omar@example.com",
		Name:         "Omar",
		Password:     "pw",
		Type:         TypeWorker,
		Industry:     "Biotech",
		Role:         "Lab Technician",
		Organization: "Helix",
	})
	require.NoError(t, err)

	ctx, err := svc.UserContext(context.Background(), account.User.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, true, ctx["isWorker"])
	assert.Equal(t, "Biotech", ctx["industry"])
	assert.Equal(t, "Lab Technician", ctx["role"])
	assert.Equal(t, "Helix", ctx["organization"])
	assert.NotContains(t, ctx, "school")
}
