package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/eduvia/eduvia/internal/log"
	"github.com/eduvia/eduvia/internal/prompt"
)

// otpTTL is how long a one-time code stays valid.
const otpTTL = 10 * time.Minute

// sessionTTL is how long a device session stays valid without a new
// login.
const sessionTTL = 7 * 24 * time.Hour

// Store is the persistence surface the service depends on.
type Store interface {
	CreateAccount(ctx context.Context, user *User, profile *Profile) error
	UserByEmail(ctx context.Context, email string) (*User, error)
	AccountByID(ctx context.Context, id uuid.UUID) (*Account, error)
	InsertOTP(ctx context.Context, email, codeHash string, expiresAt time.Time) error
	LatestOTP(ctx context.Context, email string) (uuid.UUID, string, error)
	ConsumeOTP(ctx context.Context, id uuid.UUID) error
	UpsertSession(ctx context.Context, sess *DeviceSession) error
	SessionActive(ctx context.Context, id uuid.UUID) (bool, error)
	SessionsByUser(ctx context.Context, userID uuid.UUID) ([]*DeviceSession, error)
	RevokeSession(ctx context.Context, id, userID uuid.UUID) error
	RevokeUserSessions(ctx context.Context, userID uuid.UUID) error
}

// Publisher publishes identity events to the queue.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Service implements registration, login, one-time-code auth and the
// user context used by prompt rendering.
type Service struct {
	store  Store
	tokens *TokenIssuer
	events Publisher
	logger log.Logger
}

// NewService creates the identity service. events may be nil when no
// broker is wired, in which case registration events are skipped.
func NewService(store Store, tokens *TokenIssuer, events Publisher, logger log.Logger) *Service {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Service{store: store, tokens: tokens, events: events, logger: logger}
}

// RegisterParams carries a registration request.
type RegisterParams struct {
	Email        string
	Name         string
	Password     string
	Type         string
	Level        string
	Department   string
	School       string
	Industry     string
	Role         string
	Organization string
	Device       Device
}

// Register creates the account, starts a device session, publishes the
// user-created event and returns the account with a fresh access token.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*Account, string, error) {
	if p.Type != TypeStudent && p.Type != TypeWorker {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidProfileType, p.Type)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing password: %w", err)
	}

	user := &User{Email: p.Email, Name: p.Name, PasswordHash: string(hash)}
	profile := &Profile{
		Type:         p.Type,
		Level:        p.Level,
		Department:   p.Department,
		School:       p.School,
		Industry:     p.Industry,
		Role:         p.Role,
		Organization: p.Organization,
	}
	if err := s.store.CreateAccount(ctx, user, profile); err != nil {
		return nil, "", err
	}

	token, err := s.startSession(ctx, user.ID, p.Device)
	if err != nil {
		return nil, "", err
	}

	if s.events != nil {
		if err := s.events.Publish(ctx, TopicUserCreated, UserCreatedEvent{
			UserID: user.ID.String(),
			Email:  user.Email,
			Name:   user.Name,
			Type:   profile.Type,
		}); err != nil {
			s.logger.Error("failed to publish user created event", "user_id", user.ID, "error", err)
		}
	}

	s.logger.Info("user registered", "user_id", user.ID, "type", profile.Type)
	return &Account{User: user, Profile: profile}, token, nil
}

// Login verifies email and password and returns the account with a fresh
// access token bound to the calling device. Unknown email and wrong
// password are indistinguishable.
func (s *Service) Login(ctx context.Context, email, password string, device Device) (*Account, string, error) {
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		return nil, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	account, err := s.store.AccountByID(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	token, err := s.startSession(ctx, user.ID, device)
	if err != nil {
		return nil, "", err
	}
	return account, token, nil
}

// startSession records (or re-activates) the device session and issues a
// token bound to it. One row per user+fingerprint: a repeat login from
// the same device refreshes the existing session instead of piling up
// rows.
func (s *Service) startSession(ctx context.Context, userID uuid.UUID, device Device) (string, error) {
	sess := &DeviceSession{
		UserID:      userID,
		Fingerprint: HashFingerprint(device.Fingerprint),
		Platform:    NormalizePlatform(device.Platform),
		ExpiresAt:   time.Now().Add(sessionTTL),
	}
	if err := s.store.UpsertSession(ctx, sess); err != nil {
		return "", fmt.Errorf("starting device session: %w", err)
	}
	return s.tokens.Issue(userID, sess.ID)
}

// Logout revokes the device session the token was issued for. Tokens
// bound to it stop verifying immediately.
func (s *Service) Logout(ctx context.Context, userID, sessionID uuid.UUID) error {
	return s.store.RevokeSession(ctx, sessionID, userID)
}

// LogoutAll revokes every device session of the user.
func (s *Service) LogoutAll(ctx context.Context, userID uuid.UUID) error {
	return s.store.RevokeUserSessions(ctx, userID)
}

// Sessions lists the user's device sessions.
func (s *Service) Sessions(ctx context.Context, userID uuid.UUID) ([]*DeviceSession, error) {
	return s.store.SessionsByUser(ctx, userID)
}

// RequestOTP generates a six-digit code for the email and stores only its
// hash. Delivery is out of scope here; the code is returned for the
// caller's delivery channel.
func (s *Service) RequestOTP(ctx context.Context, email string) (string, error) {
	if _, err := s.store.UserByEmail(ctx, email); err != nil {
		return "", err
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing code: %w", err)
	}
	if err := s.store.InsertOTP(ctx, email, string(hash), time.Now().Add(otpTTL)); err != nil {
		return "", err
	}

	s.logger.Info("otp issued", "email", email)
	return code, nil
}

// VerifyOTP checks a code against the latest pending one for the email,
// consumes it and returns the account with a fresh access token bound to
// the calling device.
func (s *Service) VerifyOTP(ctx context.Context, email, code string, device Device) (*Account, string, error) {
	id, hash, err := s.store.LatestOTP(ctx, email)
	if err != nil {
		return nil, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)); err != nil {
		return nil, "", ErrInvalidOTP
	}
	if err := s.store.ConsumeOTP(ctx, id); err != nil {
		return nil, "", err
	}

	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		return nil, "", err
	}
	account, err := s.store.AccountByID(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	token, err := s.startSession(ctx, user.ID, device)
	if err != nil {
		return nil, "", err
	}
	return account, token, nil
}

// Account returns the user with their profile.
func (s *Service) Account(ctx context.Context, userID uuid.UUID) (*Account, error) {
	return s.store.AccountByID(ctx, userID)
}

// UserContext assembles the variables available to prompt context
// templates for this user, merged with request-supplied extras. Extra
// keys win on collision.
func (s *Service) UserContext(ctx context.Context, userID uuid.UUID, extra map[string]any) (prompt.Context, error) {
	account, err := s.store.AccountByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	base := prompt.Context{
		"userName":  account.User.Name,
		"userType":  account.Profile.Type,
		"isStudent": account.Profile.Type == TypeStudent,
		"isWorker":  account.Profile.Type == TypeWorker,
	}
	switch account.Profile.Type {
	case TypeStudent:
		base["level"] = account.Profile.Level
		base["department"] = account.Profile.Department
		base["school"] = account.Profile.School
	case TypeWorker:
		base["industry"] = account.Profile.Industry
		base["role"] = account.Profile.Role
		base["organization"] = account.Profile.Organization
	}
	base.Merge(extra)
	return base, nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
