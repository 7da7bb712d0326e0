// Package identity manages users, their profiles, authentication and the
// user context injected into prompt templates.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Profile types. A student profile carries academic fields, a worker
// profile professional ones.
const (
	TypeStudent = "student"
	TypeWorker  = "worker"
)

// Platforms a device session can originate from.
const (
	PlatformBrowser = "browser"
	PlatformMobile  = "mobile"
)

// TopicUserCreated is the queue topic for registration events.
const TopicUserCreated = "identity.user.created"

var (
	// ErrEmailTaken signals a registration against an existing email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials covers both unknown email and wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound signals a lookup miss.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidOTP covers expired, consumed, unknown and mismatched codes.
	ErrInvalidOTP = errors.New("invalid or expired code")
	// ErrInvalidProfileType signals a profile type outside the known set.
	ErrInvalidProfileType = errors.New("invalid profile type")
	// ErrSessionRevoked signals a token whose device session was revoked
	// or has expired.
	ErrSessionRevoked = errors.New("session revoked")
)

// User is an account holder.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Profile carries the type-dependent descriptive fields of a user.
// Student fields are Level, Department and School; worker fields are
// Industry, Role and Organization.
type Profile struct {
	UserID       uuid.UUID `json:"userId"`
	Type         string    `json:"type"`
	Level        string    `json:"level,omitempty"`
	Department   string    `json:"department,omitempty"`
	School       string    `json:"school,omitempty"`
	Industry     string    `json:"industry,omitempty"`
	Role         string    `json:"role,omitempty"`
	Organization string    `json:"organization,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Account bundles a user with their profile.
type Account struct {
	User    *User    `json:"user"`
	Profile *Profile `json:"profile"`
}

// Device identifies the client a token is issued to. Fingerprint is the
// raw client-supplied value; only its hash is ever stored.
type Device struct {
	Fingerprint string
	Platform    string
}

// DeviceSession tracks one device of a user. Tokens carry the session id
// and are rejected once the session is revoked or expired.
type DeviceSession struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"userId"`
	Fingerprint string     `json:"-"`
	Platform    string     `json:"platform"`
	Revoked     bool       `json:"revoked"`
	LastLogin   *time.Time `json:"lastLogin,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// HashFingerprint hashes a raw device fingerprint for storage.
func HashFingerprint(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

// NormalizePlatform folds unknown platform markers to browser.
func NormalizePlatform(platform string) string {
	if platform == PlatformMobile {
		return PlatformMobile
	}
	return PlatformBrowser
}

// UserCreatedEvent is published on TopicUserCreated after registration.
type UserCreatedEvent struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Type   string `json:"type"`
}
