package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken covers expired, malformed and mis-signed tokens.
var ErrInvalidToken = errors.New("invalid token")

// TokenIssuer issues and verifies HS256 access tokens carrying the user
// id as subject and the device session id as token id.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates a token issuer.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the user bound to a device session, valid for
// the configured TTL.
func (t *TokenIssuer) Issue(userID, sessionID uuid.UUID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ID:        sessionID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the user and device
// session ids it was issued for. Whether the session is still live is
// the Authenticator's concern.
func (t *TokenIssuer) Verify(raw string) (uuid.UUID, uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	sessionID, err := uuid.Parse(claims.ID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: bad session id", ErrInvalidToken)
	}
	return userID, sessionID, nil
}

// Authenticator verifies tokens against live device sessions: a valid
// signature is not enough once the session behind it was revoked.
type Authenticator struct {
	tokens *TokenIssuer
	store  Store
}

// NewAuthenticator creates an authenticator over the given store.
func NewAuthenticator(tokens *TokenIssuer, store Store) *Authenticator {
	return &Authenticator{tokens: tokens, store: store}
}

// Verify validates the token and checks that its device session is still
// active, returning the user and session ids.
func (a *Authenticator) Verify(ctx context.Context, raw string) (uuid.UUID, uuid.UUID, error) {
	userID, sessionID, err := a.tokens.Verify(raw)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	active, err := a.store.SessionActive(ctx, sessionID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if !active {
		return uuid.Nil, uuid.Nil, ErrSessionRevoked
	}
	return userID, sessionID, nil
}
