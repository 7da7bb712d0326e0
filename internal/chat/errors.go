package chat

import "errors"

// Sentinel errors for session operations. Check with errors.Is().
var (
	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAccessDenied indicates the session exists but does not belong to
	// the caller, or does not exist at all (the two are indistinguishable
	// to the caller on write paths).
	ErrAccessDenied = errors.New("session not found or access denied")
)
