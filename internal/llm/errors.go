package llm

import "errors"

// Sentinel errors for provider calls. Check with errors.Is().
var (
	// ErrRateLimited indicates the provider returned a throttling response.
	// It is retried internally and only surfaces wrapped in ErrExhausted.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrExhausted indicates the retry budget was spent on rate-limit
	// responses without a successful attempt.
	ErrExhausted = errors.New("provider retry budget exhausted")

	// ErrUpstream indicates a non-retryable provider failure.
	ErrUpstream = errors.New("provider request failed")
)
