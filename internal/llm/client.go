// Package llm wraps the remote chat completion provider.
//
// The provider speaks the OpenAI-compatible chat completions protocol:
// JSON requests, SSE-framed incremental deltas when streaming. Stream
// returns a lazy, finite, non-restartable sequence of text chunks; a
// failed or exhausted stream cannot be resumed, the caller re-invokes
// with its accumulated context if it wants to retry.
//
// Retry policy: a 429 from the provider is retried with exponential
// backoff (base 1s, doubling, plus up to 500ms jitter) for a total of 3
// attempts, then fails with ErrExhausted. Any other failure propagates
// immediately. A 429 can only occur on the initial request, so retry
// never replays partially delivered output.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/eduvia/eduvia/internal/log"
)

// Message is a single conversation turn sent to the provider.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// RetryConfig configures the rate-limit retry behavior.
type RetryConfig struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // first backoff interval, doubled per retry
	MaxJitter   time.Duration // random extra delay added to each backoff
}

// DefaultRetryConfig returns the production retry budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxJitter:   500 * time.Millisecond,
	}
}

// Config configures a Client.
type Config struct {
	BaseURL     string // e.g. https://api.groq.com/openai/v1
	APIKey      string
	MaxTokens   int     // cap for streaming completions
	Temperature float32 // sampling temperature
	Retry       RetryConfig
	// RequestsPerSecond throttles outgoing provider calls. Zero disables
	// client-side throttling.
	RequestsPerSecond float64
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client calls the completion provider.
type Client struct {
	baseURL     string
	apiKey      string
	maxTokens   int
	temperature float32
	retry       RetryConfig
	limiter     *rate.Limiter
	httpc       *http.Client
	logger      log.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, logger log.Logger) *Client {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		// No overall timeout: streams are long-lived. Cancellation comes
		// from the request context.
		httpc = &http.Client{}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		retry:       cfg.Retry,
		limiter:     limiter,
		httpc:       httpc,
		logger:      logger,
	}
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Stream requests a streaming completion and returns the sequence of text
// deltas as the provider produces them. The sequence is finite and
// single-use; the consumer accumulates the full text if it needs it.
func (c *Client) Stream(ctx context.Context, model string, messages []Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.send(ctx, model, messages, c.maxTokens, true)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close() //nolint:errcheck

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("%w: decoding stream chunk: %v", ErrUpstream, err))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			yield("", fmt.Errorf("%w: reading stream: %v", ErrUpstream, err))
		}
	}
}

// Complete requests a buffered, non-streaming completion. Used for the
// title derivation call, where maxTokens caps the output length.
func (c *Client) Complete(ctx context.Context, model string, messages []Message, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	resp, err := c.send(ctx, model, messages, maxTokens, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding completion: %v", ErrUpstream, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: completion returned no choices", ErrUpstream)
	}
	return out.Choices[0].Message.Content, nil
}

// send performs the completion request with the rate-limit retry loop and
// returns the raw response on 200. The caller owns the response body.
func (c *Client) send(ctx context.Context, model string, messages []Message, maxTokens int, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(completionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: c.temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	delay := c.retry.BaseDelay
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if stream {
			req.Header.Set("Accept", "text/event-stream")
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		if resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, bytes.TrimSpace(body))
		}

		if attempt == c.retry.MaxAttempts {
			break
		}

		wait := delay + jitter(c.retry.MaxJitter)
		c.logger.Warn("rate limited by provider, retrying",
			"model", model,
			"attempt", attempt,
			"delay", wait)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(wait):
			delay *= 2
		}
	}

	return nil, fmt.Errorf("%w (%v after %d attempts)", ErrExhausted, ErrRateLimited, c.retry.MaxAttempts)
}

// jitter returns a random duration in [0, max].
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}
