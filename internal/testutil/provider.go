package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// Provider is a fake OpenAI-compatible completion endpoint. It answers
// /chat/completions with scripted chunks, optionally rate-limiting the
// first N requests, and counts every attempt it receives.
type Provider struct {
	*httptest.Server

	chunks    []string
	limit429  int
	attempts  atomic.Int64
	lastModel atomic.Value
}

// NewProvider starts a fake provider that streams the given chunks.
func NewProvider(t *testing.T, chunks ...string) *Provider {
	t.Helper()
	p := &Provider{chunks: chunks}
	p.Server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.Server.Close)
	return p
}

// NewServerError starts a provider that always answers 500.
func NewServerError(t *testing.T) *Provider {
	t.Helper()
	p := &Provider{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.attempts.Add(1)
		http.Error(w, `{"error":{"message":"internal"}}`, http.StatusInternalServerError)
	}))
	t.Cleanup(p.Server.Close)
	return p
}

// RateLimitFirst makes the provider answer 429 to the first n requests.
func (p *Provider) RateLimitFirst(n int) *Provider {
	p.limit429 = n
	return p
}

// Attempts returns how many requests the provider has received.
func (p *Provider) Attempts() int {
	return int(p.attempts.Load())
}

// LastModel returns the model named by the most recent request.
func (p *Provider) LastModel() string {
	v, _ := p.lastModel.Load().(string)
	return v
}

type completionRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func (p *Provider) handle(w http.ResponseWriter, r *http.Request) {
	n := p.attempts.Add(1)

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	p.lastModel.Store(req.Model)

	if int(n) <= p.limit429 {
		http.Error(w, `{"error":{"message":"rate limit exceeded"}}`, http.StatusTooManyRequests)
		return
	}

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range p.chunks {
			payload, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{
					{"delta": map[string]string{"content": chunk}},
				},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		return
	}

	var full string
	for _, chunk := range p.chunks {
		full += chunk
	}
	payload, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": full}},
		},
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}
