package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// heartbeatInterval is how often an SSE comment is written to keep
// intermediaries from closing an idle stream.
const heartbeatInterval = 15 * time.Second

// clientMarkerHeader lets clients that cannot set Accept (some mobile
// HTTP stacks) opt into streaming.
const clientMarkerHeader = "X-Client"

// wantsStream reports whether the request asked for an SSE response.
func wantsStream(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return r.Header.Get(clientMarkerHeader) == "expo"
}

// chunkPayload frames one delta on the wire.
type chunkPayload struct {
	Text string `json:"text"`
}

// streamWriter writes SSE frames. A mutex serializes data frames against
// the heartbeat goroutine.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

// newStreamWriter sets SSE headers and starts the heartbeat. Returns an
// error when the underlying writer cannot flush.
func newStreamWriter(w http.ResponseWriter) (*streamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &streamWriter{w: w, flusher: flusher, done: make(chan struct{})}
	go s.heartbeat()
	return s, nil
}

// WriteChunk frames one text delta as `data: {"text": ...}`.
func (s *streamWriter) WriteChunk(text string) {
	payload, err := json.Marshal(chunkPayload{Text: text})
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}

// Close stops the heartbeat. The closed flag is set under the mutex so a
// tick that already won the select cannot touch the ResponseWriter after
// the handler returns. Safe to call more than once.
func (s *streamWriter) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *streamWriter) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.writeHeartbeat() {
				return
			}
		}
	}
}

func (s *streamWriter) writeHeartbeat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	fmt.Fprint(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
	return true
}
