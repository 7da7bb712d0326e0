package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/eduvia/eduvia/internal/chat"
	"github.com/eduvia/eduvia/internal/llm"
	"github.com/eduvia/eduvia/internal/log"
	"github.com/eduvia/eduvia/internal/prompt"
)

// PromptCatalog is the prompt lookup surface the HTTP layer uses.
type PromptCatalog interface {
	ByKey(ctx context.Context, key string) (*prompt.Template, error)
	List(ctx context.Context) ([]*prompt.Template, error)
}

// ChatHandler handles the chat endpoints.
//
// Endpoints:
//   - POST   /chat/sessions                        - create session + first turn
//   - GET    /chat/sessions                        - list caller's sessions
//   - GET    /chat/sessions/{sessionId}            - session detail
//   - DELETE /chat/sessions/{sessionId}            - delete session
//   - POST   /chat/sessions/{sessionId}/messages   - continue conversation
//   - GET    /chat/sessions/{sessionId}/messages   - persisted messages
//   - GET    /prompts                              - prompt catalog
//
// The two POST endpoints answer in one of two modes: an SSE stream of
// `data: {"text": ...}` frames when the client asks for text/event-stream
// (or sends the X-Client marker), or one buffered JSON envelope otherwise.
type ChatHandler struct {
	manager *chat.Manager
	prompts PromptCatalog
	tokens  TokenVerifier
	logger  log.Logger
}

// NewChatHandler creates a chat handler.
func NewChatHandler(manager *chat.Manager, prompts PromptCatalog, tokens TokenVerifier, logger log.Logger) *ChatHandler {
	if logger == nil {
		logger = log.NewNop()
	}
	return &ChatHandler{manager: manager, prompts: prompts, tokens: tokens, logger: logger}
}

// RegisterRoutes registers chat routes on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat/sessions", requireAuth(h.tokens, h.createSession))
	mux.HandleFunc("GET /chat/sessions", requireAuth(h.tokens, h.listSessions))
	mux.HandleFunc("GET /chat/sessions/{sessionId}", requireAuth(h.tokens, h.getSession))
	mux.HandleFunc("DELETE /chat/sessions/{sessionId}", requireAuth(h.tokens, h.deleteSession))
	mux.HandleFunc("POST /chat/sessions/{sessionId}/messages", requireAuth(h.tokens, h.continueSession))
	mux.HandleFunc("GET /chat/sessions/{sessionId}/messages", requireAuth(h.tokens, h.listMessages))
	mux.HandleFunc("GET /prompts", h.listPrompts)
}

type createSessionRequest struct {
	PromptKey         string         `json:"promptKey"`
	Message           string         `json:"message"`
	AdditionalContext map[string]any `json:"additionalContext"`
}

type continueSessionRequest struct {
	Message           string         `json:"message"`
	AdditionalContext map[string]any `json:"additionalContext"`
}

// turnResponse is the buffered (non-streaming) reply for a chat turn.
type turnResponse struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
	Response  string `json:"response"`
}

func (h *ChatHandler) createSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PromptKey == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "promptKey and message are required")
		return
	}

	bundle, err := h.manager.CreateSession(r.Context(), userID, req.PromptKey, req.Message, req.AdditionalContext)
	if err != nil {
		if errors.Is(err, prompt.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown prompt key")
			return
		}
		h.logger.Error("failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	h.streamTurn(w, r, bundle.Session, bundle.Prompt, req.Message, req.AdditionalContext)
}

func (h *ChatHandler) continueSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	var req continueSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	// Persist the user turn up front; this doubles as the ownership check.
	if _, err := h.manager.AddMessage(r.Context(), sessionID, userID, chat.RoleUser, req.Message); err != nil {
		if errors.Is(err, chat.ErrAccessDenied) {
			writeError(w, http.StatusForbidden, "session not found or access denied")
			return
		}
		h.logger.Error("failed to add message", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to add message")
		return
	}

	sess, err := h.manager.GetSession(r.Context(), sessionID, userID)
	if err != nil || sess == nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	tmpl, err := h.prompts.ByKey(r.Context(), sess.PromptKey)
	if err != nil {
		h.logger.Error("failed to load prompt", "prompt_key", sess.PromptKey, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load prompt")
		return
	}

	h.streamTurn(w, r, sess, tmpl, req.Message, req.AdditionalContext)
}

// streamTurn runs one model turn and answers either as an SSE stream or a
// buffered JSON envelope. The assistant message is persisted only when
// the stream completed without error and produced text.
func (h *ChatHandler) streamTurn(w http.ResponseWriter, r *http.Request, sess *chat.Session, tmpl *prompt.Template, userMessage string, extra map[string]any) {
	params := chat.StreamParams{
		SessionID:        sess.ID,
		SystemPrompt:     tmpl.Prompt.SystemPrompt,
		ContextTemplate:  tmpl.Prompt.ContextTemplate,
		TaskInstructions: tmpl.Prompt.TaskInstructions,
		Model:            sess.Model,
		UserMessage:      userMessage,
		UserID:           sess.UserID,
		Extra:            extra,
	}
	seq := h.manager.StreamResponse(r.Context(), params)

	if wantsStream(r) {
		h.streamSSE(w, r, sess, seq, userMessage)
		return
	}
	h.respondBuffered(w, r, sess, seq, userMessage)
}

func (h *ChatHandler) streamSSE(w http.ResponseWriter, r *http.Request, sess *chat.Session, seq streamSeq, userMessage string) {
	sw, err := newStreamWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	defer sw.Close()

	full, streamErr := consume(seq, sw.WriteChunk)
	if streamErr != nil {
		// Headers are flushed; the stream simply ends without a trailer.
		h.logger.Error("stream failed", "session_id", sess.ID, "error", streamErr)
		return
	}
	if full == "" {
		h.logger.Warn("stream produced no text", "session_id", sess.ID)
		return
	}

	// The client may have disconnected after receiving the full stream;
	// persistence must not be cancelled with it.
	h.manager.SaveAssistantResponse(context.WithoutCancel(r.Context()), sess.ID, full, userMessage)
}

func (h *ChatHandler) respondBuffered(w http.ResponseWriter, r *http.Request, sess *chat.Session, seq streamSeq, userMessage string) {
	full, streamErr := consume(seq, nil)
	if streamErr != nil {
		h.logger.Error("completion failed", "session_id", sess.ID, "error", streamErr)
		if errors.Is(streamErr, llm.ErrExhausted) {
			writeError(w, http.StatusServiceUnavailable, "model is rate limited, try again later")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to generate response")
		return
	}

	if full == "" {
		h.logger.Warn("completion produced no text", "session_id", sess.ID)
	} else {
		h.manager.SaveAssistantResponse(r.Context(), sess.ID, full, userMessage)
	}
	writeData(w, http.StatusOK, "", turnResponse{
		SessionID: sess.ID.String(),
		Prompt:    userMessage,
		Response:  full,
	})
}

type streamSeq = func(yield func(string, error) bool)

// consume drains a delta sequence, forwarding each chunk when forward is
// non-nil and returning the accumulated text.
func consume(seq streamSeq, forward func(string)) (string, error) {
	var full string
	var streamErr error
	seq(func(chunk string, err error) bool {
		if err != nil {
			streamErr = err
			return false
		}
		if chunk != "" {
			full += chunk
			if forward != nil {
				forward(chunk)
			}
		}
		return true
	})
	return full, streamErr
}

func (h *ChatHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	sessions, err := h.manager.GetUserSessions(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list sessions", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*chat.Session{}
	}
	writeData(w, http.StatusOK, "", sessions)
}

func (h *ChatHandler) getSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	sess, err := h.manager.GetSession(r.Context(), sessionID, userID)
	if err != nil {
		h.logger.Error("failed to load session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusForbidden, "session not found or access denied")
		return
	}
	writeData(w, http.StatusOK, "", sess)
}

func (h *ChatHandler) deleteSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	if err := h.manager.DeleteSession(r.Context(), sessionID, userID); err != nil {
		h.logger.Error("failed to delete session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	writeData(w, http.StatusOK, "session deleted", nil)
}

func (h *ChatHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	sessionID, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	messages, err := h.manager.GetSessionMessages(r.Context(), sessionID, userID)
	if err != nil {
		if errors.Is(err, chat.ErrAccessDenied) {
			writeError(w, http.StatusForbidden, "session not found or access denied")
			return
		}
		h.logger.Error("failed to list messages", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*chat.Message{}
	}
	writeData(w, http.StatusOK, "", messages)
}

func (h *ChatHandler) listPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := h.prompts.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list prompts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list prompts")
		return
	}
	writeData(w, http.StatusOK, "", prompts)
}

func parseSessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	sessionID, err := uuid.Parse(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return uuid.Nil, false
	}
	return sessionID, true
}
