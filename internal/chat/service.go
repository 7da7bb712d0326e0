// Package chat implements the chat session manager: session creation,
// message persistence, history cache population and fallback, and
// response streaming.
//
// A conversation turn moves through CREATED → HISTORY_LOADED → STREAMING
// → {COMPLETED | STREAM_FAILED} → PERSISTED. The manager holds no
// in-process locks; concurrent turns on the same session are not
// serialized (chat is single-client-driven per session in intended use).
package chat

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/eduvia/eduvia/internal/llm"
	"github.com/eduvia/eduvia/internal/log"
	"github.com/eduvia/eduvia/internal/prompt"
)

// Store is the durable session/message storage the manager depends on.
type Store interface {
	CreateSessionWithMessage(ctx context.Context, sess *Session, msg *Message) error
	SessionByID(ctx context.Context, id uuid.UUID) (*Session, error)
	SessionsByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error)
	InsertMessage(ctx context.Context, msg *Message) error
	MessagesBySession(ctx context.Context, sessionID uuid.UUID) ([]*Message, error)
	DeleteSession(ctx context.Context, id, userID uuid.UUID) error
}

// History is the bounded recent-message cache. Append and Resync never
// fail from the manager's point of view: cache trouble degrades to a
// durable-storage fallback, not an error.
type History interface {
	Append(ctx context.Context, sessionID uuid.UUID, msg *Message)
	Read(ctx context.Context, sessionID uuid.UUID) []*Message
	Resync(ctx context.Context, sessionID uuid.UUID)
	Clear(ctx context.Context, sessionID uuid.UUID)
}

// Prompts looks up prompt templates by capability key.
type Prompts interface {
	ByKey(ctx context.Context, key string) (*prompt.Template, error)
}

// Streamer produces a lazy sequence of completion deltas.
type Streamer interface {
	Stream(ctx context.Context, model string, messages []llm.Message) iter.Seq2[string, error]
}

// Publisher publishes queue events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// ContextSource assembles the per-request user context used to render the
// prompt's context template.
type ContextSource interface {
	UserContext(ctx context.Context, userID uuid.UUID, extra map[string]any) (prompt.Context, error)
}

// Manager orchestrates chat sessions. All collaborators are injected at
// construction so tests can substitute doubles.
type Manager struct {
	store   Store
	history History
	prompts Prompts
	users   ContextSource
	llm     Streamer
	events  Publisher
	logger  log.Logger
}

// NewManager creates the chat session manager.
func NewManager(store Store, history History, prompts Prompts, users ContextSource, streamer Streamer, events Publisher, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Manager{
		store:   store,
		history: history,
		prompts: prompts,
		users:   users,
		llm:     streamer,
		events:  events,
		logger:  logger,
	}
}

// CreateSession creates a session together with its first user message in
// one transaction, renders the prompt context, and seeds the history
// cache. On any failure before commit, nothing persists.
func (m *Manager) CreateSession(ctx context.Context, userID uuid.UUID, promptKey, firstMessage string, extra map[string]any) (*SessionBundle, error) {
	tmpl, err := m.prompts.ByKey(ctx, promptKey)
	if err != nil {
		return nil, err
	}

	uctx, err := m.users.UserContext(ctx, userID, extra)
	if err != nil {
		return nil, err
	}
	rendered, err := prompt.Render(tmpl.Prompt.ContextTemplate, uctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New(),
		UserID:    userID,
		PromptKey: promptKey,
		Model:     tmpl.Model,
		Title:     PlaceholderTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	msg := &Message{
		ID:        uuid.New(),
		SessionID: sess.ID,
		Role:      RoleUser,
		Content:   firstMessage,
		CreatedAt: now,
	}

	if err := m.store.CreateSessionWithMessage(ctx, sess, msg); err != nil {
		return nil, err
	}

	m.history.Append(ctx, sess.ID, msg)

	m.logger.Info("session created",
		"session_id", sess.ID,
		"user_id", userID,
		"prompt_key", promptKey)

	return &SessionBundle{Session: sess, Prompt: tmpl, RenderedContext: rendered}, nil
}

// StreamParams carries everything a streaming turn needs.
type StreamParams struct {
	SessionID        uuid.UUID
	SystemPrompt     string
	ContextTemplate  string
	TaskInstructions string
	Model            string
	UserMessage      string
	UserID           uuid.UUID
	Extra            map[string]any
}

// StreamResponse loads the session history (resyncing from durable
// storage when the cache comes back empty), composes the model context
// and returns the provider's delta sequence. It persists nothing:
// persistence is the caller's job after full accumulation, because only
// the caller knows whether the transport consumed the stream successfully.
func (m *Manager) StreamResponse(ctx context.Context, p StreamParams) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		history := m.history.Read(ctx, p.SessionID)
		if len(history) == 0 {
			// Cold cache or eviction: rebuild from the durable log so the
			// model always has context.
			m.history.Resync(ctx, p.SessionID)
			history = m.history.Read(ctx, p.SessionID)
		}

		uctx, err := m.users.UserContext(ctx, p.UserID, p.Extra)
		if err != nil {
			yield("", err)
			return
		}
		rendered, err := prompt.Render(p.ContextTemplate, uctx)
		if err != nil {
			yield("", err)
			return
		}
		system := prompt.ComposeSystem(p.SystemPrompt, rendered, p.TaskInstructions)

		messages := composeMessages(system, history, p.UserMessage)

		m.logger.Debug("streaming turn",
			"session_id", p.SessionID,
			"model", p.Model,
			"history_len", len(history))

		for chunk, err := range m.llm.Stream(ctx, p.Model, messages) {
			if !yield(chunk, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// composeMessages builds the provider message list: system message,
// cached history in chronological order, then the current user turn. The
// cache stores entries most-recent-first. When the caller persisted the
// current user turn before streaming, the cache head already holds it and
// it is not repeated.
func composeMessages(system string, history []*Message, userMessage string) []llm.Message {
	if len(history) > 0 && history[0].Role == RoleUser && history[0].Content == userMessage {
		history = history[1:]
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	for i := len(history) - 1; i >= 0; i-- {
		messages = append(messages, llm.Message{Role: history[i].Role, Content: history[i].Content})
	}
	messages = append(messages, llm.Message{Role: RoleUser, Content: userMessage})
	return messages
}

// SaveAssistantResponse persists the assistant turn, mirrors it into the
// history cache, and publishes the session-started event that drives
// asynchronous title derivation. Failures are logged and swallowed: the
// user already received the streamed text, so a lost title trigger or a
// failed persist of this single turn is an accepted degraded outcome.
func (m *Manager) SaveAssistantResponse(ctx context.Context, sessionID uuid.UUID, fullText, userMessage string) {
	msg := &Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      RoleAssistant,
		Content:   fullText,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.store.InsertMessage(ctx, msg); err != nil {
		m.logger.Error("failed to save assistant response",
			"session_id", sessionID,
			"error", err)
		return
	}

	m.history.Append(ctx, sessionID, msg)

	if err := m.events.Publish(ctx, TopicSessionStarted, SessionStartedEvent{
		ChatID:           sessionID.String(),
		UserMessage:      userMessage,
		AssistantMessage: fullText,
	}); err != nil {
		m.logger.Error("failed to publish session started event",
			"session_id", sessionID,
			"error", err)
	}
}

// AddMessage persists a message after verifying session ownership, and
// mirrors it into the history cache. Returns ErrAccessDenied when the
// session is missing or owned by another user.
func (m *Manager) AddMessage(ctx context.Context, sessionID, userID uuid.UUID, role, content string) (*Message, error) {
	if err := m.authorize(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	m.history.Append(ctx, sessionID, msg)
	return msg, nil
}

// GetSession returns the session, or nil when it does not exist or does
// not belong to the caller.
func (m *Manager) GetSession(ctx context.Context, sessionID, userID uuid.UUID) (*Session, error) {
	sess, err := m.store.SessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if sess.UserID != userID {
		return nil, nil
	}
	return sess, nil
}

// GetSessionMessages returns all persisted messages of a session after an
// ownership check.
func (m *Manager) GetSessionMessages(ctx context.Context, sessionID, userID uuid.UUID) ([]*Message, error) {
	if err := m.authorize(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return m.store.MessagesBySession(ctx, sessionID)
}

// authorize folds a missing session and an ownership mismatch into the
// same ErrAccessDenied so callers cannot distinguish them.
func (m *Manager) authorize(ctx context.Context, sessionID, userID uuid.UUID) error {
	sess, err := m.store.SessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return ErrAccessDenied
		}
		return err
	}
	if sess.UserID != userID {
		return ErrAccessDenied
	}
	return nil
}

// GetUserSessions lists the caller's sessions, most recently updated first.
func (m *Manager) GetUserSessions(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	return m.store.SessionsByUser(ctx, userID)
}

// DeleteSession removes the caller's session, its messages and its cached
// history. The delete is scoped to the owner, so a foreign session id is
// a silent no-op.
func (m *Manager) DeleteSession(ctx context.Context, sessionID, userID uuid.UUID) error {
	if err := m.store.DeleteSession(ctx, sessionID, userID); err != nil {
		return err
	}
	m.history.Clear(ctx, sessionID)
	return nil
}
