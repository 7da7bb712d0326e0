package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/eduvia/eduvia/internal/prompt"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PlaceholderTitle is the title a session carries until the title worker
// derives one from the first exchange.
const PlaceholderTitle = "New Chat"

// TopicSessionStarted is the queue topic published after the first
// assistant reply of a session is persisted.
const TopicSessionStarted = "chat.session.started"

// Session is a persisted conversation thread owned by one user, scoped to
// one prompt template and model.
type Session struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"userId"`
	PromptKey string    `json:"promptKey"`
	Model     string    `json:"model"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is a single conversation turn. Immutable once created; owned
// exclusively by its session.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionStartedEvent is the payload published on TopicSessionStarted for
// asynchronous title derivation.
type SessionStartedEvent struct {
	ChatID           string `json:"chatId"`
	UserMessage      string `json:"userMessage"`
	AssistantMessage string `json:"assistantMessage"`
}

// SessionBundle is returned by CreateSession: the new session plus the
// rendering-ready prompt for the first streaming turn.
type SessionBundle struct {
	Session         *Session
	Prompt          *prompt.Template
	RenderedContext string
}
