// Package title derives short session titles from the opening exchange of
// a chat. It runs as a queue consumer decoupled from the request path: a
// failed derivation costs nothing but the placeholder title.
package title

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/eduvia/eduvia/internal/chat"
	"github.com/eduvia/eduvia/internal/llm"
	"github.com/eduvia/eduvia/internal/log"
)

// MaxLength caps the stored title.
const MaxLength = 70

const instruction = "Generate a short, descriptive title (at most 6 words) for a conversation " +
	"that starts with the following exchange. Respond with the title only, " +
	"no quotes and no extra text."

// Completer produces a single non-streamed completion.
type Completer interface {
	Complete(ctx context.Context, model string, messages []llm.Message, maxTokens int) (string, error)
}

// SessionUpdater writes the derived title back to the session.
type SessionUpdater interface {
	UpdateSessionTitle(ctx context.Context, sessionID uuid.UUID, title string) error
}

// Deriver consumes session-started events and replaces the placeholder
// title with a model-generated one.
type Deriver struct {
	llm    Completer
	store  SessionUpdater
	model  string
	logger log.Logger
}

// NewDeriver creates a title deriver using the given model for
// generation.
func NewDeriver(completer Completer, store SessionUpdater, model string, logger log.Logger) *Deriver {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Deriver{llm: completer, store: store, model: model, logger: logger}
}

// Handle processes one session-started event. Errors are logged and
// swallowed so the event is never redelivered: title derivation is
// best-effort by contract.
func (d *Deriver) Handle(ctx context.Context, body []byte) error {
	var event chat.SessionStartedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		d.logger.Error("failed to decode session started event", "error", err)
		return nil
	}

	sessionID, err := uuid.Parse(event.ChatID)
	if err != nil {
		d.logger.Error("invalid session id in event", "chat_id", event.ChatID, "error", err)
		return nil
	}

	title, err := d.derive(ctx, event.UserMessage, event.AssistantMessage)
	if err != nil {
		d.logger.Error("failed to derive title", "session_id", sessionID, "error", err)
		return nil
	}
	if title == "" {
		d.logger.Warn("model returned empty title", "session_id", sessionID)
		return nil
	}

	if err := d.store.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		d.logger.Error("failed to update session title", "session_id", sessionID, "error", err)
		return nil
	}

	d.logger.Info("session title derived", "session_id", sessionID, "title", title)
	return nil
}

func (d *Deriver) derive(ctx context.Context, userMessage, assistantMessage string) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: instruction},
		{Role: "user", Content: "User: " + userMessage + "\nAssistant: " + assistantMessage},
	}
	raw, err := d.llm.Complete(ctx, d.model, messages, MaxLength)
	if err != nil {
		return "", err
	}
	return Normalize(raw), nil
}

// Normalize cleans a model-produced title: quotes removed, newlines
// collapsed to single spaces, whitespace trimmed, and the result
// truncated to MaxLength runes.
func Normalize(raw string) string {
	title := strings.Map(func(r rune) rune {
		if r == '"' || r == '\'' {
			return -1
		}
		return r
	}, raw)
	title = strings.Join(strings.Fields(title), " ")
	if runes := []rune(title); len(runes) > MaxLength {
		title = strings.TrimSpace(string(runes[:MaxLength]))
	}
	return title
}
