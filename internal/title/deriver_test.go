package title

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduvia/eduvia/internal/chat"
	"github.com/eduvia/eduvia/internal/llm"
)

type fakeCompleter struct {
	response string
	err      error
	messages []llm.Message
	model    string
}

func (f *fakeCompleter) Complete(_ context.Context, model string, messages []llm.Message, _ int) (string, error) {
	f.model = model
	f.messages = messages
	return f.response, f.err
}

type fakeUpdater struct {
	sessionID uuid.UUID
	title     string
	calls     int
	err       error
}

func (f *fakeUpdater) UpdateSessionTitle(_ context.Context, sessionID uuid.UUID, title string) error {
	f.calls++
	f.sessionID = sessionID
	f.title = title
	return f.err
}

func eventBody(t *testing.T, sessionID uuid.UUID) []byte {
	t.Helper()
	body, err := json.Marshal(chat.SessionStartedEvent{
		ChatID:           sessionID.String(),
		UserMessage:      "What is entropy?",
		AssistantMessage: "Entropy measures disorder...",
	})
	require.NoError(t, err)
	return body
}

func TestHandle(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{response: `"Entropy Basics"`}
	updater := &fakeUpdater{}
	d := NewDeriver(completer, updater, "title-model", nil)
	sessionID := uuid.New()

	require.NoError(t, d.Handle(context.Background(), eventBody(t, sessionID)))

	assert.Equal(t, "title-model", completer.model)
	require.Len(t, completer.messages, 2)
	assert.Contains(t, completer.messages[1].Content, "What is entropy?")
	assert.Contains(t, completer.messages[1].Content, "Entropy measures disorder...")

	assert.Equal(t, 1, updater.calls)
	assert.Equal(t, sessionID, updater.sessionID)
	assert.Equal(t, "Entropy Basics", updater.title)
}

func TestHandleBadPayloadIsSwallowed(t *testing.T) {
	t.Parallel()

	updater := &fakeUpdater{}
	d := NewDeriver(&fakeCompleter{}, updater, "m", nil)

	// Malformed events must not be redelivered forever.
	require.NoError(t, d.Handle(context.Background(), []byte("{not json")))
	require.NoError(t, d.Handle(context.Background(), []byte(`{"chatId":"not-a-uuid"}`)))
	assert.Zero(t, updater.calls)
}

func TestHandleModelFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{err: errors.New("provider down")}
	updater := &fakeUpdater{}
	d := NewDeriver(completer, updater, "m", nil)

	require.NoError(t, d.Handle(context.Background(), eventBody(t, uuid.New())))
	assert.Zero(t, updater.calls)
}

func TestHandleEmptyTitleIsSkipped(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{response: `  "" `}
	updater := &fakeUpdater{}
	d := NewDeriver(completer, updater, "m", nil)

	require.NoError(t, d.Handle(context.Background(), eventBody(t, uuid.New())))
	assert.Zero(t, updater.calls)
}

func TestHandleUpdateFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{response: "A Title"}
	updater := &fakeUpdater{err: errors.New("session gone")}
	d := NewDeriver(completer, updater, "m", nil)

	require.NoError(t, d.Handle(context.Background(), eventBody(t, uuid.New())))
	assert.Equal(t, 1, updater.calls)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Entropy Basics", "Entropy Basics"},
		{"double quotes", `"Entropy Basics"`, "Entropy Basics"},
		{"single quotes", "'Entropy Basics'", "Entropy Basics"},
		{"newlines collapsed", "Entropy\nBasics\n\nExplained", "Entropy Basics Explained"},
		{"whitespace trimmed", "   Entropy Basics \t", "Entropy Basics"},
		{"interior quotes", `Why "entropy" isn't scary`, "Why entropy isnt scary"},
		{"truncated", strings.Repeat("long ", 30), strings.TrimSpace(strings.Repeat("long ", 30)[:70])},
		{"truncated on rune boundary", strings.Repeat("a", 69) + "é basics", strings.Repeat("a", 69) + "é"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Normalize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, utf8.RuneCountInString(got), MaxLength)
		})
	}
}
