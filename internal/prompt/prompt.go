// Package prompt provides the administrative prompt catalog and template
// rendering for chat turns.
//
// A prompt row holds three fragments: the system prompt, a context
// template rendered against the caller's profile, and task instructions.
// The three are composed into a single system message per turn.
package prompt

import (
	"errors"
	"fmt"

	"github.com/cbroglie/mustache"
	"github.com/google/uuid"
)

// Capability keys for the prompt catalog.
const (
	KeyTutor         = "TUTOR"
	KeyResumeWriter  = "RESUME_WRITER"
	KeyLabAssistant  = "LAB_ASSISTANT"
	KeyExamPrep      = "EXAM_PREP"
	KeyCourseBuilder = "COURSE_BUILDER"
)

// ErrNotFound indicates the requested prompt key does not exist.
var ErrNotFound = errors.New("prompt not found")

// Fragments are the three prompt parts stored as JSONB.
type Fragments struct {
	SystemPrompt     string `json:"systemPrompt"`
	ContextTemplate  string `json:"contextTemplate"`
	TaskInstructions string `json:"taskInstructions"`
}

// Template is a catalog row. Immutable at runtime.
type Template struct {
	ID          uuid.UUID
	Key         string
	Name        string
	Description string
	Model       string
	Prompt      Fragments
}

// Context is the flat key-value bag a context template is rendered with.
type Context map[string]any

// Merge copies extra keys into the context, overwriting collisions.
func (c Context) Merge(extra map[string]any) {
	for k, v := range extra {
		c[k] = v
	}
}

// Render substitutes named placeholders from ctx into template. Unknown
// placeholders render as empty strings; there are no control-flow
// constructs beyond variable interpolation.
func Render(template string, ctx Context) (string, error) {
	out, err := mustache.Render(template, map[string]any(ctx))
	if err != nil {
		return "", fmt.Errorf("rendering template: %w", err)
	}
	return out, nil
}

// ComposeSystem builds the single system message for a turn from the
// fragments and the already-rendered context.
func ComposeSystem(systemPrompt, renderedContext, taskInstructions string) string {
	return systemPrompt + "\n\nCONTEXT:\n" + renderedContext + "\n\nINSTRUCTIONS:\n" + taskInstructions
}
