package session

import (
	"strings"

	"github.com/google/uuid"
)

// Priority bounds for suggestions. 1 is highest.
const (
	PriorityHighest = 1
	PriorityLowest  = 5
)

// Todo is one suggested document improvement produced by analysis.
type Todo struct {
	ID            string `json:"id"`
	DescriptionEN string `json:"description_en"`
	DescriptionID string `json:"description_id"`
	ActionType    string `json:"action_type"` // "edit", "format", "add", "remove", "fix", "improve"
	Target        string `json:"target"`      // locator, e.g. "paragraph_2", "cell_A1", "slide_3"
	Suggestion    string `json:"suggestion"`
	Priority      int    `json:"priority"` // 1 (highest) to 5 (lowest)
	Executed      bool   `json:"executed"`
	Result        string `json:"result,omitempty"`
}

// NewTodo creates a suggestion with a fresh short ID and a clamped priority.
func NewTodo(descEN, descID, actionType, target, suggestion string, priority int) Todo {
	if priority < PriorityHighest {
		priority = PriorityHighest
	}
	if priority > PriorityLowest {
		priority = PriorityLowest
	}
	return Todo{
		ID:            shortID(),
		DescriptionEN: descEN,
		DescriptionID: descID,
		ActionType:    actionType,
		Target:        target,
		Suggestion:    suggestion,
		Priority:      priority,
	}
}

// Description returns the description for the given language code.
func (t Todo) Description(lang string) string {
	if lang == "id" {
		return t.DescriptionID
	}
	return t.DescriptionEN
}

// MarkExecuted flags the suggestion as applied, recording the result.
func (t *Todo) MarkExecuted(result string) {
	t.Executed = true
	t.Result = result
}

// shortID returns the first 8 hex characters of a UUID, enough to address
// a suggestion within a single bounded session.
func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
