package session

// State is the position of a session in the conversation flow. The machine
// is cyclic: there is no terminal state, a session only ends by deletion.
type State string

const (
	// StateIdle is the initial state for every new or reset session.
	StateIdle State = "IDLE"

	// StateChatting marks a free-form conversational exchange.
	StateChatting State = "CHATTING"

	// StateAwaitingFile waits for a document upload.
	StateAwaitingFile State = "AWAITING_FILE"

	// StateAwaitingInstruction waits for an edit instruction.
	StateAwaitingInstruction State = "AWAITING_INSTRUCTION"

	// StateAwaitingFilename waits for an output filename.
	StateAwaitingFilename State = "AWAITING_FILENAME"

	// StateAwaitingFormat waits for an output format choice.
	StateAwaitingFormat State = "AWAITING_FORMAT"

	// StateProcessing marks an in-flight backend operation.
	StateProcessing State = "PROCESSING"

	// StateSelectingDocType waits for a document type choice.
	StateSelectingDocType State = "SELECTING_DOC_TYPE"

	// StateSelectingTemplate waits for a template choice.
	StateSelectingTemplate State = "SELECTING_TEMPLATE"

	// StateViewingTodos marks the suggestion list view.
	StateViewingTodos State = "VIEWING_TODOS"

	// StateSelectingTodo waits for a suggestion choice.
	StateSelectingTodo State = "SELECTING_TODO"

	// StatePreviewing marks the paginated preview view.
	StatePreviewing State = "PREVIEWING"

	// StateEditingCell marks spreadsheet cell editing.
	StateEditingCell State = "EDITING_CELL"

	// StateEditingSlide marks presentation slide editing.
	StateEditingSlide State = "EDITING_SLIDE"

	// StateConfirmingDone waits for session completion confirmation.
	StateConfirmingDone State = "CONFIRMING_DONE"

	// StateAwaitingTranslateTarget waits for a translation target language.
	StateAwaitingTranslateTarget State = "AWAITING_TRANSLATE_TARGET"
)

// allStates is the closed set of legal states.
var allStates = map[State]bool{
	StateIdle:                    true,
	StateChatting:                true,
	StateAwaitingFile:            true,
	StateAwaitingInstruction:     true,
	StateAwaitingFilename:        true,
	StateAwaitingFormat:          true,
	StateProcessing:              true,
	StateSelectingDocType:        true,
	StateSelectingTemplate:       true,
	StateViewingTodos:            true,
	StateSelectingTodo:           true,
	StatePreviewing:              true,
	StateEditingCell:             true,
	StateEditingSlide:            true,
	StateConfirmingDone:          true,
	StateAwaitingTranslateTarget: true,
}

// ParseState maps a persisted state name to a State. It is total: any
// unrecognized name decodes to StateIdle so a single bad record never
// blocks loading.
func ParseState(name string) State {
	s := State(name)
	if allStates[s] {
		return s
	}
	return StateIdle
}

// Valid reports whether s is one of the enumerated states.
func (s State) Valid() bool {
	return allStates[s]
}

// String returns the persisted state name.
func (s State) String() string {
	return string(s)
}
