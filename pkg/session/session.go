// Package session holds per-user conversational state: the state machine,
// file context, conversation history, suggestions, preview pagination, and
// the fingerprint-keyed cache of AI-derived outputs. The Manager layers an
// in-memory write-through cache over the durable store.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Defaults for session behavior. Overridable through Manager configuration.
const (
	// DefaultTimeout is how long a session may idle before it expires.
	DefaultTimeout = time.Hour

	// DefaultMaxHistory is the number of conversational turns retained;
	// the stored entry cap is twice this (a user and an assistant entry
	// per turn).
	DefaultMaxHistory = 10

	// DefaultPreviewPageSize is the character budget per preview page.
	DefaultPreviewPageSize = 1000

	// DefaultLanguage is the language for sessions with no preference.
	DefaultLanguage = "en"
)

// Conversation history roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation history entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is a single user's conversational state. It is not safe for
// concurrent use; the dispatch model processes one interaction at a time.
type Session struct {
	UserID   int64
	State    State
	Language string

	// File context. The four fields are set and cleared as a group;
	// reads are only meaningful when HasFile reports true.
	FilePath    string
	FileContent string
	FileName    string
	FileType    string // "docx", "pdf", "xlsx", "pptx", "txt"

	// Pending document-creation context.
	PendingContent  string
	PendingDocType  string
	PendingTemplate string

	History []Message
	Todos   []Todo

	// Preview pagination. PreviewPage is 0-based internally and reported
	// 1-based by Preview accessors.
	PreviewPages []string
	PreviewPage  int

	// Spreadsheet / presentation focus.
	CurrentSheet string
	CurrentCell  string
	CurrentSlide int

	// ContentHash always reflects the fingerprint of the current file
	// content; it is recomputed on every content mutation, never lazily.
	ContentHash  string
	AnalysisHash string
	Translations map[string]string // key: contentHash_targetLang
	SummaryHash  string
	Summary      string

	LastActivity time.Time
	CreatedAt    time.Time

	maxHistory      int
	previewPageSize int
	timeout         time.Duration
}

// New creates an idle session for the user with default limits.
func New(userID int64) *Session {
	now := time.Now()
	return &Session{
		UserID:          userID,
		State:           StateIdle,
		Language:        DefaultLanguage,
		Translations:    make(map[string]string),
		LastActivity:    now,
		CreatedAt:       now,
		maxHistory:      DefaultMaxHistory,
		previewPageSize: DefaultPreviewPageSize,
		timeout:         DefaultTimeout,
	}
}

// Touch updates the last activity timestamp.
func (s *Session) Touch() {
	s.LastActivity = time.Now()
}

// Expired reports whether the session has been idle past its timeout.
func (s *Session) Expired() bool {
	return time.Since(s.LastActivity) > s.timeout
}

// TimeRemaining returns the duration left before expiry, floored at zero.
func (s *Session) TimeRemaining() time.Duration {
	remaining := s.timeout - time.Since(s.LastActivity)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AddMessage appends a history entry, dropping the oldest entries once the
// cap is exceeded. Entries are dropped from the front so role alternation
// is preserved.
func (s *Session) AddMessage(role, content string) {
	s.History = append(s.History, Message{Role: role, Content: content})
	if limit := s.maxHistory * 2; len(s.History) > limit {
		s.History = append([]Message(nil), s.History[len(s.History)-limit:]...)
	}
	s.Touch()
}

// SetFile replaces the file context as a consistent group and recomputes
// the content fingerprint. Preview pages must be regenerated by the caller
// after any content change.
func (s *Session) SetFile(path, content, name, fileType string) {
	s.FilePath = path
	s.FileContent = content
	s.FileName = name
	s.FileType = fileType
	s.ContentHash = s.computeHash()
	s.Touch()
}

// SetFileContent replaces only the document text, keeping the rest of the
// file context, and recomputes the fingerprint.
func (s *Session) SetFileContent(content string) {
	s.FileContent = content
	s.ContentHash = s.computeHash()
	s.Touch()
}

// HasFile reports whether the session holds an active document.
func (s *Session) HasFile() bool {
	return s.FileContent != "" || s.FilePath != ""
}

// ClearFileContext drops the file context together with everything derived
// from it: pending creation state, focus, preview, todos, and all cache
// fields. Partial clears would leave stale derived state, so this is the
// only way to remove a file.
func (s *Session) ClearFileContext() {
	s.FilePath = ""
	s.FileContent = ""
	s.FileName = ""
	s.FileType = ""
	s.PendingContent = ""
	s.PendingDocType = ""
	s.PendingTemplate = ""
	s.CurrentSheet = ""
	s.CurrentCell = ""
	s.CurrentSlide = 0
	s.ClearPreview()
	s.Todos = nil
	s.clearCache()
}

// Reset clears the whole session back to idle. The language preference is
// preserved.
func (s *Session) Reset() {
	s.State = StateIdle
	s.ClearFileContext()
	s.History = nil
}

// ComputeContentHash fingerprints document content together with its
// format tag. The digest is truncated: this is a cache key, not a
// security boundary.
func ComputeContentHash(fileType, content string) string {
	if content == "" {
		return ""
	}
	if fileType == "" {
		fileType = "txt"
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", fileType, content)))
	return hex.EncodeToString(sum[:])[:16]
}

func (s *Session) computeHash() string {
	return ComputeContentHash(s.FileType, s.FileContent)
}

// AnalysisCacheValid reports whether the cached analysis still matches the
// current content.
func (s *Session) AnalysisCacheValid() bool {
	return s.ContentHash != "" && s.AnalysisHash == s.ContentHash
}

// AnalysisOutdated reports whether an analysis exists but no longer
// matches the current content.
func (s *Session) AnalysisOutdated() bool {
	return s.AnalysisHash != "" && len(s.Todos) > 0 && !s.AnalysisCacheValid()
}

// StampAnalysisCache records the current fingerprint as analyzed.
func (s *Session) StampAnalysisCache() {
	s.AnalysisHash = s.ContentHash
}

// CachedTranslation returns the translation for the current content and
// target language, if one was cached for this exact fingerprint.
func (s *Session) CachedTranslation(targetLang string) (string, bool) {
	if s.ContentHash == "" {
		return "", false
	}
	text, ok := s.Translations[s.ContentHash+"_"+targetLang]
	return text, ok
}

// SetCachedTranslation stores a translation keyed by the current
// fingerprint and target language. Entries for older fingerprints are
// retained but never again returned; sessions are bounded and swept.
func (s *Session) SetCachedTranslation(targetLang, text string) {
	if s.ContentHash == "" {
		return
	}
	if s.Translations == nil {
		s.Translations = make(map[string]string)
	}
	s.Translations[s.ContentHash+"_"+targetLang] = text
}

// CachedSummary returns the summary if it matches the current content.
func (s *Session) CachedSummary() (string, bool) {
	if s.ContentHash != "" && s.SummaryHash == s.ContentHash {
		return s.Summary, true
	}
	return "", false
}

// SetCachedSummary stores a summary stamped with the current fingerprint.
func (s *Session) SetCachedSummary(text string) {
	s.SummaryHash = s.ContentHash
	s.Summary = text
}

func (s *Session) clearCache() {
	s.ContentHash = ""
	s.AnalysisHash = ""
	s.Translations = make(map[string]string)
	s.SummaryHash = ""
	s.Summary = ""
}

// AddTodos appends suggestions to the session.
func (s *Session) AddTodos(todos ...Todo) {
	s.Todos = append(s.Todos, todos...)
	s.Touch()
}

// TodoByID returns a pointer to the suggestion with the given ID, or nil.
func (s *Session) TodoByID(id string) *Todo {
	for i := range s.Todos {
		if s.Todos[i].ID == id {
			return &s.Todos[i]
		}
	}
	return nil
}

// PendingTodos returns all suggestions not yet executed.
func (s *Session) PendingTodos() []Todo {
	var out []Todo
	for _, t := range s.Todos {
		if !t.Executed {
			out = append(out, t)
		}
	}
	return out
}

// MarkTodoExecuted marks one suggestion executed. It reports whether the
// suggestion was found.
func (s *Session) MarkTodoExecuted(id, result string) bool {
	t := s.TodoByID(id)
	if t == nil {
		return false
	}
	t.MarkExecuted(result)
	s.Touch()
	return true
}

// MarkAllTodosExecuted marks every pending suggestion executed and returns
// the count.
func (s *Session) MarkAllTodosExecuted() int {
	count := 0
	for i := range s.Todos {
		if !s.Todos[i].Executed {
			s.Todos[i].MarkExecuted("")
			count++
		}
	}
	s.Touch()
	return count
}

// SetPreviewContent splits content into pages and resets the cursor to the
// first page. Pagination is a pure function of the content and page size;
// callers must call this again after any content change. Returns the page
// count.
func (s *Session) SetPreviewContent(content string) int {
	s.PreviewPages = paginate(content, s.previewPageSize)
	s.PreviewPage = 0
	s.Touch()
	return len(s.PreviewPages)
}

// PreviewPageAt moves the cursor to the given 1-based page, clamped to the
// valid range, and returns (content, current 1-based page, total pages).
func (s *Session) PreviewPageAt(page int) (string, int, int) {
	if len(s.PreviewPages) == 0 {
		return "", 0, 0
	}
	idx := page - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(s.PreviewPages)-1 {
		idx = len(s.PreviewPages) - 1
	}
	s.PreviewPage = idx
	return s.PreviewPages[idx], idx + 1, len(s.PreviewPages)
}

// CurrentPreviewPage returns the page under the cursor without moving it.
func (s *Session) CurrentPreviewPage() (string, int, int) {
	if len(s.PreviewPages) == 0 {
		return "", 0, 0
	}
	return s.PreviewPages[s.PreviewPage], s.PreviewPage + 1, len(s.PreviewPages)
}

// NextPreviewPage advances the cursor if possible and returns the page.
func (s *Session) NextPreviewPage() (string, int, int) {
	if s.PreviewPage < len(s.PreviewPages)-1 {
		s.PreviewPage++
	}
	return s.CurrentPreviewPage()
}

// PreviousPreviewPage rewinds the cursor if possible and returns the page.
func (s *Session) PreviousPreviewPage() (string, int, int) {
	if s.PreviewPage > 0 {
		s.PreviewPage--
	}
	return s.CurrentPreviewPage()
}

// ClearPreview drops all preview pages and resets the cursor.
func (s *Session) ClearPreview() {
	s.PreviewPages = nil
	s.PreviewPage = 0
}
