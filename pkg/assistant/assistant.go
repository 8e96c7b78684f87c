// Package assistant orchestrates a single user interaction: abuse check,
// session resolution, quota enforcement, cache lookup, and finally the AI
// backend call, with every externally visible mutation persisted
// write-through.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docpilot/core/pkg/abuse"
	"github.com/docpilot/core/pkg/quota"
	"github.com/docpilot/core/pkg/session"
	"github.com/docpilot/core/pkg/store"
)

// Sentinel errors for tier-specific, actionable denials. Everything else
// surfaces as a generic failure.
var (
	ErrRateLimited = errors.New("too many requests, slow down")
	ErrBanned      = errors.New("user is banned")
	ErrNoDocument  = errors.New("no document loaded")
)

// QuotaExceededError carries what the user needs to act on: how much is
// left (zero) and when the counter resets.
type QuotaExceededError struct {
	Remaining int
	ResetDate time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly quota exhausted, resets %s", e.ResetDate.Format("2006-01-02"))
}

// AIBackend generates a completion for a prompt given prior conversation
// history.
type AIBackend interface {
	Generate(ctx context.Context, prompt string, history []session.Message) (string, error)
}

// DocumentService reads and writes document files on behalf of the user.
type DocumentService interface {
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path, content, format string) error
}

// Assistant is the per-process interaction orchestrator. Construct one
// and share it; all state lives in the collaborators.
type Assistant struct {
	sessions *session.Manager
	ledger   *quota.Ledger
	guard    *abuse.Guard
	backend  AIBackend
	docs     DocumentService
	store    store.Store
}

// New wires an Assistant from its collaborators.
func New(sessions *session.Manager, ledger *quota.Ledger, guard *abuse.Guard, backend AIBackend, docs DocumentService, st store.Store) *Assistant {
	return &Assistant{
		sessions: sessions,
		ledger:   ledger,
		guard:    guard,
		backend:  backend,
		docs:     docs,
		store:    st,
	}
}

// Gate runs the per-interaction admission checks and resolves the
// session: abuse window first, then ban status, then session lookup.
// It returns ErrRateLimited or ErrBanned on denial.
func (a *Assistant) Gate(ctx context.Context, userID int64) (*session.Session, error) {
	if !a.guard.Check(userID) {
		return nil, ErrRateLimited
	}

	banned, err := a.ledger.IsBanned(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("checking ban status: %w", err)
	}
	if banned {
		return nil, ErrBanned
	}

	sess, err := a.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}
	return sess, nil
}

// chargeQuota spends one quota-charged request or returns the
// appropriate denial error.
func (a *Assistant) chargeQuota(ctx context.Context, userID int64) error {
	ok, err := a.ledger.RecordRequest(ctx, userID)
	if err != nil {
		return fmt.Errorf("charging quota: %w", err)
	}
	if !ok {
		st, serr := a.ledger.GetStatus(ctx, userID)
		if serr != nil {
			return fmt.Errorf("charging quota: %w", serr)
		}
		if st.Tier == quota.TierBanned {
			return ErrBanned
		}
		return &QuotaExceededError{Remaining: st.Remaining, ResetDate: st.ResetDate}
	}
	return nil
}

// Chat runs one quota-charged conversational turn. Both the user message
// and the AI reply are appended to history; an Idle session moves to
// Chatting. A backend failure leaves the session unchanged.
func (a *Assistant) Chat(ctx context.Context, userID int64, text string) (string, error) {
	sess, err := a.Gate(ctx, userID)
	if err != nil {
		return "", err
	}
	if err := a.chargeQuota(ctx, userID); err != nil {
		return "", err
	}

	prompt := text
	if sess.FileContent != "" {
		prompt = fmt.Sprintf("Document %q (%s):\n%s\n\nUser: %s",
			sess.FileName, sess.FileType, sess.FileContent, text)
	}

	reply, err := a.backend.Generate(ctx, prompt, sess.History)
	if err != nil {
		slog.Error("ai backend failed", "user_id", userID, "err", err)
		return "", fmt.Errorf("generating reply: %w", err)
	}

	body, doc := extractDocBlock(reply)
	sess.AddMessage(session.RoleUser, text)
	sess.AddMessage(session.RoleAssistant, body)
	if doc != "" {
		sess.PendingContent = doc
	}
	if sess.State == session.StateIdle {
		sess.State = session.StateChatting
	}
	sess.Touch()

	if err := a.sessions.Persist(ctx, sess); err != nil {
		return "", fmt.Errorf("persisting session: %w", err)
	}
	a.logActivity(ctx, userID, "chat", text)
	return body, nil
}

// Analyze inspects the loaded document and returns actionable todos.
// A valid analysis cache short-circuits: the existing todos come back
// with no quota charge and no backend call.
func (a *Assistant) Analyze(ctx context.Context, userID int64) ([]session.Todo, error) {
	sess, err := a.Gate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.FileContent == "" {
		return nil, ErrNoDocument
	}

	if sess.AnalysisCacheValid() {
		slog.Debug("analysis cache hit", "user_id", userID, "hash", sess.ContentHash)
		a.logActivity(ctx, userID, "analyze_cached", sess.FileName)
		return sess.Todos, nil
	}

	if err := a.chargeQuota(ctx, userID); err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(
		"Analyze this %s document and list concrete improvements, one per line:\n\n%s",
		sess.FileType, sess.FileContent)
	reply, err := a.backend.Generate(ctx, prompt, nil)
	if err != nil {
		slog.Error("ai backend failed", "user_id", userID, "err", err)
		return nil, fmt.Errorf("analyzing document: %w", err)
	}

	sess.Todos = parseTodos(reply)
	sess.StampAnalysisCache()
	sess.Touch()
	if err := a.sessions.Persist(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}
	a.logActivity(ctx, userID, "analyze", sess.FileName)
	return sess.Todos, nil
}

// Translate returns the loaded document translated into targetLang,
// cached per content hash and target language.
func (a *Assistant) Translate(ctx context.Context, userID int64, targetLang string) (string, error) {
	sess, err := a.Gate(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess.FileContent == "" {
		return "", ErrNoDocument
	}

	if cached, ok := sess.CachedTranslation(targetLang); ok {
		slog.Debug("translation cache hit", "user_id", userID, "lang", targetLang)
		a.logActivity(ctx, userID, "translate_cached", targetLang)
		return cached, nil
	}

	if err := a.chargeQuota(ctx, userID); err != nil {
		return "", err
	}

	prompt := fmt.Sprintf("Translate the following document into %s. Output only the translation:\n\n%s",
		targetLang, sess.FileContent)
	reply, err := a.backend.Generate(ctx, prompt, nil)
	if err != nil {
		slog.Error("ai backend failed", "user_id", userID, "err", err)
		return "", fmt.Errorf("translating document: %w", err)
	}

	sess.SetCachedTranslation(targetLang, reply)
	sess.Touch()
	if err := a.sessions.Persist(ctx, sess); err != nil {
		return "", fmt.Errorf("persisting session: %w", err)
	}
	a.logActivity(ctx, userID, "translate", targetLang)
	return reply, nil
}

// Summarize returns a summary of the loaded document, cached per content
// hash.
func (a *Assistant) Summarize(ctx context.Context, userID int64) (string, error) {
	sess, err := a.Gate(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess.FileContent == "" {
		return "", ErrNoDocument
	}

	if cached, ok := sess.CachedSummary(); ok {
		slog.Debug("summary cache hit", "user_id", userID, "hash", sess.ContentHash)
		a.logActivity(ctx, userID, "summarize_cached", sess.FileName)
		return cached, nil
	}

	if err := a.chargeQuota(ctx, userID); err != nil {
		return "", err
	}

	prompt := fmt.Sprintf("Summarize the following document concisely:\n\n%s", sess.FileContent)
	reply, err := a.backend.Generate(ctx, prompt, nil)
	if err != nil {
		slog.Error("ai backend failed", "user_id", userID, "err", err)
		return "", fmt.Errorf("summarizing document: %w", err)
	}

	sess.SetCachedSummary(reply)
	sess.Touch()
	if err := a.sessions.Persist(ctx, sess); err != nil {
		return "", fmt.Errorf("persisting session: %w", err)
	}
	a.logActivity(ctx, userID, "summarize", sess.FileName)
	return reply, nil
}

// UploadDocument reads a document through the DocumentService and makes
// it the session's file context. The content hash is recomputed and the
// preview is regenerated; stale cached outputs become invalid by hash
// mismatch.
func (a *Assistant) UploadDocument(ctx context.Context, userID int64, path, name, fileType string) (*session.Session, error) {
	sess, err := a.Gate(ctx, userID)
	if err != nil {
		return nil, err
	}

	content, err := a.docs.Read(ctx, path)
	if err != nil {
		slog.Error("document read failed", "user_id", userID, "path", path, "err", err)
		return nil, fmt.Errorf("reading document: %w", err)
	}

	sess.SetFile(path, content, name, fileType)
	sess.SetPreviewContent(content)
	sess.State = session.StateAwaitingInstruction
	sess.Touch()
	if err := a.sessions.Persist(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}
	a.logActivity(ctx, userID, "upload", name)
	return sess, nil
}

// SaveDocument writes the session's pending content (or current file
// content when nothing is pending) back through the DocumentService.
func (a *Assistant) SaveDocument(ctx context.Context, userID int64) error {
	sess, err := a.Gate(ctx, userID)
	if err != nil {
		return err
	}
	content := sess.PendingContent
	if content == "" {
		content = sess.FileContent
	}
	if content == "" {
		return ErrNoDocument
	}

	if err := a.docs.Write(ctx, sess.FilePath, content, sess.FileType); err != nil {
		slog.Error("document write failed", "user_id", userID, "path", sess.FilePath, "err", err)
		return fmt.Errorf("writing document: %w", err)
	}

	if sess.PendingContent != "" {
		sess.SetFileContent(sess.PendingContent)
		sess.PendingContent = ""
	}
	sess.Touch()
	if err := a.sessions.Persist(ctx, sess); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	a.logActivity(ctx, userID, "save", sess.FileName)
	return nil
}

// Preview returns one preview page of the loaded document. page is
// 1-based; zero returns the page under the cursor. The cursor position is
// persisted so navigation survives restarts.
func (a *Assistant) Preview(ctx context.Context, userID int64, page int) (content string, current, total int, err error) {
	sess, err := a.Gate(ctx, userID)
	if err != nil {
		return "", 0, 0, err
	}
	if len(sess.PreviewPages) == 0 {
		return "", 0, 0, ErrNoDocument
	}

	if page == 0 {
		content, current, total = sess.CurrentPreviewPage()
	} else {
		content, current, total = sess.PreviewPageAt(page)
	}
	sess.Touch()
	if err := a.sessions.Persist(ctx, sess); err != nil {
		return "", 0, 0, fmt.Errorf("persisting session: %w", err)
	}
	return content, current, total, nil
}

// logActivity appends to the activity log. Failures are logged and
// swallowed: the log is an audit trail, not part of the operation.
func (a *Assistant) logActivity(ctx context.Context, userID int64, action, details string) {
	entry := store.ActivityEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Action:    action,
		Details:   details,
	}
	if err := a.store.LogActivity(ctx, entry); err != nil {
		slog.Warn("activity log write failed", "user_id", userID, "action", action, "err", err)
	}
}
