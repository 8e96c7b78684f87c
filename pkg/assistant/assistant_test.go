package assistant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpilot/core/pkg/abuse"
	"github.com/docpilot/core/pkg/quota"
	"github.com/docpilot/core/pkg/session"
	"github.com/docpilot/core/pkg/store/storetest"
)

const testUserID = int64(11)

// scriptedBackend returns a fixed reply and counts calls.
type scriptedBackend struct {
	reply string
	err   error
	calls int
}

func (b *scriptedBackend) Generate(_ context.Context, _ string, _ []session.Message) (string, error) {
	b.calls++
	if b.err != nil {
		return "", b.err
	}
	return b.reply, nil
}

// memDocs is a DocumentService over a map.
type memDocs struct {
	files map[string]string
}

func (d *memDocs) Read(_ context.Context, path string) (string, error) {
	content, ok := d.files[path]
	if !ok {
		return "", errors.New("no such document")
	}
	return content, nil
}

func (d *memDocs) Write(_ context.Context, path, content, _ string) error {
	d.files[path] = content
	return nil
}

type fixture struct {
	core    *Assistant
	store   *storetest.Store
	backend *scriptedBackend
	docs    *memDocs
	ledger  *quota.Ledger
	manager *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.New()
	manager := session.NewManager(st, session.ManagerConfig{})
	t.Cleanup(func() { _ = manager.Close() })

	ledger := quota.NewLedger(st, quota.Config{MonthlyLimit: 100})
	// High ceilings so only the throttling tests hit the guard.
	guard := abuse.NewGuard(abuse.Config{PerMinute: 1000, Burst: 1000})
	backend := &scriptedBackend{reply: "hello there"}
	docs := &memDocs{files: map[string]string{"report.txt": "quarterly numbers\n\ndetails follow"}}

	return &fixture{
		core:    New(manager, ledger, guard, backend, docs, st),
		store:   st,
		backend: backend,
		docs:    docs,
		ledger:  ledger,
		manager: manager,
	}
}

func (f *fixture) upload(t *testing.T) *session.Session {
	t.Helper()
	sess, err := f.core.UploadDocument(context.Background(), testUserID, "report.txt", "report.txt", "txt")
	require.NoError(t, err)
	return sess
}

func TestAssistant_ChatFirstMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.core.Chat(ctx, testUserID, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply)

	sess, err := f.manager.GetIfExists(ctx, testUserID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, session.StateChatting, sess.State)
	require.Len(t, sess.History, 2)
	assert.Equal(t, session.RoleUser, sess.History[0].Role)
	assert.Equal(t, session.RoleAssistant, sess.History[1].Role)

	rec, err := f.store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RequestCount)

	activity := f.store.Activity()
	require.Len(t, activity, 1)
	assert.Equal(t, "chat", activity[0].Action)
}

func TestAssistant_ChatExtractsDocBlock(t *testing.T) {
	f := newFixture(t)
	f.backend.reply = "Here is the edit.\n[DOC]new document text[/DOC]\nAnything else?"

	_, err := f.core.Chat(context.Background(), testUserID, "rewrite it")
	require.NoError(t, err)

	sess, err := f.manager.GetIfExists(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, "new document text", sess.PendingContent)
	assert.NotContains(t, sess.History[1].Content, "[DOC]")
}

func TestAssistant_AnalyzeUsesCache(t *testing.T) {
	f := newFixture(t)
	f.backend.reply = "- tighten the intro\n- add a summary table\nnot a list line"
	ctx := context.Background()

	f.upload(t)

	todos, err := f.core.Analyze(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, todos, 2)
	assert.Equal(t, 1, f.backend.calls)

	again, err := f.core.Analyze(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, todos, again)
	assert.Equal(t, 1, f.backend.calls, "cache hit makes no backend call")

	rec, err := f.store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RequestCount, "cache hit charges no quota")
}

func TestAssistant_AnalyzeInvalidatedByContentChange(t *testing.T) {
	f := newFixture(t)
	f.backend.reply = "- fix the heading"
	ctx := context.Background()

	f.upload(t)
	_, err := f.core.Analyze(ctx, testUserID)
	require.NoError(t, err)

	f.docs.files["report.txt"] = "entirely new content"
	f.upload(t)

	_, err = f.core.Analyze(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.backend.calls, "new fingerprint forces a fresh analysis")
}

func TestAssistant_AnalyzeWithoutDocument(t *testing.T) {
	f := newFixture(t)

	_, err := f.core.Analyze(context.Background(), testUserID)
	assert.ErrorIs(t, err, ErrNoDocument)
}

func TestAssistant_TranslateCachedPerLanguage(t *testing.T) {
	f := newFixture(t)
	f.backend.reply = "angka kuartalan"
	ctx := context.Background()

	f.upload(t)

	got, err := f.core.Translate(ctx, testUserID, "id")
	require.NoError(t, err)
	assert.Equal(t, "angka kuartalan", got)
	assert.Equal(t, 1, f.backend.calls)

	got, err = f.core.Translate(ctx, testUserID, "id")
	require.NoError(t, err)
	assert.Equal(t, "angka kuartalan", got)
	assert.Equal(t, 1, f.backend.calls, "same language is cached")

	_, err = f.core.Translate(ctx, testUserID, "fr")
	require.NoError(t, err)
	assert.Equal(t, 2, f.backend.calls, "new target language misses the cache")
}

func TestAssistant_SummarizeCached(t *testing.T) {
	f := newFixture(t)
	f.backend.reply = "numbers went up"
	ctx := context.Background()

	f.upload(t)

	sum, err := f.core.Summarize(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, "numbers went up", sum)

	_, err = f.core.Summarize(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.backend.calls)
}

func TestAssistant_BackendFailureLeavesSessionUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.core.Chat(ctx, testUserID, "hi")
	require.NoError(t, err)

	f.backend.err = errors.New("model unavailable")
	_, err = f.core.Chat(ctx, testUserID, "again")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimited)

	sess, err := f.manager.GetIfExists(ctx, testUserID)
	require.NoError(t, err)
	assert.Len(t, sess.History, 2, "failed turn appended nothing")
}

func TestAssistant_RateLimited(t *testing.T) {
	f := newFixture(t)
	st := storetest.New()
	manager := session.NewManager(st, session.ManagerConfig{})
	t.Cleanup(func() { _ = manager.Close() })
	guard := abuse.NewGuard(abuse.Config{PerMinute: 2, Burst: 2})
	core := New(manager, quota.NewLedger(st, quota.Config{}), guard, f.backend, f.docs, st)
	ctx := context.Background()

	_, err := core.Chat(ctx, testUserID, "one")
	require.NoError(t, err)
	_, err = core.Chat(ctx, testUserID, "two")
	require.NoError(t, err)

	_, err = core.Chat(ctx, testUserID, "three")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestAssistant_BannedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	changed, err := f.ledger.Ban(ctx, testUserID)
	require.NoError(t, err)
	require.True(t, changed)

	_, err = f.core.Chat(ctx, testUserID, "hi")
	assert.ErrorIs(t, err, ErrBanned)
	assert.Zero(t, f.backend.calls)
}

func TestAssistant_QuotaExhausted(t *testing.T) {
	f := newFixture(t)
	st := storetest.New()
	manager := session.NewManager(st, session.ManagerConfig{})
	t.Cleanup(func() { _ = manager.Close() })
	guard := abuse.NewGuard(abuse.Config{PerMinute: 1000, Burst: 1000})
	core := New(manager, quota.NewLedger(st, quota.Config{MonthlyLimit: 1}), guard, f.backend, f.docs, st)
	ctx := context.Background()

	_, err := core.Chat(ctx, testUserID, "one")
	require.NoError(t, err)

	_, err = core.Chat(ctx, testUserID, "two")
	var quotaErr *QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Zero(t, quotaErr.Remaining)
	assert.False(t, quotaErr.ResetDate.IsZero())
}

func TestAssistant_UploadDocument(t *testing.T) {
	f := newFixture(t)

	sess := f.upload(t)

	assert.Equal(t, session.StateAwaitingInstruction, sess.State)
	assert.Equal(t, "report.txt", sess.FileName)
	assert.NotEmpty(t, sess.ContentHash)
	assert.NotEmpty(t, sess.PreviewPages)

	rec, err := f.store.GetSession(context.Background(), testUserID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, sess.ContentHash, rec.ContentHash)
}

func TestAssistant_UploadMissingDocument(t *testing.T) {
	f := newFixture(t)

	_, err := f.core.UploadDocument(context.Background(), testUserID, "missing.txt", "missing.txt", "txt")
	assert.Error(t, err)
}

func TestAssistant_SaveDocumentWritesPendingContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.upload(t)

	f.backend.reply = "Done.\n[DOC]revised numbers[/DOC]"
	_, err := f.core.Chat(ctx, testUserID, "revise it")
	require.NoError(t, err)

	require.NoError(t, f.core.SaveDocument(ctx, testUserID))
	assert.Equal(t, "revised numbers", f.docs.files["report.txt"])

	sess, err := f.manager.GetIfExists(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, "revised numbers", sess.FileContent)
	assert.Empty(t, sess.PendingContent)
}

func TestAssistant_Preview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, _, err := f.core.Preview(ctx, testUserID, 0)
	assert.ErrorIs(t, err, ErrNoDocument)

	f.upload(t)

	content, page, total, err := f.core.Preview(ctx, testUserID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, content)
	assert.Equal(t, 1, page)
	assert.GreaterOrEqual(t, total, 1)
}

func TestAssistant_QuotaStatusAfterActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.core.Chat(ctx, testUserID, "hi")
	require.NoError(t, err)

	status, err := f.ledger.GetStatus(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, quota.TierStandard, status.Tier)
	assert.Equal(t, 1, status.Count)
	assert.Equal(t, 99, status.Remaining)
	assert.Equal(t, time.Now().UTC().Format("2006-01"), status.Month)
}

func TestExtractDocBlock(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantBody string
		wantDoc  string
	}{
		{"no block", "just a reply", "just a reply", ""},
		{"block only", "[DOC]content[/DOC]", "", "content"},
		{"block with surrounding text", "before\n[DOC]doc[/DOC]\nafter", "before\n\nafter", "doc"},
		{"multiline document", "ok\n[DOC]line one\nline two[/DOC]", "ok", "line one\nline two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, doc := extractDocBlock(tt.input)
			assert.Equal(t, tt.wantBody, body)
			assert.Equal(t, tt.wantDoc, doc)
		})
	}
}

func TestParseTodos(t *testing.T) {
	todos := parseTodos("Suggestions:\n- fix the title\n2. add citations\n* shorten intro\n\nplain prose")

	require.Len(t, todos, 3)
	assert.Equal(t, "fix the title", todos[0].DescriptionEN)
	assert.Equal(t, "add citations", todos[1].DescriptionEN)
	assert.NotEmpty(t, todos[0].ID)
	assert.NotEqual(t, todos[0].ID, todos[1].ID)
}

func TestParseTodos_Empty(t *testing.T) {
	assert.Empty(t, parseTodos("no list items here"))
	assert.Empty(t, parseTodos(""))
}

// Gate side effects: a denied user still gets no session mutation.
func TestAssistant_GateDoesNotTouchStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.Err = errors.New("db down")
	_, err := f.core.Chat(ctx, testUserID, "hi")
	require.Error(t, err)
	assert.Zero(t, f.backend.calls)

	f.store.Err = nil
	sessions, err := f.store.ListSessionIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
