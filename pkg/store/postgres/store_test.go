package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpilot/core/pkg/store"
)

const testUserID = int64(42)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func userRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"user_id", "username", "language", "is_vip", "is_banned", "banned_at",
		"request_count", "request_month", "first_request_at", "last_request_at",
		"created_at", "updated_at",
	}).AddRow(testUserID, "alice", "en", false, false, nil, 3, "2026-08", now, now, now, now)
}

func TestGetUser(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().Truncate(time.Second)

	mock.ExpectQuery("SELECT (.+) FROM users WHERE user_id = \\$1").
		WithArgs(testUserID).
		WillReturnRows(userRows(now))

	rec, err := s.GetUser(context.Background(), testUserID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.Username)
	assert.Equal(t, 3, rec.RequestCount)
	assert.Nil(t, rec.BannedAt)
	require.NotNil(t, rec.FirstRequestAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUser_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM users").
		WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	rec, err := s.GetUser(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUser_InvalidID(t *testing.T) {
	s, _ := newMockStore(t)

	_, err := s.GetUser(context.Background(), -1)
	assert.ErrorIs(t, err, store.ErrInvalidUserID)
}

func TestUpsertUser(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().Truncate(time.Second)

	mock.ExpectExec("INSERT INTO users").
		WithArgs(testUserID).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE users SET").
		WithArgs("alice", true, testUserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM users").
		WithArgs(testUserID).
		WillReturnRows(userRows(now))

	username := "alice"
	vip := true
	rec, err := s.UpsertUser(context.Background(), testUserID, store.UserUpdate{
		Username: &username,
		IsVIP:    &vip,
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertUser_InsertFails(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO users").
		WithArgs(testUserID).
		WillReturnError(assert.AnError)

	_, err := s.UpsertUser(context.Background(), testUserID, store.UserUpdate{})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUser_RemovesSessionInTx(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM users WHERE user_id = \\$1").
		WithArgs(testUserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM sessions WHERE user_id = \\$1").
		WithArgs(testUserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteUser(context.Background(), testUserID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStats(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\)").
		WillReturnRows(sqlmock.NewRows([]string{"count", "vip", "banned"}).AddRow(10, 2, 1))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(request_count\\), 0\\)").
		WithArgs("2026-08").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(57))

	stats, err := s.UserStats(context.Background(), "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.TotalUsers)
	assert.Equal(t, 2, stats.VIPCount)
	assert.Equal(t, 1, stats.BannedCount)
	assert.Equal(t, 57, stats.MonthRequests)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func sessionRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"user_id", "state", "language", "file_name", "file_type", "file_content",
		"file_path", "pending_content", "pending_doc_type", "pending_template",
		"conversation_history", "todos", "preview_pages", "preview_current_page",
		"current_sheet", "current_cell", "current_slide_index", "content_hash",
		"cached_analysis_hash", "cached_translation", "cached_summary_hash",
		"cached_summary", "last_activity", "created_at",
	}).AddRow(testUserID, "CHATTING", "en", "a.docx", "docx", "content",
		"/docs/a.docx", "", "", "",
		[]byte(`[{"role":"user","content":"hi"}]`), []byte(`[]`), []byte(`["p1"]`), 0,
		"", "", 0, "hash1234hash1234",
		"hash1234hash1234", []byte(`{}`), "",
		"", now, now)
}

func TestGetSession(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().Truncate(time.Second)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE user_id = \\$1").
		WithArgs(testUserID).
		WillReturnRows(sessionRows(now))

	rec, err := s.GetSession(context.Background(), testUserID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "CHATTING", rec.State)
	assert.Equal(t, "hash1234hash1234", rec.ContentHash)
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, string(rec.HistoryJSON))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	rec, err := s.GetSession(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSession_Upsert(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().Truncate(time.Second)

	rec := &store.SessionRecord{
		UserID:       testUserID,
		State:        "IDLE",
		Language:     "en",
		HistoryJSON:  []byte(`[]`),
		LastActivity: now,
		CreatedAt:    now,
	}

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.SaveSession(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSession_InvalidID(t *testing.T) {
	s, _ := newMockStore(t)

	err := s.SaveSession(context.Background(), &store.SessionRecord{UserID: 0})
	assert.ErrorIs(t, err, store.ErrInvalidUserID)
}

func TestDeleteSessionsIdleSince(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().Add(-time.Hour)

	mock.ExpectExec("DELETE FROM sessions WHERE last_activity < \\$1").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.DeleteSessionsIdleSince(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStats(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT state, COUNT\\(\\*\\) FROM sessions GROUP BY state").
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).
			AddRow("IDLE", 5).
			AddRow("CHATTING", 2))

	stats, err := s.SessionStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"IDLE": 5, "CHATTING": 2}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogActivityAndRecent(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().Truncate(time.Second)

	entry := store.ActivityEntry{
		ID: "e1", Timestamp: now, UserID: testUserID,
		Username: "alice", Action: "chat", Details: "hello",
	}

	mock.ExpectExec("INSERT INTO activity_log").
		WithArgs(entry.ID, entry.Timestamp, entry.UserID, entry.Username, entry.Action, entry.Details).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.LogActivity(context.Background(), entry))

	mock.ExpectQuery("SELECT id, timestamp, user_id, username, action, details").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "timestamp", "user_id", "username", "action", "details"}).
			AddRow("e1", now, testUserID, "alice", "chat", "hello"))

	entries, err := s.RecentActivity(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chat", entries[0].Action)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeActivity(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().Add(-90 * 24 * time.Hour)

	mock.ExpectExec("DELETE FROM activity_log WHERE timestamp < \\$1").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := s.PurgeActivity(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
