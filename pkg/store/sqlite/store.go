// Package sqlite provides SQLite storage for the assistant core. It is
// the default backend: a single-file durable store owned by exactly one
// process.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/docpilot/core/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeFormat is the persisted timestamp layout. UTC RFC3339 text keeps
// lexicographic order aligned with chronological order, which the idle
// and retention cutoff queries rely on.
const timeFormat = time.RFC3339

// userColumns lists columns returned by user SELECT queries.
var userColumns = []string{
	"user_id", "username", "language", "is_vip", "is_banned", "banned_at",
	"request_count", "request_month", "first_request_at", "last_request_at",
	"created_at", "updated_at",
}

// sessionColumns lists columns returned by session SELECT queries.
var sessionColumns = []string{
	"user_id", "state", "language", "file_name", "file_type", "file_content",
	"file_path", "pending_content", "pending_doc_type", "pending_template",
	"conversation_history", "todos", "preview_pages", "preview_current_page",
	"current_sheet", "current_cell", "current_slide_index", "content_hash",
	"cached_analysis_hash", "cached_translation", "cached_summary_hash",
	"cached_summary", "last_activity", "created_at",
}

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database file at path, applies performance
// pragmas, and runs pending migrations. The special path ":memory:" opens
// an ephemeral in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// runMigrations applies all pending migrations. It is idempotent.
func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite driver: %w", err)
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetUser returns the user record, or nil, nil if absent.
func (s *Store) GetUser(ctx context.Context, userID int64) (*store.UserRecord, error) {
	if userID <= 0 {
		return nil, store.ErrInvalidUserID
	}

	query, args, err := sq.Select(userColumns...).From("users").
		Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building user query: %w", err)
	}

	rec, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // store.Store specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return rec, nil
}

// UpsertUser creates the record if absent, applies the typed partial
// update, and returns the result.
func (s *Store) UpsertUser(ctx context.Context, userID int64, upd store.UserUpdate) (*store.UserRecord, error) {
	if userID <= 0 {
		return nil, store.ErrInvalidUserID
	}

	now := time.Now().UTC().Format(timeFormat)

	existing, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO users (user_id, created_at, updated_at) VALUES (?, ?, ?)`,
			userID, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting user: %w", err)
		}
	}

	qb := applyUserUpdate(sq.Update("users"), upd)
	qb = qb.Set("updated_at", now).Where(sq.Eq{"user_id": userID})
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building user update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("updating user: %w", err)
	}

	return s.GetUser(ctx, userID)
}

// applyUserUpdate adds SET clauses for every field present in the update.
// The update struct is the column allow-list; nothing else can reach a
// SET clause.
func applyUserUpdate(qb sq.UpdateBuilder, upd store.UserUpdate) sq.UpdateBuilder {
	if upd.Username != nil {
		qb = qb.Set("username", *upd.Username)
	}
	if upd.Language != nil {
		qb = qb.Set("language", *upd.Language)
	}
	if upd.IsVIP != nil {
		qb = qb.Set("is_vip", *upd.IsVIP)
	}
	if upd.IsBanned != nil {
		qb = qb.Set("is_banned", *upd.IsBanned)
	}
	if upd.BannedAt != nil {
		qb = qb.Set("banned_at", fmtNullTime(*upd.BannedAt))
	}
	if upd.RequestCount != nil {
		qb = qb.Set("request_count", *upd.RequestCount)
	}
	if upd.RequestMonth != nil {
		qb = qb.Set("request_month", *upd.RequestMonth)
	}
	if upd.FirstRequestAt != nil {
		qb = qb.Set("first_request_at", fmtNullTime(*upd.FirstRequestAt))
	}
	if upd.LastRequestAt != nil {
		qb = qb.Set("last_request_at", fmtNullTime(*upd.LastRequestAt))
	}
	return qb
}

// ListUsers returns all user records.
func (s *Store) ListUsers(ctx context.Context) ([]*store.UserRecord, error) {
	query, args, err := sq.Select(userColumns...).From("users").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building users query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*store.UserRecord
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// DeleteUser removes the user record together with any session it owns.
func (s *Store) DeleteUser(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return store.ErrInvalidUserID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deleting user session: %w", err)
	}
	return tx.Commit()
}

// UserStats aggregates user counts for the given month key.
func (s *Store) UserStats(ctx context.Context, month string) (*store.UserStats, error) {
	stats := &store.UserStats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(is_vip), 0),
		       COALESCE(SUM(is_banned), 0)
		FROM users
	`)
	if err := row.Scan(&stats.TotalUsers, &stats.VIPCount, &stats.BannedCount); err != nil {
		return nil, fmt.Errorf("counting users: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(request_count), 0) FROM users WHERE request_month = ?`, month)
	if err := row.Scan(&stats.MonthRequests); err != nil {
		return nil, fmt.Errorf("summing requests: %w", err)
	}
	return stats, nil
}

// GetSession returns the session snapshot, or nil, nil if absent.
func (s *Store) GetSession(ctx context.Context, userID int64) (*store.SessionRecord, error) {
	if userID <= 0 {
		return nil, store.ErrInvalidUserID
	}

	query, args, err := sq.Select(sessionColumns...).From("sessions").
		Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	rec, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // store.Store specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return rec, nil
}

// SaveSession writes the full session snapshot, replacing any existing
// row for the user.
func (s *Store) SaveSession(ctx context.Context, rec *store.SessionRecord) error {
	if rec.UserID <= 0 {
		return store.ErrInvalidUserID
	}

	query, args, err := sq.Insert("sessions").
		Options("OR REPLACE").
		Columns(sessionColumns...).
		Values(
			rec.UserID, rec.State, rec.Language, rec.FileName, rec.FileType,
			rec.FileContent, rec.FilePath, rec.PendingContent, rec.PendingDocType,
			rec.PendingTemplate, string(rec.HistoryJSON), string(rec.TodosJSON),
			string(rec.PreviewPagesJSON), rec.PreviewPage, rec.CurrentSheet,
			rec.CurrentCell, rec.CurrentSlide, rec.ContentHash, rec.AnalysisHash,
			string(rec.TranslationsJSON), rec.SummaryHash, rec.Summary,
			fmtTime(rec.LastActivity), fmtTime(rec.CreatedAt),
		).ToSql()
	if err != nil {
		return fmt.Errorf("building session upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// DeleteSession removes the session snapshot.
func (s *Store) DeleteSession(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return store.ErrInvalidUserID
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ListSessionIDs returns the user IDs of all stored sessions.
func (s *Store) ListSessionIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session ids: %w", err)
	}
	return ids, nil
}

// DeleteSessionsIdleSince removes sessions whose last activity precedes
// cutoff and returns the number removed.
func (s *Store) DeleteSessionsIdleSince(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_activity < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting idle sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted sessions: %w", err)
	}
	return int(n), nil
}

// SessionStats returns session counts grouped by state name.
func (s *Store) SessionStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM sessions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[string]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scanning session stats: %w", err)
		}
		stats[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session stats: %w", err)
	}
	return stats, nil
}

// LogActivity appends one entry to the activity log.
func (s *Store) LogActivity(ctx context.Context, e store.ActivityEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, timestamp, user_id, username, action, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, fmtTime(e.Timestamp), e.UserID, e.Username, e.Action, e.Details,
	)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}
	return nil
}

// RecentActivity returns up to limit entries, newest first.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]store.ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, user_id, username, action, details
		FROM activity_log ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []store.ActivityEntry
	for rows.Next() {
		var e store.ActivityEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.UserID, &e.Username, &e.Action, &e.Details); err != nil {
			return nil, fmt.Errorf("scanning activity row: %w", err)
		}
		e.Timestamp = parseTime(ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity rows: %w", err)
	}
	return entries, nil
}

// PurgeActivity deletes entries older than the cutoff and returns the
// number removed.
func (s *Store) PurgeActivity(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM activity_log WHERE timestamp < ?`, fmtTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purging activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged activity: %w", err)
	}
	return int(n), nil
}

func scanUser(row interface{ Scan(...any) error }) (*store.UserRecord, error) {
	var rec store.UserRecord
	var bannedAt, firstReq, lastReq sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&rec.UserID, &rec.Username, &rec.Language, &rec.IsVIP, &rec.IsBanned,
		&bannedAt, &rec.RequestCount, &rec.RequestMonth, &firstReq, &lastReq,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.BannedAt = parseNullTime(bannedAt)
	rec.FirstRequestAt = parseNullTime(firstReq)
	rec.LastRequestAt = parseNullTime(lastReq)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func scanSession(row interface{ Scan(...any) error }) (*store.SessionRecord, error) {
	var rec store.SessionRecord
	var history, todos, pages, translations sql.NullString
	var lastActivity, createdAt string

	err := row.Scan(
		&rec.UserID, &rec.State, &rec.Language, &rec.FileName, &rec.FileType,
		&rec.FileContent, &rec.FilePath, &rec.PendingContent, &rec.PendingDocType,
		&rec.PendingTemplate, &history, &todos, &pages, &rec.PreviewPage,
		&rec.CurrentSheet, &rec.CurrentCell, &rec.CurrentSlide, &rec.ContentHash,
		&rec.AnalysisHash, &translations, &rec.SummaryHash, &rec.Summary,
		&lastActivity, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.HistoryJSON = []byte(history.String)
	rec.TodosJSON = []byte(todos.String)
	rec.PreviewPagesJSON = []byte(pages.String)
	rec.TranslationsJSON = []byte(translations.String)
	rec.LastActivity = parseTime(lastActivity)
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func fmtNullTime(nt sql.NullTime) any {
	if !nt.Valid {
		return nil
	}
	return fmtTime(nt.Time)
}

// parseTime decodes a persisted timestamp. Malformed input yields the
// zero time; callers upstream substitute a safe default.
func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

// Verify interface compliance.
var _ store.Store = (*Store)(nil)
