// Package postgres provides PostgreSQL storage for the assistant core.
// The single-active-process ownership assumption is unchanged; this
// backend exists for deployments that already run a PostgreSQL instance.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/docpilot/core/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

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

// Store implements store.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// Config configures the PostgreSQL store.
type Config struct {
	DSN          string
	MaxOpenConns int
}

// Open connects to PostgreSQL and runs pending migrations.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// New wraps an existing connection without running migrations. Used by
// tests that mock the database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// runMigrations applies all pending migrations. It is idempotent.
func runMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
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

	query, args, err := psq.Select(userColumns...).From("users").
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	qb := applyUserUpdate(psq.Update("users"), upd)
	qb = qb.Set("updated_at", sq.Expr("NOW()")).Where(sq.Eq{"user_id": userID})
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
		qb = qb.Set("banned_at", *upd.BannedAt)
	}
	if upd.RequestCount != nil {
		qb = qb.Set("request_count", *upd.RequestCount)
	}
	if upd.RequestMonth != nil {
		qb = qb.Set("request_month", *upd.RequestMonth)
	}
	if upd.FirstRequestAt != nil {
		qb = qb.Set("first_request_at", *upd.FirstRequestAt)
	}
	if upd.LastRequestAt != nil {
		qb = qb.Set("last_request_at", *upd.LastRequestAt)
	}
	return qb
}

// ListUsers returns all user records.
func (s *Store) ListUsers(ctx context.Context) ([]*store.UserRecord, error) {
	query, args, err := psq.Select(userColumns...).From("users").ToSql()
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

	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("deleting user session: %w", err)
	}
	return tx.Commit()
}

// UserStats aggregates user counts for the given month key.
func (s *Store) UserStats(ctx context.Context, month string) (*store.UserStats, error) {
	stats := &store.UserStats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_vip),
		       COUNT(*) FILTER (WHERE is_banned)
		FROM users
	`)
	if err := row.Scan(&stats.TotalUsers, &stats.VIPCount, &stats.BannedCount); err != nil {
		return nil, fmt.Errorf("counting users: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(request_count), 0) FROM users WHERE request_month = $1`, month)
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

	query, args, err := psq.Select(sessionColumns...).From("sessions").
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

	query := `
		INSERT INTO sessions (
			user_id, state, language, file_name, file_type, file_content,
			file_path, pending_content, pending_doc_type, pending_template,
			conversation_history, todos, preview_pages, preview_current_page,
			current_sheet, current_cell, current_slide_index, content_hash,
			cached_analysis_hash, cached_translation, cached_summary_hash,
			cached_summary, last_activity, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (user_id) DO UPDATE SET
			state = EXCLUDED.state,
			language = EXCLUDED.language,
			file_name = EXCLUDED.file_name,
			file_type = EXCLUDED.file_type,
			file_content = EXCLUDED.file_content,
			file_path = EXCLUDED.file_path,
			pending_content = EXCLUDED.pending_content,
			pending_doc_type = EXCLUDED.pending_doc_type,
			pending_template = EXCLUDED.pending_template,
			conversation_history = EXCLUDED.conversation_history,
			todos = EXCLUDED.todos,
			preview_pages = EXCLUDED.preview_pages,
			preview_current_page = EXCLUDED.preview_current_page,
			current_sheet = EXCLUDED.current_sheet,
			current_cell = EXCLUDED.current_cell,
			current_slide_index = EXCLUDED.current_slide_index,
			content_hash = EXCLUDED.content_hash,
			cached_analysis_hash = EXCLUDED.cached_analysis_hash,
			cached_translation = EXCLUDED.cached_translation,
			cached_summary_hash = EXCLUDED.cached_summary_hash,
			cached_summary = EXCLUDED.cached_summary,
			last_activity = EXCLUDED.last_activity
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.UserID, rec.State, rec.Language, rec.FileName, rec.FileType,
		rec.FileContent, rec.FilePath, rec.PendingContent, rec.PendingDocType,
		rec.PendingTemplate, jsonOrNull(rec.HistoryJSON), jsonOrNull(rec.TodosJSON),
		jsonOrNull(rec.PreviewPagesJSON), rec.PreviewPage, rec.CurrentSheet,
		rec.CurrentCell, rec.CurrentSlide, rec.ContentHash, rec.AnalysisHash,
		jsonOrNull(rec.TranslationsJSON), rec.SummaryHash, rec.Summary,
		rec.LastActivity, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// DeleteSession removes the session snapshot.
func (s *Store) DeleteSession(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return store.ErrInvalidUserID
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
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
		`DELETE FROM sessions WHERE last_activity < $1`, cutoff)
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
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Timestamp, e.UserID, e.Username, e.Action, e.Details,
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
		FROM activity_log ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []store.ActivityEntry
	for rows.Next() {
		var e store.ActivityEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.UserID, &e.Username, &e.Action, &e.Details); err != nil {
			return nil, fmt.Errorf("scanning activity row: %w", err)
		}
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
		`DELETE FROM activity_log WHERE timestamp < $1`, olderThan)
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
	var bannedAt, firstReq, lastReq sql.NullTime

	err := row.Scan(
		&rec.UserID, &rec.Username, &rec.Language, &rec.IsVIP, &rec.IsBanned,
		&bannedAt, &rec.RequestCount, &rec.RequestMonth, &firstReq, &lastReq,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.BannedAt = timePtr(bannedAt)
	rec.FirstRequestAt = timePtr(firstReq)
	rec.LastRequestAt = timePtr(lastReq)
	return &rec, nil
}

func scanSession(row interface{ Scan(...any) error }) (*store.SessionRecord, error) {
	var rec store.SessionRecord
	var history, todos, pages, translations []byte

	err := row.Scan(
		&rec.UserID, &rec.State, &rec.Language, &rec.FileName, &rec.FileType,
		&rec.FileContent, &rec.FilePath, &rec.PendingContent, &rec.PendingDocType,
		&rec.PendingTemplate, &history, &todos, &pages, &rec.PreviewPage,
		&rec.CurrentSheet, &rec.CurrentCell, &rec.CurrentSlide, &rec.ContentHash,
		&rec.AnalysisHash, &translations, &rec.SummaryHash, &rec.Summary,
		&rec.LastActivity, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.HistoryJSON = history
	rec.TodosJSON = todos
	rec.PreviewPagesJSON = pages
	rec.TranslationsJSON = translations
	return &rec, nil
}

// jsonOrNull maps an empty payload to SQL NULL so JSONB columns never
// receive invalid empty input.
func jsonOrNull(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// Verify interface compliance.
var _ store.Store = (*Store)(nil)
