// Package store defines durable storage for the assistant core: per-user
// quota records, session snapshots, and an append-only activity log.
// Backends live in the sqlite and postgres subpackages.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrInvalidUserID is returned when an operation receives a non-positive
// user identifier. This always indicates a programming error upstream.
var ErrInvalidUserID = errors.New("store: invalid user id")

// UserRecord is the persisted per-user quota and preference record.
// It is created on first contact and survives session deletion.
type UserRecord struct {
	UserID         int64
	Username       string
	Language       string
	IsVIP          bool
	IsBanned       bool
	BannedAt       *time.Time
	RequestCount   int
	RequestMonth   string
	FirstRequestAt *time.Time
	LastRequestAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserUpdate is a partial update to a UserRecord. Nil fields are left
// unchanged. The struct is the allow-list: only these columns can ever be
// written, checked at compile time rather than against a runtime set.
// Nullable timestamp columns use *sql.NullTime so callers can distinguish
// "leave alone" (nil) from "set NULL" (&sql.NullTime{Valid: false}).
type UserUpdate struct {
	Username       *string
	Language       *string
	IsVIP          *bool
	IsBanned       *bool
	BannedAt       *sql.NullTime
	RequestCount   *int
	RequestMonth   *string
	FirstRequestAt *sql.NullTime
	LastRequestAt  *sql.NullTime
}

// SessionRecord is the flat persisted form of a conversation session.
// Nested collections (history, todos, preview pages, translation cache)
// cross this boundary as encoded JSON; decoding them back into typed
// structures, including fallback-to-default on malformed payloads, is the
// session package's responsibility.
type SessionRecord struct {
	UserID           int64
	State            string
	Language         string
	FileName         string
	FileType         string
	FileContent      string
	FilePath         string
	PendingContent   string
	PendingDocType   string
	PendingTemplate  string
	HistoryJSON      []byte
	TodosJSON        []byte
	PreviewPagesJSON []byte
	PreviewPage      int
	CurrentSheet     string
	CurrentCell      string
	CurrentSlide     int
	ContentHash      string
	AnalysisHash     string
	TranslationsJSON []byte
	SummaryHash      string
	Summary          string
	LastActivity     time.Time
	CreatedAt        time.Time
}

// ActivityEntry is one row of the append-only activity log.
type ActivityEntry struct {
	ID        string
	Timestamp time.Time
	UserID    int64
	Username  string
	Action    string
	Details   string
}

// UserStats aggregates user counts for a given month key.
type UserStats struct {
	TotalUsers    int
	VIPCount      int
	BannedCount   int
	MonthRequests int
}

// Store is the durable backing store. Exactly one process owns a store at
// a time; it is the single source of truth for all externally-visible
// state. Read methods return nil, nil for not-found.
type Store interface {
	// GetUser returns the user record, or nil, nil if absent.
	GetUser(ctx context.Context, userID int64) (*UserRecord, error)

	// UpsertUser creates the record if absent, applies the update, and
	// returns the resulting record.
	UpsertUser(ctx context.Context, userID int64, upd UserUpdate) (*UserRecord, error)

	// ListUsers returns all user records.
	ListUsers(ctx context.Context) ([]*UserRecord, error)

	// DeleteUser removes the user record and any session it owns.
	DeleteUser(ctx context.Context, userID int64) error

	// UserStats aggregates counts for the given month key (YYYY-MM).
	UserStats(ctx context.Context, month string) (*UserStats, error)

	// GetSession returns the session snapshot, or nil, nil if absent.
	GetSession(ctx context.Context, userID int64) (*SessionRecord, error)

	// SaveSession writes the full session snapshot (insert or replace).
	SaveSession(ctx context.Context, rec *SessionRecord) error

	// DeleteSession removes the session snapshot.
	DeleteSession(ctx context.Context, userID int64) error

	// ListSessionIDs returns the user IDs of all stored sessions.
	ListSessionIDs(ctx context.Context) ([]int64, error)

	// DeleteSessionsIdleSince removes sessions whose last activity precedes
	// cutoff and returns the number removed.
	DeleteSessionsIdleSince(ctx context.Context, cutoff time.Time) (int, error)

	// SessionStats returns session counts grouped by state name.
	SessionStats(ctx context.Context) (map[string]int, error)

	// LogActivity appends one entry to the activity log.
	LogActivity(ctx context.Context, e ActivityEntry) error

	// RecentActivity returns up to limit entries, newest first.
	RecentActivity(ctx context.Context, limit int) ([]ActivityEntry, error)

	// PurgeActivity deletes entries older than the cutoff and returns the
	// number removed.
	PurgeActivity(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases the underlying database handle.
	Close() error
}

// NullTime wraps t for a UserUpdate field. A nil t sets the column NULL.
func NullTime(t *time.Time) *sql.NullTime {
	if t == nil {
		return &sql.NullTime{}
	}
	return &sql.NullTime{Time: *t, Valid: true}
}
