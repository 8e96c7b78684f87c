// Package storetest provides an in-memory Store for tests.
package storetest

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/docpilot/core/pkg/store"
)

// Store is an in-memory store.Store. It applies the same semantics as the
// real backends: nil, nil for not-found reads and typed partial updates.
type Store struct {
	mu       sync.Mutex
	users    map[int64]*store.UserRecord
	sessions map[int64]*store.SessionRecord
	activity []store.ActivityEntry

	// Err, when set, is returned by every method. Lets tests exercise
	// store-failure paths.
	Err error
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:    make(map[int64]*store.UserRecord),
		sessions: make(map[int64]*store.SessionRecord),
	}
}

func cloneUser(u *store.UserRecord) *store.UserRecord {
	c := *u
	return &c
}

func (s *Store) GetUser(_ context.Context, userID int64) (*store.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return cloneUser(u), nil
}

func (s *Store) UpsertUser(_ context.Context, userID int64, upd store.UserUpdate) (*store.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if userID <= 0 {
		return nil, store.ErrInvalidUserID
	}

	u, ok := s.users[userID]
	if !ok {
		now := time.Now().UTC()
		u = &store.UserRecord{UserID: userID, Language: "en", CreatedAt: now, UpdatedAt: now}
		s.users[userID] = u
	}

	if upd.Username != nil {
		u.Username = *upd.Username
	}
	if upd.Language != nil {
		u.Language = *upd.Language
	}
	if upd.IsVIP != nil {
		u.IsVIP = *upd.IsVIP
	}
	if upd.IsBanned != nil {
		u.IsBanned = *upd.IsBanned
	}
	if upd.BannedAt != nil {
		u.BannedAt = nullTimePtr(*upd.BannedAt)
	}
	if upd.RequestCount != nil {
		u.RequestCount = *upd.RequestCount
	}
	if upd.RequestMonth != nil {
		u.RequestMonth = *upd.RequestMonth
	}
	if upd.FirstRequestAt != nil {
		u.FirstRequestAt = nullTimePtr(*upd.FirstRequestAt)
	}
	if upd.LastRequestAt != nil {
		u.LastRequestAt = nullTimePtr(*upd.LastRequestAt)
	}
	u.UpdatedAt = time.Now().UTC()
	return cloneUser(u), nil
}

func (s *Store) ListUsers(_ context.Context) ([]*store.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	ids := make([]int64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*store.UserRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneUser(s.users[id]))
	}
	return out, nil
}

func (s *Store) DeleteUser(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.users, userID)
	delete(s.sessions, userID)
	return nil
}

func (s *Store) UserStats(_ context.Context, month string) (*store.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	stats := &store.UserStats{}
	for _, u := range s.users {
		stats.TotalUsers++
		if u.IsVIP {
			stats.VIPCount++
		}
		if u.IsBanned {
			stats.BannedCount++
		}
		if u.RequestMonth == month {
			stats.MonthRequests += u.RequestCount
		}
	}
	return stats, nil
}

func (s *Store) GetSession(_ context.Context, userID int64) (*store.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	rec, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

func (s *Store) SaveSession(_ context.Context, rec *store.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c := *rec
	s.sessions[rec.UserID] = &c
	return nil
}

func (s *Store) DeleteSession(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.sessions, userID)
	return nil
}

func (s *Store) ListSessionIDs(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	ids := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) DeleteSessionsIdleSince(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	n := 0
	for id, rec := range s.sessions {
		if rec.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) SessionStats(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	stats := make(map[string]int)
	for _, rec := range s.sessions {
		stats[rec.State]++
	}
	return stats, nil
}

func (s *Store) LogActivity(_ context.Context, e store.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.activity = append(s.activity, e)
	return nil
}

func (s *Store) RecentActivity(_ context.Context, limit int) ([]store.ActivityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]store.ActivityEntry, 0, limit)
	for i := len(s.activity) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.activity[i])
	}
	return out, nil
}

func (s *Store) PurgeActivity(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	kept := s.activity[:0]
	n := 0
	for _, e := range s.activity {
		if e.Timestamp.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.activity = kept
	return n, nil
}

func (s *Store) Close() error {
	return nil
}

// Activity returns a copy of all logged entries, oldest first.
func (s *Store) Activity() []store.ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.ActivityEntry(nil), s.activity...)
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
