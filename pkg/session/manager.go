package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docpilot/core/pkg/store"
)

// ManagerConfig configures a Manager. Zero values fall back to the
// package defaults.
type ManagerConfig struct {
	// Timeout is the idle duration after which a session expires.
	Timeout time.Duration

	// MaxHistory is the retained conversation turn count.
	MaxHistory int

	// PreviewPageSize is the character budget per preview page.
	PreviewPageSize int
}

// Manager is an in-memory write-through cache over the durable store for
// session records. It is constructed once at process start and passed by
// reference; the store remains the single source of truth and the cache
// is always reconcilable by reloading.
type Manager struct {
	mu       sync.Mutex
	store    store.Store
	sessions map[int64]*Session
	cfg      ManagerConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a session manager backed by st.
func NewManager(st store.Store, cfg ManagerConfig) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.PreviewPageSize == 0 {
		cfg.PreviewPageSize = DefaultPreviewPageSize
	}
	return &Manager{
		store:    st,
		sessions: make(map[int64]*Session),
		cfg:      cfg,
	}
}

func (m *Manager) applyLimits(s *Session) {
	s.timeout = m.cfg.Timeout
	s.maxHistory = m.cfg.MaxHistory
	s.previewPageSize = m.cfg.PreviewPageSize
}

// GetOrCreate returns the user's session, loading it from the store or
// creating a fresh one as needed. An expired session is reset in place
// with its language preserved, then persisted. Every successful call
// updates the session's last activity.
func (m *Manager) GetOrCreate(ctx context.Context, userID int64) (*Session, error) {
	if userID <= 0 {
		return nil, store.ErrInvalidUserID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[userID]; ok {
		if sess.Expired() {
			slog.Info("session expired, resetting", "user_id", userID)
			sess.Reset()
			if err := m.persistLocked(ctx, sess); err != nil {
				return nil, err
			}
		}
		sess.Touch()
		return sess, nil
	}

	sess, err := m.loadLocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = New(userID)
		m.applyLimits(sess)
		slog.Info("session created", "user_id", userID)
	} else if sess.Expired() {
		slog.Info("loaded expired session, resetting", "user_id", userID)
		sess.Reset()
	}

	sess.Touch()
	m.sessions[userID] = sess
	if err := m.persistLocked(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetIfExists returns the session only if one already exists, in memory
// or in the store. It never creates a session and never bumps activity;
// error paths use it to resolve a language preference without side
// effects.
func (m *Manager) GetIfExists(ctx context.Context, userID int64) (*Session, error) {
	if userID <= 0 {
		return nil, store.ErrInvalidUserID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[userID]; ok {
		return sess, nil
	}

	sess, err := m.loadLocked(ctx, userID)
	if err != nil || sess == nil {
		return nil, err
	}
	m.sessions[userID] = sess
	return sess, nil
}

// loadLocked reads a session record from the store. Returns nil, nil when
// absent. Callers hold m.mu.
func (m *Manager) loadLocked(ctx context.Context, userID int64) (*Session, error) {
	rec, err := m.store.GetSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	sess := FromRecord(rec)
	m.applyLimits(sess)
	return sess, nil
}

// Persist writes the full session snapshot to the store. Mutations are
// write-through: callers persist after any change that must survive a
// restart.
func (m *Manager) Persist(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked(ctx, sess)
}

func (m *Manager) persistLocked(ctx context.Context, sess *Session) error {
	if err := m.store.SaveSession(ctx, sess.ToRecord()); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	return nil
}

// Delete removes the session from the cache and the store. Used for
// explicit completion and for bans.
func (m *Manager) Delete(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return store.ErrInvalidUserID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, userID)
	if err := m.store.DeleteSession(ctx, userID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	slog.Info("session deleted", "user_id", userID)
	return nil
}

// Sweep removes every session, cached or stored, whose last activity
// precedes the timeout cutoff. It returns the number removed and runs on
// a fixed interval so idle entries are reclaimed even without traffic.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	memCount := 0
	for id, sess := range m.sessions {
		if sess.Expired() {
			delete(m.sessions, id)
			memCount++
		}
	}
	m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.Timeout)
	dbCount, err := m.store.DeleteSessionsIdleSince(ctx, cutoff)
	if err != nil {
		return memCount, fmt.Errorf("sweeping sessions: %w", err)
	}

	total := dbCount
	if memCount > total {
		total = memCount
	}
	if total > 0 {
		slog.Info("swept expired sessions", "count", total)
	}
	return total, nil
}

// CachedCount returns the number of sessions in the in-memory cache.
func (m *Manager) CachedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stats returns stored session counts grouped by state name.
func (m *Manager) Stats(ctx context.Context) (map[string]int, error) {
	return m.store.SessionStats(ctx)
}

// StartSweepRoutine starts a background goroutine that periodically sweeps
// expired sessions. The goroutine is stopped when Close is called.
func (m *Manager) StartSweepRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Sweep(ctx); err != nil {
					slog.Warn("session sweep failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the sweep goroutine and waits for it to exit. It is safe to
// call Close even if StartSweepRoutine was never called.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	return nil
}
