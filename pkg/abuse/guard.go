// Package abuse implements a purely in-memory sliding-window request
// guard, separate from the durable monthly quota. It exists to absorb
// floods and scripted bursts before they reach the quota ledger or the
// AI backend; its state is deliberately ephemeral and resets on restart.
package abuse

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultPerMinute is the rolling 60-second request ceiling.
	DefaultPerMinute = 30
	// DefaultBurst is the 1-second burst ceiling.
	DefaultBurst = 3
	// DefaultStaleAfter is how long an idle user's window is retained
	// before Cleanup drops it.
	DefaultStaleAfter = 5 * time.Minute

	window      = time.Minute
	burstWindow = time.Second
)

// Config configures a Guard. Zero values fall back to the defaults.
type Config struct {
	PerMinute  int
	Burst      int
	StaleAfter time.Duration
}

// Guard tracks per-user request timestamps over a sliding one-minute
// window. Safe for concurrent use.
type Guard struct {
	mu      sync.Mutex
	cfg     Config
	history map[int64][]time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	// now is replaceable in tests.
	now func() time.Time
}

// NewGuard creates a Guard with the given config.
func NewGuard(cfg Config) *Guard {
	if cfg.PerMinute == 0 {
		cfg.PerMinute = DefaultPerMinute
	}
	if cfg.Burst == 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Guard{
		cfg:     cfg,
		history: make(map[int64][]time.Time),
		now:     time.Now,
	}
}

// Check records one request attempt for the user and reports whether it
// is allowed. A denied attempt is not recorded, so being throttled does
// not extend the throttle.
func (g *Guard) Check(userID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	recent := pruneBefore(g.history[userID], now.Add(-window))

	if len(recent) >= g.cfg.PerMinute {
		g.history[userID] = recent
		slog.Warn("request rate exceeded", "user_id", userID, "in_window", len(recent))
		return false
	}

	burst := 0
	burstCutoff := now.Add(-burstWindow)
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Before(burstCutoff) {
			break
		}
		burst++
	}
	if burst >= g.cfg.Burst {
		g.history[userID] = recent
		slog.Warn("burst rate exceeded", "user_id", userID, "in_burst", burst)
		return false
	}

	g.history[userID] = append(recent, now)
	return true
}

// Remaining reports how many requests the user has left in the current
// minute window, without recording an attempt.
func (g *Guard) Remaining(userID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	recent := pruneBefore(g.history[userID], g.now().Add(-window))
	g.history[userID] = recent
	if n := g.cfg.PerMinute - len(recent); n > 0 {
		return n
	}
	return 0
}

// Cleanup drops users whose most recent request is older than the stale
// threshold and returns how many were dropped.
func (g *Guard) Cleanup() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-g.cfg.StaleAfter)
	dropped := 0
	for userID, stamps := range g.history {
		if len(stamps) == 0 || stamps[len(stamps)-1].Before(cutoff) {
			delete(g.history, userID)
			dropped++
		}
	}
	return dropped
}

// TrackedUsers reports how many users currently hold a request window.
func (g *Guard) TrackedUsers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.history)
}

// StartCleanupRoutine launches a background goroutine that drops stale
// windows every interval. Call Close to stop it.
func (g *Guard) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := g.Cleanup(); n > 0 {
					slog.Debug("stale rate windows dropped", "count", n)
				}
			}
		}
	}()
}

// Close stops the cleanup routine if one is running.
func (g *Guard) Close() {
	if g.cancel != nil {
		g.cancel()
		<-g.done
		g.cancel = nil
	}
}

// pruneBefore returns stamps with entries older than cutoff removed.
// Stamps are appended in order, so the retained suffix stays sorted.
func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append([]time.Time(nil), stamps[i:]...)
}
