// Package quota enforces tiered monthly request quotas: admins and VIPs
// are unlimited, standard users get a monthly allowance, banned users get
// nothing. Counters live in the durable user records and roll over lazily
// on read when the calendar month changes.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docpilot/core/pkg/store"
)

// Tier is a user's quota treatment. Precedence is
// Admin > Banned > VIP > Standard; an admin can never be banned.
type Tier string

const (
	TierAdmin    Tier = "admin"
	TierVIP      Tier = "vip"
	TierStandard Tier = "standard"
	TierBanned   Tier = "banned"
)

// DefaultMonthlyLimit is the standard-tier request allowance per month.
const DefaultMonthlyLimit = 100

// monthKeyFormat is the calendar-month key layout (e.g. "2024-02").
const monthKeyFormat = "2006-01"

// Config configures a Ledger. Admin and VIP IDs listed here are static:
// they cannot be revoked at runtime, unlike VIP status stored on the
// user record.
type Config struct {
	MonthlyLimit int
	AdminIDs     []int64
	VIPIDs       []int64

	SupportedLanguages []string
	DefaultLanguage    string
}

// Status is the full quota picture for one user. For unlimited tiers,
// Remaining is -1.
type Status struct {
	UserID    int64
	Tier      Tier
	Count     int
	Limit     int
	Remaining int
	Unlimited bool
	Month     string
	ResetDate time.Time
}

// Ledger enforces quotas against the durable store. One instance per
// process, constructed at startup and passed by reference.
type Ledger struct {
	store  store.Store
	cfg    Config
	admins map[int64]bool
	vips   map[int64]bool

	// now is replaceable in tests to pin the month boundary.
	now func() time.Time
}

// NewLedger creates a quota ledger backed by st.
func NewLedger(st store.Store, cfg Config) *Ledger {
	if cfg.MonthlyLimit == 0 {
		cfg.MonthlyLimit = DefaultMonthlyLimit
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	if len(cfg.SupportedLanguages) == 0 {
		cfg.SupportedLanguages = []string{"en", "id"}
	}
	l := &Ledger{
		store:  st,
		cfg:    cfg,
		admins: make(map[int64]bool, len(cfg.AdminIDs)),
		vips:   make(map[int64]bool, len(cfg.VIPIDs)),
		now:    time.Now,
	}
	for _, id := range cfg.AdminIDs {
		l.admins[id] = true
	}
	for _, id := range cfg.VIPIDs {
		l.vips[id] = true
	}
	return l
}

func (l *Ledger) monthKey() string {
	return l.now().UTC().Format(monthKeyFormat)
}

// ResetDate returns the first day of the next month, when standard-tier
// counters reset.
func (l *Ledger) ResetDate() time.Time {
	now := l.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// getUser loads the user record, creating it on first contact and
// applying lazy monthly rollover: a stale request_month means the counter
// is meaningless, so it is reset in place before use. VIP, ban, and
// language survive the rollover untouched.
func (l *Ledger) getUser(ctx context.Context, userID int64) (*store.UserRecord, error) {
	if userID <= 0 {
		return nil, store.ErrInvalidUserID
	}

	rec, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	month := l.monthKey()
	switch {
	case rec == nil:
		zero := 0
		rec, err = l.store.UpsertUser(ctx, userID, store.UserUpdate{
			RequestCount: &zero,
			RequestMonth: &month,
		})
	case rec.RequestMonth != month:
		zero := 0
		rec, err = l.store.UpsertUser(ctx, userID, store.UserUpdate{
			RequestCount:   &zero,
			RequestMonth:   &month,
			FirstRequestAt: store.NullTime(nil),
			LastRequestAt:  store.NullTime(nil),
		})
		if err == nil {
			slog.Info("monthly quota rolled over", "user_id", userID, "month", month)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolving user record: %w", err)
	}
	return rec, nil
}

// IsAdmin reports whether the user is in the static admin set.
func (l *Ledger) IsAdmin(userID int64) bool {
	return l.admins[userID]
}

// IsVIP reports whether the user is VIP, by static configuration or by
// persisted record.
func (l *Ledger) IsVIP(ctx context.Context, userID int64) (bool, error) {
	if l.vips[userID] || l.admins[userID] {
		return true, nil
	}
	rec, err := l.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return rec.IsVIP, nil
}

// IsBanned reports whether the user is banned.
func (l *Ledger) IsBanned(ctx context.Context, userID int64) (bool, error) {
	rec, err := l.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return rec.IsBanned, nil
}

// Tier resolves the user's effective tier under the
// Admin > Banned > VIP > Standard precedence.
func (l *Ledger) Tier(ctx context.Context, userID int64) (Tier, error) {
	if l.admins[userID] {
		return TierAdmin, nil
	}
	rec, err := l.getUser(ctx, userID)
	if err != nil {
		return TierStandard, err
	}
	switch {
	case rec.IsBanned:
		return TierBanned, nil
	case rec.IsVIP || l.vips[userID]:
		return TierVIP, nil
	default:
		return TierStandard, nil
	}
}

// CanMakeRequest reports whether the user may spend a quota-charged
// request right now: never for banned users, always for admins and VIPs,
// and for standard users only while the monthly counter has headroom.
func (l *Ledger) CanMakeRequest(ctx context.Context, userID int64) (bool, error) {
	tier, err := l.Tier(ctx, userID)
	if err != nil {
		return false, err
	}
	switch tier {
	case TierBanned:
		return false, nil
	case TierAdmin, TierVIP:
		return true, nil
	}

	rec, err := l.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return rec.RequestCount < l.cfg.MonthlyLimit, nil
}

// RecordRequest re-checks CanMakeRequest and, if allowed, increments the
// counter and stamps the request timestamps, returning true. Denied
// requests return false without mutation.
//
// The check and the increment are two separate store round trips. Two
// interleaved operations for the same user can both pass the check before
// either increments; this matches the original system's behavior under
// human-paced interaction and is deliberately not closed here.
func (l *Ledger) RecordRequest(ctx context.Context, userID int64) (bool, error) {
	ok, err := l.CanMakeRequest(ctx, userID)
	if err != nil || !ok {
		return false, err
	}

	rec, err := l.getUser(ctx, userID)
	if err != nil {
		return false, err
	}

	now := l.now().UTC()
	count := rec.RequestCount + 1
	upd := store.UserUpdate{
		RequestCount:  &count,
		LastRequestAt: store.NullTime(&now),
	}
	if rec.FirstRequestAt == nil {
		upd.FirstRequestAt = store.NullTime(&now)
	}

	if _, err := l.store.UpsertUser(ctx, userID, upd); err != nil {
		return false, fmt.Errorf("recording request: %w", err)
	}

	slog.Info("request recorded",
		"user_id", userID, "count", count, "limit", l.cfg.MonthlyLimit)
	return true, nil
}

// GetStatus returns the user's full quota status.
func (l *Ledger) GetStatus(ctx context.Context, userID int64) (*Status, error) {
	rec, err := l.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	tier, err := l.Tier(ctx, userID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		UserID:    userID,
		Tier:      tier,
		Count:     rec.RequestCount,
		Limit:     l.cfg.MonthlyLimit,
		Month:     rec.RequestMonth,
		ResetDate: l.ResetDate(),
	}
	if tier == TierAdmin || tier == TierVIP {
		st.Unlimited = true
		st.Remaining = -1
		return st, nil
	}

	st.Remaining = l.cfg.MonthlyLimit - rec.RequestCount
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	return st, nil
}

// GrantVIP marks the user VIP on the persisted record. It reports false
// when the user is already VIP by configuration or by record.
func (l *Ledger) GrantVIP(ctx context.Context, userID int64) (bool, error) {
	if l.vips[userID] || l.admins[userID] {
		return false, nil
	}
	rec, err := l.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if rec.IsVIP {
		return false, nil
	}

	vip := true
	if _, err := l.store.UpsertUser(ctx, userID, store.UserUpdate{IsVIP: &vip}); err != nil {
		return false, fmt.Errorf("granting vip: %w", err)
	}
	slog.Info("vip granted", "user_id", userID)
	return true, nil
}

// RevokeVIP removes record-based VIP status. Static VIPs and admins
// cannot be revoked.
func (l *Ledger) RevokeVIP(ctx context.Context, userID int64) (bool, error) {
	if l.vips[userID] || l.admins[userID] {
		return false, nil
	}
	rec, err := l.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if !rec.IsVIP {
		return false, nil
	}

	vip := false
	if _, err := l.store.UpsertUser(ctx, userID, store.UserUpdate{IsVIP: &vip}); err != nil {
		return false, fmt.Errorf("revoking vip: %w", err)
	}
	slog.Info("vip revoked", "user_id", userID)
	return true, nil
}

// Ban bans the user, clearing any record-based VIP status in the same
// update. Admins cannot be banned; an already-banned user is unchanged.
func (l *Ledger) Ban(ctx context.Context, userID int64) (bool, error) {
	if l.admins[userID] {
		return false, nil
	}
	rec, err := l.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if rec.IsBanned {
		return false, nil
	}

	banned := true
	vip := false
	now := l.now().UTC()
	_, err = l.store.UpsertUser(ctx, userID, store.UserUpdate{
		IsBanned: &banned,
		IsVIP:    &vip,
		BannedAt: store.NullTime(&now),
	})
	if err != nil {
		return false, fmt.Errorf("banning user: %w", err)
	}
	slog.Info("user banned", "user_id", userID)
	return true, nil
}

// Unban lifts a ban. It reports false when the record was not banned.
// VIP status cleared by the ban is not restored.
func (l *Ledger) Unban(ctx context.Context, userID int64) (bool, error) {
	rec, err := l.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if !rec.IsBanned {
		return false, nil
	}

	banned := false
	_, err = l.store.UpsertUser(ctx, userID, store.UserUpdate{
		IsBanned: &banned,
		BannedAt: store.NullTime(nil),
	})
	if err != nil {
		return false, fmt.Errorf("unbanning user: %w", err)
	}
	slog.Info("user unbanned", "user_id", userID)
	return true, nil
}

// Language returns the user's persisted language preference. It survives
// session deletion because it lives on the user record.
func (l *Ledger) Language(ctx context.Context, userID int64) (string, error) {
	rec, err := l.getUser(ctx, userID)
	if err != nil {
		return l.cfg.DefaultLanguage, err
	}
	if rec.Language == "" {
		return l.cfg.DefaultLanguage, nil
	}
	return rec.Language, nil
}

// SetLanguage persists the user's language preference. Unsupported codes
// are ignored.
func (l *Ledger) SetLanguage(ctx context.Context, userID int64, language string) error {
	if !l.languageSupported(language) {
		return nil
	}
	if _, err := l.store.UpsertUser(ctx, userID, store.UserUpdate{Language: &language}); err != nil {
		return fmt.Errorf("saving language: %w", err)
	}
	return nil
}

func (l *Ledger) languageSupported(language string) bool {
	for _, lang := range l.cfg.SupportedLanguages {
		if lang == language {
			return true
		}
	}
	return false
}

// Stats aggregates user counts for the current month.
func (l *Ledger) Stats(ctx context.Context) (*store.UserStats, error) {
	return l.store.UserStats(ctx, l.monthKey())
}
