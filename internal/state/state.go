package state

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// StickyEntry pins a (session_key, alias) pair to one concrete target.
type StickyEntry struct {
	ProviderInstance string
	BackendURL       string
	UpstreamModel    string
}

// CooldownEntry marks a target temporarily unavailable for selection.
type CooldownEntry struct{}

// HealthEntry tracks a session's recent success/failure streak against a
// requested alias.
type HealthEntry struct {
	FailureStreak int
	SuccessStreak int
	UpdatedAt     time.Time
}

// Tunables mirrors the tunable block of spec.md §6. Every field has a safe
// default applied by config.Load.
type Tunables struct {
	AuthCooldown           time.Duration
	ValidationCooldown     time.Duration
	QuotaCooldown          time.Duration
	TransientCooldown      time.Duration
	TransientHeavyCooldown time.Duration
	SignatureCooldown      time.Duration
	StickyTTL              time.Duration
	MaxStickyKeys          int
	MaxTargetRetries       int
	RetryAuthOn5xx         bool
	ModelHealthTTL         time.Duration
}

// Store bundles the three mutable maps the engine touches at request time.
// Each map is independently locked; there are no cross-map transactions
// (spec.md §5, "Shared-resource policy").
type Store struct {
	sticky   *TTLMap[StickyEntry]
	cooldown *TTLMap[CooldownEntry]
	health   *TTLMap[HealthEntry]
	tun      Tunables
}

func New(tun Tunables) *Store {
	return &Store{
		sticky:   NewTTLMap[StickyEntry](),
		cooldown: NewTTLMap[CooldownEntry](),
		health:   NewTTLMap[HealthEntry](),
		tun:      tun,
	}
}

func StickyKey(sessionKey, alias string) string { return sessionKey + "\x00" + alias }

// CooldownKey is the dedup key (alias, target identity) from spec.md §3.
func CooldownKey(alias, targetIdentity string) string { return alias + "\x00" + targetIdentity }

func HealthKey(sessionKey, alias string) string {
	if sessionKey == "" {
		sessionKey = "anon"
	}
	return sessionKey + "\x00" + alias
}

// GetSticky returns the live sticky entry for (sessionKey, alias), if any.
func (s *Store) GetSticky(sessionKey, alias string) (StickyEntry, bool) {
	return s.sticky.Get(StickyKey(sessionKey, alias))
}

// FindStickyAcrossAliases scans every alias the caller supplies and returns
// the first one with a live sticky for sessionKey — grounds the thinking
// cross-model lock of spec.md §4.4.
func (s *Store) FindStickyAcrossAliases(sessionKey string, aliases []string) (alias string, entry StickyEntry, ok bool) {
	if sessionKey == "" {
		return "", StickyEntry{}, false
	}
	for _, a := range aliases {
		if e, found := s.sticky.Get(StickyKey(sessionKey, a)); found {
			return a, e, true
		}
	}
	return "", StickyEntry{}, false
}

// SetSticky writes or refreshes a sticky entry and enforces MAX_STICKY_KEYS
// by bulk-evicting the ~20% earliest-expiring entries on overflow.
func (s *Store) SetSticky(sessionKey, alias string, entry StickyEntry) {
	s.sticky.Set(StickyKey(sessionKey, alias), entry, s.tun.StickyTTL)
	if s.tun.MaxStickyKeys > 0 && s.sticky.Len() > s.tun.MaxStickyKeys {
		evict := s.tun.MaxStickyKeys / 5
		if evict < 1 {
			evict = 1
		}
		n := s.sticky.EvictEarliest(evict)
		slog.Debug("sticky map over capacity, evicted", "count", n)
	}
}

func (s *Store) ClearSticky(sessionKey, alias string) { s.sticky.Delete(StickyKey(sessionKey, alias)) }

// IsCoolingDown reports whether the target is currently excluded.
func (s *Store) IsCoolingDown(alias, targetIdentity string) bool {
	_, ok := s.cooldown.Get(CooldownKey(alias, targetIdentity))
	return ok
}

// SetCooldown is written only by the classifier (spec.md §4.7/§4.8).
func (s *Store) SetCooldown(alias, targetIdentity string, d time.Duration) {
	if d <= 0 {
		return
	}
	s.cooldown.Set(CooldownKey(alias, targetIdentity), CooldownEntry{}, d)
}

// Health returns the current streak for (sessionKey, alias), creating a zero
// entry view if none exists yet (not persisted until the next update).
func (s *Store) Health(sessionKey, alias string) HealthEntry {
	e, _ := s.health.Get(HealthKey(sessionKey, alias))
	return e
}

// RecordSuccess resets the failure streak and increments success streak.
func (s *Store) RecordSuccess(sessionKey, alias string) {
	key := HealthKey(sessionKey, alias)
	if s.health.Update(key, func(e *HealthEntry) {
		e.FailureStreak = 0
		e.SuccessStreak++
		e.UpdatedAt = time.Now()
	}, s.tun.ModelHealthTTL) {
		return
	}
	s.health.Set(key, HealthEntry{SuccessStreak: 1, UpdatedAt: time.Now()}, s.tun.ModelHealthTTL)
}

// RecordFailure resets the success streak and increments failure streak.
func (s *Store) RecordFailure(sessionKey, alias string) {
	key := HealthKey(sessionKey, alias)
	if s.health.Update(key, func(e *HealthEntry) {
		e.SuccessStreak = 0
		e.FailureStreak++
		e.UpdatedAt = time.Now()
	}, s.tun.ModelHealthTTL) {
		return
	}
	s.health.Set(key, HealthEntry{FailureStreak: 1, UpdatedAt: time.Now()}, s.tun.ModelHealthTTL)
}

// RunSweepers starts the three periodic cleanup loops, each in its own
// goroutine, and returns at once; the loops stop when ctx is canceled
// (spec.md §4.8: sticky ~10m, cooldown ~10s, health ~10m).
func (s *Store) RunSweepers(ctx context.Context) {
	go s.sweep(ctx, "sticky", s.sticky.Cleanup, 10*time.Minute)
	go s.sweep(ctx, "cooldown", s.cooldown.Cleanup, 10*time.Second)
	go s.sweep(ctx, "health", s.health.Cleanup, 10*time.Minute)
}

func (s *Store) sweep(ctx context.Context, name string, fn func() int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := fn(); n > 0 {
				slog.Debug("state sweep removed expired entries", "map", name, "count", n)
			}
		}
	}
}

// SignatureGroupOf derives the family key used for signature-group recovery
// and cross-model routes: substring match on gpt/claude/gemini, else the
// full model name (spec.md §9 "Signature group indexing").
func SignatureGroupOf(upstreamModel string) string {
	lower := strings.ToLower(upstreamModel)
	switch {
	case strings.Contains(lower, "gpt"):
		return "gpt"
	case strings.Contains(lower, "claude"):
		return "claude"
	case strings.Contains(lower, "gemini"):
		return "gemini"
	default:
		return upstreamModel
	}
}
