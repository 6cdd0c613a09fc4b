// Package history is the durable ledger of devotional sends. It answers
// whether a verse was already used inside the rolling window, and records
// every run, first provisionally (before any delivery) and then with final
// counts.
package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/content"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// Config controls the service behavior on top of a Store.
type Config struct {
	// RetentionDays bounds the ledger; entries strictly older are pruned on
	// every write. Default 90.
	RetentionDays int

	// DedupWindowDays is the rolling window over which a verse must be
	// unique. Default 30.
	DedupWindowDays int

	// WindowInclusive decides the boundary at exactly N days: when true
	// (default) a verse exactly N days old still counts as used.
	WindowInclusive bool

	// CacheTTL is how long a loaded ledger is served from memory before
	// re-reading the store. Writes refresh the cache immediately. Default 5m.
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	if c.DedupWindowDays <= 0 {
		c.DedupWindowDays = 30
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	return c
}

type Service struct {
	cfg   Config
	store Store
	log   logx.Logger
	now   func() time.Time

	mu      sync.Mutex
	cache   []Entry
	cacheAt time.Time

	// registered short-circuits redundant appends within one process
	// lifetime: the provisional write and the final-count update of the same
	// run share a (date, verse) key, so the second call becomes an in-place
	// update instead of a new entry.
	registered map[string]struct{}
}

func New(cfg Config, store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		store:      store,
		log:        log,
		now:        time.Now,
		registered: map[string]struct{}{},
	}
}

// SetClock replaces the time source (tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func registrationKey(date string, v content.Verse) string {
	key := v.Key()
	if key == "" {
		key = "sem-ref"
	}
	return date + "_" + key
}

// Record appends a new entry, or updates the counters of the entry already
// registered for the same (date, verse) key. The in-memory ledger is always
// updated; a store failure is returned so the caller can surface it as a
// warning, but it does not lose the entry for the rest of the process
// lifetime.
func (s *Service) Record(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	if e.Date == "" {
		e.Date = content.DateKey(e.Timestamp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, loadErr := s.loadLocked(ctx)
	if loadErr != nil {
		s.log.Warn("history load failed; writing over in-memory state", logx.Err(loadErr))
		entries = s.cache
	}

	key := registrationKey(e.Date, e.Verse)
	if _, seen := s.registered[key]; seen {
		updated := false
		for i := len(entries) - 1; i >= 0; i-- {
			if registrationKey(entries[i].Date, entries[i].Verse) == key {
				entries[i].Total = e.Total
				entries[i].Succeeded = e.Succeeded
				entries[i].Flagged = e.Flagged
				if e.Devotional != "" {
					entries[i].Devotional = e.Devotional
				}
				updated = true
				break
			}
		}
		if !updated {
			entries = append(entries, e)
		}
	} else {
		entries = append(entries, e)
		s.registered[key] = struct{}{}
	}

	entries = s.pruneLocked(entries)

	// Write-through: memory first, then the store. The run must complete even
	// when durability is at risk.
	s.cache = entries
	s.cacheAt = s.now()

	if err := s.store.Replace(ctx, entries); err != nil {
		return fmt.Errorf("history persist: %w", err)
	}
	return nil
}

// UsedWithin reports whether the verse was recorded inside the rolling
// window of the given number of days. The boundary at exactly N days follows
// the configured policy.
func (s *Service) UsedWithin(ctx context.Context, v content.Verse, days int) (bool, error) {
	if v.IsZero() {
		return false, nil
	}
	if days <= 0 {
		days = s.cfg.DedupWindowDays
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(ctx)
	if err != nil {
		return false, err
	}

	key := v.Key()
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	for _, e := range entries {
		if e.Verse.Key() != key {
			continue
		}
		if s.inWindow(e.Timestamp, cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// RecentVerses returns the unique verses recorded inside the window, oldest
// first. Used to steer generation away from repeats.
func (s *Service) RecentVerses(ctx context.Context, days int) ([]content.Verse, error) {
	if days <= 0 {
		days = s.cfg.DedupWindowDays
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	seen := map[string]struct{}{}
	var out []content.Verse
	for _, e := range entries {
		if e.Verse.IsZero() || !s.inWindow(e.Timestamp, cutoff) {
			continue
		}
		if _, dup := seen[e.Verse.Key()]; dup {
			continue
		}
		seen[e.Verse.Key()] = struct{}{}
		out = append(out, e.Verse)
	}
	return out, nil
}

// LatestDevotional returns today's recorded devotional text if there is one,
// falling back to the most recent entry that carries text. Used by the
// welcome flow for new contacts.
func (s *Service) LatestDevotional(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(ctx)
	if err != nil {
		return "", false, err
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	today := content.DateKey(s.now())
	for _, e := range sorted {
		if e.Devotional != "" && e.Date == today {
			return e.Devotional, true, nil
		}
	}
	for _, e := range sorted {
		if e.Devotional != "" {
			return e.Devotional, true, nil
		}
	}
	return "", false, nil
}

// Entries returns a copy of the current ledger, newest first.
func (s *Service) Entries(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// ResetGuard clears the in-process duplicate-registration guard.
func (s *Service) ResetGuard() {
	s.mu.Lock()
	s.registered = map[string]struct{}{}
	s.mu.Unlock()
}

func (s *Service) Close() error { return s.store.Close() }

func (s *Service) inWindow(ts time.Time, cutoff time.Time) bool {
	if s.cfg.WindowInclusive {
		return !ts.Before(cutoff) // ts >= cutoff: exactly N days old still counts
	}
	return ts.After(cutoff)
}

func (s *Service) loadLocked(ctx context.Context) ([]Entry, error) {
	if s.cache != nil && s.now().Sub(s.cacheAt) < s.cfg.CacheTTL {
		return s.cache, nil
	}
	entries, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	s.cache = entries
	s.cacheAt = s.now()
	return entries, nil
}

// pruneLocked drops entries strictly older than the retention window.
// Entries exactly at the boundary are kept; order is preserved.
func (s *Service) pruneLocked(entries []Entry) []Entry {
	cutoff := s.now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	kept := entries[:0]
	removed := 0
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed > 0 {
		s.log.Debug("pruned old history entries",
			logx.Int("removed", removed), logx.Int("kept", len(kept)))
	}
	return kept
}
