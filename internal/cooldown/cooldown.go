// Package cooldown tracks which alert fingerprints were sent and when.
// State lives for the process lifetime only; a restart forgets every entry.
package cooldown

import (
	"sync"
	"time"

	"github.com/rewired-gh/macrowatch/internal/models"
)

// Store is safe for concurrent use. All mutation goes through one mutex.
type Store struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func New() *Store {
	return &Store{entries: make(map[string]time.Time)}
}

// CheckAndCommit returns true and records now when fingerprint is not in
// cooldown, false (leaving the entry untouched) when now-last < window.
func (s *Store) CheckAndCommit(fingerprint string, now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.entries[fingerprint]; ok && now.Sub(last) < window {
		return false
	}
	s.entries[fingerprint] = now
	return true
}

// Commit records now unconditionally. Forced alerts use it.
func (s *Store) Commit(fingerprint string, now time.Time) {
	s.mu.Lock()
	s.entries[fingerprint] = now
	s.mu.Unlock()
}

// Last returns the entry for fingerprint, if any.
func (s *Store) Last(fingerprint string) (models.CooldownEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.entries[fingerprint]
	return models.CooldownEntry{Fingerprint: fingerprint, LastAlertedAt: last}, ok
}

// Prune drops entries older than maxWindow and returns how many it removed.
// maxWindow should be the largest cooldown window in use.
func (s *Store) Prune(now time.Time, maxWindow time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for fp, last := range s.entries {
		if now.Sub(last) >= maxWindow {
			delete(s.entries, fp)
			removed++
		}
	}
	return removed
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
