// Package reminder decides which calendar reminders are due on each poll.
package reminder

import (
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/models"
)

type firedKey struct {
	eventID string
	lead    time.Duration
}

// Scheduler fires each (event, offset) pair at most once for the process
// lifetime. A pair whose window opened while the process was down fires on
// the next poll, as long as the event has not started yet.
type Scheduler struct {
	mu      sync.Mutex
	offsets []models.ReminderOffset
	events  map[string]models.CalendarEvent
	fired   map[firedKey]models.ReminderRecord
}

// New creates a scheduler for the given offsets. Duplicate leads are dropped.
func New(offsets []models.ReminderOffset) *Scheduler {
	seen := make(map[time.Duration]bool, len(offsets))
	var uniq []models.ReminderOffset
	for _, o := range offsets {
		if o.Lead <= 0 || seen[o.Lead] {
			continue
		}
		seen[o.Lead] = true
		uniq = append(uniq, o)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].Lead > uniq[j].Lead })

	return &Scheduler{
		offsets: uniq,
		events:  make(map[string]models.CalendarEvent),
		fired:   make(map[firedKey]models.ReminderRecord),
	}
}

// Offsets returns the configured offsets, largest lead first.
func (s *Scheduler) Offsets() []models.ReminderOffset {
	out := make([]models.ReminderOffset, len(s.offsets))
	copy(out, s.offsets)
	return out
}

// SetEvents replaces the calendar. Invalid events are logged and skipped.
// Fired records for events that disappear are kept so a calendar reload
// cannot re-fire them.
func (s *Scheduler) SetEvents(events []models.CalendarEvent) int {
	next := make(map[string]models.CalendarEvent, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			logger.Warn("Skipping calendar event: %v", err)
			continue
		}
		next[e.ID] = e
	}

	s.mu.Lock()
	s.events = next
	s.mu.Unlock()
	return len(next)
}

// Poll returns reminders due at now and records them as fired. A pair is due
// when event_time-lead <= now < event_time. After downtime every unfired
// offset of a still-upcoming event comes back at once, largest lead first.
// Results are ordered by event time, then by lead descending.
func (s *Scheduler) Poll(now time.Time) []models.DueReminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.DueReminder
	for _, e := range s.events {
		if !now.Before(e.EventTime) {
			continue
		}
		for _, o := range s.offsets {
			if now.Before(e.EventTime.Add(-o.Lead)) {
				continue
			}
			if _, ok := s.fired[firedKey{eventID: e.ID, lead: o.Lead}]; ok {
				continue
			}
			s.markFired(e.ID, o, now)
			due = append(due, models.DueReminder{Event: e, Offset: o})
		}
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.Event.EventTime.Equal(b.Event.EventTime) {
			return a.Event.EventTime.Before(b.Event.EventTime)
		}
		if a.Offset.Lead != b.Offset.Lead {
			return a.Offset.Lead > b.Offset.Lead
		}
		return a.Event.ID < b.Event.ID
	})
	return due
}

func (s *Scheduler) markFired(eventID string, o models.ReminderOffset, now time.Time) {
	s.fired[firedKey{eventID: eventID, lead: o.Lead}] = models.ReminderRecord{EventID: eventID, Offset: o, FiredAt: now}
}

// Fired reports whether the pair has fired.
func (s *Scheduler) Fired(eventID string, lead time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fired[firedKey{eventID: eventID, lead: lead}]
	return ok
}

// Next returns the earliest event that has not started yet with the offsets
// that have not fired for it.
func (s *Scheduler) Next(now time.Time) (models.CalendarEvent, []models.ReminderOffset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best models.CalendarEvent
	found := false
	for _, e := range s.events {
		if !now.Before(e.EventTime) {
			continue
		}
		if !found || e.EventTime.Before(best.EventTime) || (e.EventTime.Equal(best.EventTime) && e.ID < best.ID) {
			best, found = e, true
		}
	}
	if !found {
		return best, nil, false
	}

	var pending []models.ReminderOffset
	for _, o := range s.offsets {
		if _, ok := s.fired[firedKey{eventID: best.ID, lead: o.Lead}]; !ok {
			pending = append(pending, o)
		}
	}
	return best, pending, true
}

// Upcoming returns events that have not started, soonest first.
func (s *Scheduler) Upcoming(now time.Time, limit int) []models.CalendarEvent {
	s.mu.Lock()
	var out []models.CalendarEvent
	for _, e := range s.events {
		if now.Before(e.EventTime) {
			out = append(out, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.Before(out[j].EventTime)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Prune drops past events and their fired records and returns how many
// events it removed.
func (s *Scheduler) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.events {
		if !now.Before(e.EventTime) {
			delete(s.events, id)
			removed++
		}
	}
	for key, rec := range s.fired {
		if _, live := s.events[key.eventID]; !live && now.Sub(rec.FiredAt) > s.maxLead() {
			delete(s.fired, key)
		}
	}
	return removed
}

func (s *Scheduler) maxLead() time.Duration {
	if len(s.offsets) == 0 {
		return 0
	}
	return s.offsets[0].Lead
}

// Fingerprint identifies a reminder for cooldown bookkeeping.
func Fingerprint(d models.DueReminder) string {
	return "fed:" + d.Event.ID + ":" + d.Offset.Label
}
