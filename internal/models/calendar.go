package models

import (
	"fmt"
	"strings"
	"time"
)

// CalendarEvent is a scheduled macro event, e.g. an FOMC press conference.
type CalendarEvent struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Location  string    `json:"location,omitempty" yaml:"location"`
	EventTime time.Time `json:"event_time" yaml:"time"`
}

// Validate checks event field constraints.
func (e CalendarEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: event ID must not be empty", ErrMalformedInput)
	}
	if e.Title == "" {
		return fmt.Errorf("%w: event %s title must not be empty", ErrMalformedInput, e.ID)
	}
	if e.EventTime.IsZero() {
		return fmt.Errorf("%w: event %s time must be set", ErrMalformedInput, e.ID)
	}
	return nil
}

// ReminderOffset is a lead time before an event at which a reminder fires.
type ReminderOffset struct {
	Label string        `json:"label"`
	Lead  time.Duration `json:"lead"`
}

// NewReminderOffset labels a lead time the way the alerts show it: T-24h, T-1h, T-10m.
func NewReminderOffset(lead time.Duration) ReminderOffset {
	return ReminderOffset{Label: "T-" + shortDuration(lead), Lead: lead}
}

// DefaultReminderOffsets returns T-24h, T-1h and T-10m.
func DefaultReminderOffsets() []ReminderOffset {
	return []ReminderOffset{
		NewReminderOffset(24 * time.Hour),
		NewReminderOffset(time.Hour),
		NewReminderOffset(10 * time.Minute),
	}
}

// ReminderRecord marks a fired (event, offset) pair.
type ReminderRecord struct {
	EventID string
	Offset  ReminderOffset
	FiredAt time.Time
}

// DueReminder is an (event, offset) pair that became due on a poll.
type DueReminder struct {
	Event  CalendarEvent
	Offset ReminderOffset
}

// shortDuration renders 24h0m0s as 24h and 10m0s as 10m.
func shortDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
