// Package calendar loads scheduled macro events.
package calendar

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/models"
)

type file struct {
	Events []models.CalendarEvent `yaml:"events"`
}

// FileSource reads events from a YAML file on every fetch, so edits are
// picked up without a restart.
//
//	events:
//	  - id: fomc-2025-03
//	    title: FOMC Press Conference
//	    location: Washington, D.C.
//	    time: 2025-03-19T18:30:00Z
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// FetchEvents returns every well-formed event in UTC. Malformed entries are
// logged and dropped; a missing or unreadable file is a source failure.
func (s *FileSource) FetchEvents(ctx context.Context) ([]models.CalendarEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read calendar %s: %v", models.ErrSourceUnavailable, s.path, err)
	}
	return Parse(data)
}

// Parse decodes a calendar document.
func Parse(data []byte) ([]models.CalendarEvent, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse calendar: %v", models.ErrSourceUnavailable, err)
	}

	events := make([]models.CalendarEvent, 0, len(f.Events))
	seen := make(map[string]bool, len(f.Events))
	for _, e := range f.Events {
		if err := e.Validate(); err != nil {
			logger.Warn("Skipping calendar entry: %v", err)
			continue
		}
		if seen[e.ID] {
			logger.Warn("Skipping duplicate calendar entry %s", e.ID)
			continue
		}
		seen[e.ID] = true
		e.EventTime = e.EventTime.UTC()
		events = append(events, e)
	}
	return events, nil
}

// MockSource returns a fixed pair of events relative to its start time: an
// FOMC press conference 90 minutes out and a Powell speech six hours out.
type MockSource struct {
	events []models.CalendarEvent
}

func NewMockSource(now time.Time) *MockSource {
	now = now.UTC().Truncate(time.Minute)
	return &MockSource{events: []models.CalendarEvent{
		{ID: "mock-fomc", Title: "FOMC Press Conference", Location: "Washington, D.C.", EventTime: now.Add(90 * time.Minute)},
		{ID: "mock-powell", Title: "Powell Speech", Location: "Jackson Hole (virtual)", EventTime: now.Add(6 * time.Hour)},
	}}
}

func (s *MockSource) FetchEvents(ctx context.Context) ([]models.CalendarEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]models.CalendarEvent, len(s.events))
	copy(out, s.events)
	return out, nil
}
