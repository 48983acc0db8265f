package calendar

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/macrowatch/internal/models"
)

const doc = `
events:
  - id: fomc-2025-03
    title: FOMC Press Conference
    location: Washington, D.C.
    time: 2025-03-19T14:30:00-04:00
  - id: ""
    title: no id
    time: 2025-03-20T00:00:00Z
  - id: cpi-2025-03
    title: CPI release
    time: 2025-03-12T12:30:00Z
  - id: fomc-2025-03
    title: duplicate
    time: 2025-03-19T18:30:00Z
  - id: no-time
    title: missing time
`

func TestParse(t *testing.T) {
	events, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "fomc-2025-03", events[0].ID)
	assert.Equal(t, "FOMC Press Conference", events[0].Title)
	assert.Equal(t, time.Date(2025, 3, 19, 18, 30, 0, 0, time.UTC), events[0].EventTime)
	assert.Equal(t, time.UTC, events[0].EventTime.Location())
	assert.Equal(t, "cpi-2025-03", events[1].ID)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("events: [oops"))
	assert.ErrorIs(t, err, models.ErrSourceUnavailable)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calendar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	events, err := NewFileSource(path).FetchEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, err = NewFileSource(filepath.Join(t.TempDir(), "missing.yaml")).FetchEvents(context.Background())
	assert.ErrorIs(t, err, models.ErrSourceUnavailable)
}

func TestMockSource(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC)
	events, err := NewMockSource(now).FetchEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, time.Date(2025, 3, 1, 11, 30, 0, 0, time.UTC), events[0].EventTime)
	for _, e := range events {
		assert.NoError(t, e.Validate())
	}
}
