package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rewired-gh/macrowatch/internal/models"
)

func newTestStorage(t *testing.T, maxAlerts int) *Storage {
	t.Helper()
	s, err := New(maxAlerts, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testAlert(source models.Source, fp string, at time.Time, delivered bool) *models.AlertRecord {
	return &models.AlertRecord{
		Source:      source,
		Kind:        models.KindHeadline,
		Fingerprint: fp,
		Summary:     "summary of " + fp,
		Text:        "text for " + fp,
		Delivered:   delivered,
		CreatedAt:   at,
	}
}

func TestStorage_RecordAndRecent(t *testing.T) {
	s := newTestStorage(t, 100)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		a := testAlert(models.SourceHeadline, fmt.Sprintf("headline:%d", i), base.Add(time.Duration(i)*time.Minute), true)
		if err := s.RecordAlert(a); err != nil {
			t.Fatalf("RecordAlert: %v", err)
		}
		if a.ID == "" {
			t.Fatal("expected an assigned ID")
		}
	}
	if err := s.RecordAlert(testAlert(models.SourceConfluence, "confluence:x", base.Add(time.Hour), false)); err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}

	got, err := s.RecentAlerts(models.SourceHeadline, 2)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d alerts, want 2", len(got))
	}
	if got[0].Fingerprint != "headline:2" || got[1].Fingerprint != "headline:1" {
		t.Errorf("wrong order: %s, %s", got[0].Fingerprint, got[1].Fingerprint)
	}
	if got[0].Summary != "summary of headline:2" {
		t.Errorf("Summary = %q", got[0].Summary)
	}
	if !got[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("CreatedAt = %v", got[0].CreatedAt)
	}

	all, err := s.RecentAlerts("", 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d alerts, want 4", len(all))
	}
	if all[0].Source != models.SourceConfluence || all[0].Delivered {
		t.Errorf("newest row = %+v", all[0])
	}
}

func TestStorage_Rotate(t *testing.T) {
	s := newTestStorage(t, 3)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := s.RecordAlert(testAlert(models.SourceFedEvent, fmt.Sprintf("fed:%d", i), base.Add(time.Duration(i)*time.Second), true)); err != nil {
			t.Fatalf("RecordAlert: %v", err)
		}
	}
	got, err := s.RecentAlerts("", 10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d alerts after rotation, want 3", len(got))
	}
	if got[2].Fingerprint != "fed:2" {
		t.Errorf("oldest kept = %s, want fed:2", got[2].Fingerprint)
	}
}

func TestStorage_Counts(t *testing.T) {
	s := newTestStorage(t, 0)
	now := time.Now()
	_ = s.RecordAlert(testAlert(models.SourceHeadline, "a", now, true))
	_ = s.RecordAlert(testAlert(models.SourceHeadline, "b", now, true))
	_ = s.RecordAlert(testAlert(models.SourceHeadline, "c", now, false))

	counts, err := s.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c := counts[models.SourceHeadline]; c != [2]int{2, 1} {
		t.Errorf("counts = %v, want [2 1]", c)
	}
}

func TestStorage_FilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	s, err := New(10, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if err := s.RecordAlert(testAlert(models.SourceHeadline, "a", time.Now(), true)); err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}
}
