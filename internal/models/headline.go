package models

import (
	"fmt"
	"math"
	"time"
)

// HeadlineItem is a news or social post scored for market impact at ingestion.
type HeadlineItem struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	SourceName  string    `json:"source_name"`
	ImpactScore float64   `json:"impact_score"`
}

// Validate checks headline field constraints.
func (h HeadlineItem) Validate() error {
	if h.Text == "" {
		return fmt.Errorf("%w: headline %q text must not be empty", ErrMalformedInput, h.ID)
	}
	if math.IsNaN(h.ImpactScore) || h.ImpactScore < 0 || h.ImpactScore > 1 {
		return fmt.Errorf("%w: headline %q impact score must be between 0.0 and 1.0", ErrMalformedInput, h.ID)
	}
	return nil
}
