// Package impact scores headlines for market impact and filters them by
// threshold.
package impact

import (
	"crypto/sha1"
	"encoding/hex"
	"math"
	"sort"
	"strings"

	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/models"
)

// Filter keeps items whose impact score is at or above threshold, preserving
// input order. Malformed items are logged and dropped.
func Filter(items []models.HeadlineItem, threshold float64) []models.HeadlineItem {
	out := make([]models.HeadlineItem, 0, len(items))
	for _, it := range items {
		if err := it.Validate(); err != nil {
			logger.Warn("Dropping headline: %v", err)
			continue
		}
		if it.ImpactScore >= threshold {
			out = append(out, it)
		}
	}
	return out
}

// Scorer assigns an impact score from keyword weights. Each matched keyword
// is an independent chance of impact; the score is 1-prod(1-w).
type Scorer struct {
	keywords []keyword
}

type keyword struct {
	term   string
	weight float64
}

// DefaultKeywords covers the usual macro movers.
func DefaultKeywords() map[string]float64 {
	return map[string]float64{
		"tariff":          0.6,
		"tariffs":         0.6,
		"fed":             0.4,
		"powell":          0.5,
		"rate cut":        0.6,
		"rate hike":       0.6,
		"interest rate":   0.4,
		"inflation":       0.4,
		"cpi":             0.5,
		"sanction":        0.5,
		"sanctions":       0.5,
		"china":           0.3,
		"bitcoin":         0.3,
		"crypto":          0.3,
		"war":             0.5,
		"executive order": 0.5,
		"breaking":        0.3,
	}
}

// NewScorer builds a scorer. Weights outside [0,1] are clamped.
func NewScorer(weights map[string]float64) *Scorer {
	s := &Scorer{}
	for term, w := range weights {
		term = normalize(term)
		if term == "" || math.IsNaN(w) {
			continue
		}
		s.keywords = append(s.keywords, keyword{term: term, weight: clamp(w)})
	}
	sort.Slice(s.keywords, func(i, j int) bool { return s.keywords[i].term < s.keywords[j].term })
	return s
}

// Score returns a value in [0,1]. Keywords match on word boundaries.
func (s *Scorer) Score(text string) float64 {
	norm := " " + normalize(text) + " "
	miss := 1.0
	for _, k := range s.keywords {
		if strings.Contains(norm, " "+k.term+" ") {
			miss *= 1 - k.weight
		}
	}
	return clamp(1 - miss)
}

// Apply fills ImpactScore on items that arrive unscored. Items with a
// positive upstream score keep it.
func (s *Scorer) Apply(items []models.HeadlineItem) {
	for i := range items {
		if items[i].ImpactScore == 0 {
			items[i].ImpactScore = s.Score(items[i].Text)
		}
	}
}

// Fingerprint identifies a headline by its upstream ID, or by a hash of its
// normalized text when the source gives none.
func Fingerprint(h models.HeadlineItem) string {
	if h.ID != "" {
		return "headline:" + h.ID
	}
	sum := sha1.Sum([]byte(normalize(h.Text)))
	return "headline:" + hex.EncodeToString(sum[:])
}

func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127 {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
