package headlines

import (
	"context"
	"time"

	"github.com/rewired-gh/macrowatch/internal/impact"
	"github.com/rewired-gh/macrowatch/internal/models"
)

// MockSource replays a fixed set of posts, scored by the given scorer.
type MockSource struct {
	scorer *impact.Scorer
	now    func() time.Time
}

func NewMockSource(scorer *impact.Scorer) *MockSource {
	return &MockSource{scorer: scorer, now: time.Now}
}

var mockPosts = []string{
	"BREAKING: New tariffs on China take effect Monday",
	"Great rally in the markets today!",
	"Powell should cut rates NOW. Inflation is down!",
	"Thank you to everyone who came out tonight",
}

func (m *MockSource) FetchHeadlines(ctx context.Context) ([]models.HeadlineItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	items := make([]models.HeadlineItem, len(mockPosts))
	for i, text := range mockPosts {
		items[i] = models.HeadlineItem{
			Text:        text,
			PublishedAt: now.Add(-time.Duration(i) * time.Hour),
			SourceName:  "mock",
		}
	}
	if m.scorer != nil {
		m.scorer.Apply(items)
	}
	return items, nil
}
