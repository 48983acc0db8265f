package market

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/macrowatch/internal/models"
)

// MockSource produces synthetic levels around configured center prices. Each
// fetch drifts the price by at most MaxDriftPct and plants one wall next to a
// pivot so confluence shows up in dry runs.
type MockSource struct {
	mu          sync.Mutex
	rng         *rand.Rand
	prices      map[string]float64
	symbols     []string
	MaxDriftPct float64
	now         func() time.Time
}

func NewMockSource(centers map[string]float64, seed int64) *MockSource {
	prices := make(map[string]float64, len(centers))
	symbols := make([]string, 0, len(centers))
	for sym, p := range centers {
		if p <= 0 {
			continue
		}
		prices[sym] = p
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return &MockSource{
		rng:         rand.New(rand.NewSource(seed)),
		prices:      prices,
		symbols:     symbols,
		MaxDriftPct: 0.5,
		now:         time.Now,
	}
}

func (m *MockSource) FetchLevels(ctx context.Context) ([]models.LevelSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	out := make([]models.LevelSnapshot, 0, len(m.symbols))
	for _, sym := range m.symbols {
		p := m.prices[sym] * (1 + (m.rng.Float64()*2-1)*m.MaxDriftPct/100)
		m.prices[sym] = p

		res := p * (1 + 0.005 + m.rng.Float64()*0.01)
		sup := p * (1 - 0.005 - m.rng.Float64()*0.01)
		wall := res * (1 + (m.rng.Float64()*2-1)*0.001)

		levels := []models.PriceLevel{
			mockLevel(res, models.TrendlineResistance, 0.5+m.rng.Float64()/2, now.Add(-8*time.Hour)),
			mockLevel(sup, models.TrendlineSupport, 0.5+m.rng.Float64()/2, now.Add(-12*time.Hour)),
			mockLevel(wall, models.LiquidityWall, 0.5+m.rng.Float64()/2, time.Time{}),
			mockLevel(sup*(1-0.03), models.LiquidityWall, m.rng.Float64(), time.Time{}),
		}
		out = append(out, models.LevelSnapshot{
			Symbol:  sym,
			Price:   decimal.NewFromFloat(p).Round(2),
			Levels:  levels,
			TakenAt: now,
		})
	}
	return out, nil
}

func mockLevel(price float64, kind models.LevelKind, strength float64, formed time.Time) models.PriceLevel {
	return models.PriceLevel{
		Price:    decimal.NewFromFloat(price).Round(2),
		Kind:     kind,
		Strength: strength,
		FormedAt: formed,
		Source:   "mock",
	}
}
