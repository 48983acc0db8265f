// Package confluence finds price zones where liquidity walls and trendline
// levels agree within a proximity tolerance.
package confluence

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/models"
)

// Weights scale a zone's summed strength by the kind combination it holds.
// Rarer agreement across signal types weighs more.
type Weights struct {
	LiquidityTrendline float64 // liquidity wall plus one trendline kind
	LiquidityBoth      float64 // liquidity wall plus support and resistance
	TrendlineOnly      float64 // support plus resistance, no liquidity
}

func DefaultWeights() Weights {
	return Weights{
		LiquidityTrendline: 1.5,
		LiquidityBoth:      1.75,
		TrendlineOnly:      1.0,
	}
}

func (w Weights) forKinds(kinds []models.LevelKind) float64 {
	var liq, sup, res bool
	for _, k := range kinds {
		switch k {
		case models.LiquidityWall:
			liq = true
		case models.TrendlineSupport:
			sup = true
		case models.TrendlineResistance:
			res = true
		}
	}
	switch {
	case liq && sup && res:
		return w.LiquidityBoth
	case liq:
		return w.LiquidityTrendline
	default:
		return w.TrendlineOnly
	}
}

// Detector is stateless apart from its settings; Detect may be called from
// several goroutines.
type Detector struct {
	proximityPct decimal.Decimal
	weights      Weights
}

// New creates a detector. proximityPct is a percentage: 0.6 means 0.6%.
func New(proximityPct float64, weights Weights) *Detector {
	if proximityPct < 0 || math.IsNaN(proximityPct) {
		proximityPct = 0
	}
	return &Detector{
		proximityPct: decimal.NewFromFloat(proximityPct),
		weights:      weights,
	}
}

type level struct {
	models.PriceLevel
	order int // position in the caller's input
}

type candidate struct {
	start   int
	window  map[int]bool // sorted-level indices the window covered
	members []int
	alive   bool
	prelim  float64
}

// Detect returns the confluence zones for one symbol ordered by score
// descending, then by distance from price, then by earliest-formed member.
// Malformed levels are logged and skipped.
func (d *Detector) Detect(symbol string, price decimal.Decimal, input []models.PriceLevel) []models.ConfluenceZone {
	levels := make([]level, 0, len(input))
	for i, l := range input {
		if err := l.Validate(); err != nil {
			logger.Warn("Skipping level %d for %s: %v", i, symbol, err)
			continue
		}
		levels = append(levels, level{PriceLevel: l, order: i})
	}
	if len(levels) < 2 {
		return nil
	}

	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})

	cands := d.windows(levels)
	if len(cands) == 0 {
		return nil
	}

	assignment := d.assign(levels, cands)

	zones := make([]models.ConfluenceZone, 0, len(cands))
	earliest := make([]level, 0, len(cands))
	for ci, c := range cands {
		var members []level
		for li, owner := range assignment {
			if owner == ci {
				members = append(members, levels[li])
			}
		}
		if !c.alive || len(members) < 2 || distinctKinds(members) < 2 {
			continue
		}
		zones = append(zones, d.buildZone(symbol, members))
		earliest = append(earliest, earliestMember(members))
	}

	idx := make([]int, len(zones))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		za, zb := zones[idx[a]], zones[idx[b]]
		if za.Score != zb.Score {
			return za.Score > zb.Score
		}
		da := za.CenterPrice.Sub(price).Abs()
		db := zb.CenterPrice.Sub(price).Abs()
		if !da.Equal(db) {
			return da.LessThan(db)
		}
		return formedBefore(earliest[idx[a]], earliest[idx[b]])
	})

	out := make([]models.ConfluenceZone, len(zones))
	for i, j := range idx {
		out[i] = zones[j]
	}
	return out
}

// windows sweeps the sorted levels and returns the maximal windows whose span
// stays within the proximity tolerance and that hold at least two kinds.
func (d *Detector) windows(levels []level) []*candidate {
	var cands []*candidate
	prevEnd := -1
	j := 0
	for i := range levels {
		if j < i {
			j = i
		}
		for j+1 < len(levels) && d.within(levels[i].Price, levels[j+1].Price) {
			j++
		}
		if j <= i || j <= prevEnd {
			continue
		}
		prevEnd = j

		span := levels[i : j+1]
		if distinctKinds(span) < 2 {
			continue
		}
		c := &candidate{start: i, window: make(map[int]bool, j-i+1), alive: true}
		var strength float64
		for k := i; k <= j; k++ {
			c.window[k] = true
			c.members = append(c.members, k)
			strength += levels[k].Strength
		}
		c.prelim = d.weights.forKinds(kindsOf(span)) * strength
		cands = append(cands, c)
	}
	return cands
}

// within reports whether hi is at most proximityPct percent above lo.
func (d *Detector) within(lo, hi decimal.Decimal) bool {
	spanPct := hi.Sub(lo).Div(lo).Mul(decimal.NewFromInt(100))
	return spanPct.LessThanOrEqual(d.proximityPct)
}

// assign gives every level covered by a candidate window to the single
// candidate whose current members it is closest to on average. Candidates
// that lose their kind diversity die and their levels are reassigned until
// the assignment stops changing.
func (d *Detector) assign(levels []level, cands []*candidate) map[int]int {
	assignment := make(map[int]int)
	for iter := 0; iter <= len(levels)+1; iter++ {
		next := make(map[int]int)
		for li := range levels {
			best, bestDist := -1, math.Inf(1)
			for ci, c := range cands {
				if !c.alive || !c.window[li] {
					continue
				}
				dist := avgDistance(levels, li, c.members)
				if math.IsInf(dist, 1) {
					continue
				}
				if best == -1 || dist < bestDist || (dist == bestDist && preferCandidate(c, cands[best])) {
					best, bestDist = ci, dist
				}
			}
			if best >= 0 {
				next[li] = best
			}
		}

		changed := !sameAssignment(assignment, next)
		assignment = next

		for ci, c := range cands {
			if !c.alive {
				continue
			}
			var members []int
			for li, owner := range assignment {
				if owner == ci {
					members = append(members, li)
				}
			}
			sort.Ints(members)
			c.members = members
			held := make([]level, len(members))
			for k, li := range members {
				held[k] = levels[li]
			}
			if len(members) < 2 || distinctKinds(held) < 2 {
				c.alive = false
				changed = true
			}
		}

		if !changed {
			break
		}
	}

	for li, ci := range assignment {
		if !cands[ci].alive {
			delete(assignment, li)
		}
	}
	return assignment
}

func (d *Detector) buildZone(symbol string, members []level) models.ConfluenceZone {
	sum := decimal.Zero
	var strength float64
	out := make([]models.PriceLevel, len(members))
	for i, m := range members {
		sum = sum.Add(m.Price)
		strength += m.Strength
		out[i] = m.PriceLevel
	}
	center := sum.DivRound(decimal.NewFromInt(int64(len(members))), 8)

	c := center.InexactFloat64()
	var width float64
	for _, m := range members {
		dev := math.Abs(m.Price.InexactFloat64()-c) / c * 100
		if dev > width {
			width = dev
		}
	}

	return models.ConfluenceZone{
		Symbol:      symbol,
		CenterPrice: center,
		Members:     out,
		WidthPct:    width,
		Score:       d.weights.forKinds(kindsOf(members)) * strength,
	}
}

func avgDistance(levels []level, li int, members []int) float64 {
	p := levels[li].Price
	var total decimal.Decimal
	n := 0
	for _, m := range members {
		if m == li {
			continue
		}
		total = total.Add(levels[m].Price.Sub(p).Abs())
		n++
	}
	if n == 0 {
		return math.Inf(1)
	}
	return total.InexactFloat64() / float64(n)
}

// preferCandidate breaks equal-distance ties: higher preliminary score, then
// the window that starts lower.
func preferCandidate(a, b *candidate) bool {
	if a.prelim != b.prelim {
		return a.prelim > b.prelim
	}
	return a.start < b.start
}

func sameAssignment(a, b map[int]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func kindsOf(levels []level) []models.LevelKind {
	var seen [3]bool
	var kinds []models.LevelKind
	for _, l := range levels {
		if !seen[l.Kind] {
			seen[l.Kind] = true
			kinds = append(kinds, l.Kind)
		}
	}
	return kinds
}

func distinctKinds(levels []level) int {
	return len(kindsOf(levels))
}

func earliestMember(members []level) level {
	best := members[0]
	for _, m := range members[1:] {
		if formedBefore(m, best) {
			best = m
		}
	}
	return best
}

// formedBefore orders by FormedAt when both are set, otherwise by input order.
func formedBefore(a, b level) bool {
	if !a.FormedAt.IsZero() && !b.FormedAt.IsZero() && !a.FormedAt.Equal(b.FormedAt) {
		return a.FormedAt.Before(b.FormedAt)
	}
	return a.order < b.order
}
