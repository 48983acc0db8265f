// Package models defines the core domain entities: price levels, confluence
// zones, calendar events, headlines and the alert records built from them.
package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LevelKind identifies which structural signal produced a price level.
type LevelKind int

const (
	LiquidityWall LevelKind = iota
	TrendlineSupport
	TrendlineResistance
)

func (k LevelKind) String() string {
	switch k {
	case LiquidityWall:
		return "liquidity"
	case TrendlineSupport:
		return "support"
	case TrendlineResistance:
		return "resistance"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsTrendline reports whether the level was derived from a trendline.
func (k LevelKind) IsTrendline() bool {
	return k == TrendlineSupport || k == TrendlineResistance
}

// PriceLevel is a single support, resistance or liquidity level supplied by
// an upstream adapter. FormedAt is optional; when zero, input order stands in
// for formation order.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Kind     LevelKind       `json:"kind"`
	Strength float64         `json:"strength"`
	FormedAt time.Time       `json:"formed_at,omitempty"`
	Source   string          `json:"source,omitempty"`
}

// Validate checks level field constraints.
func (l PriceLevel) Validate() error {
	if !l.Price.IsPositive() {
		return fmt.Errorf("%w: level price must be positive, got %s", ErrMalformedInput, l.Price)
	}
	if math.IsNaN(l.Strength) || math.IsInf(l.Strength, 0) {
		return fmt.Errorf("%w: level strength must be finite", ErrMalformedInput)
	}
	if l.Strength < 0 {
		return fmt.Errorf("%w: level strength must not be negative, got %f", ErrMalformedInput, l.Strength)
	}
	switch l.Kind {
	case LiquidityWall, TrendlineSupport, TrendlineResistance:
	default:
		return fmt.Errorf("%w: unknown level kind %d", ErrMalformedInput, int(l.Kind))
	}
	return nil
}

// LevelSnapshot is what a price adapter returns for one symbol.
type LevelSnapshot struct {
	Symbol  string
	Price   decimal.Decimal
	Levels  []PriceLevel
	TakenAt time.Time
}

// ConfluenceZone is a price band where levels of at least two kinds agree.
type ConfluenceZone struct {
	Symbol      string          `json:"symbol"`
	CenterPrice decimal.Decimal `json:"center_price"`
	Members     []PriceLevel    `json:"members"`
	WidthPct    float64         `json:"width_pct"`
	Score       float64         `json:"score"`
}

// Kinds returns the distinct member kinds in ascending order.
func (z ConfluenceZone) Kinds() []LevelKind {
	var seen [3]bool
	for _, m := range z.Members {
		if int(m.Kind) >= 0 && int(m.Kind) < len(seen) {
			seen[m.Kind] = true
		}
	}
	var kinds []LevelKind
	for k, ok := range seen {
		if ok {
			kinds = append(kinds, LevelKind(k))
		}
	}
	return kinds
}

// KindsLabel joins the member kinds, e.g. "liquidity+resistance".
func (z ConfluenceZone) KindsLabel() string {
	kinds := z.Kinds()
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = k.String()
	}
	return strings.Join(parts, "+")
}

// Validate checks the zone invariants.
func (z ConfluenceZone) Validate() error {
	if len(z.Members) < 2 {
		return errors.New("confluence zone needs at least two members")
	}
	if len(z.Kinds()) < 2 {
		return errors.New("confluence zone needs members of at least two kinds")
	}
	if !z.CenterPrice.IsPositive() {
		return errors.New("confluence zone center must be positive")
	}
	center := z.CenterPrice.InexactFloat64()
	for _, m := range z.Members {
		dev := math.Abs(m.Price.InexactFloat64()-center) / center * 100
		if dev > z.WidthPct+1e-9 {
			return fmt.Errorf("member %s lies outside %.4f%% of center %s", m.Price, z.WidthPct, z.CenterPrice)
		}
	}
	return nil
}

// Bias is the reversal direction suggested by a zone relative to price.
type Bias string

const (
	Bullish Bias = "bullish"
	Bearish Bias = "bearish"
)

// Setup is the trade plan attached to a confluence alert.
type Setup struct {
	Bias        Bias            `json:"bias"`
	DistancePct float64         `json:"distance_pct"`
	EntryLow    decimal.Decimal `json:"entry_low"`
	EntryHigh   decimal.Decimal `json:"entry_high"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
}
