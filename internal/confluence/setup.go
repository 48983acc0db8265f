package confluence

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/macrowatch/internal/models"
)

var (
	entryNear = decimal.NewFromFloat(0.001)
	entryFar  = decimal.NewFromFloat(0.004)
	stopPad   = decimal.NewFromFloat(0.01)
	one       = decimal.NewFromInt(1)
)

// PlanSetup derives bias, entry band and stop loss from a zone. A zone above
// price is treated as resistance (bearish), anything else as support.
func PlanSetup(zone models.ConfluenceZone, price decimal.Decimal) models.Setup {
	lvl := zone.CenterPrice
	var s models.Setup
	if price.IsPositive() {
		s.DistancePct = lvl.Sub(price).Div(price).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	if lvl.GreaterThan(price) {
		s.Bias = models.Bearish
		s.EntryLow = lvl.Mul(one.Sub(entryFar)).Round(2)
		s.EntryHigh = lvl.Mul(one.Sub(entryNear)).Round(2)
		s.StopLoss = lvl.Mul(one.Add(stopPad)).Round(2)
	} else {
		s.Bias = models.Bullish
		s.EntryLow = lvl.Mul(one.Add(entryNear)).Round(2)
		s.EntryHigh = lvl.Mul(one.Add(entryFar)).Round(2)
		s.StopLoss = lvl.Mul(one.Sub(stopPad)).Round(2)
	}
	return s
}

// Fingerprint identifies a zone across scans: symbol, member kinds and the
// center rounded to the largest power of ten that fits inside the proximity
// band. Zones more than one band apart never share a fingerprint, while small
// drift of the same zone keeps it.
func (d *Detector) Fingerprint(zone models.ConfluenceZone) string {
	return fmt.Sprintf("confluence:%s:%s:%s",
		strings.ToUpper(zone.Symbol), d.bucket(zone.CenterPrice), zone.KindsLabel())
}

func (d *Detector) bucket(center decimal.Decimal) string {
	band := center.Abs().Mul(d.proximityPct).Div(decimal.NewFromInt(100)).InexactFloat64()
	if band <= 0 {
		return center.String()
	}
	places := -int32(math.Floor(math.Log10(band)))
	return center.Round(places).String()
}
