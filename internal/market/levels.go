// Package market turns exchange data into price levels for confluence
// detection.
package market

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/macrowatch/internal/models"
)

// Order is one resting price level of an order book.
type Order struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Candle is one kline.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Walls groups book orders into buckets bucketPct percent of mid wide and
// returns buckets whose notional reaches minNotional. Each wall sits at the
// notional-weighted price of its bucket; strength is notional relative to
// the largest wall.
func Walls(orders []Order, mid decimal.Decimal, bucketPct float64, minNotional decimal.Decimal) []models.PriceLevel {
	if !mid.IsPositive() || bucketPct <= 0 {
		return nil
	}
	width := mid.Mul(decimal.NewFromFloat(bucketPct)).Div(hundred)
	if !width.IsPositive() {
		return nil
	}

	type bucket struct {
		notional decimal.Decimal
		weighted decimal.Decimal
	}
	buckets := make(map[int64]*bucket)
	for _, o := range orders {
		if !o.Price.IsPositive() || !o.Quantity.IsPositive() {
			continue
		}
		key := o.Price.Div(width).Floor().IntPart()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		n := o.Price.Mul(o.Quantity)
		b.notional = b.notional.Add(n)
		b.weighted = b.weighted.Add(n.Mul(o.Price))
	}

	keys := make([]int64, 0, len(buckets))
	maxNotional := decimal.Zero
	for k, b := range buckets {
		if b.notional.LessThan(minNotional) {
			continue
		}
		keys = append(keys, k)
		if b.notional.GreaterThan(maxNotional) {
			maxNotional = b.notional
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	levels := make([]models.PriceLevel, 0, len(keys))
	for _, k := range keys {
		b := buckets[k]
		levels = append(levels, models.PriceLevel{
			Price:    b.weighted.Div(b.notional).Round(8),
			Kind:     models.LiquidityWall,
			Strength: b.notional.Div(maxNotional).InexactFloat64(),
			Source:   "orderbook",
		})
	}
	return levels
}

// Pivots finds swing highs and lows: candles whose high (low) is strictly
// above (below) the span candles on either side. Highs at or above price
// become resistance and lows at or below price become support; at most
// maxPerSide of each, nearest to price first. Later pivots are stronger.
func Pivots(candles []Candle, span int, price decimal.Decimal, maxPerSide int) []models.PriceLevel {
	if span < 1 {
		span = 1
	}
	n := len(candles)
	var res, sup []models.PriceLevel
	for i := span; i < n-span; i++ {
		isHigh, isLow := true, true
		for k := i - span; k <= i+span; k++ {
			if k == i {
				continue
			}
			if !candles[i].High.GreaterThan(candles[k].High) {
				isHigh = false
			}
			if !candles[i].Low.LessThan(candles[k].Low) {
				isLow = false
			}
		}
		strength := float64(i+1) / float64(n)
		if isHigh && candles[i].High.GreaterThanOrEqual(price) {
			res = append(res, models.PriceLevel{
				Price:    candles[i].High,
				Kind:     models.TrendlineResistance,
				Strength: strength,
				FormedAt: candles[i].OpenTime,
				Source:   "klines",
			})
		}
		if isLow && candles[i].Low.LessThanOrEqual(price) {
			sup = append(sup, models.PriceLevel{
				Price:    candles[i].Low,
				Kind:     models.TrendlineSupport,
				Strength: strength,
				FormedAt: candles[i].OpenTime,
				Source:   "klines",
			})
		}
	}

	nearest := func(levels []models.PriceLevel) []models.PriceLevel {
		sort.SliceStable(levels, func(i, j int) bool {
			return levels[i].Price.Sub(price).Abs().LessThan(levels[j].Price.Sub(price).Abs())
		})
		if maxPerSide > 0 && len(levels) > maxPerSide {
			levels = levels[:maxPerSide]
		}
		return levels
	}
	return append(nearest(res), nearest(sup)...)
}

// ResolvePrice prefers the ticker price but falls back to the last close when
// the two disagree by more than maxDeviationPct.
func ResolvePrice(ticker, lastClose decimal.Decimal, maxDeviationPct float64) decimal.Decimal {
	if !ticker.IsPositive() {
		return lastClose
	}
	if !lastClose.IsPositive() {
		return ticker
	}
	dev := ticker.Sub(lastClose).Abs().Div(ticker).Mul(hundred)
	if dev.GreaterThan(decimal.NewFromFloat(maxDeviationPct)) {
		return lastClose
	}
	return ticker
}
