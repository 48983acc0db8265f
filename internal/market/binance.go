package market

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/models"
)

// Config controls how live levels are derived.
type Config struct {
	Symbols         []string
	BaseURL         string
	KlineInterval   string
	KlineLimit      int
	DepthLimit      int
	WallBucketPct   float64
	WallMinNotional float64
	PivotSpan       int
	MaxPivots       int
	MaxTickerDevPct float64
	Timeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		Symbols:         []string{"BTCUSDT", "ETHUSDT"},
		KlineInterval:   "4h",
		KlineLimit:      180,
		DepthLimit:      1000,
		WallBucketPct:   0.1,
		WallMinNotional: 5_000_000,
		PivotSpan:       1,
		MaxPivots:       5,
		MaxTickerDevPct: 2,
		Timeout:         10 * time.Second,
	}
}

// exchange is the slice of the futures REST API the source needs.
type exchange interface {
	Depth(ctx context.Context, symbol string, limit int) ([]Order, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	Ticker(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// BinanceSource derives levels from Binance USDⓈ-M futures: walls from the
// order book, pivots from klines, price from the ticker.
type BinanceSource struct {
	cfg Config
	api exchange
}

func NewBinanceSource(cfg Config) *BinanceSource {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	if cfg.BaseURL != "" {
		client.SetApiEndpoint(strings.TrimRight(cfg.BaseURL, "/"))
	}
	return &BinanceSource{cfg: cfg, api: &futuresAPI{client: client}}
}

// FetchLevels returns one snapshot per configured symbol. A symbol that fails
// is logged and left out; if every symbol fails the whole fetch fails.
func (s *BinanceSource) FetchLevels(ctx context.Context) ([]models.LevelSnapshot, error) {
	var out []models.LevelSnapshot
	var lastErr error
	for _, sym := range s.cfg.Symbols {
		snap, err := s.fetchSymbol(ctx, sym)
		if err != nil {
			logger.Warn("Failed to fetch levels for %s: %v", sym, err)
			lastErr = err
			continue
		}
		out = append(out, snap)
	}
	if len(out) == 0 && lastErr != nil {
		return nil, fmt.Errorf("%w: binance: %v", models.ErrSourceUnavailable, lastErr)
	}
	return out, nil
}

func (s *BinanceSource) fetchSymbol(ctx context.Context, symbol string) (models.LevelSnapshot, error) {
	candles, err := s.api.Klines(ctx, symbol, s.cfg.KlineInterval, s.cfg.KlineLimit)
	if err != nil {
		return models.LevelSnapshot{}, fmt.Errorf("klines: %w", err)
	}
	if len(candles) < 2*s.cfg.PivotSpan+1 {
		return models.LevelSnapshot{}, fmt.Errorf("not enough candles for %s: %d", symbol, len(candles))
	}
	lastClose := candles[len(candles)-1].Close

	ticker, err := s.api.Ticker(ctx, symbol)
	if err != nil {
		logger.Warn("Ticker unavailable for %s, using last close: %v", symbol, err)
		ticker = decimal.Zero
	}
	price := ResolvePrice(ticker, lastClose, s.cfg.MaxTickerDevPct)

	orders, err := s.api.Depth(ctx, symbol, s.cfg.DepthLimit)
	if err != nil {
		return models.LevelSnapshot{}, fmt.Errorf("depth: %w", err)
	}

	levels := Walls(orders, price, s.cfg.WallBucketPct, decimal.NewFromFloat(s.cfg.WallMinNotional))
	levels = append(levels, Pivots(candles, s.cfg.PivotSpan, price, s.cfg.MaxPivots)...)

	return models.LevelSnapshot{
		Symbol:  symbol,
		Price:   price,
		Levels:  levels,
		TakenAt: time.Now().UTC(),
	}, nil
}

type futuresAPI struct {
	client *futures.Client
}

func (a *futuresAPI) Depth(ctx context.Context, symbol string, limit int) ([]Order, error) {
	res, err := a.client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(res.Bids)+len(res.Asks))
	for _, bid := range res.Bids {
		if o, ok := parseOrder(bid.Price, bid.Quantity); ok {
			orders = append(orders, o)
		}
	}
	for _, ask := range res.Asks {
		if o, ok := parseOrder(ask.Price, ask.Quantity); ok {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func (a *futuresAPI) Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	res, err := a.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(res))
	for _, k := range res {
		c, err := parseCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close)
		if err != nil {
			logger.Debug("Skipping kline for %s: %v", symbol, err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func (a *futuresAPI) Ticker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	res, err := a.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range res {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("no ticker for %s", symbol)
}

func parseOrder(price, qty string) (Order, bool) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Order{}, false
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return Order{}, false
	}
	return Order{Price: p, Quantity: q}, true
}

func parseCandle(openMs int64, open, high, low, closePrice string) (Candle, error) {
	var c Candle
	var err error
	c.OpenTime = time.UnixMilli(openMs).UTC()
	if c.Open, err = decimal.NewFromString(open); err != nil {
		return c, fmt.Errorf("%w: open %q", models.ErrMalformedInput, open)
	}
	if c.High, err = decimal.NewFromString(high); err != nil {
		return c, fmt.Errorf("%w: high %q", models.ErrMalformedInput, high)
	}
	if c.Low, err = decimal.NewFromString(low); err != nil {
		return c, fmt.Errorf("%w: low %q", models.ErrMalformedInput, low)
	}
	if c.Close, err = decimal.NewFromString(closePrice); err != nil {
		return c, fmt.Errorf("%w: close %q", models.ErrMalformedInput, closePrice)
	}
	return c, nil
}
