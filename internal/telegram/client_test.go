package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/macrowatch/internal/models"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{`back\slash`, `back\\slash`},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	_, err := NewClient(Config{Token: "", ChatID: "not-a-number"})
	if err == nil {
		t.Fatal("Expected error for invalid chat ID, got nil")
	}
	if !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return tgbotapi.Message{}, errors.New("telegram: too many requests")
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func testClient(s sender) *Client {
	return newClient(s, 42, Config{MaxRetries: 3, RetryDelayBase: time.Millisecond, RatePerSecond: 1000, Burst: 100})
}

func TestDeliver_Idempotent(t *testing.T) {
	fs := &fakeSender{}
	c := testClient(fs)
	req := models.DeliveryRequest{ID: "req-1", Text: "hello", Kind: models.KindHeadline}

	require.NoError(t, c.Deliver(context.Background(), req))
	require.NoError(t, c.Deliver(context.Background(), req))
	assert.Len(t, fs.sent, 1)

	msg, ok := fs.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeMarkdownV2, msg.ParseMode)
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	fs := &fakeSender{fails: 2}
	c := testClient(fs)
	require.NoError(t, c.Deliver(context.Background(), models.DeliveryRequest{ID: "r", Text: "x"}))
	assert.Len(t, fs.sent, 1)
}

func TestDeliver_FailureIsNotRemembered(t *testing.T) {
	fs := &fakeSender{fails: 3}
	c := testClient(fs)
	req := models.DeliveryRequest{ID: "r", Text: "x", Kind: models.KindFedReminder}

	err := c.Deliver(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDeliveryFailure)

	require.NoError(t, c.Deliver(context.Background(), req), "failed IDs may be sent again")
	assert.Len(t, fs.sent, 1)
}

func TestDeliver_PhotoAndTarget(t *testing.T) {
	fs := &fakeSender{}
	c := testClient(fs)
	err := c.Deliver(context.Background(), models.DeliveryRequest{
		ID: "p", Text: "caption", Image: []byte{0x89, 'P', 'N', 'G'}, ChatTarget: "-100123",
	})
	require.NoError(t, err)

	photo, ok := fs.sent[0].(tgbotapi.PhotoConfig)
	require.True(t, ok)
	assert.Equal(t, int64(-100123), photo.ChatID)
	assert.Equal(t, "caption", photo.Caption)

	err = c.Deliver(context.Background(), models.DeliveryRequest{ID: "q", Text: "x", ChatTarget: "@chan"})
	assert.ErrorIs(t, err, models.ErrDeliveryFailure)
}

func TestDeliver_ContextCancelled(t *testing.T) {
	fs := &fakeSender{fails: 10}
	c := newClient(fs, 1, Config{MaxRetries: 5, RetryDelayBase: time.Hour, RatePerSecond: 1000, Burst: 10})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Deliver(ctx, models.DeliveryRequest{ID: "r", Text: "x"})
	assert.ErrorIs(t, err, models.ErrDeliveryFailure)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPruneDelivered(t *testing.T) {
	c := testClient(&fakeSender{})
	require.NoError(t, c.Deliver(context.Background(), models.DeliveryRequest{ID: "r", Text: "x"}))
	assert.Equal(t, 0, c.PruneDelivered(time.Hour))
	assert.Equal(t, 1, c.PruneDelivered(0))
}

type fakeQuery struct {
	forced models.Source
}

func (q *fakeQuery) LatestZones() []models.ZoneReport {
	return []models.ZoneReport{{
		Symbol: "BTCUSDT",
		Price:  decimal.NewFromInt(112000),
		Zones: []models.ConfluenceZone{{
			CenterPrice: decimal.NewFromInt(112975),
			Members:     []models.PriceLevel{{Kind: models.LiquidityWall}, {Kind: models.TrendlineResistance}},
			Score:       2.1,
		}},
	}}
}

func (q *fakeQuery) RecentHeadlines(n int) ([]models.AlertRecord, error) {
	h := models.HeadlineItem{SourceName: "feed", Text: "Fed hikes rates by 50bp", ImpactScore: 0.9}
	return []models.AlertRecord{
		{Summary: h.Text, Text: Formatter{}.Headline(h), Delivered: true},
		{Fingerprint: "headline:42", Delivered: false},
	}, nil
}

func (q *fakeQuery) NextEvent(now time.Time) (models.CalendarEvent, []models.ReminderOffset, bool) {
	return models.CalendarEvent{ID: "e", Title: "FOMC", EventTime: now.Add(90 * time.Minute)},
		[]models.ReminderOffset{models.NewReminderOffset(time.Hour)}, true
}

func (q *fakeQuery) Health() []models.SourceHealth {
	return []models.SourceHealth{{Source: models.SourceHeadline, Enabled: true, LastStatus: models.CycleFail, ConsecutiveFailures: 2, Breaker: "open"}}
}

func (q *fakeQuery) Force(ctx context.Context, source models.Source) (models.CycleResult, error) {
	q.forced = source
	if source != models.SourceConfluence {
		return models.CycleResult{}, errors.New("cannot force " + string(source))
	}
	return models.CycleResult{Source: source, Status: models.CycleSuccess, Sent: 2}, nil
}

func TestHandleCommand(t *testing.T) {
	c := testClient(&fakeSender{})
	q := &fakeQuery{}
	now := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	ctx := context.Background()

	assert.Equal(t, "Pong", c.handleCommand(ctx, q, "ping", nil, now))
	assert.Contains(t, c.handleCommand(ctx, q, "next", nil, now), "112,975 liquidity\\+resistance")
	assert.Contains(t, c.handleCommand(ctx, q, "fedwatch", nil, now), "in 1h 30m")

	recent := c.handleCommand(ctx, q, "tw_recent", nil, now)
	assert.Contains(t, recent, "Fed hikes rates by 50bp")
	assert.Contains(t, recent, "headline:42")
	assert.NotContains(t, recent, "impact 0")
	assert.NotContains(t, recent, `\\`)

	assert.Contains(t, c.handleCommand(ctx, q, "status", nil, now), "breaker open")
	assert.Contains(t, c.handleCommand(ctx, q, "force", nil, now), "Usage")

	out := c.handleCommand(ctx, q, "force", []string{"confluence"}, now)
	assert.Equal(t, models.SourceConfluence, q.forced)
	assert.Contains(t, out, "2 sent")
	assert.Contains(t, c.handleCommand(ctx, q, "force", []string{"fedwatch"}, now), "Force failed")

	assert.Empty(t, c.handleCommand(ctx, q, "unknown", nil, now))
}

func TestFormatPrice(t *testing.T) {
	tests := map[string]string{
		"112975.4": "112,975",
		"1234567":  "1,234,567",
		"999.456":  "999.46",
		"0.045678": "0.0457",
		"-2500":    "-2,500",
	}
	for in, want := range tests {
		assert.Equal(t, want, formatPrice(decimal.RequireFromString(in)), in)
	}
}

func TestFormatter_Confluence(t *testing.T) {
	var f Formatter
	zone := models.ConfluenceZone{
		Symbol:      "BTCUSDT",
		CenterPrice: decimal.NewFromInt(112975),
		WidthPct:    0.0221,
		Score:       2.1,
		Members: []models.PriceLevel{
			{Price: decimal.NewFromInt(112950), Kind: models.LiquidityWall, Strength: 0.8},
			{Price: decimal.NewFromInt(113000), Kind: models.TrendlineResistance, Strength: 0.6},
		},
	}
	setup := models.Setup{
		Bias:        models.Bearish,
		DistancePct: 0.87,
		EntryLow:    decimal.NewFromInt(112523),
		EntryHigh:   decimal.NewFromInt(112862),
		StopLoss:    decimal.NewFromInt(114105),
	}
	out := f.Confluence(zone, setup, decimal.NewFromInt(112000), false)

	assert.True(t, strings.HasPrefix(out, "🎯 *\\[Confluence\\] BTCUSDT* 🔻 *BEARISH*"), out)
	assert.Contains(t, out, "Entry: 112,523 – 112,862 \\| ⛔ SL: 114,105")
	assert.Contains(t, out, "\\+0\\.87% from price")
}

func TestFormatter_Reminder(t *testing.T) {
	var f Formatter
	ev := models.CalendarEvent{ID: "e", Title: "FOMC Press Conference", Location: "Washington, D.C.", EventTime: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	out := f.Reminder(models.DueReminder{Event: ev, Offset: models.NewReminderOffset(time.Hour)}, ev.EventTime.Add(-time.Hour))

	assert.Contains(t, out, "*\\[FedWatch\\] Alert — T\\-1h*")
	assert.Contains(t, out, "2025\\-03\\-01 12:00 UTC \\(in 1h 0m\\)")
	assert.Contains(t, out, "📍 Washington, D\\.C\\.")
}

func TestFormatter_Headline(t *testing.T) {
	var f Formatter
	out := f.Headline(models.HeadlineItem{Text: "Tariffs (big) ones", URL: "https://x.com/a_(b)", SourceName: "truth", ImpactScore: 0.85})
	assert.Contains(t, out, "impact 0\\.85")
	assert.Contains(t, out, "Tariffs \\(big\\) ones")
	assert.Contains(t, out, "[source](https://x.com/a_(b\\))")
}
