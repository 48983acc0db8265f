package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/macrowatch/internal/breaker"
	"github.com/rewired-gh/macrowatch/internal/metrics"
	"github.com/rewired-gh/macrowatch/internal/models"
	"github.com/rewired-gh/macrowatch/internal/storage"
	"github.com/rewired-gh/macrowatch/internal/telegram"
)

type fakeLevels struct {
	mu    sync.Mutex
	snaps []models.LevelSnapshot
	err   error
	calls int
}

func (f *fakeLevels) FetchLevels(ctx context.Context) ([]models.LevelSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.snaps, f.err
}

type fakeCalendar struct {
	events []models.CalendarEvent
	err    error
}

func (f *fakeCalendar) FetchEvents(ctx context.Context) ([]models.CalendarEvent, error) {
	return f.events, f.err
}

type fakeHeadlines struct {
	items []models.HeadlineItem
	err   error
}

func (f *fakeHeadlines) FetchHeadlines(ctx context.Context) ([]models.HeadlineItem, error) {
	return f.items, f.err
}

type fakeDeliverer struct {
	mu   sync.Mutex
	reqs []models.DeliveryRequest
	err  error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, req models.DeliveryRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

func (f *fakeDeliverer) byKind(kind models.AlertKind) []models.DeliveryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DeliveryRequest
	for _, r := range f.reqs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcSnapshot() models.LevelSnapshot {
	return models.LevelSnapshot{
		Symbol: "BTCUSDT",
		Price:  dec("112500"),
		Levels: []models.PriceLevel{
			{Price: dec("112950"), Kind: models.LiquidityWall, Strength: 0.8},
			{Price: dec("113000"), Kind: models.TrendlineResistance, Strength: 0.6},
			{Price: dec("118000"), Kind: models.LiquidityWall, Strength: 0.9},
		},
	}
}

type harness struct {
	mon     *Monitor
	deliver *fakeDeliverer
	store   *storage.Storage
	clock   *clock
}

func newHarness(t *testing.T, cfg Config, src Sources) *harness {
	t.Helper()
	store, err := storage.New(100, storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	d := &fakeDeliverer{}
	m := New(cfg, src, Deps{
		Deliverer: d,
		Journal:   store,
		Recorder:  metrics.New(),
		Formatter: telegram.Formatter{},
		Breakers:  breaker.NewSet(breaker.Settings{ConsecutiveFailures: 2, OpenTimeout: time.Hour}),
	})
	c := &clock{t: ts("2025-03-01T08:00:00Z")}
	m.now = c.now
	return &harness{mon: m, deliver: d, store: store, clock: c}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProximityPct = 0.1
	cfg.PostSummary = false
	return cfg
}

func TestScanConfluence_DeliversThenSuppresses(t *testing.T) {
	h := newHarness(t, testConfig(), Sources{Levels: &fakeLevels{snaps: []models.LevelSnapshot{btcSnapshot()}}})

	res := h.mon.ScanConfluence(context.Background())
	assert.Equal(t, models.CycleSuccess, res.Status)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Sent)

	sent := h.deliver.byKind(models.KindConfluenceSetup)
	require.Len(t, sent, 1)
	assert.Equal(t, "confluence:BTCUSDT:113000:liquidity+resistance", sent[0].Fingerprint)
	assert.Contains(t, sent[0].Text, "BTCUSDT")

	zones := h.mon.LatestZones()
	require.Len(t, zones, 1)
	require.Len(t, zones[0].Zones, 1)
	assert.True(t, zones[0].Zones[0].CenterPrice.Equal(dec("112975")))

	h.clock.advance(time.Hour)
	res = h.mon.ScanConfluence(context.Background())
	assert.Equal(t, 1, res.Suppressed)
	assert.Equal(t, 0, res.Sent)
	assert.Len(t, h.deliver.byKind(models.KindConfluenceSetup), 1)

	h.clock.advance(4 * time.Hour)
	res = h.mon.ScanConfluence(context.Background())
	assert.Equal(t, 1, res.Sent, "cooldown elapsed")
}

func TestScanConfluence_PostsSummary(t *testing.T) {
	cfg := testConfig()
	cfg.PostSummary = true
	h := newHarness(t, cfg, Sources{Levels: &fakeLevels{snaps: []models.LevelSnapshot{btcSnapshot()}}})

	h.mon.ScanConfluence(context.Background())
	summaries := h.deliver.byKind(models.KindScanSummary)
	require.Len(t, summaries, 1)
	assert.Contains(t, summaries[0].Text, "Detected 1 confluence")

	_, err := h.mon.Force(context.Background(), models.SourceConfluence)
	require.NoError(t, err)
	assert.Len(t, h.deliver.byKind(models.KindScanSummary), 1, "forced scans post no summary")
}

func TestScanConfluence_DeliveryFailureKeepsCooldown(t *testing.T) {
	h := newHarness(t, testConfig(), Sources{Levels: &fakeLevels{snaps: []models.LevelSnapshot{btcSnapshot()}}})
	h.deliver.err = models.ErrDeliveryFailure

	res := h.mon.ScanConfluence(context.Background())
	assert.Equal(t, models.CycleFail, res.Status)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, errors.Is(res.Err, models.ErrDeliveryFailure))

	h.deliver.err = nil
	res = h.mon.ScanConfluence(context.Background())
	assert.Equal(t, 1, res.Suppressed, "failed delivery leaves the fingerprint committed")

	records, err := h.store.RecentAlerts(models.SourceConfluence, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Delivered)
	assert.NotEmpty(t, records[0].Error)
}

func TestScan_SourceUnavailableFails(t *testing.T) {
	levels := &fakeLevels{err: errors.New("connection refused")}
	h := newHarness(t, testConfig(), Sources{Levels: levels})

	res := h.mon.ScanConfluence(context.Background())
	assert.Equal(t, models.CycleFail, res.Status)
	assert.True(t, errors.Is(res.Err, models.ErrSourceUnavailable))
	assert.Empty(t, h.deliver.reqs)

	health := h.mon.Health()
	require.Len(t, health, 3)
	assert.Equal(t, models.SourceConfluence, health[0].Source)
	assert.True(t, health[0].Enabled)
	assert.Equal(t, 1, health[0].ConsecutiveFailures)
	assert.False(t, health[1].Enabled)
}

func TestScan_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	levels := &fakeLevels{err: errors.New("timeout")}
	h := newHarness(t, testConfig(), Sources{Levels: levels})

	for i := 0; i < 2; i++ {
		res := h.mon.ScanConfluence(context.Background())
		assert.Equal(t, models.CycleFail, res.Status)
	}
	res := h.mon.ScanConfluence(context.Background())
	assert.Equal(t, models.CycleSkip, res.Status)
	assert.True(t, errors.Is(res.Err, models.ErrSourceUnavailable))
	assert.Equal(t, 2, levels.calls, "open breaker short-circuits the third fetch")
	assert.Equal(t, 3, h.mon.Health()[0].ConsecutiveFailures)
	assert.Equal(t, "open", h.mon.Health()[0].Breaker)
}

func TestScan_DiagnosticsOnFailureAndRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.DiagChatID = "-100"
	levels := &fakeLevels{err: errors.New("boom")}
	h := newHarness(t, cfg, Sources{Levels: levels})

	h.mon.ScanConfluence(context.Background())
	diag := h.deliver.byKind(models.KindDiagnostic)
	require.Len(t, diag, 1)
	assert.Equal(t, "-100", diag[0].ChatTarget)

	levels.mu.Lock()
	levels.err = nil
	levels.snaps = []models.LevelSnapshot{btcSnapshot()}
	levels.mu.Unlock()

	h.mon.ScanConfluence(context.Background())
	assert.Len(t, h.deliver.byKind(models.KindDiagnostic), 2, "recovery reported once")
	assert.Equal(t, 0, h.mon.Health()[0].ConsecutiveFailures)
}

func TestScan_MissingSourceSkips(t *testing.T) {
	h := newHarness(t, testConfig(), Sources{})
	res := h.mon.ScanHeadlines(context.Background())
	assert.Equal(t, models.CycleSkip, res.Status)
	assert.False(t, h.mon.Health()[2].Enabled)
}

func TestScan_NoDiagnosticsWithoutDiagChat(t *testing.T) {
	h := newHarness(t, testConfig(), Sources{Levels: &fakeLevels{err: errors.New("boom")}})
	h.mon.ScanConfluence(context.Background())
	assert.Empty(t, h.deliver.byKind(models.KindDiagnostic))
}

func TestScanReminders_FiresOnceEach(t *testing.T) {
	cal := &fakeCalendar{events: []models.CalendarEvent{
		{ID: "fomc-mar", Title: "FOMC Press Conference", EventTime: ts("2025-03-01T12:00:00Z")},
	}}
	h := newHarness(t, testConfig(), Sources{Calendar: cal})
	h.clock.t = ts("2025-02-28T12:00:00Z")

	res := h.mon.ScanReminders(context.Background())
	assert.Equal(t, models.CycleSuccess, res.Status)
	require.Equal(t, 1, res.Sent)
	assert.Equal(t, "fed:fomc-mar:T-24h", h.deliver.byKind(models.KindFedReminder)[0].Fingerprint)

	res = h.mon.ScanReminders(context.Background())
	assert.Equal(t, 0, res.Candidates)

	h.clock.t = ts("2025-03-01T11:00:00Z")
	res = h.mon.ScanReminders(context.Background())
	assert.Equal(t, 1, res.Sent)

	e, pending, ok := h.mon.NextEvent(h.clock.now())
	require.True(t, ok)
	assert.Equal(t, "fomc-mar", e.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, "T-10m", pending[0].Label)

	h.clock.t = ts("2025-03-01T13:00:00Z")
	res = h.mon.ScanReminders(context.Background())
	assert.Equal(t, 0, res.Candidates, "passed event never fires late")
}

func TestScanHeadlines_FiltersAndDedupes(t *testing.T) {
	src := &fakeHeadlines{items: []models.HeadlineItem{
		{ID: "1", Text: "Fed hikes rates", ImpactScore: 0.9},
		{ID: "2", Text: "Local sports", ImpactScore: 0.5},
		{ID: "3", Text: "CPI above forecast", ImpactScore: 0.7},
	}}
	h := newHarness(t, testConfig(), Sources{Headlines: src})

	res := h.mon.ScanHeadlines(context.Background())
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 2, res.Sent)

	sent := h.deliver.byKind(models.KindHeadline)
	require.Len(t, sent, 2)
	assert.Equal(t, "headline:1", sent[0].Fingerprint)
	assert.Equal(t, "headline:3", sent[1].Fingerprint)

	h.clock.advance(time.Minute)
	res = h.mon.ScanHeadlines(context.Background())
	assert.Equal(t, 2, res.Suppressed)

	recent, err := h.mon.RecentHeadlines(5)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestForce_BypassesCooldown(t *testing.T) {
	h := newHarness(t, testConfig(), Sources{Levels: &fakeLevels{snaps: []models.LevelSnapshot{btcSnapshot()}}})

	h.mon.ScanConfluence(context.Background())
	res, err := h.mon.Force(context.Background(), models.SourceConfluence)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	sent := h.deliver.byKind(models.KindConfluenceSetup)
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].Text, "forced")

	_, err = h.mon.Force(context.Background(), models.SourceFedEvent)
	assert.Error(t, err)
}

func TestScan_ConcurrentCyclesDeliverOnce(t *testing.T) {
	h := newHarness(t, testConfig(), Sources{Levels: &fakeLevels{snaps: []models.LevelSnapshot{btcSnapshot()}}})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.mon.ScanConfluence(context.Background())
		}()
	}
	wg.Wait()
	assert.Len(t, h.deliver.byKind(models.KindConfluenceSetup), 1)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.BootBanner = true
	cfg.HeadlinePoll = time.Hour
	src := &fakeHeadlines{items: []models.HeadlineItem{{ID: "1", Text: "Fed hikes rates", ImpactScore: 0.9}}}
	h := newHarness(t, cfg, Sources{Headlines: src})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.mon.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return len(h.deliver.byKind(models.KindHeadline)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.deliver.byKind(models.KindDiagnostic), 1, "boot banner")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNextScan(t *testing.T) {
	hours := []int{0, 4, 8, 12, 16, 20}
	tests := []struct {
		now  string
		want string
	}{
		{"2025-03-01T03:59:59Z", "2025-03-01T04:00:00Z"},
		{"2025-03-01T04:00:00Z", "2025-03-01T08:00:00Z"},
		{"2025-03-01T21:30:00Z", "2025-03-02T00:00:00Z"},
	}
	for _, tt := range tests {
		assert.Equal(t, ts(tt.want), nextScan(ts(tt.now), hours), tt.now)
	}
	assert.Equal(t, ts("2025-03-02T12:00:00Z"), nextScan(ts("2025-03-01T13:00:00Z"), []int{12}))
}

type blockingLevels struct {
	mu    sync.Mutex
	block bool
	snaps []models.LevelSnapshot
}

func (b *blockingLevels) FetchLevels(ctx context.Context) ([]models.LevelSnapshot, error) {
	b.mu.Lock()
	block := b.block
	b.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.snaps, nil
}

type blockingDeliverer struct{}

func (blockingDeliverer) Deliver(ctx context.Context, req models.DeliveryRequest) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestScanConfluence_SeparatesNearbyZones(t *testing.T) {
	snap := models.LevelSnapshot{
		Symbol: "BTCUSDT",
		Price:  dec("112000"),
		Levels: []models.PriceLevel{
			{Price: dec("112600"), Kind: models.LiquidityWall, Strength: 0.8},
			{Price: dec("112650"), Kind: models.TrendlineResistance, Strength: 0.6},
			{Price: dec("113400"), Kind: models.LiquidityWall, Strength: 0.7},
			{Price: dec("113450"), Kind: models.TrendlineResistance, Strength: 0.5},
		},
	}
	h := newHarness(t, testConfig(), Sources{Levels: &fakeLevels{snaps: []models.LevelSnapshot{snap}}})

	res := h.mon.ScanConfluence(context.Background())
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 0, res.Suppressed)

	sent := h.deliver.byKind(models.KindConfluenceSetup)
	require.Len(t, sent, 2)
	assert.NotEqual(t, sent[0].Fingerprint, sent[1].Fingerprint)

	records, err := h.store.RecentAlerts(models.SourceConfluence, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Contains(t, r.Summary, "BTCUSDT liquidity+resistance @ 11")
	}
}

func TestScanConfluence_SourceTimeoutFailsOneCycle(t *testing.T) {
	cfg := testConfig()
	cfg.SourceTimeout = 50 * time.Millisecond
	src := &blockingLevels{block: true, snaps: []models.LevelSnapshot{btcSnapshot()}}
	h := newHarness(t, cfg, Sources{Levels: src})

	start := time.Now()
	res := h.mon.ScanConfluence(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, models.CycleFail, res.Status)
	assert.ErrorIs(t, res.Err, models.ErrSourceUnavailable)
	assert.ErrorContains(t, res.Err, "deadline exceeded")

	src.mu.Lock()
	src.block = false
	src.mu.Unlock()

	res = h.mon.ScanConfluence(context.Background())
	assert.Equal(t, models.CycleSuccess, res.Status)
	assert.Equal(t, 1, res.Sent)
}

func TestScanHeadlines_DeliveryTimeoutKeepsCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.DeliveryTimeout = 50 * time.Millisecond
	src := &fakeHeadlines{items: []models.HeadlineItem{{ID: "1", Text: "Fed hikes rates", ImpactScore: 0.9}}}
	h := newHarness(t, cfg, Sources{Headlines: src})
	h.mon.deliverer = blockingDeliverer{}

	start := time.Now()
	res := h.mon.ScanHeadlines(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, models.CycleFail, res.Status)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Sent)
	assert.ErrorIs(t, res.Err, models.ErrDeliveryFailure)

	_, committed := h.mon.cooldown.Last("headline:1")
	assert.True(t, committed)

	recent, err := h.mon.RecentHeadlines(5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Delivered)
	assert.Equal(t, "Fed hikes rates", recent[0].Summary)
	assert.Contains(t, recent[0].Error, "deadline exceeded")

	h.mon.deliverer = h.deliver
	h.clock.advance(time.Minute)
	res = h.mon.ScanHeadlines(context.Background())
	assert.Equal(t, models.CycleSuccess, res.Status)
	assert.Equal(t, 1, res.Suppressed)
	assert.Empty(t, h.deliver.byKind(models.KindHeadline))
}

func TestScanHeadlines_SkipsStaleItems(t *testing.T) {
	src := &fakeHeadlines{items: []models.HeadlineItem{
		{ID: "old", Text: "Tariffs announced", ImpactScore: 0.9, PublishedAt: ts("2025-02-27T08:00:00Z")},
		{ID: "new", Text: "Fed hikes rates", ImpactScore: 0.9, PublishedAt: ts("2025-03-01T07:00:00Z")},
	}}
	h := newHarness(t, testConfig(), Sources{Headlines: src})

	res := h.mon.ScanHeadlines(context.Background())
	assert.Equal(t, 1, res.Candidates)
	sent := h.deliver.byKind(models.KindHeadline)
	require.Len(t, sent, 1)
	assert.Equal(t, "headline:new", sent[0].Fingerprint)

	res, err := h.mon.Force(context.Background(), models.SourceHeadline)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent, "forced scans ignore age")
}

func TestNew_DefaultsFormatter(t *testing.T) {
	d := &fakeDeliverer{}
	m := New(testConfig(), Sources{Levels: &fakeLevels{snaps: []models.LevelSnapshot{btcSnapshot()}}}, Deps{Deliverer: d})

	res := m.ScanConfluence(context.Background())
	assert.Equal(t, 1, res.Sent)
	sent := d.byKind(models.KindConfluenceSetup)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, `*\[Confluence\] BTCUSDT*`)
}
