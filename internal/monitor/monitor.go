// Package monitor runs the scan loops that turn source data into alerts:
// fetch, detect, check cooldown, deliver, journal.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/macrowatch/internal/breaker"
	"github.com/rewired-gh/macrowatch/internal/confluence"
	"github.com/rewired-gh/macrowatch/internal/cooldown"
	"github.com/rewired-gh/macrowatch/internal/impact"
	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/models"
	"github.com/rewired-gh/macrowatch/internal/reminder"
	"github.com/rewired-gh/macrowatch/internal/telegram"
)

// LevelSource returns one snapshot per configured symbol.
type LevelSource interface {
	FetchLevels(ctx context.Context) ([]models.LevelSnapshot, error)
}

// CalendarSource returns the upcoming calendar.
type CalendarSource interface {
	FetchEvents(ctx context.Context) ([]models.CalendarEvent, error)
}

// HeadlineSource returns scored headlines in chronological order.
type HeadlineSource interface {
	FetchHeadlines(ctx context.Context) ([]models.HeadlineItem, error)
}

// Deliverer hands a request to the messaging transport.
type Deliverer interface {
	Deliver(ctx context.Context, req models.DeliveryRequest) error
}

// Journal keeps a record of every alert the engine tried to deliver.
type Journal interface {
	RecordAlert(rec *models.AlertRecord) error
	RecentAlerts(source models.Source, limit int) ([]models.AlertRecord, error)
}

// Recorder receives cycle and delivery metrics.
type Recorder interface {
	RecordCycle(source, status string, seconds float64)
	RecordSent(source string)
	RecordSuppressed(source string)
	RecordDeliveryFailure(source string)
	RecordZones(symbol string, n int)
	RecordLastPrice(symbol string, price float64)
}

// Formatter renders alert texts for the transport.
type Formatter interface {
	Confluence(zone models.ConfluenceZone, setup models.Setup, price decimal.Decimal, forced bool) string
	ScanSummary(symbols []string, zones int, at time.Time) string
	Reminder(r models.DueReminder, now time.Time) string
	Headline(h models.HeadlineItem) string
	Error(source models.Source, err error) string
	Recovery(source models.Source, failures int) string
	Boot(at time.Time, sources []models.Source) string
	Heartbeat(at time.Time) string
}

var errNoSource = fmt.Errorf("%w: source not configured", models.ErrSourceUnavailable)

type Config struct {
	ProximityPct       float64
	Weights            confluence.Weights
	ScanHours          []int
	RunOnStart         bool
	PostSummary        bool
	ConfluenceCooldown time.Duration
	ReminderPoll       time.Duration
	ReminderCooldown   time.Duration
	HeadlinePoll       time.Duration
	HeadlineCooldown   time.Duration
	ImpactThreshold    float64
	SourceTimeout      time.Duration
	DeliveryTimeout    time.Duration
	DiagChatID         string
	BootBanner         bool
	Heartbeat          time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProximityPct:       0.6,
		Weights:            confluence.DefaultWeights(),
		ScanHours:          []int{0, 4, 8, 12, 16, 20},
		PostSummary:        true,
		ConfluenceCooldown: 4 * time.Hour,
		ReminderPoll:       time.Minute,
		ReminderCooldown:   5 * time.Minute,
		HeadlinePoll:       15 * time.Minute,
		HeadlineCooldown:   24 * time.Hour,
		ImpactThreshold:    0.7,
		SourceTimeout:      30 * time.Second,
		DeliveryTimeout:    30 * time.Second,
		BootBanner:         true,
	}
}

// Sources holds the adapters. A nil source disables its loop.
type Sources struct {
	Levels    LevelSource
	Calendar  CalendarSource
	Headlines HeadlineSource
}

// Deps are the collaborators and owned stores. Nil stores are created with
// defaults, a nil Formatter renders Telegram MarkdownV2, and a nil Deliverer
// only logs.
type Deps struct {
	Deliverer Deliverer
	Journal   Journal
	Recorder  Recorder
	Formatter Formatter
	Cooldown  *cooldown.Store
	Reminders *reminder.Scheduler
	Breakers  *breaker.Set
}

// Monitor is the alert orchestrator. Scan methods are safe to call
// concurrently with the running loops.
type Monitor struct {
	config    Config
	sources   Sources
	deliverer Deliverer
	journal   Journal
	recorder  Recorder
	format    Formatter
	cooldown  *cooldown.Store
	reminders *reminder.Scheduler
	breakers  *breaker.Set
	detector  *confluence.Detector
	now       func() time.Time

	mu     sync.RWMutex
	zones  map[string]models.ZoneReport
	health map[models.Source]*models.SourceHealth
}

func New(config Config, sources Sources, deps Deps) *Monitor {
	m := &Monitor{
		config:    config,
		sources:   sources,
		deliverer: deps.Deliverer,
		journal:   deps.Journal,
		recorder:  deps.Recorder,
		format:    deps.Formatter,
		cooldown:  deps.Cooldown,
		reminders: deps.Reminders,
		breakers:  deps.Breakers,
		detector:  confluence.New(config.ProximityPct, config.Weights),
		now:       func() time.Time { return time.Now().UTC() },
		zones:     make(map[string]models.ZoneReport),
		health:    make(map[models.Source]*models.SourceHealth),
	}
	if m.deliverer == nil {
		m.deliverer = logDeliverer{}
	}
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	if m.format == nil {
		m.format = telegram.Formatter{}
	}
	if m.cooldown == nil {
		m.cooldown = cooldown.New()
	}
	if m.reminders == nil {
		m.reminders = reminder.New(models.DefaultReminderOffsets())
	}
	if m.breakers == nil {
		m.breakers = breaker.NewSet(breaker.DefaultSettings())
	}
	if m.config.SourceTimeout <= 0 {
		m.config.SourceTimeout = DefaultConfig().SourceTimeout
	}
	if m.config.DeliveryTimeout <= 0 {
		m.config.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}
	for _, src := range models.AllSources() {
		m.health[src] = &models.SourceHealth{Source: src, Enabled: m.enabled(src)}
	}
	return m
}

func (m *Monitor) enabled(src models.Source) bool {
	switch src {
	case models.SourceConfluence:
		return m.sources.Levels != nil
	case models.SourceFedEvent:
		return m.sources.Calendar != nil
	case models.SourceHeadline:
		return m.sources.Headlines != nil
	}
	return false
}

func (m *Monitor) enabledSources() []models.Source {
	var out []models.Source
	for _, src := range models.AllSources() {
		if m.enabled(src) {
			out = append(out, src)
		}
	}
	return out
}

// ScanConfluence runs one confluence cycle over every symbol.
func (m *Monitor) ScanConfluence(ctx context.Context) models.CycleResult {
	return m.scanConfluence(ctx, false)
}

func (m *Monitor) scanConfluence(ctx context.Context, forced bool) models.CycleResult {
	res := m.begin(models.SourceConfluence)
	if m.sources.Levels == nil {
		return m.finish(res, errNoSource)
	}

	snaps, err := fetch(ctx, m, models.SourceConfluence, m.sources.Levels.FetchLevels)
	if err != nil {
		return m.finish(res, err)
	}

	reports := make(map[string]models.ZoneReport, len(snaps))
	symbols := make([]string, 0, len(snaps))
	var found int
	for _, snap := range snaps {
		zones := m.detector.Detect(snap.Symbol, snap.Price, snap.Levels)
		logger.Debug("Detected %d confluence zones for %s at %s", len(zones), snap.Symbol, snap.Price)
		m.recorder.RecordZones(snap.Symbol, len(zones))
		m.recorder.RecordLastPrice(snap.Symbol, snap.Price.InexactFloat64())
		reports[snap.Symbol] = models.ZoneReport{Symbol: snap.Symbol, Price: snap.Price, Zones: zones, TakenAt: snap.TakenAt}
		symbols = append(symbols, snap.Symbol)
		found += len(zones)

		for _, z := range zones {
			setup := confluence.PlanSetup(z, snap.Price)
			c := models.Candidate{
				Source:     models.SourceConfluence,
				Key:        m.detector.Fingerprint(z),
				Summary:    fmt.Sprintf("%s %s @ %s (%s)", z.Symbol, z.KindsLabel(), z.CenterPrice, setup.Bias),
				Payload:    z,
				DetectedAt: res.StartedAt,
				Score:      z.Score,
			}
			m.emit(ctx, &res, c, models.KindConfluenceSetup,
				m.format.Confluence(z, setup, snap.Price, forced), m.config.ConfluenceCooldown, forced)
		}
	}

	m.mu.Lock()
	for sym, r := range reports {
		m.zones[sym] = r
	}
	m.mu.Unlock()

	if m.config.PostSummary && !forced {
		m.send(ctx, models.DeliveryRequest{
			ID:   fmt.Sprintf("summary:%d", res.StartedAt.Unix()),
			Text: m.format.ScanSummary(symbols, found, res.StartedAt),
			Kind: models.KindScanSummary,
		})
	}
	return m.finish(res, nil)
}

// ScanReminders reloads the calendar and fires due reminders.
func (m *Monitor) ScanReminders(ctx context.Context) models.CycleResult {
	res := m.begin(models.SourceFedEvent)
	if m.sources.Calendar == nil {
		return m.finish(res, errNoSource)
	}

	events, err := fetch(ctx, m, models.SourceFedEvent, m.sources.Calendar.FetchEvents)
	if err != nil {
		return m.finish(res, err)
	}
	n := m.reminders.SetEvents(events)
	logger.Debug("Tracking %d calendar events", n)

	now := res.StartedAt
	for _, d := range m.reminders.Poll(now) {
		c := models.Candidate{
			Source:     models.SourceFedEvent,
			Key:        reminder.Fingerprint(d),
			Summary:    fmt.Sprintf("%s (%s)", d.Event.Title, d.Offset.Label),
			Payload:    d,
			DetectedAt: now,
		}
		m.emit(ctx, &res, c, models.KindFedReminder, m.format.Reminder(d, now), m.config.ReminderCooldown, false)
	}
	if pruned := m.reminders.Prune(now); pruned > 0 {
		logger.Debug("Pruned %d past calendar events", pruned)
	}
	return m.finish(res, nil)
}

// ScanHeadlines fetches the feed and alerts on high-impact items.
func (m *Monitor) ScanHeadlines(ctx context.Context) models.CycleResult {
	return m.scanHeadlines(ctx, false)
}

func (m *Monitor) scanHeadlines(ctx context.Context, forced bool) models.CycleResult {
	res := m.begin(models.SourceHeadline)
	if m.sources.Headlines == nil {
		return m.finish(res, errNoSource)
	}

	items, err := fetch(ctx, m, models.SourceHeadline, m.sources.Headlines.FetchHeadlines)
	if err != nil {
		return m.finish(res, err)
	}
	passed := impact.Filter(items, m.config.ImpactThreshold)
	logger.Debug("%d of %d headlines passed impact threshold %.2f", len(passed), len(items), m.config.ImpactThreshold)

	for _, h := range passed {
		if !forced && m.stale(h, res.StartedAt) {
			logger.Debug("Skipping headline %s published %s", impact.Fingerprint(h), h.PublishedAt.Format(time.RFC3339))
			continue
		}
		c := models.Candidate{
			Source:     models.SourceHeadline,
			Key:        impact.Fingerprint(h),
			Summary:    h.Text,
			Payload:    h,
			DetectedAt: res.StartedAt,
			Score:      h.ImpactScore,
		}
		m.emit(ctx, &res, c, models.KindHeadline, m.format.Headline(h), m.config.HeadlineCooldown, forced)
	}
	return m.finish(res, nil)
}

// stale reports a headline published before the cooldown window began. Such
// an item would otherwise alert again every time its cooldown expires.
func (m *Monitor) stale(h models.HeadlineItem, now time.Time) bool {
	return !h.PublishedAt.IsZero() && m.config.HeadlineCooldown > 0 &&
		now.Sub(h.PublishedAt) > m.config.HeadlineCooldown
}

// Force runs a cycle right away, bypassing cooldown. Forced alerts still
// commit their fingerprints.
func (m *Monitor) Force(ctx context.Context, source models.Source) (models.CycleResult, error) {
	switch source {
	case models.SourceConfluence:
		return m.scanConfluence(ctx, true), nil
	case models.SourceHeadline:
		return m.scanHeadlines(ctx, true), nil
	default:
		return models.CycleResult{}, fmt.Errorf("cannot force source %q", source)
	}
}

// fetch calls an adapter behind its breaker with the source timeout. Every
// error comes back wrapped as ErrSourceUnavailable.
func fetch[T any](ctx context.Context, m *Monitor, source models.Source, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.SourceTimeout)
	defer cancel()
	return breaker.Do(m.breakers, string(source), func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !errors.Is(err, models.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
		}
		return v, err
	})
}

// emit applies the cooldown to one candidate and delivers it when permitted.
// The fingerprint stays committed when delivery fails.
func (m *Monitor) emit(ctx context.Context, res *models.CycleResult, c models.Candidate, kind models.AlertKind, text string, window time.Duration, forced bool) {
	res.Candidates++
	src := string(c.Source)
	if forced {
		m.cooldown.Commit(c.Key, c.DetectedAt)
	} else if !m.cooldown.CheckAndCommit(c.Key, c.DetectedAt, window) {
		res.Suppressed++
		m.recorder.RecordSuppressed(src)
		logger.Debug("Suppressed %s (cooldown)", c.Key)
		return
	}

	req := models.DeliveryRequest{
		ID:          fmt.Sprintf("%s@%d", c.Key, c.DetectedAt.UnixNano()),
		Text:        text,
		Kind:        kind,
		Fingerprint: c.Key,
	}
	err := m.send(ctx, req)

	rec := &models.AlertRecord{
		Source:      c.Source,
		Kind:        kind,
		Fingerprint: c.Key,
		Summary:     c.Summary,
		Text:        text,
		Delivered:   err == nil,
		CreatedAt:   c.DetectedAt,
	}
	if err != nil {
		res.Failed++
		rec.Error = err.Error()
		m.recorder.RecordDeliveryFailure(src)
		logger.Error("Failed to deliver %s: %v", c.Key, err)
	} else {
		res.Sent++
		m.recorder.RecordSent(src)
		logger.Info("Delivered %s alert %s (score %.2f)", src, c.Key, c.Score)
	}
	if m.journal != nil {
		if jerr := m.journal.RecordAlert(rec); jerr != nil {
			logger.Warn("Failed to journal %s: %v", c.Key, jerr)
		}
	}
}

func (m *Monitor) send(ctx context.Context, req models.DeliveryRequest) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.DeliveryTimeout)
	defer cancel()
	return m.deliverer.Deliver(ctx, req)
}

func (m *Monitor) begin(src models.Source) models.CycleResult {
	logger.Debug("Starting %s cycle", src)
	return models.CycleResult{Source: src, StartedAt: m.now()}
}

// finish tags the result. An open breaker or a missing source skips the
// cycle, any other fetch error fails it, and so does a cycle whose every
// delivery failed.
func (m *Monitor) finish(res models.CycleResult, err error) models.CycleResult {
	res.Duration = m.now().Sub(res.StartedAt)
	switch {
	case err != nil && (breaker.IsOpen(err) || errors.Is(err, errNoSource)):
		res.Status = models.CycleSkip
		res.Err = err
		logger.Warn("Skipped %s cycle: %v", res.Source, err)
	case err != nil:
		res.Status = models.CycleFail
		res.Err = err
		logger.Error("%s cycle failed: %v", res.Source, err)
	case res.Failed > 0 && res.Sent == 0:
		res.Status = models.CycleFail
		res.Err = fmt.Errorf("%w: %d alerts failed", models.ErrDeliveryFailure, res.Failed)
		logger.Error("%s cycle failed: %v", res.Source, res.Err)
	default:
		res.Status = models.CycleSuccess
		logger.Info("%s cycle completed in %v: %d candidates, %d sent, %d suppressed, %d failed",
			res.Source, res.Duration, res.Candidates, res.Sent, res.Suppressed, res.Failed)
	}
	m.recorder.RecordCycle(string(res.Source), string(res.Status), res.Duration.Seconds())
	m.track(res)
	m.cooldown.Prune(res.StartedAt, m.maxCooldown())
	return res
}

// track updates source health and reports the first failure in a row and
// the recovery after it to the diagnostic chat.
func (m *Monitor) track(res models.CycleResult) {
	m.mu.Lock()
	h := m.health[res.Source]
	h.LastStatus = res.Status
	h.LastRun = res.StartedAt
	prior := h.ConsecutiveFailures
	if res.Status == models.CycleSuccess {
		h.LastSuccess = res.StartedAt
		h.ConsecutiveFailures = 0
		h.LastError = ""
	} else {
		h.ConsecutiveFailures++
		h.LastError = res.Err.Error()
	}
	failures := h.ConsecutiveFailures
	m.mu.Unlock()

	if m.config.DiagChatID == "" {
		return
	}
	var text string
	switch {
	case failures == 1:
		text = m.format.Error(res.Source, res.Err)
	case failures == 0 && prior > 0:
		text = m.format.Recovery(res.Source, prior)
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.config.DeliveryTimeout)
	defer cancel()
	err := m.deliverer.Deliver(ctx, models.DeliveryRequest{
		ChatTarget: m.config.DiagChatID,
		Text:       text,
		Kind:       models.KindDiagnostic,
	})
	if err != nil {
		logger.Warn("Failed to send diagnostic for %s: %v", res.Source, err)
	}
}

func (m *Monitor) maxCooldown() time.Duration {
	max := m.config.ConfluenceCooldown
	for _, d := range []time.Duration{m.config.ReminderCooldown, m.config.HeadlineCooldown} {
		if d > max {
			max = d
		}
	}
	return max
}

// LatestZones returns the last scan's zones per symbol, sorted by symbol.
func (m *Monitor) LatestZones() []models.ZoneReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ZoneReport, 0, len(m.zones))
	for _, r := range m.zones {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// RecentHeadlines returns the newest headline alerts from the journal.
func (m *Monitor) RecentHeadlines(n int) ([]models.AlertRecord, error) {
	if m.journal == nil {
		return nil, nil
	}
	return m.journal.RecentAlerts(models.SourceHeadline, n)
}

// NextEvent returns the next unresolved calendar event and its pending offsets.
func (m *Monitor) NextEvent(now time.Time) (models.CalendarEvent, []models.ReminderOffset, bool) {
	return m.reminders.Next(now)
}

// UpcomingEvents lists up to limit events that have not happened yet.
func (m *Monitor) UpcomingEvents(now time.Time, limit int) []models.CalendarEvent {
	return m.reminders.Upcoming(now, limit)
}

// Health returns one entry per source in scan-loop order.
func (m *Monitor) Health() []models.SourceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SourceHealth, 0, len(m.health))
	for _, src := range models.AllSources() {
		h := *m.health[src]
		if h.Enabled {
			h.Breaker = m.breakers.State(string(src))
		}
		out = append(out, h)
	}
	return out
}

type logDeliverer struct{}

func (logDeliverer) Deliver(_ context.Context, req models.DeliveryRequest) error {
	logger.Info("Alert %s (%s) not sent, delivery disabled", req.Fingerprint, req.Kind)
	return nil
}

type nopRecorder struct{}

func (nopRecorder) RecordCycle(string, string, float64) {}
func (nopRecorder) RecordSent(string)                   {}
func (nopRecorder) RecordSuppressed(string)             {}
func (nopRecorder) RecordDeliveryFailure(string)        {}
func (nopRecorder) RecordZones(string, int)             {}
func (nopRecorder) RecordLastPrice(string, float64)     {}
