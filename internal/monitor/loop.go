package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/models"
)

// Run starts one loop per enabled source and blocks until ctx is cancelled
// and every loop has returned.
func (m *Monitor) Run(ctx context.Context) {
	sources := m.enabledSources()
	logger.Info("Starting monitor with sources %v", sources)

	if m.config.BootBanner {
		m.notify(ctx, m.format.Boot(m.now(), sources))
	}

	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if m.sources.Levels != nil {
		start(func() { m.runAligned(ctx) })
	}
	if m.sources.Calendar != nil {
		start(func() { m.runEvery(ctx, m.config.ReminderPoll, m.ScanReminders) })
	}
	if m.sources.Headlines != nil {
		start(func() { m.runEvery(ctx, m.config.HeadlinePoll, m.ScanHeadlines) })
	}
	if m.config.Heartbeat > 0 {
		start(func() { m.runHeartbeat(ctx) })
	}

	wg.Wait()
	logger.Info("Monitor stopped")
}

// runAligned runs confluence scans at the configured UTC hours.
func (m *Monitor) runAligned(ctx context.Context) {
	if m.config.RunOnStart {
		m.ScanConfluence(ctx)
	}
	for {
		next := nextScan(m.now(), m.config.ScanHours)
		logger.Info("Next confluence scan at %s", next.Format(time.RFC3339))
		timer := time.NewTimer(next.Sub(m.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.ScanConfluence(ctx)
		}
	}
}

// runEvery runs fn right away and then on every tick.
func (m *Monitor) runEvery(ctx context.Context, interval time.Duration, fn func(context.Context) models.CycleResult) {
	if interval <= 0 {
		interval = time.Minute
	}
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Monitor) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.config.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.notify(ctx, m.format.Heartbeat(m.now()))
		}
	}
}

// notify sends an operator message to the diagnostic chat, or the main chat
// when none is configured.
func (m *Monitor) notify(ctx context.Context, text string) {
	err := m.send(ctx, models.DeliveryRequest{
		ChatTarget: m.config.DiagChatID,
		Text:       text,
		Kind:       models.KindDiagnostic,
	})
	if err != nil {
		logger.Warn("Failed to send operator message: %v", err)
	}
}

// nextScan returns the first scan hour strictly after now, in UTC.
func nextScan(now time.Time, hours []int) time.Time {
	now = now.UTC()
	if len(hours) == 0 {
		return now.Truncate(time.Hour).Add(time.Hour)
	}
	sorted := append([]int(nil), hours...)
	sort.Ints(sorted)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for d := 0; d < 2; d++ {
		for _, h := range sorted {
			t := day.AddDate(0, 0, d).Add(time.Duration(h) * time.Hour)
			if t.After(now) {
				return t
			}
		}
	}
	return day.AddDate(0, 0, 1).Add(time.Duration(sorted[0]) * time.Hour)
}
