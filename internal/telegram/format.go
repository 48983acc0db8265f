package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/macrowatch/internal/models"
)

// Formatter renders alerts and command replies as Telegram MarkdownV2.
type Formatter struct{}

const timeLayout = "2006-01-02 15:04 UTC"

func bold(s string) string { return "*" + escapeMarkdownV2(s) + "*" }

// Confluence renders one confluence setup.
func (Formatter) Confluence(zone models.ConfluenceZone, setup models.Setup, price decimal.Decimal, forced bool) string {
	emoji := "🟢"
	if setup.Bias == models.Bearish {
		emoji = "🔻"
	}
	var b strings.Builder
	header := fmt.Sprintf("[Confluence] %s", zone.Symbol)
	if forced {
		header += " (forced)"
	}
	fmt.Fprintf(&b, "🎯 %s %s %s\n", bold(header), emoji, bold(strings.ToUpper(string(setup.Bias))))
	fmt.Fprintf(&b, "⚡ Price: %s\n", escapeMarkdownV2(formatPrice(price)))
	fmt.Fprintf(&b, "🔥 %s @ %s %s\n",
		escapeMarkdownV2(zone.KindsLabel()),
		bold(formatPrice(zone.CenterPrice)),
		escapeMarkdownV2(fmt.Sprintf("(±%.2f%%, %+.2f%% from price)", zone.WidthPct, setup.DistancePct)))
	fmt.Fprintf(&b, "🎯 Entry: %s \\| ⛔ SL: %s\n",
		escapeMarkdownV2(formatPrice(setup.EntryLow)+" – "+formatPrice(setup.EntryHigh)),
		escapeMarkdownV2(formatPrice(setup.StopLoss)))
	for _, m := range zone.Members {
		fmt.Fprintf(&b, "   • %s %s\n",
			escapeMarkdownV2(m.Kind.String()),
			escapeMarkdownV2(fmt.Sprintf("%s (strength %.2f)", formatPrice(m.Price), m.Strength)))
	}
	fmt.Fprintf(&b, "📊 Score: %s", escapeMarkdownV2(fmt.Sprintf("%.2f", zone.Score)))
	return b.String()
}

// ScanSummary closes a scheduled confluence scan.
func (Formatter) ScanSummary(symbols []string, zones int, at time.Time) string {
	return fmt.Sprintf("✅ %s\n🕒 %s\n%s",
		bold("Confluence Scan Complete"),
		escapeMarkdownV2(at.UTC().Format(timeLayout)),
		escapeMarkdownV2(fmt.Sprintf("Detected %d confluence(s) across %s", zones, strings.Join(symbols, ", "))))
}

// Reminder renders a calendar reminder.
func (Formatter) Reminder(r models.DueReminder, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏦 %s\n", bold("[FedWatch] Alert — "+r.Offset.Label))
	fmt.Fprintf(&b, "🗓️ %s\n", escapeMarkdownV2(r.Event.Title))
	fmt.Fprintf(&b, "🕒 %s %s",
		escapeMarkdownV2(r.Event.EventTime.UTC().Format(timeLayout)),
		escapeMarkdownV2("(in "+untilLabel(r.Event.EventTime.Sub(now))+")"))
	if r.Event.Location != "" {
		fmt.Fprintf(&b, "\n📍 %s", escapeMarkdownV2(r.Event.Location))
	}
	return b.String()
}

// Headline renders a high-impact headline.
func (Formatter) Headline(h models.HeadlineItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📰 %s %s\n", bold("[Headlines] "+h.SourceName), escapeMarkdownV2(fmt.Sprintf("impact %.2f", h.ImpactScore)))
	b.WriteString(escapeMarkdownV2(h.Text))
	if !h.PublishedAt.IsZero() {
		fmt.Fprintf(&b, "\n🕒 %s", escapeMarkdownV2(h.PublishedAt.UTC().Format(timeLayout)))
	}
	if h.URL != "" {
		fmt.Fprintf(&b, "\n🔗 [source](%s)", escapeLinkURL(h.URL))
	}
	return b.String()
}

// Error reports the first failure of a consecutive run.
func (Formatter) Error(source models.Source, err error) string {
	return fmt.Sprintf("⚠️ *Monitoring error* %s\n`%s`", escapeMarkdownV2("("+string(source)+")"), escapeMarkdownV2(err.Error()))
}

// Recovery reports that a source works again.
func (Formatter) Recovery(source models.Source, failures int) string {
	return fmt.Sprintf("✅ *Monitoring recovered* %s",
		escapeMarkdownV2(fmt.Sprintf("(%s) after %d consecutive failure(s)", source, failures)))
}

func (Formatter) Boot(at time.Time, sources []models.Source) string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = string(s)
	}
	return fmt.Sprintf("🚀 %s %s\n%s", bold("MacroWatch online"),
		escapeMarkdownV2("— "+at.UTC().Format(timeLayout)),
		escapeMarkdownV2("Sources: "+strings.Join(names, ", ")))
}

func (Formatter) Heartbeat(at time.Time) string {
	return "✅ " + escapeMarkdownV2("MacroWatch alive — "+at.UTC().Format(timeLayout))
}

// Zones answers /next.
func (Formatter) Zones(reports []models.ZoneReport) string {
	if len(reports) == 0 {
		return escapeMarkdownV2("🎯 No confluence scan has completed yet.")
	}
	var b strings.Builder
	b.WriteString("🎯 " + bold("Latest confluence zones") + "\n")
	for _, r := range reports {
		fmt.Fprintf(&b, "\n%s %s\n", bold(r.Symbol), escapeMarkdownV2(fmt.Sprintf("@ %s (%s)", formatPrice(r.Price), r.TakenAt.UTC().Format(timeLayout))))
		if len(r.Zones) == 0 {
			b.WriteString(escapeMarkdownV2("   no confluence") + "\n")
			continue
		}
		for i, z := range r.Zones {
			fmt.Fprintf(&b, "%s\n", escapeMarkdownV2(fmt.Sprintf("   %d. %s %s score %.2f", i+1, formatPrice(z.CenterPrice), z.KindsLabel(), z.Score)))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// NextEvent answers /fedwatch.
func (Formatter) NextEvent(e models.CalendarEvent, pending []models.ReminderOffset, ok bool, now time.Time) string {
	if !ok {
		return "🏦 " + escapeMarkdownV2("[FedWatch] No upcoming events.")
	}
	labels := make([]string, len(pending))
	for i, o := range pending {
		labels[i] = o.Label
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🏦 %s\n", bold("[FedWatch] Upcoming Event"))
	fmt.Fprintf(&b, "🗓️ %s\n", escapeMarkdownV2(e.Title))
	fmt.Fprintf(&b, "🕒 %s", escapeMarkdownV2(fmt.Sprintf("%s (in %s)", e.EventTime.UTC().Format(timeLayout), untilLabel(e.EventTime.Sub(now)))))
	if e.Location != "" {
		fmt.Fprintf(&b, "\n📍 %s", escapeMarkdownV2(e.Location))
	}
	if len(labels) > 0 {
		fmt.Fprintf(&b, "\n⏰ %s", escapeMarkdownV2("Pending: "+strings.Join(labels, ", ")))
	}
	return b.String()
}

// RecentAlerts answers /tw_recent. Journal text is already rendered, so
// only the plain summary is shown.
func (Formatter) RecentAlerts(records []models.AlertRecord) string {
	if len(records) == 0 {
		return "📰 " + escapeMarkdownV2("[Headlines] Nothing sent yet.")
	}
	var b strings.Builder
	b.WriteString("📰 " + bold("Recent headline alerts") + "\n")
	for _, r := range records {
		status := "✅"
		if !r.Delivered {
			status = "❌"
		}
		summary := r.Summary
		if summary == "" {
			summary = r.Fingerprint
		}
		fmt.Fprintf(&b, "\n%s %s\n%s\n", status, escapeMarkdownV2(r.CreatedAt.UTC().Format(timeLayout)), escapeMarkdownV2(firstLine(summary, 200)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Status answers /status.
func (Formatter) Status(health []models.SourceHealth) string {
	var b strings.Builder
	b.WriteString("🩺 " + bold("Source status") + "\n")
	for _, h := range health {
		state := "disabled"
		if h.Enabled {
			state = string(h.LastStatus)
			if state == "" {
				state = "pending"
			}
		}
		line := fmt.Sprintf("%s: %s", h.Source, state)
		if !h.LastRun.IsZero() {
			line += ", last run " + h.LastRun.UTC().Format(timeLayout)
		}
		if h.ConsecutiveFailures > 0 {
			line += fmt.Sprintf(", %d failure(s)", h.ConsecutiveFailures)
		}
		if h.Breaker != "" && h.Breaker != "closed" {
			line += ", breaker " + h.Breaker
		}
		b.WriteString("\n" + escapeMarkdownV2(line))
	}
	return b.String()
}

// Forced answers /force.
func (Formatter) Forced(r models.CycleResult) string {
	line := fmt.Sprintf("%s: %s, %d sent, %d failed", r.Source, r.Status, r.Sent, r.Failed)
	if r.Err != nil {
		line += " (" + r.Err.Error() + ")"
	}
	return "⚙️ " + escapeMarkdownV2(line)
}

// formatPrice groups thousands and picks decimals by magnitude.
func formatPrice(d decimal.Decimal) string {
	places := int32(2)
	abs := d.Abs()
	switch {
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		places = 0
	case abs.LessThan(decimal.NewFromInt(1)):
		places = 4
	}
	s := d.StringFixed(places)

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if frac != "" {
		b.WriteString("." + frac)
	}
	return b.String()
}

func untilLabel(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", h, m)
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) > max {
		return string(r[:max]) + "…"
	}
	return s
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeLinkURL escapes the characters MarkdownV2 reserves inside (...) links.
func escapeLinkURL(u string) string {
	r := strings.NewReplacer(`\`, `\\`, `)`, `\)`)
	return r.Replace(u)
}
