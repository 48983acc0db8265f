package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/models"
)

// Query is the read side the commands answer from. Force is the only command
// that changes state.
type Query interface {
	LatestZones() []models.ZoneReport
	RecentHeadlines(n int) ([]models.AlertRecord, error)
	NextEvent(now time.Time) (models.CalendarEvent, []models.ReminderOffset, bool)
	Health() []models.SourceHealth
	Force(ctx context.Context, source models.Source) (models.CycleResult, error)
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled. Only
// messages from the configured chat are answered.
func (c *Client) ListenForCommands(ctx context.Context, q Query) {
	if c.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg := update.Message
				if msg == nil || !msg.IsCommand() || msg.Chat == nil || msg.Chat.ID != c.chatID {
					continue
				}
				reply := c.handleCommand(ctx, q, msg.Command(), commandArgs(msg), time.Now())
				if reply == "" {
					continue
				}
				out := tgbotapi.NewMessage(msg.Chat.ID, reply)
				out.ParseMode = tgbotapi.ModeMarkdownV2
				out.DisableWebPagePreview = true
				if err := c.send(ctx, out); err != nil {
					logger.Warn("Failed to answer /%s: %v", msg.Command(), err)
				}
			}
		}
	}()
}

// handleCommand returns the MarkdownV2 reply, or "" for unknown commands.
func (c *Client) handleCommand(ctx context.Context, q Query, cmd string, args []string, now time.Time) string {
	var f Formatter
	switch cmd {
	case "ping":
		return "Pong"
	case "start", "help":
		return escapeMarkdownV2("Commands: /ping /next /fedwatch /tw_recent /status /force confluence|headlines")
	case "next":
		return f.Zones(q.LatestZones())
	case "fedwatch":
		e, pending, ok := q.NextEvent(now)
		return f.NextEvent(e, pending, ok, now)
	case "tw_recent":
		records, err := q.RecentHeadlines(5)
		if err != nil {
			return escapeMarkdownV2(fmt.Sprintf("Failed to read journal: %v", err))
		}
		return f.RecentAlerts(records)
	case "status":
		return f.Status(q.Health())
	case "force":
		if len(args) != 1 {
			return escapeMarkdownV2("Usage: /force confluence|headlines")
		}
		res, err := q.Force(ctx, models.Source(args[0]))
		if err != nil {
			return escapeMarkdownV2(fmt.Sprintf("Force failed: %v", err))
		}
		return f.Forced(res)
	default:
		return ""
	}
}
