// Package telegram delivers alerts and answers bot commands via the Telegram
// Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/models"
)

// sender is the part of tgbotapi.BotAPI used for delivery.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Config struct {
	Token          string
	ChatID         string
	MaxRetries     int
	RetryDelayBase time.Duration
	RatePerSecond  float64
	Burst          int
}

// Client handles Telegram delivery. Deliver is safe for concurrent use.
type Client struct {
	bot            *tgbotapi.BotAPI
	sender         sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	limiter        *rate.Limiter

	mu        sync.Mutex
	delivered map[string]time.Time
}

// NewClient creates a new Telegram client.
func NewClient(cfg Config) (*Client, error) {
	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid chat ID: %v", models.ErrConfiguration, err)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatID, cfg)
	c.bot = bot
	return c, nil
}

func newClient(s sender, chatID int64, cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	return &Client{
		sender:         s,
		chatID:         chatID,
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		delivered:      make(map[string]time.Time),
	}
}

// Deliver sends req once. A request ID that was already delivered is a no-op.
// Failures wrap models.ErrDeliveryFailure.
func (c *Client) Deliver(ctx context.Context, req models.DeliveryRequest) error {
	if req.ID != "" && c.wasDelivered(req.ID) {
		logger.Debug("Skipping already delivered request %s", req.ID)
		return nil
	}

	chatID := c.chatID
	if req.ChatTarget != "" {
		id, err := strconv.ParseInt(req.ChatTarget, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid chat target %q", models.ErrDeliveryFailure, req.ChatTarget)
		}
		chatID = id
	}

	var msg tgbotapi.Chattable
	if len(req.Image) > 0 {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "chart.png", Bytes: req.Image})
		photo.Caption = req.Text
		photo.ParseMode = tgbotapi.ModeMarkdownV2
		msg = photo
	} else {
		m := tgbotapi.NewMessage(chatID, req.Text)
		m.ParseMode = tgbotapi.ModeMarkdownV2
		m.DisableWebPagePreview = true
		msg = m
	}

	if err := c.send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrDeliveryFailure, req.Kind, err)
	}
	if req.ID != "" {
		c.markDelivered(req.ID)
	}
	return nil
}

// send applies the rate limit and retries with linear backoff.
func (c *Client) send(ctx context.Context, msg tgbotapi.Chattable) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := c.sender.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) wasDelivered(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.delivered[id]
	return ok
}

func (c *Client) markDelivered(id string) {
	c.mu.Lock()
	c.delivered[id] = time.Now()
	c.mu.Unlock()
}

// PruneDelivered forgets delivered IDs older than maxAge.
func (c *Client) PruneDelivered(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for id, at := range c.delivered {
		if at.Before(cutoff) {
			delete(c.delivered, id)
			n++
		}
	}
	return n
}

func commandArgs(msg *tgbotapi.Message) []string {
	return strings.Fields(msg.CommandArguments())
}
