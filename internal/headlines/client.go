// Package headlines fetches news and social posts from a JSON feed.
package headlines

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/macrowatch/internal/impact"
	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/models"
)

// Fields maps feed keys onto headline fields. Keys may be dotted paths.
type Fields struct {
	ID          string
	Text        string
	URL         string
	PublishedAt string
	Score       string
}

func DefaultFields() Fields {
	return Fields{
		ID:          "id",
		Text:        "text",
		URL:         "url",
		PublishedAt: "published_at",
		Score:       "impact_score",
	}
}

type Config struct {
	URL        string
	ItemsPath  string // dotted path to the item array; empty when the body is the array
	SourceName string
	Fields     Fields
	Timeout    time.Duration
	MaxRetries int
}

// Client polls a feed and scores items that arrive without an impact score.
type Client struct {
	cfg        Config
	httpClient *http.Client
	scorer     *impact.Scorer
	retryDelay time.Duration
}

func NewClient(cfg Config, scorer *impact.Scorer) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SourceName == "" {
		cfg.SourceName = "feed"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		scorer:     scorer,
		retryDelay: time.Second,
	}
}

// FetchHeadlines returns the feed's current items. Items that cannot be
// mapped are logged and dropped.
func (c *Client) FetchHeadlines(ctx context.Context) ([]models.HeadlineItem, error) {
	resp, err := c.doRequest(ctx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrSourceUnavailable, c.cfg.SourceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s: status %d: %s", models.ErrSourceUnavailable, c.cfg.SourceName, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s: decode: %v", models.ErrSourceUnavailable, c.cfg.SourceName, err)
	}

	raw, ok := lookup(doc, c.cfg.ItemsPath).([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: no item array at %q", models.ErrSourceUnavailable, c.cfg.SourceName, c.cfg.ItemsPath)
	}

	items := make([]models.HeadlineItem, 0, len(raw))
	for i, r := range raw {
		item, err := c.mapItem(r)
		if err != nil {
			logger.Debug("Skipping %s item %d: %v", c.cfg.SourceName, i, err)
			continue
		}
		items = append(items, item)
	}
	if c.scorer != nil {
		c.scorer.Apply(items)
	}
	return items, nil
}

func (c *Client) mapItem(r any) (models.HeadlineItem, error) {
	f := c.cfg.Fields
	item := models.HeadlineItem{
		ID:         asString(lookup(r, f.ID)),
		Text:       strings.TrimSpace(stripTags(asString(lookup(r, f.Text)))),
		URL:        asString(lookup(r, f.URL)),
		SourceName: c.cfg.SourceName,
	}
	if item.Text == "" {
		return item, fmt.Errorf("%w: empty text", models.ErrMalformedInput)
	}
	if ts := asString(lookup(r, f.PublishedAt)); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			item.PublishedAt = t.UTC()
		}
	}
	if f.Score != "" {
		switch v := lookup(r, f.Score).(type) {
		case float64:
			item.ImpactScore = v
		case string:
			if s, err := strconv.ParseFloat(v, 64); err == nil {
				item.ImpactScore = s
			}
		}
	}
	return item, nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.cfg.MaxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if !c.backoff(ctx, i) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			if !c.backoff(ctx, i) {
				return nil, ctx.Err()
			}
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) backoff(ctx context.Context, attempt int) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(attempt+1) * c.retryDelay):
		return true
	}
}

func lookup(v any, path string) any {
	if path == "" {
		return v
	}
	for _, key := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[key]
	}
	return v
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// stripTags drops HTML markup some social feeds embed in post bodies.
func stripTags(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
