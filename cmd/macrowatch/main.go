package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/macrowatch/internal/api"
	"github.com/rewired-gh/macrowatch/internal/breaker"
	"github.com/rewired-gh/macrowatch/internal/calendar"
	"github.com/rewired-gh/macrowatch/internal/config"
	"github.com/rewired-gh/macrowatch/internal/confluence"
	"github.com/rewired-gh/macrowatch/internal/cooldown"
	"github.com/rewired-gh/macrowatch/internal/headlines"
	"github.com/rewired-gh/macrowatch/internal/impact"
	"github.com/rewired-gh/macrowatch/internal/logger"
	"github.com/rewired-gh/macrowatch/internal/market"
	"github.com/rewired-gh/macrowatch/internal/metrics"
	"github.com/rewired-gh/macrowatch/internal/monitor"
	"github.com/rewired-gh/macrowatch/internal/reminder"
	"github.com/rewired-gh/macrowatch/internal/storage"
	"github.com/rewired-gh/macrowatch/internal/telegram"
)

const defaultConfigPath = "configs/config.yaml"

var configPath string

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	root := &cobra.Command{
		Use:           "macrowatch",
		Short:         "Market alert engine for confluence zones, Fed events and headlines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the scan loops and deliver alerts",
			RunE:  runService,
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := loadConfig(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Configuration OK")
				return nil
			},
		},
		&cobra.Command{
			Use:   "zones",
			Short: "Run one confluence scan and print the zones",
			RunE:  printZones,
		},
		&cobra.Command{
			Use:   "events",
			Short: "List upcoming calendar events",
			RunE:  printEvents,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration. A missing default
// config file falls back to defaults and environment.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if path == "" {
		logger.Info("No config file, using defaults and environment")
	} else {
		logger.Info("Configuration loaded from %s", path)
	}
	return cfg, nil
}

func newLevelSource(cfg *config.Config) monitor.LevelSource {
	if cfg.Market.Mode == "mock" {
		centers := make(map[string]float64, len(cfg.Market.Symbols))
		for _, sym := range cfg.Market.Symbols {
			if p, ok := cfg.Market.MockCenters[sym]; ok {
				centers[sym] = p
			}
		}
		logger.Info("Using mock market data for %d symbols", len(centers))
		return market.NewMockSource(centers, cfg.Market.MockSeed)
	}
	return market.NewBinanceSource(market.Config{
		Symbols:         cfg.Market.Symbols,
		BaseURL:         cfg.Market.BaseURL,
		KlineInterval:   cfg.Market.KlineInterval,
		KlineLimit:      cfg.Market.KlineLimit,
		DepthLimit:      cfg.Market.DepthLimit,
		WallBucketPct:   cfg.Market.WallBucketPct,
		WallMinNotional: cfg.Market.WallMinNotional,
		PivotSpan:       cfg.Market.PivotSpan,
		MaxPivots:       cfg.Market.MaxPivots,
		MaxTickerDevPct: cfg.Market.MaxTickerDevPct,
		Timeout:         cfg.Market.Timeout,
	})
}

func newCalendarSource(cfg *config.Config) monitor.CalendarSource {
	if cfg.FedWatch.Mode == "mock" {
		logger.Info("Using mock calendar")
		return calendar.NewMockSource(time.Now())
	}
	return calendar.NewFileSource(cfg.FedWatch.CalendarPath)
}

func newHeadlineSource(cfg *config.Config) monitor.HeadlineSource {
	keywords := cfg.Headlines.Keywords
	if len(keywords) == 0 {
		keywords = impact.DefaultKeywords()
	}
	scorer := impact.NewScorer(keywords)
	if cfg.Headlines.Mode == "mock" {
		logger.Info("Using mock headline feed")
		return headlines.NewMockSource(scorer)
	}
	return headlines.NewClient(headlines.Config{
		URL:        cfg.Headlines.URL,
		ItemsPath:  cfg.Headlines.ItemsPath,
		SourceName: cfg.Headlines.SourceName,
		Fields: headlines.Fields{
			ID:          cfg.Headlines.Fields.ID,
			Text:        cfg.Headlines.Fields.Text,
			URL:         cfg.Headlines.Fields.URL,
			PublishedAt: cfg.Headlines.Fields.PublishedAt,
			Score:       cfg.Headlines.Fields.Score,
		},
		Timeout:    cfg.Headlines.Timeout,
		MaxRetries: cfg.Headlines.MaxRetries,
	}, scorer)
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.New(cfg.Storage.MaxAlerts, cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	var sources monitor.Sources
	if cfg.Confluence.Enabled {
		sources.Levels = newLevelSource(cfg)
	}
	if cfg.FedWatch.Enabled {
		sources.Calendar = newCalendarSource(cfg)
	}
	if cfg.Headlines.Enabled {
		sources.Headlines = newHeadlineSource(cfg)
	}

	var telegramClient *telegram.Client
	var deliverer monitor.Deliverer
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(telegram.Config{
			Token:          cfg.Telegram.BotToken,
			ChatID:         cfg.Telegram.ChatID,
			MaxRetries:     cfg.Telegram.MaxRetries,
			RetryDelayBase: cfg.Telegram.RetryDelay,
			RatePerSecond:  cfg.Telegram.RatePerSecond,
			Burst:          cfg.Telegram.Burst,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		deliverer = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	recorder := metrics.New()
	mon := monitor.New(monitor.Config{
		ProximityPct: cfg.Confluence.ProximityPct,
		Weights: confluence.Weights{
			LiquidityTrendline: cfg.Confluence.Weights.LiquidityTrendline,
			LiquidityBoth:      cfg.Confluence.Weights.LiquidityBoth,
			TrendlineOnly:      cfg.Confluence.Weights.TrendlineOnly,
		},
		ScanHours:          cfg.Confluence.ScanHours,
		RunOnStart:         cfg.Confluence.RunOnStart,
		PostSummary:        cfg.Confluence.PostSummary,
		ConfluenceCooldown: cfg.Confluence.Cooldown,
		ReminderPoll:       cfg.FedWatch.PollInterval,
		ReminderCooldown:   cfg.FedWatch.Cooldown,
		HeadlinePoll:       cfg.Headlines.PollInterval,
		HeadlineCooldown:   cfg.Headlines.Cooldown,
		ImpactThreshold:    cfg.Headlines.Threshold,
		SourceTimeout:      cfg.Monitor.SourceTimeout,
		DeliveryTimeout:    cfg.Monitor.DeliveryTimeout,
		DiagChatID:         cfg.Monitor.DiagChatID,
		BootBanner:         cfg.Monitor.BootBanner,
		Heartbeat:          cfg.Monitor.Heartbeat,
	}, sources, monitor.Deps{
		Deliverer: deliverer,
		Journal:   store,
		Recorder:  recorder,
		Formatter: telegram.Formatter{},
		Cooldown:  cooldown.New(),
		Reminders: reminder.New(cfg.ReminderOffsets()),
		Breakers: breaker.NewSet(breaker.Settings{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
			Interval:            time.Hour,
		}),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if telegramClient != nil && cfg.Telegram.Commands {
		telegramClient.ListenForCommands(ctx, mon)
	}

	var server *api.Server
	if cfg.API.Enabled {
		apiCfg := api.DefaultConfig()
		apiCfg.ListenAddr = cfg.API.ListenAddr
		server = api.NewServer(apiCfg, mon, recorder.Handler())
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("HTTP server failed: %v", err)
			}
		}()
	}

	if telegramClient != nil {
		go pruneDelivered(ctx, telegramClient, cfg.MaxCooldown())
	}

	logger.Info("Starting macrowatch (symbols: %v, proximity: %.2f%%, scan hours: %v)",
		cfg.Market.Symbols, cfg.Confluence.ProximityPct, cfg.Confluence.ScanHours)

	mon.Run(ctx)
	logger.Info("Shutdown signal received, cleaning up...")

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down HTTP server: %v", err)
		}
	}
	if counts, err := store.Counts(); err == nil {
		for src, c := range counts {
			logger.Info("Journal %s: %d delivered, %d failed", src, c[0], c[1])
		}
	}
	logger.Info("Service stopped")
	return nil
}

// pruneDelivered bounds the transport's idempotency map.
func pruneDelivered(ctx context.Context, c *telegram.Client, maxAge time.Duration) {
	if maxAge < time.Hour {
		maxAge = time.Hour
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.PruneDelivered(maxAge); n > 0 {
				logger.Debug("Pruned %d delivered request IDs", n)
			}
		}
	}
}

func printZones(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Monitor.SourceTimeout)
	defer cancel()

	snaps, err := newLevelSource(cfg).FetchLevels(ctx)
	if err != nil {
		return err
	}
	det := confluence.New(cfg.Confluence.ProximityPct, confluence.Weights{
		LiquidityTrendline: cfg.Confluence.Weights.LiquidityTrendline,
		LiquidityBoth:      cfg.Confluence.Weights.LiquidityBoth,
		TrendlineOnly:      cfg.Confluence.Weights.TrendlineOnly,
	})
	out := cmd.OutOrStdout()
	for _, snap := range snaps {
		zones := det.Detect(snap.Symbol, snap.Price, snap.Levels)
		fmt.Fprintf(out, "%s  price %s  levels %d  zones %d\n", snap.Symbol, snap.Price.StringFixed(2), len(snap.Levels), len(zones))
		for _, z := range zones {
			s := confluence.PlanSetup(z, snap.Price)
			fmt.Fprintf(out, "  %-8s %s @ %s  score %.2f  width %.3f%%  entry %s-%s  sl %s\n",
				s.Bias, z.KindsLabel(), z.CenterPrice.StringFixed(2), z.Score, z.WidthPct,
				s.EntryLow.StringFixed(2), s.EntryHigh.StringFixed(2), s.StopLoss.StringFixed(2))
		}
	}
	return nil
}

func printEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Monitor.SourceTimeout)
	defer cancel()

	events, err := newCalendarSource(cfg).FetchEvents(ctx)
	if err != nil {
		return err
	}
	sched := reminder.New(cfg.ReminderOffsets())
	sched.SetEvents(events)

	now := time.Now().UTC()
	out := cmd.OutOrStdout()
	for _, e := range sched.Upcoming(now, 0) {
		fmt.Fprintf(out, "%s  %-30s  in %s  (%s)\n",
			e.EventTime.Format("2006-01-02 15:04 UTC"), e.Title, e.EventTime.Sub(now).Round(time.Minute), e.ID)
	}
	return nil
}
