package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"skytrader/internal/alert"
	"skytrader/internal/bootstrap"
	"skytrader/internal/core"
	"skytrader/internal/exchange"
	"skytrader/internal/infrastructure/health"
	"skytrader/internal/infrastructure/server"
	"skytrader/internal/journal"
	"skytrader/internal/risk"
	"skytrader/internal/safety"
	"skytrader/internal/signal"
	"skytrader/internal/trading/lifecycle"
	"skytrader/internal/trading/position"
	"skytrader/internal/trading/trailing"
	"skytrader/pkg/retry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to the env file holding credentials")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("skytrader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	err = run(app)
	app.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(app *bootstrap.App) error {
	cfg := app.Cfg
	logger := app.Logger
	symbol := cfg.Trading.Symbol

	logger.Info("Starting skytrader",
		"version", version,
		"venue", cfg.App.Venue,
		"timeframes", cfg.Signals.Timeframes,
	)

	venue, err := exchange.NewVenue(cfg, logger)
	if err != nil {
		logger.Error("Failed to create venue", "error", err)
		return err
	}
	syncCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := venue.SyncTime(syncCtx); err != nil {
		logger.Warn("Server time sync failed, using local clock", "error", err)
	}
	cancel()

	checker := safety.NewSafetyChecker(logger)
	accountParams := safety.AccountParams{
		Symbol:        symbol,
		QuoteAsset:    cfg.Trading.QuoteAsset,
		Margin:        decimal.NewFromFloat(cfg.Trading.MarginUSDT),
		Leverage:      cfg.Trading.Leverage,
		StopLossPct:   decimal.NewFromFloat(cfg.Trading.StopLossPct),
		TakeProfitPct: decimal.NewFromFloat(cfg.Trading.TakeProfitPct),
		TakerFeeRate:  decimal.NewFromFloat(cfg.Trading.TakerFeeRate),
	}
	if err := checker.ValidateTradingParameters(accountParams); err != nil {
		logger.Error("Trading parameters rejected", "error", err)
		return err
	}
	checkCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = venue.Warmup(checkCtx)
	if err == nil {
		err = checker.CheckVenueConnectivity(checkCtx, venue, symbol)
	}
	if err == nil {
		err = checker.CheckAccountSafety(checkCtx, venue, accountParams)
	}
	cancel()
	if err != nil {
		logger.Error("Pre-trade checks failed", "error", err)
		return err
	}

	alerts := alert.NewAlertManager(logger, cfg.Concurrency.NotifierWorkers, cfg.Concurrency.NotifierBuffer)
	defer alerts.Stop()

	var bot *tgbotapi.BotAPI
	if cfg.Telegram.Token != "" {
		bot, err = tgbotapi.NewBotAPI(cfg.Telegram.Token.Reveal())
		if err != nil {
			logger.Error("Failed to connect Telegram bot", "error", err)
			return err
		}
		alerts.AddChannel(alert.NewTelegramChannel(bot, cfg.Telegram.ChatID))
	}

	// Left nil when disabled so components skip journaling
	var tradeJournal core.IJournal
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			logger.Error("Failed to open trade journal", "error", err)
			return err
		}
		defer j.Close()
		tradeJournal = j
	}

	state := position.NewState(symbol)
	trailer := trailing.NewManager(venue, state, alerts, tradeJournal, logger, trailing.Config{
		Interval:             cfg.Timing.Trailing(),
		MaxBackoff:           4 * cfg.Timing.Trailing(),
		MinStopDistancePct:   decimal.NewFromFloat(cfg.Trading.MinStopDistancePct),
		DefaultTakeProfitPct: decimal.NewFromFloat(cfg.Trading.TakeProfitPct),
		OrderIDPrefix:        cfg.App.OrderIDPrefix,
		Milestones:           cfg.Trading.MilestoneAlerts,
	})

	engine := lifecycle.NewEngine(venue, state, trailer, alerts, tradeJournal, logger, lifecycle.Config{
		Symbol:           symbol,
		QuoteAsset:       cfg.Trading.QuoteAsset,
		DefaultMargin:    decimal.NewFromFloat(cfg.Trading.MarginUSDT),
		DefaultLeverage:  cfg.Trading.Leverage,
		StopLossPct:      decimal.NewFromFloat(cfg.Trading.StopLossPct),
		TakeProfitPct:    decimal.NewFromFloat(cfg.Trading.TakeProfitPct),
		PriceRetry:       retry.Fixed(cfg.Timing.PriceRetryAttempts, cfg.Timing.PriceRetryDelay()),
		OrderRetry:       retry.Fixed(cfg.Timing.OrderRetryAttempts, cfg.Timing.OrderRetryDelay()),
		CloseVerifyDelay: cfg.Timing.CloseVerifyDelay(),
		OrderIDPrefix:    cfg.App.OrderIDPrefix,
	})
	defer engine.Shutdown()

	reconciler := risk.NewReconciler(venue, state, engine, alerts, tradeJournal, logger, risk.ReconcilerConfig{
		Symbol:   symbol,
		Interval: cfg.Timing.Reconcile(),
		Timeout:  cfg.Timing.ReconcileDeadline(),
		Retry:    retry.Fixed(cfg.Timing.PriceRetryAttempts, cfg.Timing.PriceRetryDelay()),
	})
	engine.SetReconciler(reconciler)
	if cfg.Trading.TrailAdopted {
		reconciler.SetAdoptHook(engine.StartTrailingForAdopted)
	}

	sweeper := risk.NewOrphanSweeper(venue, engine, alerts, logger, symbol, cfg.Timing.Sweep())

	breaker := risk.NewCircuitBreaker(risk.CircuitConfig{
		MaxConsecutiveFailures: cfg.Signals.MaxConsecutiveFailures,
		CooldownPeriod:         cfg.Signals.FailureCooldownDuration(),
	})
	dispatcher := signal.NewDispatcher(engine, alerts, breaker, logger, cfg.Signals.Mode)
	for _, tf := range cfg.Signals.Timeframes {
		dispatcher.AddSource(signal.NewTimeframeSource(venue.Feed, dispatcher, alerts, logger, signal.TimeframeConfig{
			Symbol:        symbol,
			Interval:      tf,
			Confirm:       cfg.Signals.Confirm[tf],
			Fast:          cfg.Signals.EMAFast,
			Slow:          cfg.Signals.EMASlow,
			Lookback:      cfg.Signals.EMALookback,
			ErrorCooldown: cfg.Signals.ErrorCooldownDuration(),
		}))
	}
	if cfg.Telegram.CommandsEnabled && bot != nil {
		handler := signal.NewCommandHandler(dispatcher, engine, trailer)
		dispatcher.AddSource(signal.NewTelegramSource(bot, cfg.Telegram.ChatID, handler, logger))
	}

	// Adopt whatever the venue holds before any signal is acted on
	startCtx, cancel := context.WithTimeout(context.Background(), cfg.Timing.ReconcileDeadline())
	if err := reconciler.TriggerManual(startCtx); err != nil {
		logger.Warn("Startup reconciliation failed, the loop will retry", "error", err)
	}
	cancel()

	runners := []bootstrap.Runner{
		bootstrap.RunnerFunc(reconciler.Run),
		bootstrap.RunnerFunc(sweeper.Run),
		bootstrap.RunnerFunc(dispatcher.Run),
	}
	if venue.Background != nil {
		runners = append(runners, bootstrap.RunnerFunc(venue.Background))
	}
	if cfg.Telemetry.EnableMetrics {
		hm := health.NewHealthManager(logger, 0)
		hm.Register("reconciler", health.Freshness(func() time.Time {
			return reconciler.GetStatus().LastSuccess
		}, 3*cfg.Timing.Reconcile()+cfg.Timing.ReconcileDeadline()))
		hm.Register("venue", func(ctx context.Context) error {
			_, err := venue.GetMarkPrice(ctx, symbol)
			return err
		})
		hm.Register("signals", func(ctx context.Context) error {
			if breaker.IsTripped() {
				return fmt.Errorf("automated opens paused: %s", breaker.GetStatus().Reason)
			}
			return nil
		})
		srv := server.NewHealthServer(cfg.Telemetry.MetricsPort, logger, hm, engine.Status)
		srv.AddDetail("alerts", alerts.Stats)
		runners = append(runners, srv)
	}

	alerts.Alert(context.Background(), "Engine started",
		fmt.Sprintf("%s on %s, mode %s", symbol, venue.GetName(), dispatcher.Mode()), core.AlertInfo, nil)

	return app.Run(runners...)
}
