// Package bootstrap loads configuration, builds the logger and telemetry and
// runs the long-lived components until a termination signal.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"skytrader/internal/core"
	"skytrader/pkg/logging"
	"skytrader/pkg/telemetry"
)

// App holds the process-wide dependencies
type App struct {
	Cfg    *Config
	Logger core.ILogger

	zap       *logging.ZapLogger
	telemetry *telemetry.Telemetry
}

// NewApp loads configuration and initialises logging and telemetry
func NewApp(configPath, envFile string) (*App, error) {
	cfg, err := LoadConfig(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// Telemetry first so the logger bridges into its provider
	tel, err := telemetry.Setup("skytrader", telemetry.Options{TraceStdout: cfg.Telemetry.TraceStdout})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	zl, logger, err := InitLogger(cfg)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("logger: %w", err)
	}

	return &App{Cfg: cfg, Logger: logger, zap: zl, telemetry: tel}, nil
}

// Runner is a component that runs until its context ends
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run runs the runners until SIGINT/SIGTERM or the first failure
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext runs the runners until ctx ends or one of them fails. The
// first failure cancels the others and is returned.
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application", "components", len(runners))
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down gracefully")
	return nil
}

// Close flushes telemetry and the logger
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
	if a.zap != nil {
		_ = a.zap.Sync()
	}
}
