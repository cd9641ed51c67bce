package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"skytrader/internal/core"
	"skytrader/pkg/retry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// TimeframeConfig configures one EMA crossover source
type TimeframeConfig struct {
	Symbol   string
	Interval string
	// Confirm, when set, names a slower interval whose EMA trend must agree
	Confirm       string
	Fast          int
	Slow          int
	Lookback      int
	ErrorCooldown time.Duration
	RetryWait     time.Duration
}

// TimeframeSource detects fast/slow EMA crossovers on one kline interval.
// History is seeded over REST, then the live candle close is followed on
// the kline stream.
type TimeframeSource struct {
	feed       core.IKlineFeed
	dispatcher *Dispatcher
	notifier   core.INotifier
	logger     core.ILogger
	cfg        TimeframeConfig
	errAlerts  *throttle

	mu      sync.Mutex
	candles []core.Kline

	pending chan Signal
}

func NewTimeframeSource(feed core.IKlineFeed, dispatcher *Dispatcher, notifier core.INotifier, logger core.ILogger, cfg TimeframeConfig) *TimeframeSource {
	if cfg.Fast <= 0 {
		cfg.Fast = 20
	}
	if cfg.Slow <= cfg.Fast {
		cfg.Slow = 50
	}
	if cfg.Lookback <= cfg.Slow {
		cfg.Lookback = 2 * cfg.Slow
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = time.Minute
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 5 * time.Second
	}
	return &TimeframeSource{
		feed:       feed,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger.WithField("component", "ema_"+cfg.Interval).WithField("symbol", cfg.Symbol),
		cfg:        cfg,
		errAlerts:  newThrottle(cfg.ErrorCooldown),
		candles:    make([]core.Kline, 0, cfg.Lookback),
		pending:    make(chan Signal, 1),
	}
}

func (s *TimeframeSource) Name() string      { return "ema_" + s.cfg.Interval }
func (s *TimeframeSource) Timeframe() string { return s.cfg.Interval }

// Run seeds history and follows the stream until ctx ends. Stream failures
// are reported and retried.
func (s *TimeframeSource) Run(ctx context.Context) error {
	if s.preload(ctx) != nil {
		// cancelled before history loaded
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.consume(ctx)
		return nil
	})
	g.Go(func() error {
		s.follow(ctx)
		return nil
	})
	return g.Wait()
}

// preload retries until history loads or ctx ends
func (s *TimeframeSource) preload(ctx context.Context) error {
	for failures := 0; ; failures++ {
		err := s.loadHistory(ctx)
		if err == nil {
			return nil
		}
		s.reportError(ctx, "history", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry.Backoff(s.cfg.RetryWait, 12*s.cfg.RetryWait, failures)):
		}
	}
}

func (s *TimeframeSource) loadHistory(ctx context.Context) error {
	klines, err := s.feed.GetKlines(ctx, s.cfg.Symbol, s.cfg.Interval, s.cfg.Lookback)
	if err != nil {
		return err
	}
	// The last candle is still forming
	if n := len(klines); n > 0 && !klines[n-1].Closed {
		klines = klines[:n-1]
	}

	s.mu.Lock()
	s.candles = append(s.candles[:0], klines...)
	s.mu.Unlock()

	s.logger.Info("Preloaded history", "count", len(klines))
	return nil
}

func (s *TimeframeSource) follow(ctx context.Context) {
	for failures := 0; ; failures++ {
		err := s.feed.SubscribeKlines(ctx, s.cfg.Symbol, s.cfg.Interval, func(k core.Kline) {
			s.onKline(k)
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("stream ended")
		}
		s.reportError(ctx, "stream", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry.Backoff(s.cfg.RetryWait, 12*s.cfg.RetryWait, failures)):
		}
	}
}

// onKline replaces the live candle or appends a new one, then evaluates
// the crossover. A detected signal is queued so the stream is never
// blocked by a lifecycle command; a newer signal replaces a queued one.
func (s *TimeframeSource) onKline(k core.Kline) {
	dir, ok := s.update(k)
	if !ok {
		return
	}
	sig := Signal{Source: s.Name(), Timeframe: s.cfg.Interval, Direction: dir, Price: k.Close, At: time.Now()}
	for {
		select {
		case s.pending <- sig:
			return
		default:
		}
		select {
		case <-s.pending:
		default:
		}
	}
}

func (s *TimeframeSource) update(k core.Kline) (core.Direction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.candles)
	switch {
	case n > 0 && s.candles[n-1].OpenTime.Equal(k.OpenTime):
		s.candles[n-1] = k
	case n > 0 && k.OpenTime.Before(s.candles[n-1].OpenTime):
		return "", false
	default:
		s.candles = append(s.candles, k)
		if len(s.candles) > s.cfg.Lookback {
			s.candles = s.candles[len(s.candles)-s.cfg.Lookback:]
		}
	}

	return Crossover(closes(s.candles), s.cfg.Fast, s.cfg.Slow)
}

func (s *TimeframeSource) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-s.pending:
			if !s.confirmed(ctx, sig) {
				continue
			}
			s.dispatcher.Submit(ctx, sig)
		}
	}
}

// confirmed checks the slower timeframe trend when one is configured
func (s *TimeframeSource) confirmed(ctx context.Context, sig Signal) bool {
	if s.cfg.Confirm == "" {
		return true
	}
	klines, err := s.feed.GetKlines(ctx, s.cfg.Symbol, s.cfg.Confirm, s.cfg.Slow+10)
	if err != nil {
		s.reportError(ctx, "trend "+s.cfg.Confirm, err)
		return false
	}
	trend, ok := Trend(closes(klines), s.cfg.Fast, s.cfg.Slow)
	if !ok || trend != sig.Direction {
		s.logger.Info("Crossover not confirmed by slower trend",
			"direction", sig.Direction, "confirm", s.cfg.Confirm, "trend", trend)
		return false
	}
	return true
}

func (s *TimeframeSource) reportError(ctx context.Context, what string, err error) {
	s.logger.Error("Signal source error", "stage", what, "error", err)
	if s.notifier != nil && s.errAlerts.Allow() {
		s.notifier.Alert(ctx, "Signal source error",
			fmt.Sprintf("%s %s: %v", s.Name(), what, err), core.AlertWarning, nil)
	}
}

func closes(klines []core.Kline) []decimal.Decimal {
	out := make([]decimal.Decimal, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}
