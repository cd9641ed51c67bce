package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"skytrader/internal/core"
	apperrors "skytrader/pkg/errors"
	"skytrader/pkg/telemetry"
)

// ExclusiveRunner runs fn only while no lifecycle command holds the
// mutation lock
type ExclusiveRunner interface {
	TryExclusive(fn func()) bool
}

// OrphanSweeper cancels stop-loss and take-profit orders left resting while
// the venue position is flat, e.g. the sibling of a triggered stop.
type OrphanSweeper struct {
	venue    core.IVenue
	guard    ExclusiveRunner
	notifier core.INotifier
	logger   core.ILogger
	symbol   string
	interval time.Duration
	metrics  *telemetry.MetricsHolder

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrphanSweeper creates a sweeper. guard and notifier may be nil.
func NewOrphanSweeper(venue core.IVenue, guard ExclusiveRunner, notifier core.INotifier, logger core.ILogger, symbol string, interval time.Duration) *OrphanSweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &OrphanSweeper{
		venue:    venue,
		guard:    guard,
		notifier: notifier,
		logger:   logger.WithField("component", "orphan_sweeper"),
		symbol:   symbol,
		interval: interval,
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// Start runs the sweep loop in the background until Stop
func (s *OrphanSweeper) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Run(ctx)
	}()
	return nil
}

// Stop stops the loop started by Start
func (s *OrphanSweeper) Stop() error {
	s.logger.Info("Stopping orphan sweeper")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

// Run sweeps every interval until ctx ends
func (s *OrphanSweeper) Run(ctx context.Context) error {
	s.logger.Info("Starting orphan sweeper", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if _, err := s.Sweep(passCtx); err != nil && ctx.Err() == nil {
				s.logger.Error("Sweep failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// Sweep performs one pass and returns how many orders it cancelled. The
// pass is skipped while an open or close is running.
func (s *OrphanSweeper) Sweep(ctx context.Context) (int, error) {
	if s.guard == nil {
		return s.sweep(ctx)
	}

	var (
		n   int
		err error
	)
	if !s.guard.TryExclusive(func() { n, err = s.sweep(ctx) }) {
		s.logger.Debug("Lifecycle command in flight, sweep skipped")
		return 0, nil
	}
	return n, err
}

func (s *OrphanSweeper) sweep(ctx context.Context) (int, error) {
	// Orders before position: an order listed here either predates any
	// position the next read reports, or the read sees that position open.
	orders, err := s.venue.GetOpenOrders(ctx, s.symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to get open orders: %w", err)
	}

	var orphans []*core.Order
	for _, o := range orders {
		if o.Type.IsProtective() && (o.ClosePosition || o.ReduceOnly) {
			orphans = append(orphans, o)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	pos, err := s.venue.GetPosition(ctx, s.symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to get position: %w", err)
	}
	if pos.IsOpen() {
		return 0, nil
	}

	cancelled := 0
	var lastErr error
	for _, o := range orphans {
		err := s.venue.CancelOrder(ctx, s.symbol, o.OrderID)
		switch {
		case err == nil:
			cancelled++
			s.logger.Info("Cancelled orphaned protective order", "order_id", o.OrderID, "type", o.Type, "stop", o.StopPrice.String())
		case apperrors.IsAlreadyConsumed(err):
			s.logger.Debug("Orphaned order already gone", "order_id", o.OrderID)
		default:
			lastErr = err
			s.logger.Warn("Failed to cancel orphaned order", "order_id", o.OrderID, "error", err)
		}
	}

	if cancelled > 0 {
		s.metrics.OrphansSweptTotal.Add(ctx, int64(cancelled))
		if s.notifier != nil {
			s.notifier.Alert(ctx, "Orphaned orders cancelled",
				fmt.Sprintf("%d protective order(s) on %s cancelled while flat", cancelled, s.symbol),
				core.AlertInfo, nil)
		}
	}
	if lastErr != nil {
		return cancelled, fmt.Errorf("cancel orphaned orders: %w", lastErr)
	}
	return cancelled, nil
}
