package trailing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"skytrader/internal/core"
	"skytrader/internal/trading/position"
	apperrors "skytrader/pkg/errors"
	"skytrader/pkg/orderid"
	"skytrader/pkg/retry"
	"skytrader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const replaceTimeout = 30 * time.Second

// Config tunes the trailing task
type Config struct {
	Interval             time.Duration
	MaxBackoff           time.Duration
	MinStopDistancePct   decimal.Decimal
	DefaultTakeProfitPct decimal.Decimal
	OrderIDPrefix        string
	Milestones           bool
}

// Params describe the position a task trails. StopPrice and TakeProfitPct
// are the levels already resting when the task starts.
type Params struct {
	Symbol        string
	Epoch         uint64
	Direction     core.Direction
	EntryPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TakeProfitPct decimal.Decimal
	TickSize      decimal.Decimal
}

type task struct {
	params Params
	cancel context.CancelFunc
	done   chan struct{}

	bestStop  decimal.Decimal
	bestTP    decimal.Decimal
	watermark int64
	failures  int
}

// Manager owns at most one trailing task at a time
type Manager struct {
	venue    core.IVenue
	state    *position.State
	notifier core.INotifier
	journal  core.IJournal
	logger   core.ILogger
	cfg      Config
	metrics  *telemetry.MetricsHolder

	mu   sync.Mutex
	task *task

	// legMu serializes the cancel/create sequences of both legs
	legMu sync.Mutex

	milestones atomic.Bool
}

// NewManager creates a manager. journal may be nil.
func NewManager(venue core.IVenue, state *position.State, notifier core.INotifier, journal core.IJournal, logger core.ILogger, cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = 4 * cfg.Interval
	}
	m := &Manager{
		venue:    venue,
		state:    state,
		notifier: notifier,
		journal:  journal,
		logger:   logger.WithField("component", "trailing"),
		cfg:      cfg,
		metrics:  telemetry.GetGlobalMetrics(),
	}
	m.milestones.Store(cfg.Milestones)
	return m
}

// Start replaces any running task with one trailing p. The previous task is
// cancelled and joined first.
func (m *Manager) Start(p Params) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	if p.TakeProfitPct.IsZero() {
		p.TakeProfitPct = m.cfg.DefaultTakeProfitPct
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		params:   p,
		cancel:   cancel,
		done:     make(chan struct{}),
		bestStop: p.StopPrice,
		bestTP:   p.TakeProfitPct,
	}
	m.task = t

	m.logger.Info("Trailing started",
		"symbol", p.Symbol,
		"direction", p.Direction,
		"entry", p.EntryPrice.String(),
		"epoch", p.Epoch)

	go func() {
		defer close(t.done)
		m.run(ctx, t)
	}()
}

// Stop cancels the running task and waits until it has observed the
// cancellation. A replacement in progress completes first.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.task == nil {
		return
	}
	m.task.cancel()
	<-m.task.done
	m.task = nil
}

// Running reports whether a task is alive
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task == nil {
		return false
	}
	select {
	case <-m.task.done:
		return false
	default:
		return true
	}
}

// SetMilestones turns gain milestone notifications on or off
func (m *Manager) SetMilestones(on bool) {
	m.milestones.Store(on)
}

func (m *Manager) Milestones() bool {
	return m.milestones.Load()
}

func (m *Manager) run(ctx context.Context, t *task) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Trailing cancelled", "epoch", t.params.Epoch)
			return
		case <-timer.C:
		}

		if !m.tick(ctx, t) {
			return
		}
		timer.Reset(retry.Backoff(m.cfg.Interval, m.cfg.MaxBackoff, t.failures))
	}
}

// tick runs one trailing pass and reports whether the task should go on
func (m *Manager) tick(ctx context.Context, t *task) bool {
	p := t.params

	snap := m.state.Get()
	if !snap.IsOpen || snap.Epoch != p.Epoch {
		m.logger.Info("Position gone, trailing ends", "epoch", p.Epoch)
		m.notify(ctx, "Trailing ended", fmt.Sprintf("Trailing for %s stopped: position closed", p.Symbol), core.AlertInfo, nil)
		return false
	}

	mark, err := m.venue.GetMarkPrice(ctx, p.Symbol)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		t.failures++
		m.logger.Warn("Mark price unavailable, skipping tick", "error", err, "failures", t.failures)
		return true
	}
	t.failures = 0

	gain := Gain(p.EntryPrice, mark, p.Direction)
	gainPct, _ := gain.Mul(decimal.NewFromInt(100)).Float64()
	m.metrics.SetUnrealizedGain(p.Symbol, gainPct)

	for _, level := range Milestones(gain, t.watermark) {
		t.watermark = level
		if m.milestones.Load() {
			m.notify(ctx, "Gain milestone",
				fmt.Sprintf("Gain +%d%% reached (%s at %s)", level, p.Direction, mark),
				core.AlertInfo, map[string]string{"symbol": p.Symbol})
		}
	}

	if stop, ok := CandidateStop(p.EntryPrice, mark, p.Direction, m.cfg.MinStopDistancePct, p.TickSize); ok &&
		IsBetterStop(p.Direction, stop, t.bestStop) {
		if err := m.replace(ctx, t, position.LegStopLoss, core.OrderTypeStopMarket, stop); err != nil {
			m.logger.Error("Stop loss update failed", "stop", stop.String(), "error", err)
		} else {
			t.bestStop = stop
			m.notify(ctx, "Stop loss moved", fmt.Sprintf("Stop loss for %s moved to %s", p.Symbol, stop), core.AlertInfo,
				map[string]string{"gain": gain.StringFixed(4)})
		}
	}

	if ctx.Err() != nil {
		return false
	}

	if pct := TakeProfitPercent(gain, m.cfg.DefaultTakeProfitPct); pct.GreaterThan(t.bestTP) {
		target := TakeProfitPrice(p.EntryPrice, p.Direction, pct, p.TickSize)
		if err := m.replace(ctx, t, position.LegTakeProfit, core.OrderTypeTakeProfitMarket, target); err != nil {
			m.logger.Error("Take profit update failed", "target", target.String(), "error", err)
		} else {
			t.bestTP = pct
			m.notify(ctx, "Take profit moved", fmt.Sprintf("Take profit for %s moved to %s (%s%%)", p.Symbol, target, pct.Mul(decimal.NewFromInt(100))), core.AlertInfo, nil)
		}
	}
	return true
}

// replace cancels the resting order of leg and places the new level. The
// best level is only advanced by the caller after this returns nil.
func (m *Manager) replace(ctx context.Context, t *task, leg position.Leg, typ core.OrderType, level decimal.Decimal) error {
	m.legMu.Lock()
	defer m.legMu.Unlock()

	// A started replacement runs to completion even if the task is stopped
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replaceTimeout)
	defer cancel()

	p := t.params
	closeSide := p.Direction.CloseSide()

	previous := m.state.Get().ProtectiveID(leg)
	if previous == 0 {
		// Nothing remembered, e.g. an adopted position: retire any resting order of this kind
		orders, err := m.venue.GetOpenOrders(ctx, p.Symbol)
		if err != nil {
			return fmt.Errorf("list open orders: %w", err)
		}
		for _, o := range orders {
			if o.Type == typ && o.Side == closeSide && o.ClosePosition {
				if err := m.cancel(ctx, p.Symbol, o.OrderID); err != nil {
					return err
				}
			}
		}
	} else {
		if err := m.cancel(ctx, p.Symbol, previous); err != nil {
			return err
		}
		m.state.ClearProtective(p.Epoch, leg)
	}

	purpose := orderid.PurposeStopLoss
	if leg == position.LegTakeProfit {
		purpose = orderid.PurposeTakeProfit
	}
	order, err := m.venue.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        p.Symbol,
		Side:          closeSide,
		Type:          typ,
		StopPrice:     level,
		ClosePosition: true,
		ClientOrderID: orderid.New(m.cfg.OrderIDPrefix, purpose),
	})
	if err != nil {
		return fmt.Errorf("place %s: %w", typ, err)
	}

	if !m.state.SetProtective(p.Epoch, leg, order.OrderID) {
		// The position closed while the order was in flight
		_ = m.cancel(ctx, p.Symbol, order.OrderID)
		return fmt.Errorf("position of epoch %d no longer open", p.Epoch)
	}

	m.metrics.Count(ctx, m.metrics.ProtectiveUpdatesTotal, "leg", string(leg))
	m.record(ctx, "protective_update", p, level, order.OrderID, string(leg))
	m.logger.Info("Protective order replaced", "leg", leg, "level", level.String(), "order_id", order.OrderID)
	return nil
}

// cancel treats an order that already triggered, filled or was cancelled as done
func (m *Manager) cancel(ctx context.Context, symbol string, orderID int64) error {
	err := m.venue.CancelOrder(ctx, symbol, orderID)
	if err == nil || apperrors.IsAlreadyConsumed(err) {
		return nil
	}
	return fmt.Errorf("cancel order %d: %w", orderID, err)
}

func (m *Manager) notify(ctx context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	if m.notifier != nil {
		m.notifier.Alert(ctx, title, message, level, fields)
	}
}

func (m *Manager) record(ctx context.Context, kind string, p Params, price decimal.Decimal, orderID int64, note string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Record(ctx, core.JournalEvent{
		Kind:      kind,
		Symbol:    p.Symbol,
		Direction: p.Direction,
		Price:     price,
		OrderID:   orderID,
		Note:      note,
	}); err != nil {
		m.logger.Warn("Journal write failed", "error", err)
	}
}
