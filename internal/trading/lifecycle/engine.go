package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"skytrader/internal/core"
	"skytrader/internal/trading/position"
	"skytrader/internal/trading/trailing"
	apperrors "skytrader/pkg/errors"
	"skytrader/pkg/orderid"
	"skytrader/pkg/retry"
	"skytrader/pkg/telemetry"
	"skytrader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Reconciler refreshes the position state from the venue
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Trailer runs the trailing task of the open position
type Trailer interface {
	Start(p trailing.Params)
	Stop()
	Running() bool
}

// Config holds the engine defaults
type Config struct {
	Symbol           string
	QuoteAsset       string
	DefaultMargin    decimal.Decimal
	DefaultLeverage  int
	StopLossPct      decimal.Decimal
	TakeProfitPct    decimal.Decimal
	PriceRetry       retry.RetryPolicy
	OrderRetry       retry.RetryPolicy
	CloseVerifyDelay time.Duration
	OrderIDPrefix    string
}

// Engine is the only component that transitions the position on the venue.
// One open or close runs at a time.
type Engine struct {
	venue    core.IVenue
	state    *position.State
	trailer  Trailer
	notifier core.INotifier
	journal  core.IJournal
	logger   core.ILogger
	cfg      Config
	metrics  *telemetry.MetricsHolder

	reconciler Reconciler

	// mu is the mutation lock, held for a whole open or close
	mu       sync.Mutex
	inFlight atomic.Bool

	settingsMu sync.RWMutex
	margin     decimal.Decimal
	leverage   int
}

// NewEngine creates an engine. journal may be nil.
func NewEngine(venue core.IVenue, state *position.State, trailer Trailer, notifier core.INotifier, journal core.IJournal, logger core.ILogger, cfg Config) *Engine {
	return &Engine{
		venue:    venue,
		state:    state,
		trailer:  trailer,
		notifier: notifier,
		journal:  journal,
		logger:   logger.WithField("component", "lifecycle"),
		cfg:      cfg,
		metrics:  telemetry.GetGlobalMetrics(),
		margin:   cfg.DefaultMargin,
		leverage: cfg.DefaultLeverage,
	}
}

// SetReconciler wires the reconciliation pass run before every command
func (e *Engine) SetReconciler(r Reconciler) {
	e.reconciler = r
}

// InFlight reports whether an open or close currently holds the mutation lock
func (e *Engine) InFlight() bool {
	return e.inFlight.Load()
}

// TryExclusive runs fn under the mutation lock unless an open or close holds
// it, in which case fn is skipped and false returned.
func (e *Engine) TryExclusive(fn func()) bool {
	if !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()
	fn()
	return true
}

// SetDefaultLeverage changes the leverage used when a request carries none
func (e *Engine) SetDefaultLeverage(leverage int) error {
	if leverage < 1 || leverage > 125 {
		return fmt.Errorf("leverage must be between 1 and 125, got %d", leverage)
	}
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	e.leverage = leverage
	return nil
}

// SetDefaultMargin changes the USDT margin used when a request carries none
func (e *Engine) SetDefaultMargin(margin decimal.Decimal) error {
	if margin.Sign() <= 0 {
		return fmt.Errorf("margin must be positive, got %s", margin)
	}
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	e.margin = margin
	return nil
}

// Defaults returns the current default margin and leverage
func (e *Engine) Defaults() (decimal.Decimal, int) {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.margin, e.leverage
}

// Open opens a position in req.Direction. An open position in the same
// direction makes the call a no-op; one in the other direction is closed
// first.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*Result, error) {
	if !req.Direction.Valid() {
		return nil, fmt.Errorf("invalid direction %q", req.Direction)
	}
	e.reconcile(ctx)

	e.mu.Lock()
	e.inFlight.Store(true)
	defer func() {
		e.inFlight.Store(false)
		e.mu.Unlock()
	}()

	res, err := e.openLocked(ctx, req)
	if err != nil {
		e.metrics.Count(ctx, e.metrics.CommandFailuresTotal, "command", "open")
		e.logger.Error("Open failed", "direction", req.Direction, "source", req.Source, "error", err)
		e.notify(ctx, "Open failed", fmt.Sprintf("Opening %s %s failed: %v", req.Direction, e.cfg.Symbol, err), core.AlertError, nil)
		return nil, err
	}
	e.metrics.Count(ctx, e.metrics.OpensTotal, "outcome", string(res.Outcome))
	return res, nil
}

func (e *Engine) openLocked(ctx context.Context, req OpenRequest) (*Result, error) {
	symbol := e.cfg.Symbol

	snap := e.state.Get()
	venuePos, err := e.getPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("check venue position: %w", err)
	}

	if snap.IsOpen && !venuePos.IsOpen() {
		// Venue is authoritative: the cached position is already gone
		e.trailer.Stop()
		e.state.CompareAndReset(snap.Epoch)
		e.cancelProtective(ctx)
		e.logger.Warn("Local position was already closed on the venue", "local", snap.String())
	}

	if venuePos.IsOpen() {
		current := venuePos.Direction()
		if current == req.Direction {
			e.logger.Warn("Position already open, ignoring open", "direction", current, "source", req.Source)
			e.notify(ctx, "Already open", fmt.Sprintf("A %s position on %s is already open", current, symbol), core.AlertWarning, nil)
			return &Result{
				Outcome:   OutcomeAlreadyOpen,
				Direction: current,
				Price:     venuePos.EntryPrice,
				Quantity:  venuePos.Quantity(),
				Leverage:  venuePos.Leverage,
			}, nil
		}

		e.notify(ctx, "Reversing", fmt.Sprintf("A %s position is open, closing it before opening %s", current, req.Direction), core.AlertWarning, nil)
		closed, err := e.closeLocked(ctx)
		if err != nil {
			return nil, fmt.Errorf("close previous position: %w", err)
		}
		if closed.Warning != "" {
			return nil, fmt.Errorf("close previous position: %w", apperrors.ErrStillOpen)
		}
	}

	margin, leverage := e.resolve(req)

	// Leverage first: it changes the margin math of the order
	if err := retry.Do(ctx, e.cfg.OrderRetry, apperrors.IsTransient, func() error {
		return e.venue.SetLeverage(ctx, symbol, leverage)
	}); err != nil {
		return nil, fmt.Errorf("set leverage %d: %w", leverage, err)
	}

	rules, err := retry.DoValue(ctx, e.cfg.PriceRetry, apperrors.IsTransient, func() (*core.InstrumentRules, error) {
		return e.venue.GetInstrumentRules(ctx, symbol)
	})
	if err != nil {
		return nil, fmt.Errorf("load instrument rules: %w", err)
	}

	price, err := retry.DoValue(ctx, e.cfg.PriceRetry, apperrors.IsTransient, func() (decimal.Decimal, error) {
		return e.venue.GetMarkPrice(ctx, symbol)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch price: %w", err)
	}

	qty := tradingutils.SizeOrder(margin, leverage, price, rules.MinQty, rules.StepSize, rules.MinNotional)
	if qty.Sign() <= 0 {
		return nil, fmt.Errorf("computed quantity %s: %w", qty, apperrors.ErrInvalidOrderParameter)
	}

	quote := e.cfg.QuoteAsset
	if quote == "" {
		quote = rules.QuoteAsset
	}
	balance, err := retry.DoValue(ctx, e.cfg.PriceRetry, apperrors.IsTransient, func() (decimal.Decimal, error) {
		return e.venue.GetAvailableBalance(ctx, quote)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	if balance.LessThan(margin) {
		return nil, fmt.Errorf("need %s %s, available %s: %w", margin, quote, balance, apperrors.ErrInsufficientFunds)
	}

	// One client id across attempts keeps a retried submission idempotent
	clientID := orderid.New(e.cfg.OrderIDPrefix, orderid.PurposeOpen)
	order, err := retry.DoValue(ctx, e.cfg.OrderRetry, apperrors.IsTransient, func() (*core.Order, error) {
		return e.venue.PlaceOrder(ctx, &core.OrderRequest{
			Symbol:        symbol,
			Side:          req.Direction.OpenSide(),
			Type:          core.OrderTypeMarket,
			Quantity:      qty,
			ClientOrderID: clientID,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("submit market order: %w", err)
	}
	if order.ExecutedQty.Sign() <= 0 && order.Status != core.OrderStatusFilled {
		return nil, fmt.Errorf("order %d status %s: %w", order.OrderID, order.Status, apperrors.ErrNoFill)
	}

	after, err := e.getPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify fill: %w", err)
	}
	if !after.IsOpen() {
		return nil, fmt.Errorf("order %d filled: %w", order.OrderID, apperrors.ErrPositionNotFound)
	}
	if after.Direction() != req.Direction {
		return nil, fmt.Errorf("order %d filled but venue holds %s %s: %w", order.OrderID, after.Direction(), after.Amount, apperrors.ErrPositionMismatch)
	}

	entry := order.AvgPrice
	if entry.Sign() <= 0 {
		entry = price
	}
	filled := order.ExecutedQty
	if filled.Sign() <= 0 {
		filled = qty
	}
	if err := e.state.SetOpen(req.Direction, entry, filled); err != nil {
		return nil, err
	}
	opened := e.state.Get()

	e.logger.Info("Position opened",
		"direction", req.Direction,
		"entry", entry.String(),
		"qty", filled.String(),
		"leverage", leverage,
		"source", req.Source)
	e.notify(ctx, "Position opened",
		fmt.Sprintf("%s %s opened at %s, qty %s, margin %s USDT, leverage x%d", req.Direction, symbol, entry, filled, margin, leverage),
		core.AlertInfo, map[string]string{"source": req.Source})
	e.record(ctx, "open", req.Direction, entry, filled, order.OrderID, req.Source)

	stop := e.protect(ctx, opened, rules.TickSize)

	e.trailer.Stop()
	e.trailer.Start(trailing.Params{
		Symbol:        symbol,
		Epoch:         opened.Epoch,
		Direction:     req.Direction,
		EntryPrice:    entry,
		StopPrice:     stop,
		TakeProfitPct: e.cfg.TakeProfitPct,
		TickSize:      rules.TickSize,
	})

	return &Result{
		Outcome:   OutcomeConfirmed,
		Direction: req.Direction,
		Price:     entry,
		Quantity:  filled,
		Leverage:  leverage,
		OrderID:   order.OrderID,
	}, nil
}

// Close flattens the position. With nothing open on either side it returns
// OutcomeNothingToClose without touching state or placing orders.
func (e *Engine) Close(ctx context.Context) (*Result, error) {
	e.reconcile(ctx)

	e.mu.Lock()
	e.inFlight.Store(true)
	defer func() {
		e.inFlight.Store(false)
		e.mu.Unlock()
	}()

	res, err := e.closeLocked(ctx)
	if err != nil {
		e.metrics.Count(ctx, e.metrics.CommandFailuresTotal, "command", "close")
		e.logger.Error("Close failed", "error", err)
		e.notify(ctx, "Close failed", fmt.Sprintf("Closing %s failed: %v", e.cfg.Symbol, err), core.AlertError, nil)
		return nil, err
	}
	if res.Outcome == OutcomeNothingToClose {
		e.notify(ctx, "Nothing to close", fmt.Sprintf("No open position on %s", e.cfg.Symbol), core.AlertInfo, nil)
	}
	e.metrics.Count(ctx, e.metrics.ClosesTotal, "outcome", string(res.Outcome))
	return res, nil
}

func (e *Engine) closeLocked(ctx context.Context) (*Result, error) {
	symbol := e.cfg.Symbol

	snap := e.state.Get()
	venuePos, err := e.getPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("check venue position: %w", err)
	}

	if !venuePos.IsOpen() {
		if snap.IsOpen {
			// Venue is authoritative: the position is already gone
			e.trailer.Stop()
			e.state.CompareAndReset(snap.Epoch)
			e.cancelProtective(ctx)
			e.logger.Warn("Local position was already closed on the venue", "local", snap.String())
		}
		return &Result{Outcome: OutcomeNothingToClose}, nil
	}

	// The trailing task must not replace orders while the position unwinds
	e.trailer.Stop()

	dir := venuePos.Direction()
	qty := venuePos.Quantity()
	clientID := orderid.New(e.cfg.OrderIDPrefix, orderid.PurposeClose)
	order, err := retry.DoValue(ctx, e.cfg.OrderRetry, apperrors.IsTransient, func() (*core.Order, error) {
		return e.venue.PlaceOrder(ctx, &core.OrderRequest{
			Symbol:        symbol,
			Side:          dir.CloseSide(),
			Type:          core.OrderTypeMarket,
			Quantity:      qty,
			ReduceOnly:    true,
			ClientOrderID: clientID,
		})
	})
	if err == nil && order.ExecutedQty.Sign() <= 0 && order.Status != core.OrderStatusFilled {
		err = fmt.Errorf("order %d status %s: %w", order.OrderID, order.Status, apperrors.ErrNoFill)
	}
	if err != nil {
		e.resumeTrailing(ctx)
		return nil, fmt.Errorf("submit reduce-only order: %w", err)
	}

	after, err := e.getPosition(ctx)
	switch {
	case err != nil:
		e.logger.Warn("Could not confirm flat position, protective orders kept", "error", err)
	case after.IsOpen():
		e.logger.Warn("Venue still reports a position, protective orders kept", "amount", after.Amount.String())
	default:
		e.cancelProtective(ctx)
	}

	e.state.Reset()

	exit := order.AvgPrice
	if exit.Sign() <= 0 {
		exit = venuePos.MarkPrice
	}
	res := &Result{
		Outcome:   OutcomeConfirmed,
		Direction: dir,
		Price:     exit,
		Quantity:  qty,
		Leverage:  venuePos.Leverage,
		OrderID:   order.OrderID,
	}

	e.logger.Info("Position closed", "direction", dir, "exit", exit.String(), "qty", qty.String())
	e.notify(ctx, "Position closed",
		fmt.Sprintf("%s %s closed at %s, qty %s, entry %s", dir, symbol, exit, qty, venuePos.EntryPrice),
		core.AlertInfo, nil)
	e.record(ctx, "close", dir, exit, qty, order.OrderID, "")

	if warning := e.verifyFlat(ctx); warning != "" {
		res.Warning = warning
	}
	return res, nil
}

// verifyFlat re-reads the venue after the grace delay. It never retries the close.
func (e *Engine) verifyFlat(ctx context.Context) string {
	if e.cfg.CloseVerifyDelay > 0 {
		select {
		case <-time.After(e.cfg.CloseVerifyDelay):
		case <-ctx.Done():
			return ""
		}
	}

	pos, err := e.getPosition(ctx)
	if err != nil {
		e.logger.Warn("Post-close verification failed", "error", err)
		return ""
	}
	if !pos.IsOpen() {
		return ""
	}

	warning := fmt.Sprintf("Venue still reports %s %s after close, check manually", pos.Amount, e.cfg.Symbol)
	e.logger.Error("Position still open after close", "amount", pos.Amount.String())
	e.notify(ctx, "Manual check required", warning, core.AlertCritical, nil)
	return warning
}

// resumeTrailing restarts trailing after a failed close left the position open
func (e *Engine) resumeTrailing(ctx context.Context) {
	snap := e.state.Get()
	if !snap.IsOpen {
		return
	}
	e.startTrailing(ctx, snap)
}

// StartTrailingForAdopted starts trailing for a position the reconciler
// adopted. It does nothing while a command runs, since that command owns
// the trailing task.
func (e *Engine) StartTrailingForAdopted(ctx context.Context, snap position.Snapshot) {
	if !e.mu.TryLock() {
		return
	}
	defer e.mu.Unlock()

	current := e.state.Get()
	if !current.IsOpen || current.Epoch != snap.Epoch {
		return
	}
	e.startTrailing(ctx, current)
}

// startTrailing seeds a trailing task from the protective orders resting on
// the venue
func (e *Engine) startTrailing(ctx context.Context, snap position.Snapshot) {
	var tick decimal.Decimal
	if rules, err := e.venue.GetInstrumentRules(ctx, e.cfg.Symbol); err == nil {
		tick = rules.TickSize
	}

	params := trailing.Params{
		Symbol:     e.cfg.Symbol,
		Epoch:      snap.Epoch,
		Direction:  snap.Direction,
		EntryPrice: snap.EntryPrice,
		TickSize:   tick,
	}

	orders, err := e.venue.GetOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("Could not read resting protective orders", "error", err)
	}
	closeSide := snap.Direction.CloseSide()
	for _, o := range orders {
		if o.Side != closeSide || !o.ClosePosition {
			continue
		}
		switch o.Type {
		case core.OrderTypeStopMarket:
			if trailing.IsBetterStop(snap.Direction, o.StopPrice, params.StopPrice) {
				params.StopPrice = o.StopPrice
			}
		case core.OrderTypeTakeProfitMarket:
			if !snap.EntryPrice.IsZero() {
				pct := o.StopPrice.Div(snap.EntryPrice).Sub(decimal.NewFromInt(1)).Abs()
				if pct.GreaterThan(params.TakeProfitPct) {
					params.TakeProfitPct = pct
				}
			}
		}
	}

	e.trailer.Stop()
	e.trailer.Start(params)
}

// Shutdown stops the trailing task. Resting protective orders stay on the venue.
func (e *Engine) Shutdown() {
	e.trailer.Stop()
}

func (e *Engine) resolve(req OpenRequest) (decimal.Decimal, int) {
	margin, leverage := e.Defaults()
	if req.MarginUSDT.Sign() > 0 {
		margin = req.MarginUSDT
	}
	if req.Leverage > 0 {
		leverage = req.Leverage
	}
	return margin, leverage
}

func (e *Engine) reconcile(ctx context.Context) {
	if e.reconciler == nil {
		return
	}
	if err := e.reconciler.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("Pre-command reconciliation failed", "error", err)
	}
}

func (e *Engine) getPosition(ctx context.Context) (*core.VenuePosition, error) {
	return retry.DoValue(ctx, e.cfg.PriceRetry, apperrors.IsTransient, func() (*core.VenuePosition, error) {
		return e.venue.GetPosition(ctx, e.cfg.Symbol)
	})
}

func (e *Engine) notify(ctx context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	if e.notifier != nil {
		e.notifier.Alert(ctx, title, message, level, fields)
	}
}

func (e *Engine) record(ctx context.Context, kind string, dir core.Direction, price, qty decimal.Decimal, orderID int64, note string) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Record(ctx, core.JournalEvent{
		Kind:      kind,
		Symbol:    e.cfg.Symbol,
		Direction: dir,
		Price:     price,
		Quantity:  qty,
		OrderID:   orderID,
		Note:      note,
	}); err != nil {
		e.logger.Warn("Journal write failed", "error", err)
	}
}
