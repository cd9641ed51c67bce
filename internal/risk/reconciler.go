package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"skytrader/internal/core"
	"skytrader/internal/trading/position"
	apperrors "skytrader/pkg/errors"
	"skytrader/pkg/retry"
	"skytrader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// CommandGuard reports whether a lifecycle command is transitioning the position
type CommandGuard interface {
	InFlight() bool
}

// AdoptFunc is called after the reconciler took over a position it did not open
type AdoptFunc func(ctx context.Context, snap position.Snapshot)

// Correction names the change a reconciliation pass applied
type Correction string

const (
	CorrectionNone    Correction = ""
	CorrectionAdopted Correction = "adopted"
	CorrectionReset   Correction = "reset"
	CorrectionReplace Correction = "replaced"
)

// Status describes the last reconciliation pass
type Status struct {
	ReconciliationID string
	State            string
	StartedAt        time.Time
	CompletedAt      time.Time
	LastSuccess      time.Time
	Match            bool
	Local            decimal.Decimal
	Venue            decimal.Decimal
	Correction       Correction
	Error            string
}

// ReconcilerConfig configures the loop
type ReconcilerConfig struct {
	Symbol   string
	Interval time.Duration
	Timeout  time.Duration
	Retry    retry.RetryPolicy
}

// Reconciler keeps the local position state in line with the venue. It
// never places or cancels orders.
type Reconciler struct {
	venue    core.IVenue
	state    *position.State
	guard    CommandGuard
	notifier core.INotifier
	journal  core.IJournal
	logger   core.ILogger
	cfg      ReconcilerConfig
	metrics  *telemetry.MetricsHolder
	onAdopt  AdoptFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu serializes passes
	mu sync.Mutex

	statusMu   sync.RWMutex
	lastResult Status
}

// NewReconciler creates a reconciler. guard, notifier and journal may be nil.
func NewReconciler(venue core.IVenue, state *position.State, guard CommandGuard, notifier core.INotifier, journal core.IJournal, logger core.ILogger, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Reconciler{
		venue:      venue,
		state:      state,
		guard:      guard,
		notifier:   notifier,
		journal:    journal,
		logger:     logger.WithField("component", "reconciler"),
		cfg:        cfg,
		metrics:    telemetry.GetGlobalMetrics(),
		lastResult: Status{State: "never_run"},
	}
}

// SetAdoptHook registers fn to run after a position was adopted or replaced
func (r *Reconciler) SetAdoptHook(fn AdoptFunc) {
	r.onAdopt = fn
}

// Start runs the loop in the background until Stop
func (r *Reconciler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Run(ctx)
	}()
	return nil
}

// Stop cancels the loop started by Start and waits for it
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}

// Run reconciles every interval until ctx ends. A failed pass is logged and
// the loop carries on.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "interval", r.cfg.Interval)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			if err := r.Reconcile(passCtx); err != nil && ctx.Err() == nil {
				r.logger.Error("Reconciliation failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// TriggerManual runs one pass immediately
func (r *Reconciler) TriggerManual(ctx context.Context) error {
	r.logger.Info("Manual reconciliation triggered")
	return r.Reconcile(ctx)
}

// GetStatus returns a copy of the last pass result
func (r *Reconciler) GetStatus() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastResult
}

// Reconcile performs a single pass. The local snapshot is taken before the
// venue is queried and every correction is a compare-and-set on its epoch,
// so a command that moved the state in between always wins.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recID := fmt.Sprintf("rec_%d", time.Now().UnixNano())
	r.statusMu.Lock()
	r.lastResult.ReconciliationID = recID
	r.lastResult.State = "running"
	r.lastResult.StartedAt = time.Now()
	r.lastResult.Correction = CorrectionNone
	r.lastResult.Error = ""
	r.statusMu.Unlock()

	if r.commandInFlight() {
		r.finish("skipped_in_flight", nil)
		return nil
	}

	snap := r.state.Get()

	pos, err := retry.DoValue(ctx, r.cfg.Retry, apperrors.IsTransient, func() (*core.VenuePosition, error) {
		return r.venue.GetPosition(ctx, r.cfg.Symbol)
	})
	if err != nil {
		r.finish("failed", err)
		return fmt.Errorf("failed to get position: %w", err)
	}

	if r.commandInFlight() {
		r.finish("skipped_in_flight", nil)
		return nil
	}

	local := signedSize(snap)
	correction := r.correct(ctx, snap, pos)

	r.statusMu.Lock()
	r.lastResult.Match = local.Equal(pos.Amount)
	r.lastResult.Local = local
	r.lastResult.Venue = pos.Amount
	r.lastResult.Correction = correction
	r.statusMu.Unlock()
	r.finish("completed", nil)

	r.logger.Debug("Reconciliation pass completed", "id", recID, "local", local.String(), "venue", pos.Amount.String())
	return nil
}

func (r *Reconciler) correct(ctx context.Context, snap position.Snapshot, pos *core.VenuePosition) Correction {
	switch {
	case pos.IsOpen() && !snap.IsOpen:
		if !r.adopt(snap, pos) {
			return CorrectionNone
		}
		r.logger.Warn("Position opened outside the engine, adopted",
			"direction", pos.Direction(), "qty", pos.Quantity().String(), "entry", pos.EntryPrice.String())
		r.report(ctx, CorrectionAdopted, pos.Direction(), pos.EntryPrice, pos.Quantity(),
			"External position detected",
			fmt.Sprintf("%s %s %s @ %s found on the venue and adopted", pos.Direction(), pos.Quantity(), r.cfg.Symbol, pos.EntryPrice))
		r.afterAdopt(ctx)
		return CorrectionAdopted

	case !pos.IsOpen() && snap.IsOpen:
		if !r.state.CompareAndReset(snap.Epoch) {
			return CorrectionNone
		}
		r.logger.Warn("Position closed outside the engine, local state reset", "local", snap.String())
		r.report(ctx, CorrectionReset, snap.Direction, pos.MarkPrice, snap.Quantity,
			"Position closed",
			fmt.Sprintf("%s %s is flat on the venue (protective order or manual close)", snap.Direction, r.cfg.Symbol))
		return CorrectionReset

	case pos.IsOpen() && snap.IsOpen:
		if pos.Direction() == snap.Direction && pos.Quantity().Equal(snap.Quantity) {
			return CorrectionNone
		}
		if !r.adopt(snap, pos) {
			return CorrectionNone
		}
		r.logger.Warn("Venue position differs from local state, replaced",
			"local", snap.String(), "venue", pos.Amount.String())
		r.report(ctx, CorrectionReplace, pos.Direction(), pos.EntryPrice, pos.Quantity(),
			"Position changed",
			fmt.Sprintf("Local %s replaced by venue %s %s @ %s", snap, pos.Direction(), pos.Quantity(), pos.EntryPrice))
		r.afterAdopt(ctx)
		return CorrectionReplace
	}
	return CorrectionNone
}

func (r *Reconciler) adopt(snap position.Snapshot, pos *core.VenuePosition) bool {
	entry := pos.EntryPrice
	if entry.Sign() <= 0 {
		entry = pos.MarkPrice
	}
	return r.state.CompareAndSetOpen(snap.Epoch, pos.Direction(), entry, pos.Quantity())
}

func (r *Reconciler) afterAdopt(ctx context.Context) {
	if r.onAdopt != nil {
		r.onAdopt(ctx, r.state.Get())
	}
}

func (r *Reconciler) report(ctx context.Context, c Correction, dir core.Direction, price, qty decimal.Decimal, title, message string) {
	r.metrics.Count(ctx, r.metrics.CorrectionsTotal, "kind", string(c))
	if r.notifier != nil {
		r.notifier.Alert(ctx, title, message, core.AlertWarning, map[string]string{"correction": string(c)})
	}
	if r.journal != nil {
		if err := r.journal.Record(ctx, core.JournalEvent{
			Kind:      "reconcile_" + string(c),
			Symbol:    r.cfg.Symbol,
			Direction: dir,
			Price:     price,
			Quantity:  qty,
		}); err != nil {
			r.logger.Warn("Journal write failed", "error", err)
		}
	}
}

func (r *Reconciler) commandInFlight() bool {
	return r.guard != nil && r.guard.InFlight()
}

func (r *Reconciler) finish(state string, err error) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.lastResult.State = state
	r.lastResult.CompletedAt = time.Now()
	if err != nil {
		r.lastResult.Error = err.Error()
	}
	if state == "completed" {
		r.lastResult.LastSuccess = r.lastResult.CompletedAt
	}
}

func signedSize(snap position.Snapshot) decimal.Decimal {
	if !snap.IsOpen {
		return decimal.Zero
	}
	if snap.Direction == core.Short {
		return snap.Quantity.Neg()
	}
	return snap.Quantity
}
