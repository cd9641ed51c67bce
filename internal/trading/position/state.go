// Package position holds the single lock-guarded local belief about the open position
package position

import (
	"fmt"
	"sync"
	"time"

	"skytrader/internal/core"
	"skytrader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Leg identifies one protective order of a position
type Leg string

const (
	LegStopLoss   Leg = "stop_loss"
	LegTakeProfit Leg = "take_profit"
)

// Snapshot is an immutable copy of the state. Epoch increases on every open
// or reset, so a holder can tell whether the position it looked at still exists.
type Snapshot struct {
	IsOpen            bool
	Direction         core.Direction
	EntryPrice        decimal.Decimal
	Quantity          decimal.Decimal
	StopLossOrderID   int64
	TakeProfitOrderID int64
	OpenedAt          time.Time
	Epoch             uint64
}

// ProtectiveID returns the remembered order id of leg, zero if none
func (s Snapshot) ProtectiveID(leg Leg) int64 {
	if leg == LegStopLoss {
		return s.StopLossOrderID
	}
	return s.TakeProfitOrderID
}

func (s Snapshot) String() string {
	if !s.IsOpen {
		return "flat"
	}
	return fmt.Sprintf("%s %s @ %s", s.Direction, s.Quantity, s.EntryPrice)
}

// State is the only mutable position record. No method performs I/O while
// holding the lock.
type State struct {
	symbol string

	mu   sync.Mutex
	snap Snapshot
}

func NewState(symbol string) *State {
	return &State{symbol: symbol}
}

func (s *State) Symbol() string {
	return s.symbol
}

func (s *State) Get() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// SetOpen marks the position open. Protective ids from any earlier
// position are dropped.
func (s *State) SetOpen(dir core.Direction, entry, qty decimal.Decimal) error {
	if err := validateOpen(dir, entry, qty); err != nil {
		return err
	}
	s.mu.Lock()
	s.openLocked(dir, entry, qty)
	s.mu.Unlock()

	s.publish(dir, qty)
	return nil
}

// CompareAndSetOpen opens only if no open or reset happened since epoch was observed
func (s *State) CompareAndSetOpen(epoch uint64, dir core.Direction, entry, qty decimal.Decimal) bool {
	if validateOpen(dir, entry, qty) != nil {
		return false
	}
	s.mu.Lock()
	if s.snap.Epoch != epoch {
		s.mu.Unlock()
		return false
	}
	s.openLocked(dir, entry, qty)
	s.mu.Unlock()

	s.publish(dir, qty)
	return true
}

// Reset clears every field. Resetting a flat state is a no-op.
func (s *State) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()

	s.publish("", decimal.Zero)
}

// CompareAndReset resets only if the epoch still matches
func (s *State) CompareAndReset(epoch uint64) bool {
	s.mu.Lock()
	if s.snap.Epoch != epoch {
		s.mu.Unlock()
		return false
	}
	s.resetLocked()
	s.mu.Unlock()

	s.publish("", decimal.Zero)
	return true
}

// SetProtective remembers the resting order of leg for the position of epoch.
// It refuses when that position is gone.
func (s *State) SetProtective(epoch uint64, leg Leg, orderID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snap.IsOpen || s.snap.Epoch != epoch {
		return false
	}
	if leg == LegStopLoss {
		s.snap.StopLossOrderID = orderID
	} else {
		s.snap.TakeProfitOrderID = orderID
	}
	return true
}

func (s *State) ClearProtective(epoch uint64, leg Leg) bool {
	return s.SetProtective(epoch, leg, 0)
}

func (s *State) openLocked(dir core.Direction, entry, qty decimal.Decimal) {
	s.snap = Snapshot{
		IsOpen:     true,
		Direction:  dir,
		EntryPrice: entry,
		Quantity:   qty,
		OpenedAt:   time.Now(),
		Epoch:      s.snap.Epoch + 1,
	}
}

func (s *State) resetLocked() {
	if !s.snap.IsOpen {
		return
	}
	s.snap = Snapshot{Epoch: s.snap.Epoch + 1}
}

func (s *State) publish(dir core.Direction, qty decimal.Decimal) {
	size, _ := qty.Float64()
	if dir == core.Short {
		size = -size
	}
	telemetry.GetGlobalMetrics().SetPositionSize(s.symbol, size)
}

func validateOpen(dir core.Direction, entry, qty decimal.Decimal) error {
	if !dir.Valid() {
		return fmt.Errorf("invalid direction %q", dir)
	}
	if entry.Sign() <= 0 {
		return fmt.Errorf("entry price must be positive, got %s", entry)
	}
	if qty.Sign() <= 0 {
		return fmt.Errorf("quantity must be positive, got %s", qty)
	}
	return nil
}
