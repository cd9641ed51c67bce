// Package lifecycle implements the open and close commands of the single position
package lifecycle

import (
	"skytrader/internal/core"

	"github.com/shopspring/decimal"
)

// Outcome distinguishes successful command results
type Outcome string

const (
	OutcomeConfirmed      Outcome = "confirmed"
	OutcomeNothingToClose Outcome = "nothing_to_close"
	OutcomeAlreadyOpen    Outcome = "already_open"
)

// OpenRequest asks for a position in Direction. Zero MarginUSDT or Leverage
// fall back to the engine defaults.
type OpenRequest struct {
	Direction  core.Direction
	MarginUSDT decimal.Decimal
	Leverage   int
	Source     string
}

// Result describes a completed command
type Result struct {
	Outcome   Outcome
	Direction core.Direction
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Leverage  int
	OrderID   int64
	// Warning is set when a close was confirmed but the venue still reported
	// a position after the verification delay.
	Warning string
}
