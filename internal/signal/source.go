// Package signal fans open and close requests from timeframe detectors and
// manual commands into the lifecycle engine.
package signal

import (
	"context"
	"sync"
	"time"

	"skytrader/internal/core"

	"github.com/shopspring/decimal"
)

// Source produces signals until ctx ends
type Source interface {
	Name() string
	Run(ctx context.Context) error
}

// Signal is a normalized directional request from a timeframe source
type Signal struct {
	Source    string
	Timeframe string
	Direction core.Direction
	Price     decimal.Decimal
	At        time.Time
}

// throttle lets one event through per interval
type throttle struct {
	mu    sync.Mutex
	every time.Duration
	last  time.Time
	now   func() time.Time
}

func newThrottle(every time.Duration) *throttle {
	return &throttle{every: every, now: time.Now}
}

func (t *throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.every {
		return false
	}
	t.last = now
	return true
}
