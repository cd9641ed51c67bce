package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"skytrader/internal/trading/trailing"

	"github.com/shopspring/decimal"
)

// Status renders local state, venue position, gain and resting protective
// orders as a short multi-line report.
func (e *Engine) Status(ctx context.Context) (string, error) {
	snap := e.state.Get()
	margin, leverage := e.Defaults()

	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", e.cfg.Symbol)
	fmt.Fprintf(&b, "Local: %s\n", snap)

	pos, err := e.venue.GetPosition(ctx, e.cfg.Symbol)
	if err != nil {
		return "", fmt.Errorf("read venue position: %w", err)
	}
	if pos.IsOpen() {
		fmt.Fprintf(&b, "Venue: %s %s @ %s (x%d)\n", pos.Direction(), pos.Quantity(), pos.EntryPrice, pos.Leverage)
	} else {
		b.WriteString("Venue: flat\n")
	}

	if mark, err := e.venue.GetMarkPrice(ctx, e.cfg.Symbol); err == nil {
		fmt.Fprintf(&b, "Mark: %s\n", mark)
		if snap.IsOpen {
			gain := trailing.Gain(snap.EntryPrice, mark, snap.Direction)
			fmt.Fprintf(&b, "Gain: %s%%\n", gain.Mul(decimal.NewFromInt(100)).StringFixed(2))
		}
	}

	if orders, err := e.venue.GetOpenOrders(ctx, e.cfg.Symbol); err == nil {
		for _, o := range orders {
			if o.Type.IsProtective() {
				fmt.Fprintf(&b, "%s %s @ %s (#%d)\n", o.Type, o.Side, o.StopPrice, o.OrderID)
			}
		}
	}

	fmt.Fprintf(&b, "Defaults: margin %s USDT, leverage x%d\n", margin, leverage)
	fmt.Fprintf(&b, "Trailing: %t", e.trailer.Running())
	return b.String(), nil
}
