package lifecycle

import (
	"context"
	"fmt"

	"skytrader/internal/core"
	"skytrader/internal/trading/position"
	"skytrader/internal/trading/trailing"
	apperrors "skytrader/pkg/errors"
	"skytrader/pkg/orderid"
	"skytrader/pkg/retry"

	"github.com/shopspring/decimal"
)

// protect places the initial stop-loss and take-profit of a fresh position,
// each only if no order of that kind already rests on the close side. It
// returns the stop level resting afterwards, zero if none.
func (e *Engine) protect(ctx context.Context, snap position.Snapshot, tick decimal.Decimal) decimal.Decimal {
	symbol := e.cfg.Symbol
	closeSide := snap.Direction.CloseSide()

	orders, err := retry.DoValue(ctx, e.cfg.PriceRetry, apperrors.IsTransient, func() ([]*core.Order, error) {
		return e.venue.GetOpenOrders(ctx, symbol)
	})
	if err != nil {
		e.logger.Error("Could not list open orders, initial protection skipped", "error", err)
		e.notify(ctx, "Protection missing", fmt.Sprintf("Initial stop loss and take profit for %s were not placed: %v", symbol, err), core.AlertError, nil)
		return decimal.Zero
	}

	var restingStop, restingTP *core.Order
	for _, o := range orders {
		if o.Side != closeSide || !o.ClosePosition {
			continue
		}
		switch o.Type {
		case core.OrderTypeStopMarket:
			restingStop = o
		case core.OrderTypeTakeProfitMarket:
			restingTP = o
		}
	}

	stop := decimal.Zero
	if restingStop != nil {
		stop = restingStop.StopPrice
		e.state.SetProtective(snap.Epoch, position.LegStopLoss, restingStop.OrderID)
	} else {
		level := trailing.InitialStopPrice(snap.EntryPrice, snap.Direction, e.cfg.StopLossPct, tick)
		if id, err := e.placeProtective(ctx, closeSide, core.OrderTypeStopMarket, level, orderid.PurposeStopLoss); err != nil {
			e.logger.Error("Initial stop loss failed", "level", level.String(), "error", err)
			e.notify(ctx, "Protection missing", fmt.Sprintf("Initial stop loss at %s failed: %v", level, err), core.AlertError, nil)
		} else {
			stop = level
			e.state.SetProtective(snap.Epoch, position.LegStopLoss, id)
			e.notify(ctx, "Stop loss placed", fmt.Sprintf("Stop loss for %s at %s", symbol, level), core.AlertInfo, nil)
		}
	}

	if restingTP != nil {
		e.state.SetProtective(snap.Epoch, position.LegTakeProfit, restingTP.OrderID)
	} else {
		level := trailing.TakeProfitPrice(snap.EntryPrice, snap.Direction, e.cfg.TakeProfitPct, tick)
		if id, err := e.placeProtective(ctx, closeSide, core.OrderTypeTakeProfitMarket, level, orderid.PurposeTakeProfit); err != nil {
			e.logger.Error("Initial take profit failed", "level", level.String(), "error", err)
			e.notify(ctx, "Protection missing", fmt.Sprintf("Initial take profit at %s failed: %v", level, err), core.AlertError, nil)
		} else {
			e.state.SetProtective(snap.Epoch, position.LegTakeProfit, id)
			e.notify(ctx, "Take profit placed", fmt.Sprintf("Take profit for %s at %s", symbol, level), core.AlertInfo, nil)
		}
	}

	return stop
}

func (e *Engine) placeProtective(ctx context.Context, side core.OrderSide, typ core.OrderType, level decimal.Decimal, purpose string) (int64, error) {
	clientID := orderid.New(e.cfg.OrderIDPrefix, purpose)
	order, err := retry.DoValue(ctx, e.cfg.OrderRetry, apperrors.IsTransient, func() (*core.Order, error) {
		return e.venue.PlaceOrder(ctx, &core.OrderRequest{
			Symbol:        e.cfg.Symbol,
			Side:          side,
			Type:          typ,
			StopPrice:     level,
			ClosePosition: true,
			ClientOrderID: clientID,
		})
	})
	if err != nil {
		return 0, err
	}
	return order.OrderID, nil
}

// cancelProtective cancels every resting stop-loss and take-profit order.
// Only call it once the venue reports the position flat.
func (e *Engine) cancelProtective(ctx context.Context) {
	orders, err := e.venue.GetOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("Could not list protective orders to cancel", "error", err)
		return
	}
	for _, o := range orders {
		if !o.Type.IsProtective() {
			continue
		}
		err := e.venue.CancelOrder(ctx, e.cfg.Symbol, o.OrderID)
		if err != nil && !apperrors.IsAlreadyConsumed(err) {
			e.logger.Warn("Protective order cancel failed", "order_id", o.OrderID, "error", err)
		}
	}
}
