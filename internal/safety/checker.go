// Package safety runs pre-trade checks before the engine accepts signals
package safety

import (
	"context"
	"fmt"

	"skytrader/internal/core"
	"skytrader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// AccountParams are the sizing and protection settings to validate
type AccountParams struct {
	Symbol        string
	QuoteAsset    string
	Margin        decimal.Decimal
	Leverage      int
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	TakerFeeRate  decimal.Decimal
}

// SafetyChecker implements safety validation checks
type SafetyChecker struct {
	logger core.ILogger
}

func NewSafetyChecker(logger core.ILogger) *SafetyChecker {
	return &SafetyChecker{
		logger: logger.WithField("component", "safety_checker"),
	}
}

// CheckVenueConnectivity verifies the venue answers the calls the engine
// depends on
func (s *SafetyChecker) CheckVenueConnectivity(ctx context.Context, venue core.IVenue, symbol string) error {
	s.logger.Info("Checking venue connectivity", "venue", venue.GetName())

	price, err := venue.GetMarkPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("price access failed: %w", err)
	}
	if price.Sign() <= 0 {
		return fmt.Errorf("invalid price received: %s", price)
	}

	if _, err := venue.GetInstrumentRules(ctx, symbol); err != nil {
		return fmt.Errorf("instrument rules unavailable: %w", err)
	}

	if _, err := venue.GetOpenOrders(ctx, symbol); err != nil {
		return fmt.Errorf("open orders access failed: %w", err)
	}
	return nil
}

// CheckAccountSafety verifies a default-sized open is possible and that the
// take profit clears round-trip fees. It is skipped while a position is
// already open, since that position is adopted as is.
func (s *SafetyChecker) CheckAccountSafety(ctx context.Context, venue core.IVenue, p AccountParams) error {
	s.logger.Info("Starting account safety check", "symbol", p.Symbol)

	pos, err := venue.GetPosition(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("failed to get position: %w", err)
	}
	if pos != nil && !pos.Amount.IsZero() {
		s.logger.Info("Detected existing position, skipping safety check", "existing_size", pos.Amount)
		return nil
	}

	balance, err := venue.GetAvailableBalance(ctx, p.QuoteAsset)
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}
	if balance.LessThan(p.Margin) {
		return fmt.Errorf("insufficient %s balance: %s available, %s margin per trade", p.QuoteAsset, balance, p.Margin)
	}

	price, err := venue.GetMarkPrice(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("failed to get mark price: %w", err)
	}
	rules, err := venue.GetInstrumentRules(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("failed to get instrument rules: %w", err)
	}

	// Minimums may raise the size above margin * leverage
	qty := tradingutils.SizeOrder(p.Margin, p.Leverage, price, rules.MinQty, rules.StepSize, rules.MinNotional)
	required := qty.Mul(price).Div(decimal.NewFromInt(int64(p.Leverage)))
	if required.GreaterThan(balance) {
		return fmt.Errorf("minimum order for %s needs %s %s margin, %s available",
			p.Symbol, required.StringFixed(4), p.QuoteAsset, balance)
	}

	fees := p.TakerFeeRate.Mul(decimal.NewFromInt(2))
	if net := p.TakeProfitPct.Sub(fees); net.Sign() <= 0 {
		return fmt.Errorf("take profit %s does not cover round-trip fees %s", p.TakeProfitPct, fees)
	}

	s.logger.Info("Account safety check completed successfully",
		"balance", balance, "quantity", qty, "margin", required.StringFixed(4))
	return nil
}

// ValidateTradingParameters checks the static protection settings
func (s *SafetyChecker) ValidateTradingParameters(p AccountParams) error {
	if p.Symbol == "" {
		return fmt.Errorf("trading symbol cannot be empty")
	}
	if p.Margin.Sign() <= 0 {
		return fmt.Errorf("margin must be positive: %s", p.Margin)
	}
	if p.Leverage < 1 || p.Leverage > 125 {
		return fmt.Errorf("leverage must be between 1 and 125: %d", p.Leverage)
	}
	if p.StopLossPct.Sign() <= 0 || p.TakeProfitPct.Sign() <= 0 {
		return fmt.Errorf("stop loss and take profit must be positive")
	}

	// A stop beyond the liquidation distance never triggers
	liquidation := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(p.Leverage)))
	if p.StopLossPct.GreaterThanOrEqual(liquidation) {
		return fmt.Errorf("stop loss %s is beyond the liquidation distance %s at x%d",
			p.StopLossPct, liquidation.StringFixed(4), p.Leverage)
	}
	if p.Leverage > 50 {
		s.logger.Warn("High leverage configured", "leverage", p.Leverage)
	}
	return nil
}
