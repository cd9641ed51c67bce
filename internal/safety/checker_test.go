package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skytrader/internal/core"
	"skytrader/internal/mock"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})               {}
func (m *mockLogger) Info(msg string, fields ...interface{})                {}
func (m *mockLogger) Warn(msg string, fields ...interface{})                {}
func (m *mockLogger) Error(msg string, fields ...interface{})               {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func params() AccountParams {
	return AccountParams{
		Symbol:        "ALGOUSDT",
		QuoteAsset:    "USDT",
		Margin:        d("2"),
		Leverage:      10,
		StopLossPct:   d("0.008"),
		TakeProfitPct: d("0.015"),
		TakerFeeRate:  d("0.0005"),
	}
}

func newVenue() *mock.FuturesExchange {
	v := mock.NewFuturesExchange("test")
	v.SetMarkPrice("ALGOUSDT", d("0.2"))
	return v
}

func TestCheckAccountSafety(t *testing.T) {
	checker := NewSafetyChecker(&mockLogger{})
	ctx := context.Background()

	require.NoError(t, checker.CheckAccountSafety(ctx, newVenue(), params()))

	t.Run("insufficient balance", func(t *testing.T) {
		v := newVenue()
		v.SetBalance("USDT", d("1"))
		assert.ErrorContains(t, checker.CheckAccountSafety(ctx, v, params()), "insufficient USDT balance")
	})

	t.Run("minimum notional above balance", func(t *testing.T) {
		v := newVenue()
		v.SetBalance("USDT", d("2"))
		p := params()
		p.Leverage = 1
		// 2 USDT at x1 is 10 ALGO, notional 2 < 5 so the order grows to 25 ALGO
		assert.ErrorContains(t, checker.CheckAccountSafety(ctx, v, p), "minimum order")
	})

	t.Run("take profit inside fees", func(t *testing.T) {
		p := params()
		p.TakeProfitPct = d("0.001")
		assert.ErrorContains(t, checker.CheckAccountSafety(ctx, newVenue(), p), "round-trip fees")
	})

	t.Run("existing position skips", func(t *testing.T) {
		v := newVenue()
		v.SetBalance("USDT", decimal.Zero)
		v.SetPosition("ALGOUSDT", d("100"), d("0.2"))
		assert.NoError(t, checker.CheckAccountSafety(ctx, v, params()))
	})
}

func TestCheckVenueConnectivity(t *testing.T) {
	checker := NewSafetyChecker(&mockLogger{})
	ctx := context.Background()

	assert.NoError(t, checker.CheckVenueConnectivity(ctx, newVenue(), "ALGOUSDT"))

	v := newVenue()
	v.FailNext(mock.OpMarkPrice, errors.New("timeout"), 1)
	assert.ErrorContains(t, checker.CheckVenueConnectivity(ctx, v, "ALGOUSDT"), "price access failed")

	v = newVenue()
	v.FailNext(mock.OpOpenOrders, errors.New("401"), 1)
	assert.ErrorContains(t, checker.CheckVenueConnectivity(ctx, v, "ALGOUSDT"), "open orders access failed")
}

func TestValidateTradingParameters(t *testing.T) {
	checker := NewSafetyChecker(&mockLogger{})

	tests := []struct {
		name    string
		mutate  func(p *AccountParams)
		wantErr string
	}{
		{"valid", func(p *AccountParams) {}, ""},
		{"empty symbol", func(p *AccountParams) { p.Symbol = "" }, "symbol"},
		{"zero margin", func(p *AccountParams) { p.Margin = decimal.Zero }, "margin"},
		{"leverage", func(p *AccountParams) { p.Leverage = 0 }, "leverage"},
		{"stop beyond liquidation", func(p *AccountParams) { p.Leverage = 125 }, "liquidation"},
		{"zero take profit", func(p *AccountParams) { p.TakeProfitPct = decimal.Zero }, "take profit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params()
			tt.mutate(&p)
			err := checker.ValidateTradingParameters(p)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
