// Package exchange builds the venue the engine trades on
package exchange

import (
	"context"
	"fmt"
	"strings"

	"skytrader/internal/config"
	"skytrader/internal/core"
	"skytrader/internal/exchange/binance"
	"skytrader/internal/mock"
)

// Venue bundles the trading capability with the candle feed of the same
// market
type Venue struct {
	core.IVenue
	Feed core.IKlineFeed

	// Background runs venue-side loops, nil when there are none
	Background func(ctx context.Context) error

	syncTime func(ctx context.Context) error
	warmup   func(ctx context.Context) error
}

// SyncTime aligns the request clock with the venue where that applies
func (v *Venue) SyncTime(ctx context.Context) error {
	if v.syncTime == nil {
		return nil
	}
	return v.syncTime(ctx)
}

// Warmup prepares venue state needed before the first call, such as the
// paper mark price
func (v *Venue) Warmup(ctx context.Context) error {
	if v.warmup == nil {
		return nil
	}
	return v.warmup(ctx)
}

// NewVenue creates the venue selected by app.venue. "mock" trades on an
// in-memory venue whose mark price follows the public Binance kline stream.
func NewVenue(cfg *config.Config, logger core.ILogger) (*Venue, error) {
	switch strings.ToLower(cfg.App.Venue) {
	case "binance":
		gw := binance.NewFuturesGateway(&cfg.Exchange, logger)
		return &Venue{IVenue: gw, Feed: gw, syncTime: gw.SyncTime}, nil

	case "mock":
		// Market data only, no credentials
		public := binance.NewFuturesGateway(&config.ExchangeConfig{
			Testnet:           cfg.Exchange.Testnet,
			RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
			Burst:             cfg.Exchange.Burst,
		}, logger)
		paper := mock.NewFuturesExchange("paper")
		driver := NewPaperMarkDriver(public, paper, cfg.Trading.Symbol, logger)
		return &Venue{IVenue: paper, Feed: public, Background: driver.Run, warmup: driver.Seed}, nil
	}
	return nil, fmt.Errorf("unsupported venue: %s", cfg.App.Venue)
}
