package exchange

import (
	"context"
	"fmt"
	"time"

	"skytrader/internal/core"
	"skytrader/pkg/retry"

	"github.com/shopspring/decimal"
)

// MarkSetter is the paper venue side of the mark driver
type MarkSetter interface {
	SetMarkPrice(symbol string, price decimal.Decimal)
}

// PaperMarkDriver moves a paper venue's mark price with the live 1m candle
type PaperMarkDriver struct {
	feed      core.IKlineFeed
	paper     MarkSetter
	symbol    string
	logger    core.ILogger
	retryWait time.Duration
}

func NewPaperMarkDriver(feed core.IKlineFeed, paper MarkSetter, symbol string, logger core.ILogger) *PaperMarkDriver {
	return &PaperMarkDriver{
		feed:      feed,
		paper:     paper,
		symbol:    symbol,
		logger:    logger.WithField("component", "paper_mark"),
		retryWait: 5 * time.Second,
	}
}

// Seed sets the mark from the latest candle
func (d *PaperMarkDriver) Seed(ctx context.Context) error {
	klines, err := d.feed.GetKlines(ctx, d.symbol, "1m", 1)
	if err != nil {
		return fmt.Errorf("failed to seed paper mark price: %w", err)
	}
	if len(klines) == 0 {
		return fmt.Errorf("failed to seed paper mark price: no candles for %s", d.symbol)
	}
	d.paper.SetMarkPrice(d.symbol, klines[len(klines)-1].Close)
	return nil
}

// Run seeds the mark and follows the stream until ctx ends
func (d *PaperMarkDriver) Run(ctx context.Context) error {
	if err := d.Seed(ctx); err != nil {
		d.logger.Warn("Paper mark seed failed", "error", err)
	}

	for failures := 0; ; failures++ {
		err := d.feed.SubscribeKlines(ctx, d.symbol, "1m", func(k core.Kline) {
			d.paper.SetMarkPrice(d.symbol, k.Close)
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("stream ended")
		}
		d.logger.Warn("Paper mark stream failed", "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry.Backoff(d.retryWait, 12*d.retryWait, failures)):
		}
	}
}
