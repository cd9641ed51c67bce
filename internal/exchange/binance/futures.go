// Package binance provides Binance USDⓈ-M futures connectivity for the position engine
package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"skytrader/internal/config"
	"skytrader/internal/core"
	apperrors "skytrader/pkg/errors"
	"skytrader/pkg/telemetry"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	defaultFuturesWS = "wss://fstream.binance.com/ws"
	testnetFuturesWS = "wss://stream.binancefuture.com/ws"
)

// FuturesGateway implements core.IVenue and core.IKlineFeed over the
// go-binance futures client. All REST calls share one rate limiter.
type FuturesGateway struct {
	client  *futures.Client
	logger  core.ILogger
	limiter *rate.Limiter
	tracer  trace.Tracer
	metrics *telemetry.MetricsHolder
	wsBase  string

	mu    sync.RWMutex
	rules map[string]*core.InstrumentRules
}

// NewFuturesGateway creates a gateway. Testnet is a process-wide switch in
// go-binance and is applied here.
func NewFuturesGateway(cfg *config.ExchangeConfig, logger core.ILogger) *FuturesGateway {
	wsBase := defaultFuturesWS
	if cfg.Testnet {
		futures.UseTestnet = true
		wsBase = testnetFuturesWS
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rps
	}

	return &FuturesGateway{
		client:  futures.NewClient(cfg.APIKey.Reveal(), cfg.SecretKey.Reveal()),
		logger:  logger.WithField("component", "binance_futures"),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		tracer:  telemetry.GetTracer("binance-futures"),
		metrics: telemetry.GetGlobalMetrics(),
		wsBase:  wsBase,
		rules:   make(map[string]*core.InstrumentRules),
	}
}

func (g *FuturesGateway) GetName() string {
	return "binance"
}

// call waits for the limiter, opens a span and records latency around fn
func (g *FuturesGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := g.tracer.Start(ctx, "binance."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("venue.op", op)),
	)
	defer span.End()

	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	start := time.Now()
	err := fn(ctx)
	g.metrics.RecordVenueLatency(ctx, op, float64(time.Since(start).Microseconds())/1000)

	if err != nil {
		err = classifyError(op, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// SyncTime aligns request timestamps with the server clock
func (g *FuturesGateway) SyncTime(ctx context.Context) error {
	var offset int64
	err := g.call(ctx, "sync_time", func(ctx context.Context) error {
		var err error
		offset, err = g.client.NewSetServerTimeService().Do(ctx)
		return err
	})
	if err != nil {
		return err
	}
	g.logger.Info("Server time synced", "offset_ms", offset)
	return nil
}

func (g *FuturesGateway) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var res []*futures.PremiumIndex
	err := g.call(ctx, "mark_price", func(ctx context.Context) error {
		var err error
		res, err = g.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range res {
		if p.Symbol == symbol {
			return parseDecimal("markPrice", p.MarkPrice)
		}
	}
	return decimal.Zero, fmt.Errorf("mark_price %s: %w", symbol, apperrors.ErrMalformedResponse)
}

func (g *FuturesGateway) GetPosition(ctx context.Context, symbol string) (*core.VenuePosition, error) {
	var res []*futures.PositionRisk
	err := g.call(ctx, "position", func(ctx context.Context) error {
		var err error
		res, err = g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return positionFromRisks(symbol, res)
}

// positionFromRisks folds position risk rows into one net position. A missing
// row means flat.
func positionFromRisks(symbol string, risks []*futures.PositionRisk) (*core.VenuePosition, error) {
	pos := &core.VenuePosition{Symbol: symbol}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		amt, err := parseDecimal("positionAmt", r.PositionAmt)
		if err != nil {
			return nil, err
		}
		if amt.IsZero() {
			continue
		}
		pos.Amount = amt
		pos.EntryPrice, _ = decimal.NewFromString(r.EntryPrice)
		pos.MarkPrice, _ = decimal.NewFromString(r.MarkPrice)
		pos.Leverage, _ = strconv.Atoi(r.Leverage)
		break
	}
	return pos, nil
}

func (g *FuturesGateway) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	var res []*futures.Order
	err := g.call(ctx, "open_orders", func(ctx context.Context) error {
		var err error
		res, err = g.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	orders := make([]*core.Order, 0, len(res))
	for _, o := range res {
		orders = append(orders, orderFromFutures(o))
	}
	return orders, nil
}

func orderFromFutures(o *futures.Order) *core.Order {
	qty, _ := decimal.NewFromString(o.OrigQuantity)
	executed, _ := decimal.NewFromString(o.ExecutedQuantity)
	avg, _ := decimal.NewFromString(o.AvgPrice)
	stop, _ := decimal.NewFromString(o.StopPrice)
	return &core.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          core.OrderSide(o.Side),
		Type:          core.OrderType(o.Type),
		Status:        core.OrderStatus(o.Status),
		Quantity:      qty,
		ExecutedQty:   executed,
		AvgPrice:      avg,
		StopPrice:     stop,
		ClosePosition: o.ClosePosition,
		ReduceOnly:    o.ReduceOnly,
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}
}

// PlaceOrder submits a market or protective order. Protective orders trigger
// on the mark price and close the whole position.
func (g *FuturesGateway) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.Type.IsProtective() {
		svc = svc.StopPrice(req.StopPrice.String()).WorkingType(futures.WorkingTypeMarkPrice)
		if req.ClosePosition {
			svc = svc.ClosePosition(true)
		}
	}
	if !req.ClosePosition {
		svc = svc.Quantity(req.Quantity.String())
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
	}

	var res *futures.CreateOrderResponse
	err := g.call(ctx, "place_order", func(ctx context.Context) error {
		var err error
		res, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	executed, _ := decimal.NewFromString(res.ExecutedQuantity)
	avg, _ := decimal.NewFromString(res.AvgPrice)
	stop, _ := decimal.NewFromString(res.StopPrice)
	return &core.Order{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        core.OrderStatus(res.Status),
		Quantity:      req.Quantity,
		ExecutedQty:   executed,
		AvgPrice:      avg,
		StopPrice:     stop,
		ClosePosition: req.ClosePosition,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    time.UnixMilli(res.UpdateTime),
	}, nil
}

func (g *FuturesGateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return g.call(ctx, "cancel_order", func(ctx context.Context) error {
		_, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		return err
	})
}

func (g *FuturesGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.call(ctx, "set_leverage", func(ctx context.Context) error {
		_, err := g.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
		return err
	})
}

// GetInstrumentRules returns the trading filters of symbol, cached after the
// first successful lookup.
func (g *FuturesGateway) GetInstrumentRules(ctx context.Context, symbol string) (*core.InstrumentRules, error) {
	g.mu.RLock()
	cached, ok := g.rules[symbol]
	g.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var info *futures.ExchangeInfo
	err := g.call(ctx, "exchange_info", func(ctx context.Context) error {
		var err error
		info, err = g.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := rulesFromFilters(s.Symbol, s.BaseAsset, s.QuoteAsset, s.PricePrecision, s.QuantityPrecision, s.Filters)
		g.mu.Lock()
		g.rules[symbol] = rules
		g.mu.Unlock()
		g.logger.Info("Instrument rules loaded",
			"symbol", symbol,
			"min_qty", rules.MinQty.String(),
			"step", rules.StepSize.String(),
			"min_notional", rules.MinNotional.String())
		return rules, nil
	}
	return nil, fmt.Errorf("exchange_info %s: %w", symbol, apperrors.ErrInvalidSymbol)
}

func rulesFromFilters(symbol, base, quote string, pricePrec, qtyPrec int, filters []map[string]interface{}) *core.InstrumentRules {
	rules := &core.InstrumentRules{
		Symbol:            symbol,
		BaseAsset:         base,
		QuoteAsset:        quote,
		PricePrecision:    pricePrec,
		QuantityPrecision: qtyPrec,
	}
	for _, f := range filters {
		switch f["filterType"] {
		case "LOT_SIZE":
			rules.MinQty = filterDecimal(f, "minQty")
			rules.StepSize = filterDecimal(f, "stepSize")
		case "MIN_NOTIONAL":
			rules.MinNotional = filterDecimal(f, "notional")
		case "PRICE_FILTER":
			rules.TickSize = filterDecimal(f, "tickSize")
		}
	}
	return rules
}

func filterDecimal(f map[string]interface{}, key string) decimal.Decimal {
	s, ok := f[key].(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (g *FuturesGateway) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var res []*futures.Balance
	err := g.call(ctx, "balance", func(ctx context.Context) error {
		var err error
		res, err = g.client.NewGetBalanceService().Do(ctx)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range res {
		if strings.EqualFold(b.Asset, asset) {
			return parseDecimal("availableBalance", b.AvailableBalance)
		}
	}
	return decimal.Zero, nil
}

// GetKlines returns the most recent candles. The last one is still forming.
func (g *FuturesGateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	var res []*futures.Kline
	err := g.call(ctx, "klines", func(ctx context.Context) error {
		var err error
		res, err = g.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	klines := make([]core.Kline, 0, len(res))
	for _, k := range res {
		c, err := parseDecimal("close", k.Close)
		if err != nil {
			return nil, err
		}
		klines = append(klines, core.Kline{
			OpenTime: time.UnixMilli(k.OpenTime),
			Close:    c,
			Closed:   k.CloseTime < now,
		})
	}
	return klines, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s %q: %w", field, s, apperrors.ErrMalformedResponse)
	}
	return d, nil
}

var _ core.IVenue = (*FuturesGateway)(nil)
var _ core.IKlineFeed = (*FuturesGateway)(nil)
