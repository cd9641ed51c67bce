package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"skytrader/internal/core"
	apperrors "skytrader/pkg/errors"

	"github.com/shopspring/decimal"
)

// Operation names accepted by FailNext
const (
	OpMarkPrice   = "mark_price"
	OpPosition    = "position"
	OpOpenOrders  = "open_orders"
	OpPlaceOrder  = "place_order"
	OpCancelOrder = "cancel_order"
	OpSetLeverage = "set_leverage"
	OpRules       = "rules"
	OpBalance     = "balance"
	OpKlines      = "klines"
)

type position struct {
	amount   decimal.Decimal
	entry    decimal.Decimal
	leverage int
}

type failure struct {
	err   error
	times int
}

// FuturesExchange is an in-memory one-way-mode futures venue. Market orders
// fill at the mark price; resting protective orders trigger when the mark
// price crosses their stop. Sibling protective orders are left resting after
// a trigger, as on the real venue.
type FuturesExchange struct {
	name string

	mu             sync.Mutex
	marks          map[string]decimal.Decimal
	positions      map[string]*position
	orders         map[int64]*core.Order
	clientOrderMap map[string]int64
	orderIDCounter int64
	balances       map[string]decimal.Decimal
	rules          map[string]*core.InstrumentRules
	klines         map[string][]core.Kline
	klineHandlers  map[string][]func(core.Kline)

	failures map[string]*failure
	calls    map[string]int
	latency  time.Duration
	noFill   bool
	sticky   bool
	placed   []*core.OrderRequest
}

// NewFuturesExchange creates an empty venue with a 10000 USDT balance
func NewFuturesExchange(name string) *FuturesExchange {
	return &FuturesExchange{
		name:           name,
		marks:          make(map[string]decimal.Decimal),
		positions:      make(map[string]*position),
		orders:         make(map[int64]*core.Order),
		clientOrderMap: make(map[string]int64),
		orderIDCounter: 1000,
		balances:       map[string]decimal.Decimal{"USDT": decimal.NewFromInt(10000)},
		rules:          make(map[string]*core.InstrumentRules),
		klines:         make(map[string][]core.Kline),
		klineHandlers:  make(map[string][]func(core.Kline)),
		failures:       make(map[string]*failure),
		calls:          make(map[string]int),
	}
}

func (m *FuturesExchange) GetName() string {
	return m.name
}

// FailNext makes the next n calls of op return err
func (m *FuturesExchange) FailNext(op string, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = &failure{err: err, times: n}
}

// SetLatency delays every call. Used to widen race windows in tests.
func (m *FuturesExchange) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetNoFill makes market orders come back unfilled
func (m *FuturesExchange) SetNoFill(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noFill = v
}

// SetStickyPosition makes fills leave the position unchanged, simulating a
// venue that acknowledges an order without moving the position.
func (m *FuturesExchange) SetStickyPosition(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sticky = v
}

func (m *FuturesExchange) SetBalance(asset string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = amount
}

func (m *FuturesExchange) SetRules(rules *core.InstrumentRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rules.Symbol] = rules
}

// SetPosition overwrites the net position, as if traded outside the engine
func (m *FuturesExchange) SetPosition(symbol string, amount, entry decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.positionLocked(symbol)
	p.amount = amount
	p.entry = entry
	if amount.IsZero() {
		p.entry = decimal.Zero
	}
}

// SetMarkPrice moves the mark price and triggers crossed protective orders
func (m *FuturesExchange) SetMarkPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[symbol] = price
	m.triggerLocked(symbol, price)
}

// AddOrder rests an order directly, bypassing PlaceOrder
func (m *FuturesExchange) AddOrder(o *core.Order) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderIDCounter++
	o.OrderID = m.orderIDCounter
	if o.Status == "" {
		o.Status = core.OrderStatusNew
	}
	m.orders[o.OrderID] = o
	return o.OrderID
}

// Calls returns how often op was invoked
func (m *FuturesExchange) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// PlacedOrders returns every accepted order request in submission order
func (m *FuturesExchange) PlacedOrders() []*core.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.OrderRequest, len(m.placed))
	copy(out, m.placed)
	return out
}

// MarketOrders returns accepted market orders only
func (m *FuturesExchange) MarketOrders() []*core.OrderRequest {
	var out []*core.OrderRequest
	for _, req := range m.PlacedOrders() {
		if req.Type == core.OrderTypeMarket {
			out = append(out, req)
		}
	}
	return out
}

// RestingOrders returns open orders of symbol
func (m *FuturesExchange) RestingOrders(symbol string) []*core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restingLocked(symbol)
}

func (m *FuturesExchange) Leverage(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionLocked(symbol).leverage
}

// enter records the call, sleeps for the configured latency and returns an
// injected failure if one is pending
func (m *FuturesExchange) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	latency := m.latency
	var err error
	if f, ok := m.failures[op]; ok && f.times > 0 {
		f.times--
		err = f.err
	}
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *FuturesExchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := m.enter(ctx, OpMarkPrice); err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.marks[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no mark price for %s: %w", symbol, apperrors.ErrMalformedResponse)
	}
	return price, nil
}

func (m *FuturesExchange) GetPosition(ctx context.Context, symbol string) (*core.VenuePosition, error) {
	if err := m.enter(ctx, OpPosition); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.positionLocked(symbol)
	return &core.VenuePosition{
		Symbol:     symbol,
		Amount:     p.amount,
		EntryPrice: p.entry,
		MarkPrice:  m.marks[symbol],
		Leverage:   p.leverage,
	}, nil
}

func (m *FuturesExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	if err := m.enter(ctx, OpOpenOrders); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restingLocked(symbol), nil
}

// PlaceOrder accepts market and protective orders. Client order ids are
// idempotent: a repeated id returns the original order.
func (m *FuturesExchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	if err := m.enter(ctx, OpPlaceOrder); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ClientOrderID != "" {
		if existingID, exists := m.clientOrderMap[req.ClientOrderID]; exists {
			if existing, ok := m.orders[existingID]; ok {
				return copyOrder(existing), nil
			}
		}
	}

	m.orderIDCounter++
	order := &core.Order{
		OrderID:       m.orderIDCounter,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        core.OrderStatusNew,
		Quantity:      req.Quantity,
		StopPrice:     req.StopPrice,
		ClosePosition: req.ClosePosition,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    time.Now(),
	}

	switch req.Type {
	case core.OrderTypeMarket:
		if req.Quantity.Sign() <= 0 {
			return nil, fmt.Errorf("quantity %s: %w", req.Quantity, apperrors.ErrInvalidOrderParameter)
		}
		mark, ok := m.marks[req.Symbol]
		if !ok {
			return nil, fmt.Errorf("no market for %s: %w", req.Symbol, apperrors.ErrInvalidSymbol)
		}
		qty := req.Quantity
		if req.ReduceOnly {
			p := m.positionLocked(req.Symbol)
			reduces := p.amount.IsPositive() == (req.Side == core.SideSell)
			if p.amount.IsZero() || !reduces {
				return nil, fmt.Errorf("reduce only order would increase position: %w", apperrors.ErrOrderRejected)
			}
			qty = decimal.Min(qty, p.amount.Abs())
		}
		if m.noFill {
			order.Status = core.OrderStatusExpired
			break
		}
		order.Status = core.OrderStatusFilled
		order.ExecutedQty = qty
		order.AvgPrice = mark
		if !m.sticky {
			m.applyFillLocked(req.Symbol, req.Side, qty, mark)
		}
	case core.OrderTypeStopMarket, core.OrderTypeTakeProfitMarket:
		if req.StopPrice.Sign() <= 0 {
			return nil, fmt.Errorf("stop price %s: %w", req.StopPrice, apperrors.ErrInvalidOrderParameter)
		}
		if m.wouldTriggerLocked(order, m.marks[req.Symbol]) {
			// -2021 Order would immediately trigger
			return nil, fmt.Errorf("order would immediately trigger: %w", apperrors.ErrOrderRejected)
		}
	default:
		return nil, fmt.Errorf("order type %s: %w", req.Type, apperrors.ErrInvalidOrderParameter)
	}

	m.orders[order.OrderID] = order
	if order.ClientOrderID != "" {
		m.clientOrderMap[order.ClientOrderID] = order.OrderID
	}
	stored := *req
	m.placed = append(m.placed, &stored)

	return copyOrder(order), nil
}

// CancelOrder cancels a resting order. Unknown or finished orders yield
// ErrOrderNotFound, as the venue does.
func (m *FuturesExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := m.enter(ctx, OpCancelOrder); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	order, exists := m.orders[orderID]
	if !exists || order.Symbol != symbol || order.Status != core.OrderStatusNew {
		return fmt.Errorf("cancel %d: %w", orderID, apperrors.ErrOrderNotFound)
	}
	order.Status = core.OrderStatusCanceled
	order.UpdateTime = time.Now()
	return nil
}

func (m *FuturesExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := m.enter(ctx, OpSetLeverage); err != nil {
		return err
	}
	if leverage < 1 || leverage > 125 {
		return fmt.Errorf("leverage %d: %w", leverage, apperrors.ErrInvalidOrderParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionLocked(symbol).leverage = leverage
	return nil
}

// GetInstrumentRules returns configured rules or a permissive default
func (m *FuturesExchange) GetInstrumentRules(ctx context.Context, symbol string) (*core.InstrumentRules, error) {
	if err := m.enter(ctx, OpRules); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[symbol]; ok {
		cp := *r
		return &cp, nil
	}
	return &core.InstrumentRules{
		Symbol:            symbol,
		QuoteAsset:        "USDT",
		MinQty:            decimal.RequireFromString("0.1"),
		StepSize:          decimal.RequireFromString("0.1"),
		MinNotional:       decimal.NewFromInt(5),
		TickSize:          decimal.RequireFromString("0.0001"),
		PricePrecision:    4,
		QuantityPrecision: 1,
	}, nil
}

func (m *FuturesExchange) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := m.enter(ctx, OpBalance); err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[asset], nil
}

// SetKlines seeds the history returned by GetKlines
func (m *FuturesExchange) SetKlines(symbol, interval string, klines []core.Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[symbol+"@"+interval] = append([]core.Kline(nil), klines...)
}

func (m *FuturesExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	if err := m.enter(ctx, OpKlines); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.klines[symbol+"@"+interval]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]core.Kline(nil), all...), nil
}

// SubscribeKlines registers handler for PushKline and blocks until ctx ends
func (m *FuturesExchange) SubscribeKlines(ctx context.Context, symbol, interval string, handler func(core.Kline)) error {
	key := symbol + "@" + interval
	m.mu.Lock()
	m.klineHandlers[key] = append(m.klineHandlers[key], handler)
	m.mu.Unlock()

	<-ctx.Done()
	return nil
}

// PushKline delivers k to every subscriber of symbol/interval
func (m *FuturesExchange) PushKline(symbol, interval string, k core.Kline) {
	key := symbol + "@" + interval
	m.mu.Lock()
	handlers := append([]func(core.Kline){}, m.klineHandlers[key]...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(k)
	}
}

// Subscribers reports how many handlers listen on symbol/interval
func (m *FuturesExchange) Subscribers(symbol, interval string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.klineHandlers[symbol+"@"+interval])
}

func (m *FuturesExchange) positionLocked(symbol string) *position {
	p, ok := m.positions[symbol]
	if !ok {
		p = &position{leverage: 20}
		m.positions[symbol] = p
	}
	return p
}

func (m *FuturesExchange) restingLocked(symbol string) []*core.Order {
	var out []*core.Order
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Status == core.OrderStatusNew {
			out = append(out, copyOrder(o))
		}
	}
	return out
}

// applyFillLocked nets a fill into the position. Adding to a position
// averages the entry; crossing zero re-enters at the fill price.
func (m *FuturesExchange) applyFillLocked(symbol string, side core.OrderSide, qty, price decimal.Decimal) {
	p := m.positionLocked(symbol)
	signed := qty
	if side == core.SideSell {
		signed = qty.Neg()
	}
	newAmt := p.amount.Add(signed)

	switch {
	case newAmt.IsZero():
		p.entry = decimal.Zero
	case p.amount.IsZero() || p.amount.Sign() != newAmt.Sign():
		p.entry = price
	case p.amount.Sign() == signed.Sign():
		p.entry = p.entry.Mul(p.amount.Abs()).Add(price.Mul(qty)).Div(newAmt.Abs())
	}
	p.amount = newAmt
}

func (m *FuturesExchange) wouldTriggerLocked(o *core.Order, mark decimal.Decimal) bool {
	if mark.IsZero() {
		return false
	}
	switch {
	case o.Type == core.OrderTypeStopMarket && o.Side == core.SideSell,
		o.Type == core.OrderTypeTakeProfitMarket && o.Side == core.SideBuy:
		return mark.LessThanOrEqual(o.StopPrice)
	case o.Type == core.OrderTypeStopMarket && o.Side == core.SideBuy,
		o.Type == core.OrderTypeTakeProfitMarket && o.Side == core.SideSell:
		return mark.GreaterThanOrEqual(o.StopPrice)
	}
	return false
}

func (m *FuturesExchange) triggerLocked(symbol string, mark decimal.Decimal) {
	for _, o := range m.orders {
		if o.Symbol != symbol || o.Status != core.OrderStatusNew || !o.Type.IsProtective() {
			continue
		}
		if !m.wouldTriggerLocked(o, mark) {
			continue
		}
		p := m.positionLocked(symbol)
		closes := !p.amount.IsZero() && (p.amount.IsPositive() == (o.Side == core.SideSell))
		if !closes {
			// closePosition orders expire when there is nothing to close
			o.Status = core.OrderStatusExpired
			continue
		}
		qty := p.amount.Abs()
		o.Status = core.OrderStatusFilled
		o.ExecutedQty = qty
		o.AvgPrice = mark
		o.UpdateTime = time.Now()
		m.applyFillLocked(symbol, o.Side, qty, mark)
	}
}

func copyOrder(o *core.Order) *core.Order {
	cp := *o
	return &cp
}

var _ core.IVenue = (*FuturesExchange)(nil)
var _ core.IKlineFeed = (*FuturesExchange)(nil)
