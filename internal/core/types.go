package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of exposure held by a position
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// OpenSide returns the order side that opens a position in this direction
func (d Direction) OpenSide() OrderSide {
	if d == Short {
		return SideSell
	}
	return SideBuy
}

// CloseSide returns the order side that reduces a position in this direction
func (d Direction) CloseSide() OrderSide {
	if d == Short {
		return SideBuy
	}
	return SideSell
}

// Opposite returns the reverse direction
func (d Direction) Opposite() Direction {
	if d == Short {
		return Long
	}
	return Short
}

func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// ParseDirection accepts long/short as well as the bullish/bearish vocabulary of signal sources
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "LONG", "long", "bullish", "BUY", "buy":
		return Long, true
	case "SHORT", "short", "bearish", "SELL", "sell":
		return Short, true
	}
	return "", false
}

// OrderSide is the venue order side
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the subset of venue order types the engine uses
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// IsProtective reports whether orders of this type are stop-loss or take-profit legs
func (t OrderType) IsProtective() bool {
	return t == OrderTypeStopMarket || t == OrderTypeTakeProfitMarket
}

// OrderStatus mirrors the venue order lifecycle
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// VenuePosition is the venue's record of net exposure in one instrument.
// Amount is signed: positive for long, negative for short, zero when flat.
type VenuePosition struct {
	Symbol     string
	Amount     decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   int
}

func (p *VenuePosition) IsOpen() bool {
	return p != nil && !p.Amount.IsZero()
}

// Direction infers the direction from the sign of Amount. Only meaningful if IsOpen.
func (p *VenuePosition) Direction() Direction {
	if p.Amount.IsNegative() {
		return Short
	}
	return Long
}

// Quantity is the unsigned position size
func (p *VenuePosition) Quantity() decimal.Decimal {
	return p.Amount.Abs()
}

// Order is a venue order as seen by the engine
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Quantity      decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	StopPrice     decimal.Decimal
	ClosePosition bool
	ReduceOnly    bool
	UpdateTime    time.Time
}

// OrderRequest describes an order to submit. Market orders carry Quantity;
// protective orders carry StopPrice and ClosePosition.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	StopPrice     decimal.Decimal
	ClosePosition bool
	ReduceOnly    bool
	ClientOrderID string
}

// InstrumentRules are the venue trading filters for one instrument
type InstrumentRules struct {
	Symbol            string
	BaseAsset         string
	QuoteAsset        string
	MinQty            decimal.Decimal
	StepSize          decimal.Decimal
	MinNotional       decimal.Decimal
	TickSize          decimal.Decimal
	PricePrecision    int
	QuantityPrecision int
}

// Kline is one candle of a timeframe feed
type Kline struct {
	OpenTime time.Time
	Close    decimal.Decimal
	Closed   bool
}
