// Package core defines the shared types and narrow interfaces of the position engine
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IVenue is the capability set consumed from the trading venue.
// CancelOrder returns an error wrapping apperrors.ErrOrderNotFound when the
// order has already triggered, filled or been cancelled.
type IVenue interface {
	GetName() string

	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetPosition(ctx context.Context, symbol string) (*VenuePosition, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)
	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	GetInstrumentRules(ctx context.Context, symbol string) (*InstrumentRules, error)
	GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// IKlineFeed provides candles for timeframe signal sources
type IKlineFeed interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	SubscribeKlines(ctx context.Context, symbol, interval string, handler func(Kline)) error
}

// AlertLevel grades a notification
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// INotifier is the fire-and-forget notification sink. Alert must never block
// the caller on delivery.
type INotifier interface {
	Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string)
}

// IJournal records confirmed lifecycle events. Implementations must be safe
// for concurrent use.
type IJournal interface {
	Record(ctx context.Context, event JournalEvent) error
}

// JournalEvent is one row of the trade journal
type JournalEvent struct {
	Kind      string
	Symbol    string
	Direction Direction
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	OrderID   int64
	Note      string
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
