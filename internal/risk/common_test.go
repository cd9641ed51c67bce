package risk

import (
	"context"
	"sync"
	"sync/atomic"

	"skytrader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Alert(ctx context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

type recordingJournal struct {
	mu     sync.Mutex
	events []core.JournalEvent
}

func (j *recordingJournal) Record(ctx context.Context, e core.JournalEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return nil
}

// fakeGuard stands in for the lifecycle engine's command lock
type fakeGuard struct {
	busy atomic.Bool
	runs int32
}

func (g *fakeGuard) InFlight() bool { return g.busy.Load() }

func (g *fakeGuard) TryExclusive(fn func()) bool {
	if g.busy.Load() {
		return false
	}
	atomic.AddInt32(&g.runs, 1)
	fn()
	return true
}

// MockVenue is a testify venue for call assertions
type MockVenue struct {
	mock.Mock
}

func (m *MockVenue) GetName() string { return "mock" }

func (m *MockVenue) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockVenue) GetPosition(ctx context.Context, symbol string) (*core.VenuePosition, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.VenuePosition), args.Error(1)
}

func (m *MockVenue) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*core.Order), args.Error(1)
}

func (m *MockVenue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.Order), args.Error(1)
}

func (m *MockVenue) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	args := m.Called(ctx, symbol, orderID)
	return args.Error(0)
}

func (m *MockVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	args := m.Called(ctx, symbol, leverage)
	return args.Error(0)
}

func (m *MockVenue) GetInstrumentRules(ctx context.Context, symbol string) (*core.InstrumentRules, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.InstrumentRules), args.Error(1)
}

func (m *MockVenue) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	args := m.Called(ctx, asset)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

var _ core.IVenue = (*MockVenue)(nil)
