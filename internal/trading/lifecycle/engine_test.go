package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"skytrader/internal/core"
	"skytrader/internal/mock"
	"skytrader/internal/trading/position"
	"skytrader/internal/trading/trailing"
	apperrors "skytrader/pkg/errors"
	"skytrader/pkg/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sym = "ALGOUSDT"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

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

func (n *recordingNotifier) has(title string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.titles {
		if t == title {
			return true
		}
	}
	return false
}

type fakeTrailer struct {
	mu      sync.Mutex
	starts  []trailing.Params
	stops   int
	running bool
}

func (f *fakeTrailer) Start(p trailing.Params) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, p)
	f.running = true
}

func (f *fakeTrailer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
}

func (f *fakeTrailer) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTrailer) lastStart() trailing.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[len(f.starts)-1]
}

type countingReconciler struct{ calls int32 }

func (r *countingReconciler) Reconcile(ctx context.Context) error {
	atomic.AddInt32(&r.calls, 1)
	return nil
}

type fixture struct {
	venue    *mock.FuturesExchange
	state    *position.State
	trailer  *fakeTrailer
	notifier *recordingNotifier
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	venue := mock.NewFuturesExchange("test")
	venue.SetMarkPrice(sym, d("0.2"))

	state := position.NewState(sym)
	trailer := &fakeTrailer{}
	notifier := &recordingNotifier{}
	engine := NewEngine(venue, state, trailer, notifier, nil, &mockLogger{}, testConfig())
	return &fixture{venue: venue, state: state, trailer: trailer, notifier: notifier, engine: engine}
}

func testConfig() Config {
	return Config{
		Symbol:          sym,
		QuoteAsset:      "USDT",
		DefaultMargin:   d("2"),
		DefaultLeverage: 10,
		StopLossPct:     d("0.008"),
		TakeProfitPct:   d("0.015"),
		PriceRetry:      retry.Fixed(3, time.Millisecond),
		OrderRetry:      retry.Fixed(3, time.Millisecond),
		OrderIDPrefix:   "sky",
	}
}

// invertedVenue reports every open position with the opposite sign
type invertedVenue struct {
	*mock.FuturesExchange
}

func (v *invertedVenue) GetPosition(ctx context.Context, symbol string) (*core.VenuePosition, error) {
	pos, err := v.FuturesExchange.GetPosition(ctx, symbol)
	if err != nil || !pos.IsOpen() {
		return pos, err
	}
	inverted := *pos
	inverted.Amount = pos.Amount.Neg()
	return &inverted, nil
}

func (f *fixture) protective(typ core.OrderType) []*core.Order {
	var out []*core.Order
	for _, o := range f.venue.RestingOrders(sym) {
		if o.Type == typ {
			out = append(out, o)
		}
	}
	return out
}

func TestEngine_OpenConfirmed(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Open(context.Background(), OpenRequest{Direction: core.Long, Source: "test"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.True(t, res.Quantity.Equal(d("100")), "2 USDT x10 at 0.2")
	assert.Equal(t, 10, f.venue.Leverage(sym))

	snap := f.state.Get()
	assert.True(t, snap.IsOpen)
	assert.Equal(t, core.Long, snap.Direction)
	assert.True(t, snap.EntryPrice.Equal(d("0.2")))
	assert.True(t, snap.Quantity.Equal(d("100")))

	stops := f.protective(core.OrderTypeStopMarket)
	require.Len(t, stops, 1)
	assert.True(t, stops[0].StopPrice.Equal(d("0.1984")))
	assert.True(t, stops[0].ClosePosition)
	assert.Equal(t, core.SideSell, stops[0].Side)
	assert.Equal(t, stops[0].OrderID, snap.StopLossOrderID)

	tps := f.protective(core.OrderTypeTakeProfitMarket)
	require.Len(t, tps, 1)
	assert.True(t, tps[0].StopPrice.Equal(d("0.203")))
	assert.Equal(t, tps[0].OrderID, snap.TakeProfitOrderID)

	p := f.trailer.lastStart()
	assert.Equal(t, snap.Epoch, p.Epoch)
	assert.True(t, p.StopPrice.Equal(d("0.1984")))
	assert.True(t, f.notifier.has("Position opened"))
	assert.False(t, f.engine.InFlight())
}

func TestEngine_ConcurrentOpensSubmitOneOrder(t *testing.T) {
	f := newFixture(t)
	f.venue.SetLatency(5 * time.Millisecond)

	var wg sync.WaitGroup
	results := make([]*Result, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Open(context.Background(), OpenRequest{Direction: core.Long})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.venue.MarketOrders(), 1)
	confirmed := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.Outcome == OutcomeConfirmed {
			confirmed++
		} else {
			assert.Equal(t, OutcomeAlreadyOpen, r.Outcome)
		}
	}
	assert.Equal(t, 1, confirmed)
}

func TestEngine_CloseWhenFlatIsNoop(t *testing.T) {
	f := newFixture(t)
	before := f.state.Get()

	res, err := f.engine.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNothingToClose, res.Outcome)
	assert.Empty(t, f.venue.PlacedOrders())
	assert.Equal(t, before, f.state.Get())
	assert.True(t, f.notifier.has("Nothing to close"))
}

func TestEngine_CloseConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Open(ctx, OpenRequest{Direction: core.Short})
	require.NoError(t, err)

	f.venue.SetMarkPrice(sym, d("0.199"))
	res, err := f.engine.Close(ctx)
	require.NoError(t, err)

	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, core.Short, res.Direction)
	assert.True(t, res.Price.Equal(d("0.199")))
	assert.Empty(t, res.Warning)

	closeOrder := f.venue.MarketOrders()[1]
	assert.True(t, closeOrder.ReduceOnly)
	assert.Equal(t, core.SideBuy, closeOrder.Side)

	pos, _ := f.venue.GetPosition(ctx, sym)
	assert.False(t, pos.IsOpen())
	assert.Empty(t, f.venue.RestingOrders(sym))
	assert.False(t, f.state.Get().IsOpen)
	assert.False(t, f.trailer.Running())
}

func TestEngine_CloseWarnsWhenPositionRemains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Open(ctx, OpenRequest{Direction: core.Long})
	require.NoError(t, err)

	f.venue.SetStickyPosition(true)
	res, err := f.engine.Close(ctx)
	require.NoError(t, err)

	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.NotEmpty(t, res.Warning)
	assert.True(t, f.notifier.has("Manual check required"))
	assert.Len(t, f.venue.MarketOrders(), 2, "the close is not retried")
	assert.Len(t, f.venue.RestingOrders(sym), 2, "protection kept while the venue shows a position")
	assert.False(t, f.state.Get().IsOpen)
}

func TestEngine_OpenOppositeReverses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Open(ctx, OpenRequest{Direction: core.Long})
	require.NoError(t, err)

	res, err := f.engine.Open(ctx, OpenRequest{Direction: core.Short})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)

	orders := f.venue.MarketOrders()
	require.Len(t, orders, 3)
	assert.True(t, orders[1].ReduceOnly)

	pos, _ := f.venue.GetPosition(ctx, sym)
	assert.Equal(t, core.Short, pos.Direction())
	assert.Equal(t, core.Short, f.state.Get().Direction)

	stops := f.protective(core.OrderTypeStopMarket)
	require.Len(t, stops, 1)
	assert.Equal(t, core.SideBuy, stops[0].Side)
}

func TestEngine_OpenPriceRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.venue.FailNext(mock.OpMarkPrice, apperrors.ErrNetwork, 5)

	_, err := f.engine.Open(context.Background(), OpenRequest{Direction: core.Long})
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.Equal(t, 3, f.venue.Calls(mock.OpMarkPrice))
	assert.Empty(t, f.venue.MarketOrders())
	assert.False(t, f.state.Get().IsOpen)
	assert.True(t, f.notifier.has("Open failed"))
}

func TestEngine_OpenRetriesTransientOrderFailure(t *testing.T) {
	f := newFixture(t)
	f.venue.FailNext(mock.OpPlaceOrder, apperrors.ErrRateLimitExceeded, 1)

	res, err := f.engine.Open(context.Background(), OpenRequest{Direction: core.Long, MarginUSDT: d("3"), Leverage: 5})
	require.NoError(t, err)
	assert.True(t, res.Quantity.Equal(d("75")))
	assert.Equal(t, 5, res.Leverage)
}

func TestEngine_OpenRejectedIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.venue.FailNext(mock.OpPlaceOrder, apperrors.ErrOrderRejected, 1)

	_, err := f.engine.Open(context.Background(), OpenRequest{Direction: core.Long})
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	assert.Equal(t, 1, f.venue.Calls(mock.OpPlaceOrder))
	assert.False(t, f.state.Get().IsOpen)
}

func TestEngine_OpenWithoutFill(t *testing.T) {
	f := newFixture(t)
	f.venue.SetNoFill(true)

	_, err := f.engine.Open(context.Background(), OpenRequest{Direction: core.Long})
	assert.ErrorIs(t, err, apperrors.ErrNoFill)
	assert.False(t, f.state.Get().IsOpen)
	assert.Empty(t, f.trailer.starts)
}

func TestEngine_OpenWithSilentNoopFill(t *testing.T) {
	f := newFixture(t)
	f.venue.SetStickyPosition(true)

	_, err := f.engine.Open(context.Background(), OpenRequest{Direction: core.Long})
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
	assert.False(t, f.state.Get().IsOpen)
}

func TestEngine_OpenFillInWrongDirection(t *testing.T) {
	venue := mock.NewFuturesExchange("test")
	venue.SetMarkPrice(sym, d("0.2"))
	state := position.NewState(sym)
	trailer := &fakeTrailer{}
	engine := NewEngine(&invertedVenue{venue}, state, trailer, &recordingNotifier{}, nil, &mockLogger{}, testConfig())

	_, err := engine.Open(context.Background(), OpenRequest{Direction: core.Long})
	assert.ErrorIs(t, err, apperrors.ErrPositionMismatch)
	assert.False(t, state.Get().IsOpen)
	assert.Empty(t, trailer.starts)
}

func TestEngine_OpenIgnoresStaleLocalPosition(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.SetOpen(core.Long, d("0.2"), d("100")))
	stale := f.venue.AddOrder(&core.Order{
		Symbol: sym, Side: core.SideSell, Type: core.OrderTypeTakeProfitMarket, StopPrice: d("0.25"), ClosePosition: true,
	})

	res, err := f.engine.Open(context.Background(), OpenRequest{Direction: core.Long})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Len(t, f.venue.MarketOrders(), 1)
	assert.GreaterOrEqual(t, f.trailer.stops, 1)

	snap := f.state.Get()
	assert.True(t, snap.IsOpen)
	assert.Equal(t, core.Long, snap.Direction)
	tps := f.protective(core.OrderTypeTakeProfitMarket)
	require.Len(t, tps, 1)
	assert.NotEqual(t, stale, tps[0].OrderID)
}

func TestEngine_OpenInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.venue.SetBalance("USDT", d("1"))

	_, err := f.engine.Open(context.Background(), OpenRequest{Direction: core.Long})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.Empty(t, f.venue.PlacedOrders())
}

func TestEngine_OpenKeepsRestingStop(t *testing.T) {
	f := newFixture(t)
	existing := f.venue.AddOrder(&core.Order{
		Symbol: sym, Side: core.SideSell, Type: core.OrderTypeStopMarket, StopPrice: d("0.19"), ClosePosition: true,
	})

	_, err := f.engine.Open(context.Background(), OpenRequest{Direction: core.Long})
	require.NoError(t, err)

	assert.Len(t, f.protective(core.OrderTypeStopMarket), 1)
	assert.Len(t, f.protective(core.OrderTypeTakeProfitMarket), 1)
	assert.Equal(t, existing, f.state.Get().StopLossOrderID)
	assert.True(t, f.trailer.lastStart().StopPrice.Equal(d("0.19")))
}

func TestEngine_ReconcilesBeforeCommands(t *testing.T) {
	f := newFixture(t)
	rec := &countingReconciler{}
	f.engine.SetReconciler(rec)

	_, _ = f.engine.Open(context.Background(), OpenRequest{Direction: core.Long})
	_, _ = f.engine.Close(context.Background())
	assert.Equal(t, int32(2), atomic.LoadInt32(&rec.calls))
}

func TestEngine_CloseResetsStaleLocalState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.SetOpen(core.Long, d("0.2"), d("100")))

	res, err := f.engine.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNothingToClose, res.Outcome)
	assert.False(t, f.state.Get().IsOpen)
	assert.Empty(t, f.venue.PlacedOrders())
}

func TestEngine_StartTrailingForAdopted(t *testing.T) {
	f := newFixture(t)
	f.venue.SetPosition(sym, d("-50"), d("0.21"))
	f.venue.AddOrder(&core.Order{
		Symbol: sym, Side: core.SideBuy, Type: core.OrderTypeStopMarket, StopPrice: d("0.215"), ClosePosition: true,
	})
	require.NoError(t, f.state.SetOpen(core.Short, d("0.21"), d("50")))

	f.engine.StartTrailingForAdopted(context.Background(), f.state.Get())

	p := f.trailer.lastStart()
	assert.Equal(t, core.Short, p.Direction)
	assert.True(t, p.StopPrice.Equal(d("0.215")))
	assert.True(t, p.TickSize.Equal(d("0.0001")))
}

func TestEngine_Defaults(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.engine.SetDefaultLeverage(0))
	assert.Error(t, f.engine.SetDefaultMargin(d("-1")))

	require.NoError(t, f.engine.SetDefaultLeverage(20))
	require.NoError(t, f.engine.SetDefaultMargin(d("1")))

	res, err := f.engine.Open(context.Background(), OpenRequest{Direction: core.Long})
	require.NoError(t, err)
	assert.Equal(t, 20, res.Leverage)
	assert.True(t, res.Quantity.Equal(d("100")))
}

func TestEngine_Status(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Open(context.Background(), OpenRequest{Direction: core.Long})
	require.NoError(t, err)

	report, err := f.engine.Status(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report, "Venue: LONG 100")
	assert.Contains(t, report, "STOP_MARKET SELL @ 0.1984")
	assert.Contains(t, report, "Gain: 0.00%")
}
