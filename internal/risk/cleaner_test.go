package risk

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"skytrader/internal/core"
	venuemock "skytrader/internal/mock"
	apperrors "skytrader/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func addProtective(v *venuemock.FuturesExchange, side core.OrderSide, typ core.OrderType, stop string) int64 {
	return v.AddOrder(&core.Order{Symbol: sym, Side: side, Type: typ, StopPrice: d(stop), ClosePosition: true})
}

func TestOrphanSweeper_CancelsWhileFlat(t *testing.T) {
	venue := venuemock.NewFuturesExchange("test")
	venue.SetMarkPrice(sym, d("0.2"))
	addProtective(venue, core.SideSell, core.OrderTypeTakeProfitMarket, "0.21")
	addProtective(venue, core.SideSell, core.OrderTypeStopMarket, "0.19")
	notifier := &recordingNotifier{}
	guard := &fakeGuard{}

	sweeper := NewOrphanSweeper(venue, guard, notifier, &mockLogger{}, sym, time.Minute)
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Empty(t, venue.RestingOrders(sym))
	assert.Equal(t, []string{"Orphaned orders cancelled"}, notifier.Titles())
	assert.Equal(t, int32(1), atomic.LoadInt32(&guard.runs))
}

func TestOrphanSweeper_KeepsOrdersOfOpenPosition(t *testing.T) {
	venue := venuemock.NewFuturesExchange("test")
	venue.SetMarkPrice(sym, d("0.2"))
	venue.SetPosition(sym, d("100"), d("0.2"))
	addProtective(venue, core.SideSell, core.OrderTypeStopMarket, "0.19")

	sweeper := NewOrphanSweeper(venue, nil, nil, &mockLogger{}, sym, time.Minute)
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, n)
	assert.Len(t, venue.RestingOrders(sym), 1)
}

func TestOrphanSweeper_NothingRestingSkipsPositionRead(t *testing.T) {
	venue := venuemock.NewFuturesExchange("test")

	sweeper := NewOrphanSweeper(venue, nil, nil, &mockLogger{}, sym, time.Minute)
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, n)
	assert.Equal(t, 0, venue.Calls(venuemock.OpPosition))
}

func TestOrphanSweeper_SkipsWhileCommandInFlight(t *testing.T) {
	venue := venuemock.NewFuturesExchange("test")
	venue.SetMarkPrice(sym, d("0.2"))
	addProtective(venue, core.SideSell, core.OrderTypeStopMarket, "0.19")
	guard := &fakeGuard{}
	guard.busy.Store(true)

	sweeper := NewOrphanSweeper(venue, guard, nil, &mockLogger{}, sym, time.Minute)
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, n)
	assert.Equal(t, 0, venue.Calls(venuemock.OpOpenOrders))
	assert.Len(t, venue.RestingOrders(sym), 1)
}

func TestOrphanSweeper_AlreadyConsumedIsNotAnError(t *testing.T) {
	venue := new(MockVenue)
	orders := []*core.Order{
		{OrderID: 1, Symbol: sym, Type: core.OrderTypeStopMarket, Side: core.SideSell, ClosePosition: true},
		{OrderID: 2, Symbol: sym, Type: core.OrderTypeTakeProfitMarket, Side: core.SideSell, ClosePosition: true},
		{OrderID: 3, Symbol: sym, Type: core.OrderTypeMarket, Side: core.SideBuy},
	}
	venue.On("GetOpenOrders", mock.Anything, sym).Return(orders, nil)
	venue.On("GetPosition", mock.Anything, sym).Return(&core.VenuePosition{Symbol: sym}, nil)
	venue.On("CancelOrder", mock.Anything, sym, int64(1)).Return(apperrors.ErrOrderNotFound)
	venue.On("CancelOrder", mock.Anything, sym, int64(2)).Return(nil)

	sweeper := NewOrphanSweeper(venue, nil, nil, &mockLogger{}, sym, time.Minute)
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	venue.AssertNotCalled(t, "CancelOrder", mock.Anything, sym, int64(3))
	venue.AssertExpectations(t)
}

func TestOrphanSweeper_ReportsCancelFailure(t *testing.T) {
	venue := new(MockVenue)
	venue.On("GetOpenOrders", mock.Anything, sym).Return([]*core.Order{
		{OrderID: 7, Symbol: sym, Type: core.OrderTypeStopMarket, Side: core.SideBuy, ClosePosition: true},
	}, nil)
	venue.On("GetPosition", mock.Anything, sym).Return(&core.VenuePosition{Symbol: sym}, nil)
	venue.On("CancelOrder", mock.Anything, sym, int64(7)).Return(apperrors.ErrNetwork)

	sweeper := NewOrphanSweeper(venue, nil, nil, &mockLogger{}, sym, time.Minute)
	n, err := sweeper.Sweep(context.Background())

	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
}

func TestOrphanSweeper_Loop(t *testing.T) {
	venue := venuemock.NewFuturesExchange("test")
	venue.SetMarkPrice(sym, d("0.2"))
	addProtective(venue, core.SideBuy, core.OrderTypeStopMarket, "0.25")

	sweeper := NewOrphanSweeper(venue, nil, nil, &mockLogger{}, sym, 10*time.Millisecond)
	require.NoError(t, sweeper.Start(context.Background()))
	defer sweeper.Stop()

	assert.Eventually(t, func() bool { return len(venue.RestingOrders(sym)) == 0 }, time.Second, 5*time.Millisecond)
}
