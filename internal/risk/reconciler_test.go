package risk

import (
	"context"
	"testing"
	"time"

	"skytrader/internal/core"
	venuemock "skytrader/internal/mock"
	"skytrader/internal/trading/position"
	apperrors "skytrader/pkg/errors"
	"skytrader/pkg/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const sym = "ALGOUSDT"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type reconcilerFixture struct {
	venue    *venuemock.FuturesExchange
	state    *position.State
	guard    *fakeGuard
	notifier *recordingNotifier
	journal  *recordingJournal
	rec      *Reconciler
	adopted  []position.Snapshot
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	f := &reconcilerFixture{
		venue:    venuemock.NewFuturesExchange("test"),
		state:    position.NewState(sym),
		guard:    &fakeGuard{},
		notifier: &recordingNotifier{},
		journal:  &recordingJournal{},
	}
	f.venue.SetMarkPrice(sym, d("0.2"))
	f.rec = NewReconciler(f.venue, f.state, f.guard, f.notifier, f.journal, &mockLogger{}, ReconcilerConfig{
		Symbol:   sym,
		Interval: 10 * time.Millisecond,
		Retry:    retry.Fixed(2, time.Millisecond),
	})
	f.rec.SetAdoptHook(func(ctx context.Context, snap position.Snapshot) {
		f.adopted = append(f.adopted, snap)
	})
	return f
}

func TestReconciler_AdoptsExternalPosition(t *testing.T) {
	f := newReconcilerFixture(t)
	f.venue.SetPosition(sym, d("-50"), d("0.21"))

	require.NoError(t, f.rec.Reconcile(context.Background()))

	snap := f.state.Get()
	assert.True(t, snap.IsOpen)
	assert.Equal(t, core.Short, snap.Direction)
	assert.True(t, snap.EntryPrice.Equal(d("0.21")))
	assert.True(t, snap.Quantity.Equal(d("50")))

	assert.Equal(t, []string{"External position detected"}, f.notifier.Titles())
	require.Len(t, f.journal.events, 1)
	assert.Equal(t, "reconcile_adopted", f.journal.events[0].Kind)
	require.Len(t, f.adopted, 1)
	assert.Equal(t, snap.Epoch, f.adopted[0].Epoch)

	status := f.rec.GetStatus()
	assert.Equal(t, "completed", status.State)
	assert.Equal(t, CorrectionAdopted, status.Correction)
	assert.False(t, status.Match)
	assert.True(t, status.Venue.Equal(d("-50")))
	assert.False(t, status.LastSuccess.IsZero())
}

func TestReconciler_ResetsWhenVenueFlat(t *testing.T) {
	f := newReconcilerFixture(t)
	require.NoError(t, f.state.SetOpen(core.Long, d("0.2"), d("100")))

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.False(t, f.state.Get().IsOpen)
	assert.Equal(t, []string{"Position closed"}, f.notifier.Titles())
	assert.Equal(t, CorrectionReset, f.rec.GetStatus().Correction)
	assert.Empty(t, f.adopted)
	assert.Empty(t, f.venue.PlacedOrders(), "the reconciler never trades")
}

func TestReconciler_MatchingStateIsLeftAlone(t *testing.T) {
	f := newReconcilerFixture(t)
	f.venue.SetPosition(sym, d("100"), d("0.2"))
	require.NoError(t, f.state.SetOpen(core.Long, d("0.2"), d("100")))
	before := f.state.Get()

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Equal(t, before, f.state.Get())
	assert.Empty(t, f.notifier.Titles())
	status := f.rec.GetStatus()
	assert.True(t, status.Match)
	assert.Equal(t, CorrectionNone, status.Correction)
}

func TestReconciler_ReplacesDivergentPosition(t *testing.T) {
	f := newReconcilerFixture(t)
	f.venue.SetPosition(sym, d("-30"), d("0.19"))
	require.NoError(t, f.state.SetOpen(core.Long, d("0.2"), d("100")))

	require.NoError(t, f.rec.Reconcile(context.Background()))

	snap := f.state.Get()
	assert.Equal(t, core.Short, snap.Direction)
	assert.True(t, snap.Quantity.Equal(d("30")))
	assert.Equal(t, []string{"Position changed"}, f.notifier.Titles())
	assert.Len(t, f.adopted, 1)
}

func TestReconciler_SkipsWhileCommandInFlight(t *testing.T) {
	f := newReconcilerFixture(t)
	f.venue.SetPosition(sym, d("100"), d("0.2"))
	f.guard.busy.Store(true)

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.False(t, f.state.Get().IsOpen)
	assert.Equal(t, 0, f.venue.Calls(venuemock.OpPosition))
	assert.Equal(t, "skipped_in_flight", f.rec.GetStatus().State)
}

func TestReconciler_StaleSnapshotNeverOverwrites(t *testing.T) {
	venue := new(MockVenue)
	state := position.NewState(sym)
	rec := NewReconciler(venue, state, nil, nil, nil, &mockLogger{}, ReconcilerConfig{Symbol: sym})

	// A command opens SHORT while the venue read is on the wire and the
	// reply still reflects the older LONG
	venue.On("GetPosition", mock.Anything, sym).
		Run(func(args mock.Arguments) {
			require.NoError(t, state.SetOpen(core.Short, d("2"), d("5")))
		}).
		Return(&core.VenuePosition{Symbol: sym, Amount: d("10"), EntryPrice: d("1")}, nil).
		Once()

	require.NoError(t, rec.Reconcile(context.Background()))

	snap := state.Get()
	assert.Equal(t, core.Short, snap.Direction)
	assert.True(t, snap.Quantity.Equal(d("5")))
	venue.AssertExpectations(t)
}

func TestReconciler_VenueFailure(t *testing.T) {
	f := newReconcilerFixture(t)
	f.venue.FailNext(venuemock.OpPosition, apperrors.ErrNetwork, 5)

	err := f.rec.Reconcile(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.Equal(t, 2, f.venue.Calls(venuemock.OpPosition))

	status := f.rec.GetStatus()
	assert.Equal(t, "failed", status.State)
	assert.NotEmpty(t, status.Error)
	assert.True(t, status.LastSuccess.IsZero())
}

func TestReconciler_LoopConverges(t *testing.T) {
	f := newReconcilerFixture(t)
	f.rec.SetAdoptHook(nil)
	f.venue.SetPosition(sym, d("100"), d("0.2"))

	require.NoError(t, f.rec.Start(context.Background()))
	defer f.rec.Stop()

	assert.Eventually(t, func() bool { return f.state.Get().IsOpen }, time.Second, 5*time.Millisecond)

	f.venue.SetPosition(sym, decimal.Zero, decimal.Zero)
	assert.Eventually(t, func() bool { return !f.state.Get().IsOpen }, time.Second, 5*time.Millisecond)
}
