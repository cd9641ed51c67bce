package position

import (
	"sync"
	"testing"

	"skytrader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestState_OpenAndReset(t *testing.T) {
	s := NewState("ALGOUSDT")
	assert.False(t, s.Get().IsOpen)

	require.NoError(t, s.SetOpen(core.Long, d("0.2"), d("100")))
	snap := s.Get()
	assert.True(t, snap.IsOpen)
	assert.Equal(t, core.Long, snap.Direction)
	assert.True(t, snap.EntryPrice.Equal(d("0.2")))
	assert.Equal(t, uint64(1), snap.Epoch)

	require.True(t, s.SetProtective(snap.Epoch, LegStopLoss, 11))
	assert.Equal(t, int64(11), s.Get().ProtectiveID(LegStopLoss))

	s.Reset()
	cleared := s.Get()
	assert.False(t, cleared.IsOpen)
	assert.Empty(t, cleared.Direction)
	assert.True(t, cleared.EntryPrice.IsZero())
	assert.True(t, cleared.Quantity.IsZero())
	assert.Zero(t, cleared.StopLossOrderID)
	assert.Equal(t, uint64(2), cleared.Epoch)

	// Resetting a flat state does not bump the epoch
	s.Reset()
	assert.Equal(t, uint64(2), s.Get().Epoch)
}

func TestState_SetOpenValidates(t *testing.T) {
	s := NewState("ALGOUSDT")
	assert.Error(t, s.SetOpen("", d("1"), d("1")))
	assert.Error(t, s.SetOpen(core.Long, d("0"), d("1")))
	assert.Error(t, s.SetOpen(core.Short, d("1"), d("-1")))
	assert.False(t, s.Get().IsOpen)
}

func TestState_CompareAndSwapRejectsStaleEpoch(t *testing.T) {
	s := NewState("ALGOUSDT")
	stale := s.Get().Epoch

	require.NoError(t, s.SetOpen(core.Short, d("1"), d("5")))

	assert.False(t, s.CompareAndSetOpen(stale, core.Long, d("2"), d("3")))
	assert.False(t, s.CompareAndReset(stale))
	assert.Equal(t, core.Short, s.Get().Direction)

	current := s.Get().Epoch
	assert.True(t, s.CompareAndReset(current))
	assert.False(t, s.Get().IsOpen)
}

func TestState_SetProtectiveRefusesAfterReset(t *testing.T) {
	s := NewState("ALGOUSDT")
	require.NoError(t, s.SetOpen(core.Long, d("1"), d("1")))
	epoch := s.Get().Epoch
	s.Reset()

	assert.False(t, s.SetProtective(epoch, LegTakeProfit, 7))
	assert.Zero(t, s.Get().TakeProfitOrderID)
}

func TestState_ConcurrentAccess(t *testing.T) {
	s := NewState("ALGOUSDT")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.SetOpen(core.Long, d("1"), d("1"))
		}()
		go func() {
			defer wg.Done()
			snap := s.Get()
			if !snap.IsOpen {
				assert.True(t, snap.Quantity.IsZero())
			}
			s.Reset()
		}()
	}
	wg.Wait()
}
