package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sportex/tradecore/internal/gateway"
	"github.com/sportex/tradecore/internal/testutil"
)

func newTestTracker(t *testing.T) *PositionTracker {
	t.Helper()
	return NewPositionTracker(newTestCalc(), gateway.NewRegistry(), zaptest.NewLogger(t))
}

func TestOpenPositionMergesSameSide(t *testing.T) {
	tr := newTestTracker(t)

	first := tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("10"), "o1", "paper", "SMART")
	second := tr.OpenPosition("1.1", "sel-a", PositionLong, dec("3.0"), dec("10"), "o2", "paper", "SMART")

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.CurrentSize.Equal(dec("20")))
	assert.True(t, second.EntrySize.Equal(dec("20")))
	assert.True(t, second.EntryPrice.Equal(dec("2.5")), "got %s", second.EntryPrice)
}

func TestOpenPositionOppositeSideIsSeparate(t *testing.T) {
	tr := newTestTracker(t)

	long := tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("10"), "", "paper", "")
	short := tr.OpenPosition("1.1", "sel-a", PositionShort, dec("2.0"), dec("10"), "", "paper", "")

	assert.NotEqual(t, long.ID, short.ID)
	assert.Len(t, tr.GetSelectionPositions("1.1", "sel-a"), 2)
}

func TestClosePositionPartial(t *testing.T) {
	tr := newTestTracker(t)
	p := tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.5"), dec("20"), "", "paper", "AGGRESSIVE")

	closed, err := tr.ClosePosition(p.ID, dec("3.0"), dec("10"), "")
	require.NoError(t, err)

	// Gross 5.00 less 2% commission on the profit.
	assert.True(t, closed.RealizedPnL.Equal(dec("4.9")), "got %s", closed.RealizedPnL)
	assert.True(t, closed.Commission.Equal(dec("0.1")))
	assert.True(t, closed.CurrentSize.Equal(dec("10")))
	assert.Equal(t, PositionPartiallyClosed, closed.Status)
	assert.True(t, tr.DailyPnL().Equal(dec("4.9")))
}

func TestClosePositionFullAndClamped(t *testing.T) {
	tr := newTestTracker(t)
	p := tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("20"), "", "paper", "")

	// An oversized request closes exactly what remains, never more.
	closed, err := tr.ClosePosition(p.ID, dec("1.5"), dec("50"), "")
	require.NoError(t, err)
	assert.True(t, closed.CurrentSize.IsZero())
	assert.True(t, closed.ClosedSize.Equal(dec("20")))
	assert.Equal(t, PositionClosed, closed.Status)
	// A loss carries no commission.
	assert.True(t, closed.RealizedPnL.Equal(dec("-10")))
	assert.True(t, closed.Commission.IsZero())
	assert.False(t, closed.ClosedAt.IsZero())
}

func TestClosePositionZeroSizeClosesAll(t *testing.T) {
	tr := newTestTracker(t)
	p := tr.OpenPosition("1.1", "sel-a", PositionShort, dec("3.0"), dec("10"), "", "paper", "")

	closed, err := tr.ClosePosition(p.ID, dec("2.0"), decimal.Zero, "")
	require.NoError(t, err)
	assert.Equal(t, PositionClosed, closed.Status)
	// Short profits when the price shortens: (3.0 - 2.0) x 10 less 2%.
	assert.True(t, closed.RealizedPnL.Equal(dec("9.8")), "got %s", closed.RealizedPnL)
}

func TestClosePositionUnknownID(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.ClosePosition(uuid.New(), dec("2.0"), decimal.Zero, "")
	assert.True(t, errors.Is(err, ErrPositionNotFound))
}

func TestExitPriceWeightedAcrossPartialCloses(t *testing.T) {
	tr := newTestTracker(t)
	p := tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("20"), "", "paper", "")

	_, err := tr.ClosePosition(p.ID, dec("3.0"), dec("10"), "")
	require.NoError(t, err)
	closed, err := tr.ClosePosition(p.ID, dec("2.0"), dec("10"), "")
	require.NoError(t, err)

	assert.True(t, closed.ExitPrice.Equal(dec("2.5")), "got %s", closed.ExitPrice)
}

func TestMarketExposureLayLiability(t *testing.T) {
	tr := newTestTracker(t)
	tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("10"), "", "paper", "")
	tr.OpenPosition("1.1", "sel-b", PositionShort, dec("3.0"), dec("10"), "", "paper", "")

	exp := tr.GetMarketExposure("1.1")
	require.NotNil(t, exp)
	assert.True(t, exp.NetBackExposure.Equal(dec("10")))
	// Lay liability is size x (price - 1).
	assert.True(t, exp.NetLayLiability.Equal(dec("20")))
	assert.True(t, exp.MaxLoss.Equal(dec("20")))
	assert.Equal(t, 2, exp.PositionCount)
	assert.True(t, exp.BySelection["sel-b"].Equal(dec("20")))
}

func TestMarketExposureHedgeSkew(t *testing.T) {
	tr := newTestTracker(t)
	tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("10"), "", "paper", "")
	tr.OpenPosition("1.1", "sel-b", PositionLong, dec("2.0"), dec("40"), "", "paper", "")

	exp := tr.GetMarketExposure("1.1")
	require.NotNil(t, exp)
	assert.True(t, exp.HedgeRequired)
	assert.Equal(t, "sel-a", exp.HedgeSelection)
	assert.True(t, exp.HedgeSize.Equal(dec("15")), "got %s", exp.HedgeSize)
}

func TestTotalExposureAcrossMarkets(t *testing.T) {
	tr := newTestTracker(t)
	tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("10"), "", "paper", "")
	tr.OpenPosition("1.2", "sel-x", PositionLong, dec("2.0"), dec("30"), "", "paper", "")

	assert.True(t, tr.GetTotalExposure().Equal(dec("40")))

	p := tr.GetMarketPositions("1.2")[0]
	_, err := tr.ClosePosition(p.ID, dec("2.0"), decimal.Zero, "")
	require.NoError(t, err)

	assert.Nil(t, tr.GetMarketExposure("1.2"))
	assert.True(t, tr.GetTotalExposure().Equal(dec("10")))
}

func TestGetNetPosition(t *testing.T) {
	tr := newTestTracker(t)
	tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("10"), "", "paper", "")
	tr.OpenPosition("1.1", "sel-a", PositionShort, dec("3.0"), dec("4"), "", "paper", "")

	netSize, avgPrice := tr.GetNetPosition("1.1", "sel-a")
	assert.True(t, netSize.Equal(dec("6")))
	assert.True(t, avgPrice.Equal(dec("2.0")), "got %s", avgPrice)
}

func TestUpdatePositionPrice(t *testing.T) {
	tr := newTestTracker(t)
	p := tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("10"), "", "paper", "")

	tr.UpdatePositionPrice(p.ID, dec("2.5"))

	got := tr.GetPosition(p.ID)
	assert.True(t, got.CurrentPrice.Equal(dec("2.5")))
	assert.True(t, got.UnrealizedPnL.Equal(dec("4.9")), "got %s", got.UnrealizedPnL)
}

func TestUpdateCallbacksRunOutsideLock(t *testing.T) {
	tr := newTestTracker(t)

	var changes []PositionChange
	tr.OnUpdate(func(change PositionChange) {
		// Re-entering the tracker from a callback must not deadlock.
		_ = tr.GetTotalExposure()
		changes = append(changes, change)
	})

	p := tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("10"), "", "paper", "")
	_, err := tr.ClosePosition(p.ID, dec("2.5"), decimal.Zero, "")
	require.NoError(t, err)

	require.Len(t, changes, 2)
	assert.Equal(t, "opened", changes[0].ChangeType)
	assert.Equal(t, "closed", changes[1].ChangeType)
	assert.True(t, changes[1].SizeDelta.Equal(dec("-10")))
}

func TestPnLStatement(t *testing.T) {
	tr := newTestTracker(t)
	p1 := tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("10"), "", "paper", "AGGRESSIVE")
	p2 := tr.OpenPosition("1.2", "sel-x", PositionLong, dec("2.0"), dec("10"), "", "paper", "PASSIVE")

	_, err := tr.ClosePosition(p1.ID, dec("3.0"), decimal.Zero, "")
	require.NoError(t, err)
	_, err = tr.ClosePosition(p2.ID, dec("1.5"), decimal.Zero, "")
	require.NoError(t, err)

	stmt := tr.GetPnLStatement(24 * time.Hour)
	assert.Equal(t, 2, stmt.TradeCount)
	assert.True(t, stmt.WinRate.Equal(dec("50")), "got %s", stmt.WinRate)
	// Win 9.8 net, loss 5.
	assert.True(t, stmt.NetPnL.Equal(dec("4.8")), "got %s", stmt.NetPnL)
	assert.True(t, stmt.Commission.Equal(dec("0.2")))
	assert.True(t, stmt.ByMarket["1.1"].Equal(dec("9.8")))
	assert.True(t, stmt.ByStrategy["PASSIVE"].Equal(dec("-5")))
}

func TestPositionSideFor(t *testing.T) {
	assert.Equal(t, PositionLong, PositionSideFor(gateway.BetSideBack))
	assert.Equal(t, PositionShort, PositionSideFor(gateway.BetSideLay))
}

func TestPositionAccessorsReturnSnapshots(t *testing.T) {
	tr := newTestTracker(t)
	p := tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("10"), "", "paper", "")

	// Mutating a returned position must not leak into the ledger.
	p.CurrentSize = dec("999")
	assert.True(t, tr.GetPosition(p.ID).CurrentSize.Equal(dec("10")))

	open := tr.GetOpenPositions()
	require.Len(t, open, 1)
	open[0].Status = PositionClosed
	assert.Len(t, tr.GetOpenPositions(), 1)

	market := tr.GetMarketPositions("1.1")
	require.Len(t, market, 1)
	market[0].EntryPrice = dec("9.9")
	assert.True(t, tr.GetPosition(p.ID).EntryPrice.Equal(dec("2.0")))

	// Later ledger updates must not show through earlier snapshots.
	before := tr.GetPosition(p.ID)
	tr.UpdatePositionPrice(p.ID, dec("2.5"))
	assert.True(t, before.CurrentPrice.IsZero())
	assert.True(t, tr.GetPosition(p.ID).CurrentPrice.Equal(dec("2.5")))
}

func TestConcurrentPriceUpdatesAndReads(t *testing.T) {
	tr := newTestTracker(t)
	p := tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("10"), "", "paper", "")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			tr.UpdatePositionPrice(p.ID, dec("2.5"))
		}
	}()

	// Readers mirror the stop-loss sweep and the risk monitor, which
	// inspect prices and exposures while the refresher runs.
	for i := 0; i < 500; i++ {
		got := tr.GetPosition(p.ID)
		require.NotNil(t, got)
		_ = got.CurrentPrice
		for _, op := range tr.GetOpenPositions() {
			_ = op.Exposure()
			_ = op.UnrealizedPnL
		}
	}
	wg.Wait()

	assert.True(t, tr.GetPosition(p.ID).CurrentPrice.Equal(dec("2.5")))
}

func TestReconcileWithProviderFlagsUntrackedBets(t *testing.T) {
	gw := testutil.NewFakeGateway(dec("1000"))
	reg := gateway.NewRegistry()
	reg.Register(gw)

	core, logs := observer.New(zap.WarnLevel)
	tr := NewPositionTracker(newTestCalc(), reg, zap.New(core))

	p := tr.OpenPosition("1.1", "sel-a", PositionLong, dec("2.0"), dec("10"), "bet-1", "fake", "")

	gw.OpenOrders = []gateway.OpenOrder{
		{BetID: "bet-9", MarketID: "1.1", SelectionID: "sel-a", Side: gateway.BetSideBack},
	}
	gw.MatchedBets = []gateway.MatchedBet{
		{BetID: "bet-1", MarketID: "1.1", SelectionID: "sel-a", Side: gateway.BetSideBack},
		{BetID: "bet-7", MarketID: "1.2", SelectionID: "sel-x", Side: gateway.BetSideLay},
	}

	require.NoError(t, tr.ReconcileWithProvider(context.Background(), "fake"))

	// Drift is surfaced as warnings, one per untracked bet.
	var messages, betIDs []string
	for _, entry := range logs.All() {
		messages = append(messages, entry.Message)
		betIDs = append(betIDs, entry.ContextMap()["bet_id"].(string))
	}
	assert.ElementsMatch(t, []string{
		"untracked open order at provider",
		"untracked matched bet at provider",
	}, messages)
	assert.ElementsMatch(t, []string{"bet-9", "bet-7"}, betIDs)

	// Local state is never repaired from the provider view.
	require.Len(t, tr.GetOpenPositions(), 1)
	got := tr.GetPosition(p.ID)
	assert.True(t, got.CurrentSize.Equal(dec("10")))
	assert.Equal(t, PositionOpen, got.Status)
	assert.True(t, tr.GetTotalExposure().Equal(dec("10")))
}

func TestReconcileWithProviderFetchError(t *testing.T) {
	gw := testutil.NewFakeGateway(dec("1000"))
	gw.OrdersErr = errors.New("api down")
	reg := gateway.NewRegistry()
	reg.Register(gw)
	tr := NewPositionTracker(newTestCalc(), reg, zaptest.NewLogger(t))

	err := tr.ReconcileWithProvider(context.Background(), "fake")
	assert.ErrorContains(t, err, "fetch open orders")
}
