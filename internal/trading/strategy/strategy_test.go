package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sportex/tradecore/internal/gateway"
	"github.com/sportex/tradecore/internal/testutil"
	"github.com/sportex/tradecore/internal/trading/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// stubExecutor satisfies Executor with a scriptable placement result. The
// default fully matches at the child instruction's price.
type stubExecutor struct {
	registry *gateway.Registry
	calls    []model.TradeInstruction
	hook     func(instr *model.TradeInstruction) (*gateway.PlaceResult, error)
}

func newStubExecutor(gw gateway.Gateway) *stubExecutor {
	registry := gateway.NewRegistry()
	registry.Register(gw)
	return &stubExecutor{registry: registry}
}

func (e *stubExecutor) PlaceWithProvider(ctx context.Context, instr *model.TradeInstruction, provider string) (*gateway.PlaceResult, error) {
	e.calls = append(e.calls, *instr)
	if e.hook != nil {
		return e.hook(instr)
	}
	return &gateway.PlaceResult{
		Success:             true,
		BetID:               "bet-1",
		SizeMatched:         instr.Size,
		AveragePriceMatched: instr.Price,
		Status:              "EXECUTION_COMPLETE",
	}, nil
}

func (e *stubExecutor) Gateways() *gateway.Registry { return e.registry }

func backInstr(size, price string) *model.TradeInstruction {
	return &model.TradeInstruction{
		MarketID:    "1.1",
		SelectionID: "sel-a",
		Side:        model.SideBack,
		Size:        dec(size),
		Price:       dec(price),
		OrderType:   model.OrderTypeLimit,
		ClientRef:   "t1",
	}
}

func fakeWithBook(bestBack, bestLay string) *testutil.FakeGateway {
	gw := testutil.NewFakeGateway(dec("1000"))
	gw.SetBook(testutil.Book("1.1", "sel-a", dec(bestBack), dec("500"), dec(bestLay), dec("500")))
	return gw
}

func TestAggressiveCrossesTheSpread(t *testing.T) {
	gw := fakeWithBook("2.0", "2.1")
	exec := newStubExecutor(gw)
	s := NewAggressive(zaptest.NewLogger(t))

	report := s.Execute(context.Background(), backInstr("10", "1.9"), exec, "")

	require.Len(t, exec.calls, 1)
	// A back order takes the best available lay price.
	assert.True(t, exec.calls[0].Price.Equal(dec("2.1")))
	assert.Equal(t, model.OrderStatusMatched, report.Status)
	assert.True(t, report.ExecutedSize.Equal(dec("10")))
	assert.True(t, report.RemainingSize.IsZero())
	require.Len(t, report.Fills, 1)
}

func TestAggressiveLayTakesBestBack(t *testing.T) {
	gw := fakeWithBook("2.0", "2.1")
	exec := newStubExecutor(gw)
	s := NewAggressive(zaptest.NewLogger(t))

	instr := backInstr("10", "2.3")
	instr.Side = model.SideLay
	s.Execute(context.Background(), instr, exec, "")

	require.Len(t, exec.calls, 1)
	assert.True(t, exec.calls[0].Price.Equal(dec("2.0")))
}

func TestAggressiveFallsBackToLimitPrice(t *testing.T) {
	gw := testutil.NewFakeGateway(dec("1000"))
	gw.BookErr = context.DeadlineExceeded
	exec := newStubExecutor(gw)
	s := NewAggressive(zaptest.NewLogger(t))

	s.Execute(context.Background(), backInstr("10", "1.9"), exec, "")

	require.Len(t, exec.calls, 1)
	assert.True(t, exec.calls[0].Price.Equal(dec("1.9")))
}

func TestPassiveRestsAtOwnSidePrice(t *testing.T) {
	gw := fakeWithBook("2.0", "2.1")
	exec := newStubExecutor(gw)
	exec.hook = func(instr *model.TradeInstruction) (*gateway.PlaceResult, error) {
		return &gateway.PlaceResult{Success: true, BetID: "bet-1", Status: "EXECUTABLE"}, nil
	}
	s := NewPassive(zaptest.NewLogger(t))

	report := s.Execute(context.Background(), backInstr("10", "1.9"), exec, "")

	require.Len(t, exec.calls, 1)
	// A back order joins the queue at the best back price.
	assert.True(t, exec.calls[0].Price.Equal(dec("2.0")))
	assert.Equal(t, model.OrderStatusSubmitted, report.Status)
	assert.True(t, report.ExecutedSize.IsZero())
	assert.True(t, report.RemainingSize.Equal(dec("10")))
}

func TestIcebergChunksAndConservation(t *testing.T) {
	gw := fakeWithBook("2.0", "2.1")
	exec := newStubExecutor(gw)
	s := NewIcebergWith(zaptest.NewLogger(t), dec("10"), time.Millisecond)

	report := s.Execute(context.Background(), backInstr("25", "2.0"), exec, "")

	require.Len(t, exec.calls, 3)
	assert.True(t, exec.calls[0].Size.Equal(dec("10")))
	assert.True(t, exec.calls[1].Size.Equal(dec("10")))
	assert.True(t, exec.calls[2].Size.Equal(dec("5")))
	assert.Equal(t, "t1_chunk_0", exec.calls[0].ClientRef)
	assert.Equal(t, "t1_chunk_2", exec.calls[2].ClientRef)

	assert.Equal(t, model.OrderStatusMatched, report.Status)
	assert.True(t, report.ExecutedSize.Equal(dec("25")))
	assert.True(t, report.RemainingSize.IsZero())
	assert.True(t, report.ExecutedSize.Add(report.RemainingSize).Equal(dec("25")))
}

func TestIcebergStopsOnUnderfilledChunk(t *testing.T) {
	gw := fakeWithBook("2.0", "2.1")
	exec := newStubExecutor(gw)
	exec.hook = func(instr *model.TradeInstruction) (*gateway.PlaceResult, error) {
		// Half-filled chunk, under the 90% continuation threshold.
		return &gateway.PlaceResult{
			Success:             true,
			BetID:               "bet-1",
			SizeMatched:         dec("5"),
			AveragePriceMatched: instr.Price,
			Status:              "EXECUTABLE",
		}, nil
	}
	s := NewIcebergWith(zaptest.NewLogger(t), dec("10"), time.Millisecond)

	report := s.Execute(context.Background(), backInstr("30", "2.0"), exec, "")

	require.Len(t, exec.calls, 1)
	assert.Equal(t, model.OrderStatusPartiallyMatched, report.Status)
	assert.True(t, report.ExecutedSize.Equal(dec("5")))
	assert.True(t, report.RemainingSize.Equal(dec("25")))
}

func TestTWAPSlicesEvenly(t *testing.T) {
	gw := fakeWithBook("2.0", "2.1")
	exec := newStubExecutor(gw)
	s := NewTWAPWith(zaptest.NewLogger(t), 6*time.Millisecond, 6)

	report := s.Execute(context.Background(), backInstr("60", "2.0"), exec, "")

	require.Len(t, exec.calls, 6)
	for _, call := range exec.calls {
		assert.True(t, call.Size.Equal(dec("10")))
	}
	assert.Equal(t, model.OrderStatusMatched, report.Status)
	assert.True(t, report.ExecutedSize.Equal(dec("60")))
	assert.True(t, report.RemainingSize.IsZero())
}

func TestTWAPConservationOnUnevenSize(t *testing.T) {
	gw := fakeWithBook("2.0", "2.1")
	exec := newStubExecutor(gw)
	s := NewTWAPWith(zaptest.NewLogger(t), 6*time.Millisecond, 6)

	report := s.Execute(context.Background(), backInstr("50", "2.0"), exec, "")

	assert.Equal(t, model.OrderStatusMatched, report.Status)
	assert.True(t, report.ExecutedSize.Equal(dec("50")), "got %s", report.ExecutedSize)
	assert.True(t, report.RemainingSize.IsZero())
}

func TestSmartRoutesMarketOrderAggressively(t *testing.T) {
	gw := fakeWithBook("2.0", "2.1")
	exec := newStubExecutor(gw)
	s := NewSmart(zaptest.NewLogger(t))

	instr := backInstr("10", "0")
	instr.Price = decimal.Zero
	instr.OrderType = model.OrderTypeMarket

	report := s.Execute(context.Background(), instr, exec, "")
	require.Len(t, exec.calls, 1)
	assert.True(t, exec.calls[0].Price.Equal(dec("2.1")))
	assert.Equal(t, model.OrderStatusMatched, report.Status)
}

func TestSmartSlicesLargeOrders(t *testing.T) {
	gw := fakeWithBook("2.0", "2.1")
	exec := newStubExecutor(gw)
	s := NewSmart(zaptest.NewLogger(t))

	// Underfill the first chunk so the iceberg stops without sleeping
	// between chunks.
	exec.hook = func(instr *model.TradeInstruction) (*gateway.PlaceResult, error) {
		return &gateway.PlaceResult{
			Success:             true,
			BetID:               "bet-1",
			SizeMatched:         dec("1"),
			AveragePriceMatched: instr.Price,
			Status:              "EXECUTABLE",
		}, nil
	}

	// 60 units is over the large-order threshold: expect an iceberg chunk,
	// not the whole size, in the first placement.
	report := s.Execute(context.Background(), backInstr("60", "2.0"), exec, "")
	require.Len(t, exec.calls, 1)
	assert.True(t, exec.calls[0].Size.Equal(dec("10")), "got %s", exec.calls[0].Size)
	assert.Equal(t, model.OrderStatusPartiallyMatched, report.Status)
}

func TestSmartTakesLiquidTopOfBook(t *testing.T) {
	gw := fakeWithBook("2.0", "2.1")
	exec := newStubExecutor(gw)
	s := NewSmart(zaptest.NewLogger(t))

	s.Execute(context.Background(), backInstr("10", "2.0"), exec, "")
	require.Len(t, exec.calls, 1)
	// The lay side shows 500 available, enough for 10: cross it.
	assert.True(t, exec.calls[0].Price.Equal(dec("2.1")))
}

func TestSmartRestsWhenBookIsThin(t *testing.T) {
	gw := testutil.NewFakeGateway(dec("1000"))
	gw.SetBook(testutil.Book("1.1", "sel-a", dec("2.0"), dec("500"), dec("2.1"), dec("4")))
	exec := newStubExecutor(gw)
	s := NewSmart(zaptest.NewLogger(t))

	s.Execute(context.Background(), backInstr("10", "2.0"), exec, "")
	require.Len(t, exec.calls, 1)
	// Only 4 available at the best lay: rest at the back price instead.
	assert.True(t, exec.calls[0].Price.Equal(dec("2.0")))
}

func TestFactory(t *testing.T) {
	f := NewFactory(zaptest.NewLogger(t))

	s, err := f.Get(model.StrategyTWAP)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyTWAP, s.Name())

	// An empty name resolves to the smart router.
	s, err = f.Get("")
	require.NoError(t, err)
	assert.Equal(t, model.StrategySmart, s.Name())

	_, err = f.Get("VWAP")
	assert.Error(t, err)

	assert.Len(t, f.Names(), 5)
}
