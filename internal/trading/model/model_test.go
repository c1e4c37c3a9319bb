package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func validInstruction() TradeInstruction {
	return TradeInstruction{
		MarketID:    "1.1",
		SelectionID: "sel-a",
		Side:        SideBack,
		Size:        dec("10"),
		Price:       dec("2.0"),
		OrderType:   OrderTypeLimit,
	}
}

func TestInstructionValidate(t *testing.T) {
	instr := validInstruction()
	require.NoError(t, instr.Validate())

	zeroSize := validInstruction()
	zeroSize.Size = decimal.Zero
	assert.ErrorIs(t, zeroSize.Validate(), ErrNonPositiveSize)

	noPrice := validInstruction()
	noPrice.Price = decimal.Zero
	assert.ErrorIs(t, noPrice.Validate(), ErrMissingPrice)

	// Market orders may omit the price.
	market := validInstruction()
	market.Price = decimal.Zero
	market.OrderType = OrderTypeMarket
	assert.NoError(t, market.Validate())

	negPrice := validInstruction()
	negPrice.Price = dec("-1")
	assert.ErrorIs(t, negPrice.Validate(), ErrNonPositivePrice)

	negSlippage := validInstruction()
	negSlippage.MaxSlippage = dec("-0.5")
	assert.ErrorIs(t, negSlippage.Validate(), ErrNegativeSlippage)
}

func TestRequiredBalance(t *testing.T) {
	back := validInstruction()
	assert.True(t, back.RequiredBalance().Equal(dec("10")))

	lay := validInstruction()
	lay.Side = SideLay
	lay.Price = dec("3.5")
	// Lay liability is size x (price - 1).
	assert.True(t, lay.RequiredBalance().Equal(dec("25")))

	marketLay := validInstruction()
	marketLay.Side = SideLay
	marketLay.Price = decimal.Zero
	assert.True(t, marketLay.RequiredBalance().Equal(dec("10")))
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideLay, SideBack.Opposite())
	assert.Equal(t, SideBack, SideLay.Opposite())
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusMatched, OrderStatusCancelled, OrderStatusFailed, OrderStatusExpired} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusSubmitted, OrderStatusPartiallyMatched} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func newOrder(size string) *Order {
	instr := validInstruction()
	instr.Size = dec(size)
	return &Order{
		Instruction:    instr,
		Status:         OrderStatusSubmitted,
		RequestedSize:  instr.Size,
		RemainingSize:  instr.Size,
		RequestedPrice: instr.Price,
		CreatedAt:      time.Now(),
	}
}

func TestApplyMatchWeightedAverage(t *testing.T) {
	order := newOrder("30")

	order.ApplyMatch(dec("10"), dec("2.0"))
	assert.Equal(t, OrderStatusPartiallyMatched, order.Status)
	assert.True(t, order.AverageMatchedPrice.Equal(dec("2.0")))
	assert.True(t, order.SizesReconcile())

	order.ApplyMatch(dec("20"), dec("2.3"))
	assert.Equal(t, OrderStatusMatched, order.Status)
	// (10x2.0 + 20x2.3) / 30 = 2.2
	assert.True(t, order.AverageMatchedPrice.Equal(dec("2.2")), order.AverageMatchedPrice.String())
	assert.True(t, order.SizesReconcile())
	assert.False(t, order.MatchedAt.IsZero())
}

func TestApplyMatchClampsToRemaining(t *testing.T) {
	order := newOrder("10")
	order.ApplyMatch(dec("25"), dec("2.0"))

	assert.True(t, order.MatchedSize.Equal(dec("10")))
	assert.True(t, order.RemainingSize.IsZero())
	assert.Equal(t, OrderStatusMatched, order.Status)
	assert.True(t, order.SizesReconcile())

	// Non-positive sizes are ignored.
	before := order.MatchedSize
	order.ApplyMatch(dec("-5"), dec("2.0"))
	assert.True(t, order.MatchedSize.Equal(before))
}

func TestApplyCancelPreservesConservation(t *testing.T) {
	order := newOrder("20")
	order.ApplyMatch(dec("8"), dec("2.0"))

	order.ApplyCancel(OrderStatusCancelled)
	assert.Equal(t, OrderStatusCancelled, order.Status)
	assert.True(t, order.CancelledSize.Equal(dec("12")))
	assert.True(t, order.RemainingSize.IsZero())
	assert.True(t, order.SizesReconcile())
	assert.True(t, order.Complete())
}

func TestFillPercent(t *testing.T) {
	order := newOrder("20")
	order.ApplyMatch(dec("5"), dec("2.0"))
	assert.True(t, order.FillPercent().Equal(dec("25")))

	empty := &Order{}
	assert.True(t, empty.FillPercent().IsZero())
}

func TestReportAveragePrice(t *testing.T) {
	report := &ExecutionReport{ExecutedPrice: dec("2.5")}
	// No fills recorded, fall back to the executed price.
	assert.True(t, report.AveragePrice().Equal(dec("2.5")))

	report.Fills = []Fill{
		{Size: dec("10"), Price: dec("2.0")},
		{Size: dec("30"), Price: dec("2.4")},
	}
	// (10x2.0 + 30x2.4) / 40 = 2.3
	assert.True(t, report.AveragePrice().Equal(dec("2.3")), report.AveragePrice().String())
}

func TestReportSuccessful(t *testing.T) {
	assert.True(t, (&ExecutionReport{Status: OrderStatusMatched}).Successful())
	assert.True(t, (&ExecutionReport{Status: OrderStatusPartiallyMatched}).Successful())
	assert.False(t, (&ExecutionReport{Status: OrderStatusSubmitted}).Successful())
	assert.False(t, (&ExecutionReport{Status: OrderStatusFailed}).Successful())
}

func TestNewErrorReport(t *testing.T) {
	instr := validInstruction()
	report := NewErrorReport(instr, "paper", "market is suspended")

	assert.Equal(t, OrderStatusFailed, report.Status)
	assert.Equal(t, "market is suspended", report.ErrorMessage)
	assert.True(t, report.RemainingSize.Equal(instr.Size))
	assert.NotEqual(t, report.ID.String(), "00000000-0000-0000-0000-000000000000")
}

func TestBetLiability(t *testing.T) {
	back := &Bet{Side: SideBack, Price: dec("3.0"), Size: dec("10")}
	assert.True(t, back.Liability().Equal(dec("10")))

	lay := &Bet{Side: SideLay, Price: dec("3.0"), Size: dec("10")}
	assert.True(t, lay.Liability().Equal(dec("20")))
}
