// Package model defines the order-side data model: instructions coming in
// from callers, the executor's order ledger entries, and execution reports
// going back out.
package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side of a bet. A back bet wins when the outcome happens, a lay bet wins
// when it does not.
type Side string

const (
	SideBack Side = "BACK"
	SideLay  Side = "LAY"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBack {
		return SideLay
	}
	return SideBack
}

// OrderType selects the pricing mode of an instruction.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeFillOrKill OrderType = "FILL_OR_KILL"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending          OrderStatus = "PENDING"
	OrderStatusSubmitted        OrderStatus = "SUBMITTED"
	OrderStatusPartiallyMatched OrderStatus = "PARTIALLY_MATCHED"
	OrderStatusMatched          OrderStatus = "MATCHED"
	OrderStatusCancelled        OrderStatus = "CANCELLED"
	OrderStatusFailed           OrderStatus = "FAILED"
	OrderStatusExpired          OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusMatched, OrderStatusCancelled, OrderStatusFailed, OrderStatusExpired:
		return true
	}
	return false
}

// StrategyName selects how an instruction is worked into the market.
type StrategyName string

const (
	StrategyAggressive StrategyName = "AGGRESSIVE"
	StrategyPassive    StrategyName = "PASSIVE"
	StrategyIceberg    StrategyName = "ICEBERG"
	StrategyTWAP       StrategyName = "TWAP"
	StrategySmart      StrategyName = "SMART"
)

// Persistence controls what the exchange does with an unmatched bet when the
// market turns in-play.
type Persistence string

const (
	PersistenceLapse         Persistence = "LAPSE"
	PersistencePersist       Persistence = "PERSIST"
	PersistenceMarketOnClose Persistence = "MARKET_ON_CLOSE"
)

// Validation errors for TradeInstruction.
var (
	ErrNonPositiveSize  = errors.New("size must be positive")
	ErrMissingPrice     = errors.New("limit orders require a price")
	ErrNonPositivePrice = errors.New("price must be positive")
	ErrNegativeSlippage = errors.New("max slippage cannot be negative")
)

// TradeInstruction is a provider-agnostic request to trade. It carries no
// lifecycle state; the executor turns it into an Order.
type TradeInstruction struct {
	MarketID    string
	SelectionID string
	Side        Side
	Size        decimal.Decimal

	// Price is required for limit orders; zero means "market", i.e. the
	// strategy picks a price from the book.
	Price       decimal.Decimal
	OrderType   OrderType
	Strategy    StrategyName
	Persistence Persistence

	MinFillSize decimal.Decimal
	MaxSlippage decimal.Decimal

	// TimeInForce is how long an unmatched order may rest before the monitor
	// loop cancels it. Zero disables the timeout.
	TimeInForce time.Duration

	ClientRef string
}

// Validate checks the instruction's invariants. It is the first stage of the
// execution pipeline; a failure here is a caller bug, never retried.
func (ti *TradeInstruction) Validate() error {
	if ti.Size.LessThanOrEqual(decimal.Zero) {
		return ErrNonPositiveSize
	}
	if ti.OrderType == OrderTypeLimit && ti.Price.IsZero() {
		return ErrMissingPrice
	}
	if !ti.Price.IsZero() && ti.Price.LessThanOrEqual(decimal.Zero) {
		return ErrNonPositivePrice
	}
	if ti.MaxSlippage.IsNegative() {
		return ErrNegativeSlippage
	}
	return nil
}

// RequiredBalance is the money the exchange reserves for this instruction:
// the stake for a back bet, the liability size x (price - 1) for a lay bet.
func (ti *TradeInstruction) RequiredBalance() decimal.Decimal {
	if ti.Side == SideLay && !ti.Price.IsZero() {
		return ti.Size.Mul(ti.Price.Sub(decimal.NewFromInt(1)))
	}
	return ti.Size
}

// Fill is one partial execution of an order.
type Fill struct {
	ID         uuid.UUID
	Size       decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	Timestamp  time.Time
}

// Value is size x price.
func (f Fill) Value() decimal.Decimal {
	return f.Size.Mul(f.Price)
}

// Order is the executor's tracked lifecycle of one instruction. At all times
// MatchedSize + RemainingSize + CancelledSize + LapsedSize == RequestedSize.
type Order struct {
	ID              uuid.UUID
	ProviderOrderID string
	Instruction     TradeInstruction
	Provider        string

	Status OrderStatus

	RequestedSize decimal.Decimal
	MatchedSize   decimal.Decimal
	RemainingSize decimal.Decimal
	CancelledSize decimal.Decimal
	LapsedSize    decimal.Decimal

	RequestedPrice      decimal.Decimal
	AverageMatchedPrice decimal.Decimal

	CreatedAt   time.Time
	SubmittedAt time.Time
	MatchedAt   time.Time
	CancelledAt time.Time
	UpdatedAt   time.Time

	ErrorCode    string
	ErrorMessage string
	RetryCount   int
}

// Complete reports whether the order reached a terminal status.
func (o *Order) Complete() bool {
	return o.Status.Terminal()
}

// FillPercent is MatchedSize as a percentage of RequestedSize.
func (o *Order) FillPercent() decimal.Decimal {
	if o.RequestedSize.IsZero() {
		return decimal.Zero
	}
	return o.MatchedSize.Div(o.RequestedSize).Mul(decimal.NewFromInt(100))
}

// SizesReconcile verifies the conservation invariant
// matched + remaining + cancelled + lapsed == requested.
func (o *Order) SizesReconcile() bool {
	sum := o.MatchedSize.Add(o.RemainingSize).Add(o.CancelledSize).Add(o.LapsedSize)
	return sum.Equal(o.RequestedSize)
}

// ApplyMatch moves size from remaining to matched, recomputing the
// size-weighted average matched price.
func (o *Order) ApplyMatch(size, price decimal.Decimal) {
	if size.LessThanOrEqual(decimal.Zero) {
		return
	}
	if size.GreaterThan(o.RemainingSize) {
		size = o.RemainingSize
	}
	prevValue := o.AverageMatchedPrice.Mul(o.MatchedSize)
	o.MatchedSize = o.MatchedSize.Add(size)
	o.RemainingSize = o.RemainingSize.Sub(size)
	o.AverageMatchedPrice = prevValue.Add(size.Mul(price)).Div(o.MatchedSize)
	o.UpdatedAt = time.Now()
	if o.RemainingSize.IsZero() {
		o.Status = OrderStatusMatched
		o.MatchedAt = o.UpdatedAt
	} else {
		o.Status = OrderStatusPartiallyMatched
	}
}

// ApplyCancel moves the remaining size into cancelled and terminates the
// order, preserving the conservation invariant.
func (o *Order) ApplyCancel(status OrderStatus) {
	o.CancelledSize = o.CancelledSize.Add(o.RemainingSize)
	o.RemainingSize = decimal.Zero
	o.Status = status
	now := time.Now()
	o.CancelledAt = now
	o.UpdatedAt = now
}

// ExecutionReport is the result of one execute call: what was asked, what got
// done, and at what price.
type ExecutionReport struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	Instruction TradeInstruction

	Status   OrderStatus
	Provider string

	// BetID is the provider's id of the placed bet, when the strategy
	// resulted in a single placement. Sliced executions leave it empty.
	BetID string

	ExecutedSize  decimal.Decimal
	ExecutedPrice decimal.Decimal
	RemainingSize decimal.Decimal

	Fills []Fill

	SubmittedAt time.Time
	ExecutedAt  time.Time
	Latency     time.Duration

	ErrorMessage string
}

// Successful reports whether any size got matched.
func (r *ExecutionReport) Successful() bool {
	return r.Status == OrderStatusMatched || r.Status == OrderStatusPartiallyMatched
}

// AveragePrice is the fill-size-weighted average price across all fills,
// falling back to ExecutedPrice when no fills were recorded.
func (r *ExecutionReport) AveragePrice() decimal.Decimal {
	if len(r.Fills) == 0 {
		return r.ExecutedPrice
	}
	totalValue := decimal.Zero
	totalSize := decimal.Zero
	for _, f := range r.Fills {
		totalValue = totalValue.Add(f.Value())
		totalSize = totalSize.Add(f.Size)
	}
	if totalSize.IsZero() {
		return decimal.Zero
	}
	return totalValue.Div(totalSize)
}

// NewErrorReport builds a FAILED report for an instruction rejected before or
// during dispatch.
func NewErrorReport(instruction TradeInstruction, provider, reason string) *ExecutionReport {
	return &ExecutionReport{
		ID:            uuid.New(),
		Instruction:   instruction,
		Status:        OrderStatusFailed,
		Provider:      provider,
		RemainingSize: instruction.Size,
		SubmittedAt:   time.Now(),
		ErrorMessage:  reason,
	}
}

// Bet is a matched bet recorded by the executor, mirroring the exchange's
// settled view for exposure accounting.
type Bet struct {
	BetID       string
	OrderID     uuid.UUID
	MarketID    string
	SelectionID string
	Provider    string

	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	MatchedAt time.Time
}

// Liability is the worst-case loss: the stake for a back bet,
// size x (price - 1) for a lay bet.
func (b *Bet) Liability() decimal.Decimal {
	if b.Side == SideLay {
		return b.Size.Mul(b.Price.Sub(decimal.NewFromInt(1)))
	}
	return b.Size
}

// Trade event types emitted through the coordinator and executor callbacks.
const (
	EventTradeAttempt    = "trade_attempt"
	EventTradeRejected   = "trade_rejected"
	EventTradeExecuted   = "trade_executed"
	EventTradeFailed     = "trade_failed"
	EventOrderPlaced     = "order_placed"
	EventOrderMatched    = "order_matched"
	EventOrderCancelled  = "order_cancelled"
	EventPartialFill     = "partial_fill"
	EventPositionOpened  = "position_opened"
	EventPositionClosed  = "position_closed"
	EventPositionHedged  = "position_hedged"
	EventPositionCashout = "position_cashed_out"
	EventStopLossSet     = "stop_loss_set"
	EventStopLossHit     = "stop_loss_triggered"
	EventPositionUpdate  = "position_update"
	EventRiskAlert       = "risk_alert"
)

// TradeEvent is one entry in the audit/event log. Data is a flat bag of
// strings so downstream consumers can render it without type ceremony.
type TradeEvent struct {
	ID        uuid.UUID
	Type      string
	Timestamp time.Time

	OrderID  string
	MarketID string
	Provider string

	Data map[string]string
}

// NewTradeEvent stamps a fresh event.
func NewTradeEvent(eventType string, data map[string]string) TradeEvent {
	if data == nil {
		data = make(map[string]string)
	}
	return TradeEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
