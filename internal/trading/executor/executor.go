// Package executor runs the order execution pipeline: every instruction is
// validated, risk-checked, deduplicated and rate-limited before a strategy
// touches the market, and every resulting order lives in the executor's
// ledger from before dispatch until a terminal status.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sportex/tradecore/internal/gateway"
	"github.com/sportex/tradecore/internal/metrics"
	"github.com/sportex/tradecore/internal/trading/model"
	"github.com/sportex/tradecore/internal/trading/strategy"
)

const (
	duplicateWindow = 5 * time.Second
	monitorInterval = 1 * time.Second
	rateLimitWindow = 1 * time.Minute
)

// Limits bound the executor's own order flow, separate from the risk
// manager's exposure limits.
type Limits struct {
	MaxOrderSize       decimal.Decimal `mapstructure:"max_order_size"`
	MaxOrdersPerMinute int             `mapstructure:"max_orders_per_minute"`
	MaxOrdersPerMarket int             `mapstructure:"max_orders_per_market"`
	MinPrice           decimal.Decimal `mapstructure:"min_price"`
	MaxPrice           decimal.Decimal `mapstructure:"max_price"`
}

// DefaultLimits mirrors the exchange's practical bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxOrderSize:       decimal.NewFromInt(100),
		MaxOrdersPerMinute: 10,
		MaxOrdersPerMarket: 50,
		MinPrice:           decimal.NewFromFloat(1.01),
		MaxPrice:           decimal.NewFromInt(1000),
	}
}

// ValidateOrder checks an instruction against the flow limits.
func (l Limits) ValidateOrder(instr *model.TradeInstruction) (bool, string) {
	if instr.Size.GreaterThan(l.MaxOrderSize) {
		return false, "order size " + instr.Size.String() + " exceeds max " + l.MaxOrderSize.String()
	}
	if !instr.Price.IsZero() {
		if instr.Price.LessThan(l.MinPrice) || instr.Price.GreaterThan(l.MaxPrice) {
			return false, "price " + instr.Price.String() + " outside limits"
		}
	}
	return true, ""
}

// RiskChecker is the pre-trade gate. Satisfied by the risk manager; nil
// disables the check (tests, paper setups).
type RiskChecker interface {
	CheckTrade(instr *model.TradeInstruction, currentBalance decimal.Decimal) (bool, string)
}

type instructionSig struct {
	marketID    string
	selectionID string
	side        model.Side
	size        string
	price       string
}

type timedSig struct {
	sig instructionSig
	at  time.Time
}

// Stats are the executor's running counters.
type Stats struct {
	TotalOrders      int
	SuccessfulOrders int
	FailedOrders     int
}

// TradeExecutor owns the order ledger and the execution pipeline. It is safe
// for concurrent use.
type TradeExecutor struct {
	log      *zap.Logger
	gateways *gateway.Registry
	factory  *strategy.Factory
	risk     RiskChecker
	limits   Limits

	mu          sync.Mutex
	orders      map[uuid.UUID]*model.Order
	matchedBets map[string]*model.Bet

	recentInstructions []timedSig
	orderTimestamps    map[string][]time.Time
	marketOrderCounts  map[string]int

	stats Stats

	callbackMu     sync.RWMutex
	eventCallbacks []func(model.TradeEvent)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTradeExecutor builds an executor. risk may be nil to skip pre-trade risk
// checks.
func NewTradeExecutor(gateways *gateway.Registry, factory *strategy.Factory, risk RiskChecker, limits Limits, log *zap.Logger) *TradeExecutor {
	return &TradeExecutor{
		log:               log,
		gateways:          gateways,
		factory:           factory,
		risk:              risk,
		limits:            limits,
		orders:            make(map[uuid.UUID]*model.Order),
		matchedBets:       make(map[string]*model.Bet),
		orderTimestamps:   make(map[string][]time.Time),
		marketOrderCounts: make(map[string]int),
	}
}

// Gateways exposes the provider registry to strategies.
func (e *TradeExecutor) Gateways() *gateway.Registry {
	return e.gateways
}

// OnEvent registers a callback for trade events.
func (e *TradeExecutor) OnEvent(fn func(model.TradeEvent)) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.eventCallbacks = append(e.eventCallbacks, fn)
}

// Stats returns a copy of the running counters.
func (e *TradeExecutor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ExecuteOrder runs the full pipeline for one instruction. Rejections at any
// stage come back as FAILED reports with the reason, never as errors. The
// order ledger entry exists before the strategy dispatches, so an in-flight
// order is already visible to CancelOrder.
func (e *TradeExecutor) ExecuteOrder(ctx context.Context, instr *model.TradeInstruction, provider string) *model.ExecutionReport {
	if err := instr.Validate(); err != nil {
		return e.fail(instr, provider, err.Error())
	}

	if ok, reason := e.limits.ValidateOrder(instr); !ok {
		return e.fail(instr, provider, reason)
	}

	if e.risk != nil {
		balance := e.fetchBalance(ctx, provider)
		if allowed, reason := e.risk.CheckTrade(instr, balance); !allowed {
			return e.fail(instr, provider, reason)
		}
	}

	if e.isDuplicate(instr) {
		return e.fail(instr, provider, "duplicate order detected")
	}

	if !e.allowRate(instr.MarketID) {
		return e.fail(instr, provider, "rate limit exceeded")
	}

	if e.marketSuspended(ctx, instr.MarketID, provider) {
		return e.fail(instr, provider, "market is suspended")
	}

	if provider == "" {
		provider = e.gateways.Primary()
	}
	order := &model.Order{
		ID:             uuid.New(),
		Instruction:    *instr,
		Provider:       provider,
		Status:         model.OrderStatusPending,
		RequestedSize:  instr.Size,
		RemainingSize:  instr.Size,
		RequestedPrice: instr.Price,
		CreatedAt:      time.Now(),
	}
	e.mu.Lock()
	e.orders[order.ID] = order
	e.mu.Unlock()

	e.emit(model.TradeEvent{
		ID:        uuid.New(),
		Type:      model.EventOrderPlaced,
		Timestamp: time.Now(),
		OrderID:   order.ID.String(),
		MarketID:  instr.MarketID,
		Provider:  provider,
		Data: map[string]string{
			"side":     string(instr.Side),
			"size":     instr.Size.String(),
			"price":    instr.Price.String(),
			"strategy": string(instr.Strategy),
		},
	})
	metrics.OrdersPlaced.WithLabelValues(string(instr.Strategy), string(instr.Side)).Inc()

	strat, err := e.factory.Get(instr.Strategy)
	if err != nil {
		e.failOrder(order, err.Error())
		return e.fail(instr, provider, err.Error())
	}

	report := strat.Execute(ctx, instr, e, provider)
	report.OrderID = order.ID

	e.mu.Lock()
	order.Status = report.Status
	if report.BetID != "" {
		order.ProviderOrderID = report.BetID
	}
	if report.ExecutedSize.IsPositive() {
		order.MatchedSize = report.ExecutedSize
		order.RemainingSize = order.RequestedSize.Sub(report.ExecutedSize)
		order.AverageMatchedPrice = report.ExecutedPrice
	}
	order.UpdatedAt = time.Now()
	metrics.OrderLatency.Observe(time.Since(order.CreatedAt).Seconds())
	e.stats.TotalOrders++
	if report.Successful() {
		e.stats.SuccessfulOrders++
	} else {
		e.stats.FailedOrders++
	}
	e.mu.Unlock()

	switch report.Status {
	case model.OrderStatusMatched:
		e.emit(model.TradeEvent{
			ID:        uuid.New(),
			Type:      model.EventOrderMatched,
			Timestamp: time.Now(),
			OrderID:   order.ID.String(),
			MarketID:  instr.MarketID,
			Provider:  provider,
			Data: map[string]string{
				"size":  report.ExecutedSize.String(),
				"price": report.ExecutedPrice.String(),
			},
		})
	case model.OrderStatusPartiallyMatched:
		e.emit(model.TradeEvent{
			ID:        uuid.New(),
			Type:      model.EventPartialFill,
			Timestamp: time.Now(),
			OrderID:   order.ID.String(),
			MarketID:  instr.MarketID,
			Provider:  provider,
			Data: map[string]string{
				"filled":    report.ExecutedSize.String(),
				"remaining": report.RemainingSize.String(),
			},
		})
	}

	return report
}

// PlaceWithProvider routes a single bet to the named gateway. Strategies call
// this for every child order; matched size is recorded in the bet ledger.
func (e *TradeExecutor) PlaceWithProvider(ctx context.Context, instr *model.TradeInstruction, provider string) (*gateway.PlaceResult, error) {
	gw, err := e.gateways.Resolve(provider)
	if err != nil {
		return nil, err
	}

	var result *gateway.PlaceResult
	if instr.Side == model.SideBack {
		result, err = gw.PlaceBackBet(ctx, instr.MarketID, instr.SelectionID, instr.Price, instr.Size)
	} else {
		result, err = gw.PlaceLayBet(ctx, instr.MarketID, instr.SelectionID, instr.Price, instr.Size)
	}
	if err != nil {
		return nil, err
	}

	if result.Success && result.SizeMatched.IsPositive() {
		price := result.AveragePriceMatched
		if price.IsZero() {
			price = instr.Price
		}
		bet := &model.Bet{
			BetID:       result.BetID,
			MarketID:    instr.MarketID,
			SelectionID: instr.SelectionID,
			Provider:    gw.Name(),
			Side:        instr.Side,
			Price:       price,
			Size:        result.SizeMatched,
			MatchedAt:   time.Now(),
		}
		e.mu.Lock()
		e.matchedBets[bet.BetID] = bet
		e.mu.Unlock()
	}
	return result, nil
}

// CancelOrder cancels the unmatched remainder of an order. Terminal orders
// are a no-op; the order flips to CANCELLED only when the gateway confirms.
func (e *TradeExecutor) CancelOrder(ctx context.Context, orderID uuid.UUID) bool {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok || order.Complete() {
		e.mu.Unlock()
		return false
	}
	provider := order.Provider
	providerOrderID := order.ProviderOrderID
	e.mu.Unlock()

	gw, err := e.gateways.Resolve(provider)
	if err != nil {
		e.log.Error("cancel: resolve provider", zap.String("provider", provider), zap.Error(err))
		return false
	}

	ok, err = gw.CancelBet(ctx, providerOrderID, decimal.Zero)
	if err != nil {
		e.log.Error("cancel failed", zap.String("order_id", orderID.String()), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	e.mu.Lock()
	order.ApplyCancel(model.OrderStatusCancelled)
	e.mu.Unlock()
	metrics.OrdersCancelled.Inc()

	e.emit(model.TradeEvent{
		ID:        uuid.New(),
		Type:      model.EventOrderCancelled,
		Timestamp: time.Now(),
		OrderID:   orderID.String(),
		Provider:  provider,
		Data:      map[string]string{},
	})
	return true
}

// UpdateOrder moves an open order to a new price via the gateway's
// replace-semantics. Size changes are not supported by the exchange.
func (e *TradeExecutor) UpdateOrder(ctx context.Context, orderID uuid.UUID, newPrice decimal.Decimal) bool {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok || order.Complete() {
		e.mu.Unlock()
		return false
	}
	provider := order.Provider
	providerOrderID := order.ProviderOrderID
	e.mu.Unlock()

	gw, err := e.gateways.Resolve(provider)
	if err != nil {
		return false
	}
	result, err := gw.ReplaceBet(ctx, providerOrderID, newPrice)
	if err != nil || !result.Success {
		if err != nil {
			e.log.Error("order update failed", zap.String("order_id", orderID.String()), zap.Error(err))
		}
		return false
	}

	e.mu.Lock()
	order.RequestedPrice = newPrice
	if result.BetID != "" {
		order.ProviderOrderID = result.BetID
	}
	order.UpdatedAt = time.Now()
	e.mu.Unlock()
	return true
}

// GetOrder returns the ledger entry for an order id, or nil.
func (e *TradeExecutor) GetOrder(orderID uuid.UUID) *model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orders[orderID]
}

// OpenOrders lists non-terminal orders, optionally filtered by market.
func (e *TradeExecutor) OpenOrders(marketID string) []*model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*model.Order
	for _, o := range e.orders {
		if o.Complete() {
			continue
		}
		if marketID != "" && o.Instruction.MarketID != marketID {
			continue
		}
		out = append(out, o)
	}
	return out
}

// MatchedBets lists recorded matched bets, optionally filtered by market.
func (e *TradeExecutor) MatchedBets(marketID string) []*model.Bet {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*model.Bet
	for _, b := range e.matchedBets {
		if marketID != "" && b.MarketID != marketID {
			continue
		}
		out = append(out, b)
	}
	return out
}

// MarketExposure sums the liability of matched bets plus the potential
// liability of open orders in a market. This is the executor's own view,
// independent of the position tracker's; drift between the two is a signal.
func (e *TradeExecutor) MarketExposure(marketID string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	exposure := decimal.Zero
	for _, b := range e.matchedBets {
		if b.MarketID == marketID {
			exposure = exposure.Add(b.Liability())
		}
	}
	for _, o := range e.orders {
		if o.Complete() || o.Instruction.MarketID != marketID {
			continue
		}
		if o.Instruction.Side == model.SideLay {
			exposure = exposure.Add(o.RemainingSize.Mul(o.RequestedPrice.Sub(decimal.NewFromInt(1))))
		} else {
			exposure = exposure.Add(o.RemainingSize)
		}
	}
	return exposure
}

// Start launches the 1s timeout monitor, cancelling orders whose
// time-in-force has elapsed.
func (e *TradeExecutor) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweepTimeouts(ctx)
			}
		}
	}()
}

// Stop terminates the monitor.
func (e *TradeExecutor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *TradeExecutor) sweepTimeouts(ctx context.Context) {
	e.mu.Lock()
	var expired []uuid.UUID
	now := time.Now()
	for id, o := range e.orders {
		if o.Complete() || o.Instruction.TimeInForce == 0 {
			continue
		}
		if now.Sub(o.CreatedAt) > o.Instruction.TimeInForce {
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()

	for _, id := range expired {
		if e.CancelOrder(ctx, id) {
			e.log.Info("order cancelled on time-in-force expiry", zap.String("order_id", id.String()))
		}
	}
}

func (e *TradeExecutor) fetchBalance(ctx context.Context, provider string) decimal.Decimal {
	gw, err := e.gateways.Resolve(provider)
	if err != nil {
		e.log.Error("risk check: resolve provider", zap.Error(err))
		return decimal.Zero
	}
	balance, err := gw.GetAccountBalance(ctx)
	if err != nil {
		// Unknown balance is treated as zero so the risk check stays
		// conservative.
		e.log.Error("risk check: account balance unavailable", zap.Error(err))
		return decimal.Zero
	}
	return balance
}

func (e *TradeExecutor) isDuplicate(instr *model.TradeInstruction) bool {
	sig := instructionSig{
		marketID:    instr.MarketID,
		selectionID: instr.SelectionID,
		side:        instr.Side,
		size:        instr.Size.String(),
		price:       instr.Price.String(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-duplicateWindow)
	kept := e.recentInstructions[:0]
	for _, ts := range e.recentInstructions {
		if ts.at.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.recentInstructions = kept

	for _, ts := range e.recentInstructions {
		if ts.sig == sig {
			return true
		}
	}
	e.recentInstructions = append(e.recentInstructions, timedSig{sig: sig, at: now})
	return false
}

func (e *TradeExecutor) allowRate(marketID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)
	kept := e.orderTimestamps[marketID][:0]
	for _, ts := range e.orderTimestamps[marketID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.orderTimestamps[marketID] = kept

	if len(kept) >= e.limits.MaxOrdersPerMinute {
		return false
	}
	if e.marketOrderCounts[marketID] >= e.limits.MaxOrdersPerMarket {
		return false
	}

	e.orderTimestamps[marketID] = append(kept, now)
	e.marketOrderCounts[marketID]++
	return true
}

func (e *TradeExecutor) marketSuspended(ctx context.Context, marketID, provider string) bool {
	gw, err := e.gateways.Resolve(provider)
	if err != nil {
		return false
	}
	book, err := gw.GetMarketBook(ctx, marketID)
	if err != nil || book == nil {
		return false
	}
	return book.Suspended()
}

func (e *TradeExecutor) failOrder(order *model.Order, reason string) {
	e.mu.Lock()
	order.Status = model.OrderStatusFailed
	order.ErrorMessage = reason
	order.UpdatedAt = time.Now()
	e.stats.TotalOrders++
	e.stats.FailedOrders++
	e.mu.Unlock()
}

func (e *TradeExecutor) fail(instr *model.TradeInstruction, provider, reason string) *model.ExecutionReport {
	e.log.Warn("order rejected",
		zap.String("market_id", instr.MarketID),
		zap.String("selection_id", instr.SelectionID),
		zap.String("reason", reason))
	return model.NewErrorReport(*instr, provider, reason)
}

// emit fans an event out to the callbacks. Panics are contained and logged;
// a broken listener must never break execution.
func (e *TradeExecutor) emit(event model.TradeEvent) {
	e.callbackMu.RLock()
	callbacks := make([]func(model.TradeEvent), len(e.eventCallbacks))
	copy(callbacks, e.eventCallbacks)
	e.callbackMu.RUnlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("event callback panicked",
						zap.String("event_type", event.Type),
						zap.Any("panic", r))
				}
			}()
			fn(event)
		}()
	}
}

var _ strategy.Executor = (*TradeExecutor)(nil)
