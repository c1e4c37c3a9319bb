// Package coordinator is the top-level trading façade: it sequences risk
// check, execution, position update and event emission for every public
// operation, and owns the aggregate statistics and trade-event log.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sportex/tradecore/internal/gateway"
	"github.com/sportex/tradecore/internal/metrics"
	"github.com/sportex/tradecore/internal/risk"
	"github.com/sportex/tradecore/internal/trading/executor"
	"github.com/sportex/tradecore/internal/trading/model"
)

const (
	maxTradeLogSize     = 1000
	stopLossSweepPeriod = 5 * time.Second
	recentTradesDefault = 50
)

// Stats are the coordinator's running trade counters. Every PlaceTrade call
// lands in exactly one of successful/failed/rejected.
type Stats struct {
	TotalTrades      int
	SuccessfulTrades int
	FailedTrades     int
	RejectedTrades   int
}

// SuccessRate is successful/total as a percentage.
func (s Stats) SuccessRate() decimal.Decimal {
	if s.TotalTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.SuccessfulTrades)).
		Div(decimal.NewFromInt(int64(s.TotalTrades))).
		Mul(decimal.NewFromInt(100))
}

// RiskStatus is the coordinator's condensed view of the risk manager for
// operator surfaces.
type RiskStatus struct {
	TotalExposure     decimal.Decimal
	ExposureLimit     decimal.Decimal
	ExposureUsagePct  decimal.Decimal
	DailyLoss         decimal.Decimal
	DailyLossLimit    decimal.Decimal
	DailyLossUsagePct decimal.Decimal
	OpenPositions     int
	PositionLimit     int
	RiskScore         decimal.Decimal
	TradingFrozen     bool
}

type stopLoss struct {
	positionID uuid.UUID
	stopPrice  decimal.Decimal
}

// TradeCoordinator wires the execution and risk sides together.
type TradeCoordinator struct {
	log      *zap.Logger
	gateways *gateway.Registry
	executor *executor.TradeExecutor
	tracker  *risk.PositionTracker
	riskMgr  *risk.RiskManager
	calc     *risk.PositionCalculator

	mu         sync.Mutex
	stats      Stats
	tradeLog   []model.TradeEvent
	stopLosses map[uuid.UUID]stopLoss

	callbackMu     sync.RWMutex
	eventCallbacks []func(model.TradeEvent)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTradeCoordinator assembles the façade and subscribes to tracker updates
// and risk alerts so they reach coordinator-level listeners.
func NewTradeCoordinator(
	gateways *gateway.Registry,
	exec *executor.TradeExecutor,
	tracker *risk.PositionTracker,
	riskMgr *risk.RiskManager,
	calc *risk.PositionCalculator,
	log *zap.Logger,
) *TradeCoordinator {
	c := &TradeCoordinator{
		log:        log,
		gateways:   gateways,
		executor:   exec,
		tracker:    tracker,
		riskMgr:    riskMgr,
		calc:       calc,
		stopLosses: make(map[uuid.UUID]stopLoss),
	}

	tracker.OnUpdate(func(change risk.PositionChange) {
		riskMgr.HandlePositionUpdate(change)
		c.emit(model.NewTradeEvent(model.EventPositionUpdate, map[string]string{
			"position_id": change.Position.ID.String(),
			"change_type": change.ChangeType,
			"new_size":    change.Position.CurrentSize.String(),
		}))
	})
	riskMgr.OnAlert(func(alert risk.RiskAlert) {
		c.emit(model.NewTradeEvent(model.EventRiskAlert, map[string]string{
			"severity": string(alert.Severity),
			"type":     alert.Type,
			"message":  alert.Message,
		}))
	})

	return c
}

// OnEvent registers a coordinator-level event listener.
func (c *TradeCoordinator) OnEvent(fn func(model.TradeEvent)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.eventCallbacks = append(c.eventCallbacks, fn)
}

// PlaceTrade runs the full sequence for a new trade: attempt event, risk
// check, execution, position opening, result event, counters. A risk
// rejection returns before any gateway call is made.
func (c *TradeCoordinator) PlaceTrade(ctx context.Context, marketID, selectionID string, side model.Side, size, price decimal.Decimal, strat model.StrategyName, provider string) (bool, string, *model.ExecutionReport) {
	instr := &model.TradeInstruction{
		MarketID:    marketID,
		SelectionID: selectionID,
		Side:        side,
		Size:        size,
		Price:       price,
		OrderType:   model.OrderTypeLimit,
		Strategy:    strat,
		Persistence: model.PersistenceLapse,
		ClientRef:   "coord_" + time.Now().Format("20060102_150405"),
	}

	ok, msg, report := c.execute(ctx, instr, provider)
	if ok && report.ExecutedSize.IsPositive() {
		position := c.tracker.OpenPosition(
			marketID, selectionID,
			risk.PositionSideFor(string(side)),
			report.AveragePrice(), report.ExecutedSize,
			report.OrderID.String(), report.Provider, string(strat),
		)
		c.logEvent(model.EventPositionOpened, map[string]string{
			"position_id": position.ID.String(),
			"size":        report.ExecutedSize.String(),
			"price":       report.AveragePrice().String(),
		})
	}
	return ok, msg, report
}

// execute is the shared risk-check-then-execute core of every operation.
// Position bookkeeping is the caller's responsibility, since opening and
// closing trades update the tracker differently.
func (c *TradeCoordinator) execute(ctx context.Context, instr *model.TradeInstruction, provider string) (bool, string, *model.ExecutionReport) {
	c.mu.Lock()
	c.stats.TotalTrades++
	c.mu.Unlock()

	c.logEvent(model.EventTradeAttempt, map[string]string{
		"market_id":    instr.MarketID,
		"selection_id": instr.SelectionID,
		"side":         string(instr.Side),
		"size":         instr.Size.String(),
		"price":        instr.Price.String(),
	})

	allowed, reason := c.riskMgr.CheckTrade(instr, c.currentBalance(ctx, provider))
	if !allowed {
		c.mu.Lock()
		c.stats.RejectedTrades++
		c.mu.Unlock()
		metrics.TradesTotal.WithLabelValues("rejected").Inc()
		c.logEvent(model.EventTradeRejected, map[string]string{
			"reason":       reason,
			"market_id":    instr.MarketID,
			"selection_id": instr.SelectionID,
		})
		return false, reason, nil
	}

	report := c.executor.ExecuteOrder(ctx, instr, provider)

	if report.Successful() {
		c.mu.Lock()
		c.stats.SuccessfulTrades++
		c.mu.Unlock()
		metrics.TradesTotal.WithLabelValues("executed").Inc()
		c.logEvent(model.EventTradeExecuted, map[string]string{
			"order_id":       report.OrderID.String(),
			"market_id":      instr.MarketID,
			"selection_id":   instr.SelectionID,
			"side":           string(instr.Side),
			"executed_size":  report.ExecutedSize.String(),
			"executed_price": report.AveragePrice().String(),
			"status":         string(report.Status),
		})
		return true, "trade executed", report
	}

	c.mu.Lock()
	c.stats.FailedTrades++
	c.mu.Unlock()
	metrics.TradesTotal.WithLabelValues("failed").Inc()
	msg := report.ErrorMessage
	if msg == "" {
		msg = "trade execution failed"
	}
	c.logEvent(model.EventTradeFailed, map[string]string{
		"error":  msg,
		"status": string(report.Status),
	})
	return false, msg, report
}

// ClosePosition closes a position (fully, or partially when size is
// non-zero) with an aggressive order at the best closing price.
func (c *TradeCoordinator) ClosePosition(ctx context.Context, positionID uuid.UUID, size decimal.Decimal) (bool, string) {
	position := c.tracker.GetPosition(positionID)
	if position == nil {
		return false, "position not found"
	}

	closePrice, err := c.closingPrice(ctx, position)
	if err != nil {
		return false, err.Error()
	}

	closeSide := model.SideLay
	if position.Side == risk.PositionShort {
		closeSide = model.SideBack
	}
	closeSize := size
	if closeSize.IsZero() {
		closeSize = position.CurrentSize
	}

	instr := &model.TradeInstruction{
		MarketID:    position.MarketID,
		SelectionID: position.SelectionID,
		Side:        closeSide,
		Size:        closeSize,
		Price:       closePrice,
		OrderType:   model.OrderTypeLimit,
		Strategy:    model.StrategyAggressive,
		Persistence: model.PersistenceLapse,
	}

	ok, msg, report := c.execute(ctx, instr, "")
	if !ok || report == nil || !report.ExecutedSize.IsPositive() {
		return false, msg
	}

	closed, err := c.tracker.ClosePosition(positionID, report.AveragePrice(), report.ExecutedSize, report.OrderID.String())
	if err != nil {
		return false, err.Error()
	}
	c.logEvent(model.EventPositionClosed, map[string]string{
		"position_id": positionID.String(),
		"size":        report.ExecutedSize.String(),
		"price":       report.AveragePrice().String(),
		"pnl":         closed.RealizedPnL.String(),
	})
	return true, fmt.Sprintf("position closed, P&L %s", closed.RealizedPnL.Round(2))
}

// HedgePosition flattens a position's exposure with a passive opposing bet,
// sized by the calculator.
func (c *TradeCoordinator) HedgePosition(ctx context.Context, positionID uuid.UUID) (bool, string) {
	position := c.tracker.GetPosition(positionID)
	if position == nil {
		return false, "position not found"
	}

	hedge := c.calc.HedgeRequirement([]*risk.Position{position}, decimal.Zero)
	if hedge == nil {
		return false, "no hedging required"
	}

	// A SHORT hedge lays off a net-long holding and vice versa.
	hedgeSide := model.SideLay
	if hedge.Side == risk.PositionLong {
		hedgeSide = model.SideBack
	}

	instr := &model.TradeInstruction{
		MarketID:    hedge.MarketID,
		SelectionID: hedge.SelectionID,
		Side:        hedgeSide,
		Size:        hedge.Size,
		Price:       hedge.Price,
		OrderType:   model.OrderTypeLimit,
		Strategy:    model.StrategyPassive,
		Persistence: model.PersistenceLapse,
	}

	ok, msg, report := c.execute(ctx, instr, "")
	if !ok {
		return false, msg
	}
	if report.ExecutedSize.IsPositive() {
		c.tracker.OpenPosition(
			hedge.MarketID, hedge.SelectionID,
			risk.PositionSideFor(string(hedgeSide)),
			report.AveragePrice(), report.ExecutedSize,
			report.OrderID.String(), report.Provider, string(model.StrategyPassive),
		)
	}
	c.logEvent(model.EventPositionHedged, map[string]string{
		"position_id": positionID.String(),
		"hedge_size":  hedge.Size.String(),
		"hedge_price": hedge.Price.String(),
	})
	return true, "position hedged"
}

// CashOutPosition closes the position at the best current price. When a
// target P&L is given and the achievable value falls short, it refuses
// without side effects.
func (c *TradeCoordinator) CashOutPosition(ctx context.Context, positionID uuid.UUID, targetPnL *decimal.Decimal) (bool, string, decimal.Decimal) {
	position := c.tracker.GetPosition(positionID)
	if position == nil {
		return false, "position not found", decimal.Zero
	}

	closePrice, err := c.closingPrice(ctx, position)
	if err != nil {
		return false, err.Error(), decimal.Zero
	}

	realized, unrealized := c.calc.PnL(position, closePrice, true)
	cashOutValue := realized.Add(unrealized)

	if targetPnL != nil && cashOutValue.LessThan(*targetPnL) {
		return false, fmt.Sprintf("target P&L unreachable, available %s", cashOutValue.Round(2)), cashOutValue
	}

	ok, msg := c.ClosePosition(ctx, positionID, decimal.Zero)
	if !ok {
		return false, msg, decimal.Zero
	}
	c.logEvent(model.EventPositionCashout, map[string]string{
		"position_id":    positionID.String(),
		"cash_out_value": cashOutValue.String(),
	})
	return true, fmt.Sprintf("cashed out for %s", cashOutValue.Round(2)), cashOutValue
}

// SetStopLoss registers a stop price for a position; the monitor loop closes
// the position aggressively once the market trades through it.
func (c *TradeCoordinator) SetStopLoss(positionID uuid.UUID, stopPrice decimal.Decimal) (bool, string) {
	position := c.tracker.GetPosition(positionID)
	if position == nil {
		return false, "position not found"
	}

	c.mu.Lock()
	c.stopLosses[positionID] = stopLoss{positionID: positionID, stopPrice: stopPrice}
	c.mu.Unlock()

	c.logEvent(model.EventStopLossSet, map[string]string{
		"position_id": positionID.String(),
		"stop_price":  stopPrice.String(),
	})
	return true, "stop loss set at " + stopPrice.String()
}

// Positions returns all open positions.
func (c *TradeCoordinator) Positions() []*risk.Position {
	return c.tracker.GetOpenPositions()
}

// PnLSummary is the tracker's trailing-24h statement.
func (c *TradeCoordinator) PnLSummary() risk.PnLStatement {
	return c.tracker.GetPnLStatement(24 * time.Hour)
}

// RiskStatus condenses the risk manager's metrics for display.
func (c *TradeCoordinator) RiskStatus() RiskStatus {
	metrics := c.riskMgr.Metrics()
	limits := c.riskMgr.Limits()
	return RiskStatus{
		TotalExposure:     metrics.TotalExposure,
		ExposureLimit:     limits.MaxTotalExposure,
		ExposureUsagePct:  metrics.ExposureUsagePct,
		DailyLoss:         metrics.DailyLoss,
		DailyLossLimit:    limits.MaxDailyLoss,
		DailyLossUsagePct: metrics.DailyLossUsagePct,
		OpenPositions:     metrics.OpenPositionCount,
		PositionLimit:     limits.MaxPositionCount,
		RiskScore:         metrics.RiskScore,
		TradingFrozen:     metrics.TradingFrozen,
	}
}

// TradeStats returns the running counters.
func (c *TradeCoordinator) TradeStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// RecentTrades returns the latest executed/failed/rejected trade events,
// newest last. A non-positive limit defaults to 50.
func (c *TradeCoordinator) RecentTrades(limit int) []model.TradeEvent {
	if limit <= 0 {
		limit = recentTradesDefault
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []model.TradeEvent
	for _, ev := range c.tradeLog {
		switch ev.Type {
		case model.EventTradeExecuted, model.EventTradeFailed, model.EventTradeRejected:
			out = append(out, ev)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// EventLog returns a copy of the full bounded event log.
func (c *TradeCoordinator) EventLog() []model.TradeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.TradeEvent, len(c.tradeLog))
	copy(out, c.tradeLog)
	return out
}

// Start launches the stop-loss monitor.
func (c *TradeCoordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(stopLossSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweepStopLosses(ctx)
			}
		}
	}()
}

// Stop terminates the monitor.
func (c *TradeCoordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// sweepStopLosses closes any stopped-out position. A long position stops
// when the price shortens through the stop, a short one when it drifts
// through it.
func (c *TradeCoordinator) sweepStopLosses(ctx context.Context) {
	c.mu.Lock()
	pending := make([]stopLoss, 0, len(c.stopLosses))
	for _, sl := range c.stopLosses {
		pending = append(pending, sl)
	}
	c.mu.Unlock()

	for _, sl := range pending {
		position := c.tracker.GetPosition(sl.positionID)
		if position == nil || position.Status == risk.PositionClosed {
			c.mu.Lock()
			delete(c.stopLosses, sl.positionID)
			c.mu.Unlock()
			continue
		}

		price := position.CurrentPrice
		if price.IsZero() {
			continue
		}

		triggered := false
		if position.Side == risk.PositionLong {
			triggered = price.LessThanOrEqual(sl.stopPrice)
		} else {
			triggered = price.GreaterThanOrEqual(sl.stopPrice)
		}
		if !triggered {
			continue
		}

		c.log.Warn("stop loss triggered",
			zap.String("position_id", sl.positionID.String()),
			zap.String("stop_price", sl.stopPrice.String()),
			zap.String("current_price", price.String()))
		c.logEvent(model.EventStopLossHit, map[string]string{
			"position_id":   sl.positionID.String(),
			"stop_price":    sl.stopPrice.String(),
			"current_price": price.String(),
		})

		if ok, msg := c.ClosePosition(ctx, sl.positionID, decimal.Zero); !ok {
			c.log.Error("stop loss close failed",
				zap.String("position_id", sl.positionID.String()),
				zap.String("reason", msg))
			continue
		}
		c.mu.Lock()
		delete(c.stopLosses, sl.positionID)
		c.mu.Unlock()
	}
}

// closingPrice finds the best price that closes the position: the best lay
// for a long position, the best back for a short one.
func (c *TradeCoordinator) closingPrice(ctx context.Context, position *risk.Position) (decimal.Decimal, error) {
	gw, err := c.gateways.Resolve(position.Provider)
	if err != nil {
		return decimal.Zero, fmt.Errorf("could not resolve provider: %w", err)
	}
	book, err := gw.GetMarketBook(ctx, position.MarketID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("could not fetch market prices: %w", err)
	}
	runner := book.Runner(position.SelectionID)
	if runner == nil {
		return decimal.Zero, fmt.Errorf("selection %s not in market book", position.SelectionID)
	}
	if position.Side == risk.PositionLong {
		if best, ok := runner.BestLay(); ok {
			return best.Price, nil
		}
	} else {
		if best, ok := runner.BestBack(); ok {
			return best.Price, nil
		}
	}
	return decimal.Zero, fmt.Errorf("no available price to close position")
}

// logEvent appends to the bounded trade log and fans the event out.
func (c *TradeCoordinator) logEvent(eventType string, data map[string]string) {
	event := model.NewTradeEvent(eventType, data)

	c.mu.Lock()
	c.tradeLog = append(c.tradeLog, event)
	if len(c.tradeLog) > maxTradeLogSize {
		c.tradeLog = c.tradeLog[len(c.tradeLog)-maxTradeLogSize:]
	}
	c.mu.Unlock()

	c.emit(event)
}

// emit fans an event out to listeners. Panics are contained and logged so a
// broken UI listener can never break trading.
func (c *TradeCoordinator) emit(event model.TradeEvent) {
	c.callbackMu.RLock()
	callbacks := make([]func(model.TradeEvent), len(c.eventCallbacks))
	copy(callbacks, c.eventCallbacks)
	c.callbackMu.RUnlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("event callback panicked",
						zap.String("event_type", event.Type),
						zap.Any("panic", r))
				}
			}()
			fn(event)
		}()
	}
}

// currentBalance asks the provider for the account balance, falling back to
// zero so risk checks stay conservative when the gateway is unreachable.
func (c *TradeCoordinator) currentBalance(ctx context.Context, provider string) decimal.Decimal {
	gw, err := c.gateways.Resolve(provider)
	if err != nil {
		c.log.Error("balance: resolve provider", zap.Error(err))
		return decimal.Zero
	}
	balance, err := gw.GetAccountBalance(ctx)
	if err != nil {
		c.log.Error("balance unavailable", zap.Error(err))
		return decimal.Zero
	}
	return balance
}
