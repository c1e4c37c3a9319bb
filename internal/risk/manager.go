package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sportex/tradecore/internal/metrics"
	"github.com/sportex/tradecore/internal/trading/model"
)

const (
	monitorInterval = 10 * time.Second
	maxAlertHistory = 100
	breachFreezePct = 20
	breachReducePct = 10
)

// killSwitchLossFactor: daily loss past 120% of its limit trips the kill
// switch outright.
var killSwitchLossFactor = decimal.NewFromFloat(1.2)

// PositionView is the slice of the tracker the risk manager reads. Narrow so
// tests can substitute a fixture.
type PositionView interface {
	GetOpenPositions() []*Position
	GetMarketPositions(marketID string) []*Position
	GetMarketExposure(marketID string) *MarketExposure
	GetTotalExposure() decimal.Decimal
	MarketExposures() []MarketExposure
}

// RiskManager enforces trading limits. Trading can be frozen only through the
// kill switch, and the frozen state is sticky until an operator resets it.
type RiskManager struct {
	log    *zap.Logger
	view   PositionView
	calc   *PositionCalculator
	greeks *GreekCalculator

	limits            RiskLimits
	killSwitchEnabled bool
	autoHedge         bool

	mu             sync.Mutex
	frozen         bool
	freezeReason   string
	dailyPnL       decimal.Decimal
	dailyLoss      decimal.Decimal
	activeBreaches map[string]struct{}
	alertHistory   []RiskAlert
	lastReset      time.Time

	callbackMu     sync.RWMutex
	alertCallbacks []func(RiskAlert)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRiskManager wires the manager to a position view. Limits must already be
// validated.
func NewRiskManager(limits RiskLimits, view PositionView, calc *PositionCalculator, log *zap.Logger) *RiskManager {
	return &RiskManager{
		log:               log,
		view:              view,
		calc:              calc,
		greeks:            NewGreekCalculator(),
		limits:            limits,
		killSwitchEnabled: true,
		autoHedge:         true,
		activeBreaches:    make(map[string]struct{}),
		lastReset:         time.Now(),
	}
}

// SetAutoHedge toggles hedge-recommendation alerts on position updates.
func (m *RiskManager) SetAutoHedge(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoHedge = enabled
}

// OnAlert registers a callback invoked for every risk alert.
func (m *RiskManager) OnAlert(fn func(RiskAlert)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.alertCallbacks = append(m.alertCallbacks, fn)
}

// Limits returns the configured limits.
func (m *RiskManager) Limits() RiskLimits {
	return m.limits
}

// CheckTrade decides whether the instruction may proceed. Checks run in a
// fixed order and the first failure wins; the returned reason is a value for
// the caller's report, not an error.
//
// The concentration check divides by the pre-trade total exposure: the
// conservative reading, since the post-trade total is larger and would let
// more concentrated trades through.
func (m *RiskManager) CheckTrade(instr *model.TradeInstruction, currentBalance decimal.Decimal) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return false, fmt.Sprintf("trading frozen: %s", m.freezeReason)
	}

	if instr.Size.GreaterThan(m.limits.MaxSingleBetSize) {
		return false, fmt.Sprintf("bet size %s exceeds limit %s", instr.Size, m.limits.MaxSingleBetSize)
	}

	if m.dailyLoss.GreaterThanOrEqual(m.limits.MaxDailyLoss) {
		return false, fmt.Sprintf("daily loss limit reached: %s", m.dailyLoss)
	}

	required := instr.RequiredBalance()
	if currentBalance.Sub(required).LessThan(m.limits.MinAvailableFunds) {
		return false, fmt.Sprintf("insufficient balance: %s - %s < %s", currentBalance, required, m.limits.MinAvailableFunds)
	}

	var marketMaxLoss decimal.Decimal
	if exp := m.view.GetMarketExposure(instr.MarketID); exp != nil {
		marketMaxLoss = exp.MaxLoss
		wouldBe := marketMaxLoss.Add(required)
		if wouldBe.GreaterThan(m.limits.MaxMarketExposure) {
			return false, fmt.Sprintf("market exposure would exceed limit: %s > %s", wouldBe, m.limits.MaxMarketExposure)
		}
	}

	totalExposure := m.view.GetTotalExposure()
	if totalExposure.Add(required).GreaterThan(m.limits.MaxTotalExposure) {
		return false, fmt.Sprintf("total exposure would exceed limit: %s > %s", totalExposure.Add(required), m.limits.MaxTotalExposure)
	}

	open := m.view.GetOpenPositions()
	if len(open) >= m.limits.MaxPositionCount {
		existing := false
		for _, p := range open {
			if p.MarketID == instr.MarketID && p.SelectionID == instr.SelectionID {
				existing = true
				break
			}
		}
		if !existing {
			return false, fmt.Sprintf("maximum open positions reached: %d", m.limits.MaxPositionCount)
		}
	}

	if totalExposure.IsPositive() {
		concentration := marketMaxLoss.Add(required).Div(totalExposure).Mul(hundred)
		if concentration.GreaterThan(m.limits.MaxConcentrationPc) {
			return false, fmt.Sprintf("market concentration too high: %s%% > %s%%", concentration.Round(1), m.limits.MaxConcentrationPc)
		}
	}

	return true, ""
}

// HandlePositionUpdate reacts to a tracker change: refreshes the daily loss
// from the position's realized P&L, re-runs the limit checks, and raises a
// hedge-recommendation alert when auto-hedge is on and the affected market's
// imbalance is high or critical. It never trades on its own.
func (m *RiskManager) HandlePositionUpdate(change PositionChange) {
	p := change.Position
	m.mu.Lock()
	m.dailyPnL = m.dailyPnL.Add(change.RealizedPnL)
	if m.dailyPnL.IsNegative() {
		m.dailyLoss = m.dailyPnL.Neg()
	} else {
		m.dailyLoss = decimal.Zero
	}
	lossFloat, _ := m.dailyLoss.Float64()
	autoHedge := m.autoHedge
	m.mu.Unlock()
	metrics.DailyLoss.Set(lossFloat)

	m.checkLimits()

	if autoHedge {
		m.checkHedging(p)
	}
}

// TriggerKillSwitch freezes all trading. The freeze is sticky; only
// ResetKillSwitch lifts it.
func (m *RiskManager) TriggerKillSwitch(reason string) {
	m.mu.Lock()
	if !m.killSwitchEnabled {
		m.mu.Unlock()
		m.log.Warn("kill switch triggered but disabled", zap.String("reason", reason))
		return
	}
	m.frozen = true
	m.freezeReason = reason
	m.mu.Unlock()
	metrics.KillSwitch.Set(1)

	m.log.Error("kill switch activated", zap.String("reason", reason))

	m.sendAlert(RiskAlert{
		ID:                   uuid.New(),
		Type:                 AlertKillSwitch,
		Severity:             SeverityCritical,
		Message:              "kill switch activated: " + reason,
		Timestamp:            time.Now(),
		RequiresConfirmation: true,
	})
}

// ResetKillSwitch lifts the freeze. This is the explicit operator action the
// sticky freeze waits for.
func (m *RiskManager) ResetKillSwitch() {
	m.mu.Lock()
	m.frozen = false
	m.freezeReason = ""
	m.mu.Unlock()
	metrics.KillSwitch.Set(0)
	m.log.Info("kill switch reset by operator")
}

// Frozen reports whether trading is currently frozen.
func (m *RiskManager) Frozen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

// DailyLoss returns today's tracked loss (positive number).
func (m *RiskManager) DailyLoss() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyLoss
}

// ResetDailyLimits zeroes the daily loss counter at the start of a trading
// day.
func (m *RiskManager) ResetDailyLimits() {
	m.mu.Lock()
	m.dailyPnL = decimal.Zero
	m.dailyLoss = decimal.Zero
	m.lastReset = time.Now()
	m.mu.Unlock()
	metrics.DailyLoss.Set(0)
	m.log.Info("daily risk limits reset")
}

// AlertHistory returns the retained alerts, most recent last.
func (m *RiskManager) AlertHistory() []RiskAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RiskAlert, len(m.alertHistory))
	copy(out, m.alertHistory)
	return out
}

// Metrics snapshots limit usage and portfolio sensitivity. The risk score is
// the worst limit-usage percentage, capped at 100.
func (m *RiskManager) Metrics() RiskMetrics {
	positions := m.view.GetOpenPositions()
	totalExposure := m.view.GetTotalExposure()

	m.mu.Lock()
	dailyLoss := m.dailyLoss
	frozen := m.frozen
	breachCount := len(m.activeBreaches)
	m.mu.Unlock()

	snap := RiskMetrics{
		TotalExposure:     totalExposure,
		DailyLoss:         dailyLoss,
		OpenPositionCount: len(positions),
		KillSwitchActive:  frozen,
		TradingFrozen:     frozen,
		ActiveBreachCount: breachCount,
		Timestamp:         time.Now(),
	}

	if m.limits.MaxTotalExposure.IsPositive() {
		snap.ExposureUsagePct = totalExposure.Div(m.limits.MaxTotalExposure).Mul(hundred)
	}
	if m.limits.MaxDailyLoss.IsPositive() {
		snap.DailyLossUsagePct = dailyLoss.Div(m.limits.MaxDailyLoss).Mul(hundred)
	}
	if m.limits.MaxPositionCount > 0 {
		snap.PositionUsagePct = decimal.NewFromInt(int64(len(positions))).
			Div(decimal.NewFromInt(int64(m.limits.MaxPositionCount))).Mul(hundred)
	}

	if totalExposure.IsPositive() && len(positions) > 0 {
		byMarket := make(map[string]decimal.Decimal)
		for _, p := range positions {
			byMarket[p.MarketID] = byMarket[p.MarketID].Add(p.Exposure())
		}
		var largest decimal.Decimal
		for marketID, exp := range byMarket {
			if exp.GreaterThan(largest) {
				largest = exp
				snap.LargestMarketID = marketID
			}
		}
		snap.ConcentrationPct = largest.Div(totalExposure).Mul(hundred)
	}

	greeks := m.greeks.Portfolio(positions, nil, nil)
	snap.PortfolioDelta = greeks.Delta
	snap.PortfolioTheta = greeks.Theta

	score := snap.ExposureUsagePct
	for _, candidate := range []decimal.Decimal{snap.DailyLossUsagePct, snap.PositionUsagePct, snap.ConcentrationPct} {
		if candidate.GreaterThan(score) {
			score = candidate
		}
	}
	if score.GreaterThan(hundred) {
		score = hundred
	}
	snap.RiskScore = score
	return snap
}

// ExposureReport assembles the operator-facing exposure breakdown.
func (m *RiskManager) ExposureReport(accountBalance decimal.Decimal) ExposureReport {
	markets := m.view.MarketExposures()
	totalExposure := m.view.GetTotalExposure()
	snap := m.Metrics()

	var totalLiability, netExposure, openPnL decimal.Decimal
	for _, exp := range markets {
		totalLiability = totalLiability.Add(exp.NetLayLiability)
		netExposure = netExposure.Add(exp.NetBackExposure.Sub(exp.NetLayLiability))
	}
	for _, p := range m.view.GetOpenPositions() {
		openPnL = openPnL.Add(p.UnrealizedPnL)
	}

	m.mu.Lock()
	dailyLoss := m.dailyLoss
	m.mu.Unlock()

	report := ExposureReport{
		AccountBalance:   accountBalance,
		AvailableBalance: accountBalance.Sub(totalExposure),
		TotalExposure:    totalExposure,
		TotalLiability:   totalLiability,
		NetExposure:      netExposure,
		OpenPnL:          openPnL,
		Markets:          markets,
		Metrics:          snap,
		GeneratedAt:      time.Now(),
	}
	if remaining := m.limits.MaxTotalExposure.Sub(totalExposure); remaining.IsPositive() {
		report.ExposureLimitRemaining = remaining
	}
	if remaining := m.limits.MaxDailyLoss.Sub(dailyLoss); remaining.IsPositive() {
		report.DailyLossLimitRemaining = remaining
	}

	if report.AvailableBalance.LessThan(m.limits.MinAvailableFunds.Mul(decimal.NewFromInt(2))) {
		report.Warnings = append(report.Warnings, "low available balance")
	}
	if len(markets) > 10 {
		report.Warnings = append(report.Warnings, "high number of active markets")
	}
	if snap.RiskScore.GreaterThan(decimal.NewFromInt(75)) {
		report.Warnings = append(report.Warnings, "high risk score: "+snap.RiskScore.Round(1).String())
	}
	return report
}

// Start launches the monitoring loop: limits re-checked every 10 seconds and
// daily counters reset when the wall-clock date rolls over.
func (m *RiskManager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkLimits()
				m.mu.Lock()
				rolledOver := time.Now().YearDay() != m.lastReset.YearDay() || time.Now().Year() != m.lastReset.Year()
				m.mu.Unlock()
				if rolledOver {
					m.ResetDailyLimits()
				}
			}
		}
	}()
}

// Stop terminates the monitoring loop.
func (m *RiskManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// checkLimits re-evaluates every limit against current state, escalating
// breaches by severity.
func (m *RiskManager) checkLimits() {
	breaches := make(map[string]struct{})

	totalExposure := m.view.GetTotalExposure()
	if totalExposure.GreaterThan(m.limits.MaxTotalExposure) {
		breaches["total_exposure"] = struct{}{}
		m.handleBreach("total_exposure", totalExposure, m.limits.MaxTotalExposure)
	}

	m.mu.Lock()
	dailyLoss := m.dailyLoss
	m.mu.Unlock()
	if dailyLoss.GreaterThan(m.limits.MaxDailyLoss) {
		breaches["daily_loss"] = struct{}{}
		m.handleBreach("daily_loss", dailyLoss, m.limits.MaxDailyLoss)
		if dailyLoss.GreaterThan(m.limits.MaxDailyLoss.Mul(killSwitchLossFactor)) {
			m.TriggerKillSwitch("daily loss exceeded 120% of limit: " + dailyLoss.String())
		}
	}

	openCount := len(m.view.GetOpenPositions())
	if openCount > m.limits.MaxPositionCount {
		breaches["open_positions"] = struct{}{}
		m.handleBreach("open_positions",
			decimal.NewFromInt(int64(openCount)),
			decimal.NewFromInt(int64(m.limits.MaxPositionCount)))
	}

	m.mu.Lock()
	m.activeBreaches = breaches
	m.mu.Unlock()
}

// handleBreach escalates by how far past the limit the value is: over 20%
// freezes trading, 10-20% recommends reduction, under 10% alerts only.
func (m *RiskManager) handleBreach(limitName string, current, limit decimal.Decimal) {
	breachPct := current.Div(limit).Sub(one).Mul(hundred)

	severity := SeverityWarning
	action := "alert only"
	switch {
	case breachPct.GreaterThan(decimal.NewFromInt(breachFreezePct)):
		severity = SeverityCritical
		action = "freeze trading"
	case breachPct.GreaterThan(decimal.NewFromInt(breachReducePct)):
		action = "reduce positions"
	}

	m.sendAlert(RiskAlert{
		ID:                   uuid.New(),
		Type:                 AlertLimitBreach,
		Severity:             severity,
		Message:              fmt.Sprintf("%s breached: %s > %s (%s)", limitName, current, limit, action),
		Value:                current,
		Limit:                limit,
		Timestamp:            time.Now(),
		RequiresConfirmation: severity == SeverityCritical,
	})

	if severity == SeverityCritical {
		m.TriggerKillSwitch(limitName + " breach")
	}
}

// checkHedging raises a hedge-recommendation alert for the position's market
// when the calculator finds a high or critical imbalance. Recommendations are
// surfaced, never executed automatically.
func (m *RiskManager) checkHedging(p *Position) {
	hedge := m.calc.HedgeRequirement(m.view.GetMarketPositions(p.MarketID), decimal.Zero)
	if hedge == nil {
		return
	}
	if hedge.Urgency != HedgeUrgencyHigh && hedge.Urgency != HedgeUrgencyCritical {
		return
	}
	severity := SeverityWarning
	if hedge.Urgency == HedgeUrgencyCritical {
		severity = SeverityCritical
	}
	m.sendAlert(RiskAlert{
		ID:                   uuid.New(),
		Type:                 AlertAutoHedge,
		Severity:             severity,
		Message:              fmt.Sprintf("hedging recommended: %s %s of %s at %s", hedge.Side, hedge.SelectionID, hedge.Size, hedge.Price),
		MarketID:             hedge.MarketID,
		Timestamp:            time.Now(),
		RequiresConfirmation: true,
	})
}

// sendAlert appends to the bounded history and fans the alert out. Callback
// panics are contained and logged; a broken listener must never break risk
// handling.
func (m *RiskManager) sendAlert(alert RiskAlert) {
	metrics.RiskAlerts.WithLabelValues(string(alert.Severity)).Inc()
	m.mu.Lock()
	m.alertHistory = append(m.alertHistory, alert)
	if len(m.alertHistory) > maxAlertHistory {
		m.alertHistory = m.alertHistory[len(m.alertHistory)-maxAlertHistory:]
	}
	m.mu.Unlock()

	m.callbackMu.RLock()
	callbacks := make([]func(RiskAlert), len(m.alertCallbacks))
	copy(callbacks, m.alertCallbacks)
	m.callbackMu.RUnlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("alert callback panicked",
						zap.String("alert_type", alert.Type),
						zap.Any("panic", r))
				}
			}()
			fn(alert)
		}()
	}
}
