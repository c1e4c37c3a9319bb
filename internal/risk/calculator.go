package risk

import (
	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Sizing constants. Imbalances under minHedgeSize are not worth the spread
// cost of flattening; Kelly stakes under the exchange minimum are discarded.
var (
	minHedgeSize       = decimal.NewFromInt(10)
	hedgeUrgencyHigh   = decimal.NewFromInt(50)
	hedgeUrgencyCrit   = decimal.NewFromInt(100)
	minKellyStake      = decimal.NewFromInt(2)
	maxKellyBankrollPc = decimal.NewFromFloat(0.10)
)

// PositionCalculator holds the pure position math: P&L, hedge sizing, Kelly
// staking and arbitrage formulas. It has no state beyond the commission rate,
// so one instance is shared freely across components.
type PositionCalculator struct {
	commission decimal.Decimal
}

// NewPositionCalculator builds a calculator with the exchange's commission
// rate (e.g. 0.02 for 2%). Commission applies to winnings only.
func NewPositionCalculator(commissionRate decimal.Decimal) *PositionCalculator {
	return &PositionCalculator{commission: commissionRate}
}

// CommissionRate returns the configured rate.
func (c *PositionCalculator) CommissionRate() decimal.Decimal {
	return c.commission
}

// PnL returns the realized and unrealized P&L of a position at currentPrice.
// Unrealized is (current - entry) x size for a long position and
// (entry - current) x size for a short one; commission is subtracted from
// positive gross P&L only.
func (c *PositionCalculator) PnL(p *Position, currentPrice decimal.Decimal, includeCommission bool) (realized, unrealized decimal.Decimal) {
	realized = p.RealizedPnL
	if p.CurrentSize.LessThanOrEqual(decimal.Zero) {
		return realized, decimal.Zero
	}

	var gross decimal.Decimal
	if p.Side == PositionLong {
		gross = currentPrice.Sub(p.EntryPrice).Mul(p.CurrentSize)
	} else {
		gross = p.EntryPrice.Sub(currentPrice).Mul(p.CurrentSize)
	}
	unrealized = gross
	if includeCommission && gross.IsPositive() {
		unrealized = gross.Sub(gross.Mul(c.commission))
	}
	return realized, unrealized
}

// HedgeRequirement nets open positions by (market, selection) and returns an
// instruction for the single largest imbalance against targetExposure, or nil
// when every imbalance is under the minimum hedge size. Long exposure counts
// as the stake, short exposure as the negated liability. The hedge side is
// SHORT when exposure exceeds the target, LONG otherwise.
func (c *PositionCalculator) HedgeRequirement(positions []*Position, targetExposure decimal.Decimal) *HedgeInstruction {
	if len(positions) == 0 {
		return nil
	}

	type bucket struct {
		marketID    string
		selectionID string
		exposure    decimal.Decimal
		lastPrice   decimal.Decimal
	}
	buckets := make(map[string]*bucket)
	order := make([]string, 0)

	for _, p := range positions {
		if p.CurrentSize.IsZero() {
			continue
		}
		key := p.Key()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{marketID: p.MarketID, selectionID: p.SelectionID}
			buckets[key] = b
			order = append(order, key)
		}
		if p.Side == PositionLong {
			b.exposure = b.exposure.Add(p.CurrentSize)
		} else {
			b.exposure = b.exposure.Sub(p.CurrentSize.Mul(p.EntryPrice.Sub(one)))
		}
		price := p.CurrentPrice
		if price.IsZero() {
			price = p.EntryPrice
		}
		b.lastPrice = price
	}

	var (
		best         *bucket
		maxImbalance = decimal.Zero
		side         PositionSide
	)
	for _, key := range order {
		b := buckets[key]
		imbalance := b.exposure.Sub(targetExposure).Abs()
		if imbalance.GreaterThan(maxImbalance) {
			maxImbalance = imbalance
			best = b
			if b.exposure.GreaterThan(targetExposure) {
				side = PositionShort
			} else {
				side = PositionLong
			}
		}
	}

	if best == nil || maxImbalance.LessThan(minHedgeSize) {
		return nil
	}

	urgency := HedgeUrgencyMedium
	switch {
	case maxImbalance.GreaterThanOrEqual(hedgeUrgencyCrit):
		urgency = HedgeUrgencyCritical
	case maxImbalance.GreaterThanOrEqual(hedgeUrgencyHigh):
		urgency = HedgeUrgencyHigh
	}

	return &HedgeInstruction{
		MarketID:        best.marketID,
		SelectionID:     best.selectionID,
		Side:            side,
		Size:            maxImbalance,
		Price:           best.lastPrice,
		Urgency:         urgency,
		Reason:          "reduce exposure by " + maxImbalance.String(),
		CurrentExposure: best.exposure,
		TargetExposure:  targetExposure,
	}
}

// NetPosition nets positions into a signed stake: positive means net long.
// Returns the net size, net value (size x entry price, signed) and the
// size-weighted average price.
func (c *PositionCalculator) NetPosition(positions []*Position) (netSize, netValue, avgPrice decimal.Decimal) {
	for _, p := range positions {
		if p.CurrentSize.LessThanOrEqual(decimal.Zero) {
			continue
		}
		value := p.CurrentSize.Mul(p.EntryPrice)
		if p.Side == PositionLong {
			netSize = netSize.Add(p.CurrentSize)
			netValue = netValue.Add(value)
		} else {
			netSize = netSize.Sub(p.CurrentSize)
			netValue = netValue.Sub(value)
		}
	}
	if !netSize.IsZero() {
		avgPrice = netValue.Div(netSize).Abs()
	}
	return netSize, netValue, avgPrice
}

// KellyStake sizes a bet by the Kelly criterion, scaled down by fraction and
// capped at 10% of bankroll. Returns zero when there is no edge or the
// resulting stake falls under the exchange minimum.
//
//	f = (p*odds - 1) / (odds - 1)
func (c *PositionCalculator) KellyStake(probability, odds, bankroll, fraction decimal.Decimal) decimal.Decimal {
	if probability.LessThanOrEqual(decimal.Zero) || probability.GreaterThanOrEqual(one) {
		return decimal.Zero
	}
	if odds.LessThanOrEqual(one) || bankroll.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	edge := probability.Mul(odds).Sub(one)
	if edge.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	fullKelly := edge.Div(odds.Sub(one))
	stake := bankroll.Mul(fullKelly.Mul(fraction))
	maxStake := bankroll.Mul(maxKellyBankrollPc)
	if stake.GreaterThan(maxStake) {
		stake = maxStake
	}
	if stake.LessThan(minKellyStake) {
		return decimal.Zero
	}
	return stake.Round(2)
}

// BreakEvenPrice is the price at which closing the position nets exactly zero
// after commission: entry / (1 - c) for long, entry x (1 - c) for short.
func (c *PositionCalculator) BreakEvenPrice(p *Position, includeCommission bool) decimal.Decimal {
	if p.CurrentSize.IsZero() {
		return decimal.Zero
	}
	if !includeCommission {
		return p.EntryPrice
	}
	if p.Side == PositionLong {
		return p.EntryPrice.Div(one.Sub(c.commission)).Round(2)
	}
	return p.EntryPrice.Mul(one.Sub(c.commission)).Round(2)
}

// RiskRewardRatio is the potential profit over the potential loss of closing
// at targetPrice versus stopPrice. Zero when the loss leg is not positive.
func (c *PositionCalculator) RiskRewardRatio(side PositionSide, entryPrice, targetPrice, stopPrice decimal.Decimal) decimal.Decimal {
	var profit, loss decimal.Decimal
	if side == PositionLong {
		profit = targetPrice.Sub(entryPrice)
		loss = entryPrice.Sub(stopPrice)
	} else {
		profit = entryPrice.Sub(targetPrice)
		loss = stopPrice.Sub(entryPrice)
	}
	if loss.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return profit.Div(loss).Round(2)
}

// ImpliedProbability converts decimal odds to the probability they imply.
// Odds at or under 1 imply certainty.
func (c *PositionCalculator) ImpliedProbability(odds decimal.Decimal) decimal.Decimal {
	if odds.LessThanOrEqual(one) {
		return one
	}
	return one.Div(odds).Round(4)
}

// Arbitrage reports whether backing at backOdds and laying at layOdds locks
// in a profit after commission, and the guaranteed profit percentage:
// an arb exists when backOdds x (1 - commission) > layOdds.
func (c *PositionCalculator) Arbitrage(backOdds, layOdds decimal.Decimal) (bool, decimal.Decimal) {
	effectiveBack := backOdds.Mul(one.Sub(c.commission))
	if effectiveBack.GreaterThan(layOdds) {
		profitPct := effectiveBack.Div(layOdds).Sub(one).Mul(hundred).Round(2)
		return true, profitPct
	}
	return false, decimal.Zero
}

// ExposureByOutcome computes, for every selection held, the total P&L across
// all positions assuming that selection wins. Commission is taken from the
// winning legs.
func (c *PositionCalculator) ExposureByOutcome(positions []*Position) map[string]decimal.Decimal {
	exposures := make(map[string]decimal.Decimal)

	held := make(map[string]bool)
	for _, p := range positions {
		if p.CurrentSize.IsZero() {
			continue
		}
		held[p.SelectionID] = true
	}

	for winner := range held {
		total := decimal.Zero
		for _, p := range positions {
			if p.CurrentSize.IsZero() {
				continue
			}
			var pnl decimal.Decimal
			if p.SelectionID == winner {
				if p.Side == PositionLong {
					pnl = p.EntryPrice.Sub(one).Mul(p.CurrentSize)
					pnl = pnl.Mul(one.Sub(c.commission))
				} else {
					pnl = p.EntryPrice.Sub(one).Mul(p.CurrentSize).Neg()
				}
			} else {
				if p.Side == PositionLong {
					pnl = p.CurrentSize.Neg()
				} else {
					pnl = p.CurrentSize.Mul(one.Sub(c.commission))
				}
			}
			total = total.Add(pnl)
		}
		exposures[winner] = total
	}
	return exposures
}

// GuaranteedProfit reports whether the positions lock in a profit regardless
// of outcome, and the minimum profit across outcomes.
func (c *PositionCalculator) GuaranteedProfit(positions []*Position) (bool, decimal.Decimal) {
	exposures := c.ExposureByOutcome(positions)
	if len(exposures) == 0 {
		return false, decimal.Zero
	}
	first := true
	minPnL := decimal.Zero
	for _, pnl := range exposures {
		if first || pnl.LessThan(minPnL) {
			minPnL = pnl
			first = false
		}
	}
	return minPnL.IsPositive(), minPnL
}
