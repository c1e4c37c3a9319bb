package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	defaultPriceRange  = decimal.NewFromFloat(0.02)
	defaultDecayRate   = decimal.NewFromFloat(0.01)
	defaultVolShift    = decimal.NewFromFloat(0.01)
	vegaScale          = decimal.NewFromInt(10)
	thetaDecayLastHour = decimal.NewFromInt(2)
	thetaDecayNearby   = decimal.NewFromFloat(1.5)
)

// PortfolioGreeks is the portfolio-wide sensitivity roll-up.
type PortfolioGreeks struct {
	Delta decimal.Decimal
	Gamma decimal.Decimal
	Theta decimal.Decimal
	Vega  decimal.Decimal
}

// GreekCalculator derives option-style sensitivities for betting positions.
// These are heuristics for dashboards and the risk score, not hedging-grade
// derivatives math.
type GreekCalculator struct{}

func NewGreekCalculator() *GreekCalculator {
	return &GreekCalculator{}
}

// Delta is the P&L change per unit of price change, measured over a small
// bump. For a linear betting position this is +size for long, -size for
// short.
func (g *GreekCalculator) Delta(p *Position, currentPrice decimal.Decimal) decimal.Decimal {
	if p.CurrentSize.IsZero() {
		return decimal.Zero
	}
	var currentPnL, bumpedPnL decimal.Decimal
	bumped := currentPrice.Add(defaultPriceRange)
	if p.Side == PositionLong {
		currentPnL = currentPrice.Sub(p.EntryPrice).Mul(p.CurrentSize)
		bumpedPnL = bumped.Sub(p.EntryPrice).Mul(p.CurrentSize)
	} else {
		currentPnL = p.EntryPrice.Sub(currentPrice).Mul(p.CurrentSize)
		bumpedPnL = p.EntryPrice.Sub(bumped).Mul(p.CurrentSize)
	}
	return bumpedPnL.Sub(currentPnL).Div(defaultPriceRange).Round(2)
}

// Gamma is zero: a bet's delta does not change with price.
func (g *GreekCalculator) Gamma(p *Position, currentPrice decimal.Decimal) decimal.Decimal {
	return decimal.Zero
}

// Theta models edge decay as the event approaches, per hour. Decay doubles
// inside the final hour and runs at 1.5x inside four hours.
func (g *GreekCalculator) Theta(p *Position, timeToEvent time.Duration) decimal.Decimal {
	if p.CurrentSize.IsZero() || timeToEvent <= 0 {
		return decimal.Zero
	}
	hours := decimal.NewFromFloat(timeToEvent.Hours())
	multiplier := one
	switch {
	case hours.LessThan(one):
		multiplier = thetaDecayLastHour
	case hours.LessThan(decimal.NewFromInt(4)):
		multiplier = thetaDecayNearby
	}
	return p.CurrentSize.Neg().Mul(defaultDecayRate).Mul(multiplier).Round(2)
}

// Vega models sensitivity to odds volatility. Long positions gain option
// value from volatility, short positions lose it.
func (g *GreekCalculator) Vega(p *Position, currentVolatility decimal.Decimal) decimal.Decimal {
	if p.CurrentSize.IsZero() {
		return decimal.Zero
	}
	vega := p.CurrentSize.Mul(defaultVolShift).Mul(vegaScale)
	if p.Side == PositionShort {
		vega = vega.Neg()
	}
	return vega.Round(2)
}

// Portfolio rolls the Greeks up across positions. Prices are keyed by
// selection id and event countdowns by market id; a position missing from
// either map contributes its entry price or zero theta.
func (g *GreekCalculator) Portfolio(positions []*Position, prices map[string]decimal.Decimal, timeToEvents map[string]time.Duration) PortfolioGreeks {
	var total PortfolioGreeks
	for _, p := range positions {
		if p.CurrentSize.IsZero() {
			continue
		}
		price, ok := prices[p.SelectionID]
		if !ok {
			price = p.EntryPrice
		}
		total.Delta = total.Delta.Add(g.Delta(p, price))
		total.Gamma = total.Gamma.Add(g.Gamma(p, price))
		if tte, ok := timeToEvents[p.MarketID]; ok {
			total.Theta = total.Theta.Add(g.Theta(p, tte))
		}
		total.Vega = total.Vega.Add(g.Vega(p, decimal.Zero))
	}
	return total
}
