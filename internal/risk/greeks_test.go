package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDeltaIsSignedSize(t *testing.T) {
	g := NewGreekCalculator()

	long := openPosition("1.1", "sel-a", PositionLong, "2.0", "10")
	assert.True(t, g.Delta(long, dec("2.5")).Equal(dec("10")))

	short := openPosition("1.1", "sel-a", PositionShort, "2.0", "10")
	assert.True(t, g.Delta(short, dec("2.5")).Equal(dec("-10")))

	closed := openPosition("1.1", "sel-a", PositionLong, "2.0", "10")
	closed.CurrentSize = decimal.Zero
	assert.True(t, g.Delta(closed, dec("2.5")).IsZero())
}

func TestGammaIsZero(t *testing.T) {
	g := NewGreekCalculator()
	p := openPosition("1.1", "sel-a", PositionLong, "2.0", "10")
	assert.True(t, g.Gamma(p, dec("2.5")).IsZero())
}

func TestThetaDecaySchedule(t *testing.T) {
	g := NewGreekCalculator()
	p := openPosition("1.1", "sel-a", PositionLong, "2.0", "10")

	// Base decay of 0.01 per unit size, doubled in the last hour and 1.5x
	// inside four hours.
	assert.True(t, g.Theta(p, 30*time.Minute).Equal(dec("-0.2")))
	assert.True(t, g.Theta(p, 2*time.Hour).Equal(dec("-0.15")))
	assert.True(t, g.Theta(p, 12*time.Hour).Equal(dec("-0.1")))
	assert.True(t, g.Theta(p, 0).IsZero())
}

func TestVegaSign(t *testing.T) {
	g := NewGreekCalculator()

	long := openPosition("1.1", "sel-a", PositionLong, "2.0", "10")
	assert.True(t, g.Vega(long, decimal.Zero).Equal(dec("1")))

	short := openPosition("1.1", "sel-a", PositionShort, "2.0", "10")
	assert.True(t, g.Vega(short, decimal.Zero).Equal(dec("-1")))
}

func TestPortfolioGreeksRollUp(t *testing.T) {
	g := NewGreekCalculator()
	positions := []*Position{
		openPosition("1.1", "sel-a", PositionLong, "2.0", "10"),
		openPosition("1.1", "sel-b", PositionShort, "3.0", "4"),
	}
	prices := map[string]decimal.Decimal{"sel-a": dec("2.2")}
	countdowns := map[string]time.Duration{"1.1": 2 * time.Hour}

	total := g.Portfolio(positions, prices, countdowns)
	assert.True(t, total.Delta.Equal(dec("6")), "got %s", total.Delta)
	assert.True(t, total.Gamma.IsZero())
	// 10 and 4 units both decaying at 1.5x 0.01.
	assert.True(t, total.Theta.Equal(dec("-0.21")), "got %s", total.Theta)
	assert.True(t, total.Vega.Equal(dec("0.6")), "got %s", total.Vega)
}
