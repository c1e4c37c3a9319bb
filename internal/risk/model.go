// Package risk tracks positions, exposures and trading limits. It is the
// authority on "how much can we lose right now" and the gatekeeper every
// trade passes through before any money moves.
package risk

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionSide is the direction of a position. LONG is net backed (profits
// when the outcome happens), SHORT is net laid.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen            PositionStatus = "OPEN"
	PositionClosed          PositionStatus = "CLOSED"
	PositionPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
)

// Position is one (market, selection, side) holding. Sizes and prices are
// size-weighted averages across the entries and exits that built it.
type Position struct {
	ID          uuid.UUID
	MarketID    string
	SelectionID string
	Provider    string
	Strategy    string

	Side   PositionSide
	Status PositionStatus

	CurrentSize decimal.Decimal
	EntrySize   decimal.Decimal
	EntryPrice  decimal.Decimal

	ClosedSize decimal.Decimal
	ExitPrice  decimal.Decimal

	CurrentPrice decimal.Decimal

	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Commission    decimal.Decimal

	OpenedAt  time.Time
	ClosedAt  time.Time
	UpdatedAt time.Time
}

// Exposure is the position's worst-case loss: the stake for a long
// (backed) position, size x (price - 1) for a short (laid) one.
func (p *Position) Exposure() decimal.Decimal {
	if p.Side == PositionShort {
		return p.CurrentSize.Mul(p.EntryPrice.Sub(decimal.NewFromInt(1)))
	}
	return p.CurrentSize
}

// Key identifies the (market, selection) pair the position belongs to.
func (p *Position) Key() string {
	return p.MarketID + ":" + p.SelectionID
}

// MarketExposure is the aggregated risk in one market: the summed stakes of
// the long side, the summed liability of the short side, the per-selection
// breakdown, and a coarse hedge recommendation.
type MarketExposure struct {
	MarketID string

	NetBackExposure decimal.Decimal
	NetLayLiability decimal.Decimal

	// BySelection maps selection id to that selection's worst-case loss.
	BySelection map[string]decimal.Decimal

	// MaxLoss is the worst case across back side, lay side and any single
	// selection.
	MaxLoss decimal.Decimal

	PositionCount int
	TotalStake    decimal.Decimal

	HedgeRequired  bool
	HedgeSelection string
	HedgeSize      decimal.Decimal
	HedgePrice     decimal.Decimal

	UpdatedAt time.Time
}

// HedgeUrgency grades how fast a hedge instruction should be acted on.
type HedgeUrgency string

const (
	HedgeUrgencyLow      HedgeUrgency = "LOW"
	HedgeUrgencyMedium   HedgeUrgency = "MEDIUM"
	HedgeUrgencyHigh     HedgeUrgency = "HIGH"
	HedgeUrgencyCritical HedgeUrgency = "CRITICAL"
)

// HedgeInstruction tells the execution side what trade would move one
// selection's exposure to its target. A SHORT side means lay off a net-long
// holding, LONG means back off a net-short one.
type HedgeInstruction struct {
	MarketID    string
	SelectionID string

	Side    PositionSide
	Size    decimal.Decimal
	Price   decimal.Decimal
	Urgency HedgeUrgency
	Reason  string

	CurrentExposure decimal.Decimal
	TargetExposure  decimal.Decimal
}

// AlertSeverity ranks risk alerts.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Alert types raised by the risk manager.
const (
	AlertLimitBreach    = "limit_breach"
	AlertAutoHedge      = "auto_hedge"
	AlertKillSwitch     = "kill_switch"
	AlertDailyLoss      = "daily_loss"
	AlertConcentration  = "concentration"
	AlertReconciliation = "reconciliation"
)

// RiskAlert is one notable risk condition, kept in bounded history and
// published to subscribers.
type RiskAlert struct {
	ID        uuid.UUID
	Type      string
	Severity  AlertSeverity
	Message   string
	MarketID  string
	Value     decimal.Decimal
	Limit     decimal.Decimal
	Timestamp time.Time

	// RequiresConfirmation marks alerts an operator must acknowledge, such
	// as a kill-switch trip.
	RequiresConfirmation bool
}

// RiskLimits are the hard ceilings every trade is checked against.
type RiskLimits struct {
	MaxTotalExposure   decimal.Decimal `mapstructure:"max_total_exposure"`
	MaxMarketExposure  decimal.Decimal `mapstructure:"max_market_exposure"`
	MaxDailyLoss       decimal.Decimal `mapstructure:"max_daily_loss"`
	MaxPositionCount   int             `mapstructure:"max_position_count"`
	MaxSingleBetSize   decimal.Decimal `mapstructure:"max_single_bet_size"`
	MinAvailableFunds  decimal.Decimal `mapstructure:"min_available_funds"`
	MaxConcentrationPc decimal.Decimal `mapstructure:"max_concentration_pct"`
}

// DefaultRiskLimits returns conservative production defaults.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxTotalExposure:   decimal.NewFromInt(1000),
		MaxMarketExposure:  decimal.NewFromInt(200),
		MaxDailyLoss:       decimal.NewFromInt(100),
		MaxPositionCount:   25,
		MaxSingleBetSize:   decimal.NewFromInt(100),
		MinAvailableFunds:  decimal.NewFromInt(50),
		MaxConcentrationPc: decimal.NewFromInt(30),
	}
}

// Validate rejects zero or negative limits; a zero limit would silently
// block all trading.
func (l RiskLimits) Validate() error {
	checks := []struct {
		name  string
		value decimal.Decimal
	}{
		{"max_total_exposure", l.MaxTotalExposure},
		{"max_market_exposure", l.MaxMarketExposure},
		{"max_daily_loss", l.MaxDailyLoss},
		{"max_single_bet_size", l.MaxSingleBetSize},
		{"min_available_funds", l.MinAvailableFunds},
		{"max_concentration_pct", l.MaxConcentrationPc},
	}
	for _, c := range checks {
		if c.value.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("risk limit %s must be positive, got %s", c.name, c.value)
		}
	}
	if l.MaxPositionCount <= 0 {
		return fmt.Errorf("risk limit max_position_count must be positive, got %d", l.MaxPositionCount)
	}
	return nil
}

// PnLStatement is the tracker's profit and loss summary for a period.
type PnLStatement struct {
	PeriodStart time.Time
	PeriodEnd   time.Time

	GrossPnL      decimal.Decimal
	Commission    decimal.Decimal
	NetPnL        decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal

	TradeCount  int
	WinRate     decimal.Decimal
	AverageWin  decimal.Decimal
	AverageLoss decimal.Decimal
	TotalVolume decimal.Decimal

	ByMarket   map[string]decimal.Decimal
	ByStrategy map[string]decimal.Decimal
}

// RiskMetrics is a point-in-time snapshot of limit usage and portfolio
// sensitivity, for dashboards and the metrics exporter.
type RiskMetrics struct {
	TotalExposure      decimal.Decimal
	ExposureUsagePct   decimal.Decimal
	DailyLoss          decimal.Decimal
	DailyLossUsagePct  decimal.Decimal
	OpenPositionCount  int
	PositionUsagePct   decimal.Decimal
	ConcentrationPct   decimal.Decimal
	LargestMarketID    string
	KillSwitchActive   bool
	TradingFrozen      bool
	ActiveBreachCount  int
	RiskScore          decimal.Decimal
	PortfolioDelta     decimal.Decimal
	PortfolioTheta     decimal.Decimal
	Timestamp          time.Time
}

// ExposureReport breaks total exposure down by market for operator review.
type ExposureReport struct {
	AccountBalance   decimal.Decimal
	AvailableBalance decimal.Decimal
	TotalExposure    decimal.Decimal
	TotalLiability   decimal.Decimal
	NetExposure      decimal.Decimal
	OpenPnL          decimal.Decimal

	ExposureLimitRemaining  decimal.Decimal
	DailyLossLimitRemaining decimal.Decimal

	Markets  []MarketExposure
	Metrics  RiskMetrics
	Warnings []string

	GeneratedAt time.Time
}

// PositionChange describes what a position update did, delivered to tracker
// subscribers (the risk manager, the audit store).
type PositionChange struct {
	Position    *Position
	ChangeType  string // "opened", "increased", "reduced", "closed", "price"
	SizeDelta   decimal.Decimal
	RealizedPnL decimal.Decimal
	Timestamp   time.Time
}
