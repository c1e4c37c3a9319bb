// Package gateway defines the boundary to the exchange's market data and
// order placement API. The engine never talks to an exchange directly; it
// consumes this interface, which a transport layer (REST/streaming client)
// implements out of tree.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Market status values as reported by the exchange.
const (
	MarketStatusOpen      = "OPEN"
	MarketStatusSuspended = "SUSPENDED"
	MarketStatusClosed    = "CLOSED"
	MarketStatusInactive  = "INACTIVE"
)

// Bet sides on the wire.
const (
	BetSideBack = "BACK"
	BetSideLay  = "LAY"
)

// PriceSize is one ladder level: money available at a price.
type PriceSize struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// ExchangePrices holds both sides of the ladder for a runner.
type ExchangePrices struct {
	AvailableToBack []PriceSize `json:"availableToBack"`
	AvailableToLay  []PriceSize `json:"availableToLay"`
}

// Runner is one selection inside a market book.
type Runner struct {
	SelectionID     string          `json:"selectionId"`
	Status          string          `json:"status"`
	LastPriceTraded decimal.Decimal `json:"lastPriceTraded"`
	Ex              ExchangePrices  `json:"ex"`
}

// BestBack returns the best available back price level, or false if the
// back side of the ladder is empty.
func (r *Runner) BestBack() (PriceSize, bool) {
	if len(r.Ex.AvailableToBack) == 0 {
		return PriceSize{}, false
	}
	return r.Ex.AvailableToBack[0], true
}

// BestLay returns the best available lay price level, or false if the lay
// side of the ladder is empty.
func (r *Runner) BestLay() (PriceSize, bool) {
	if len(r.Ex.AvailableToLay) == 0 {
		return PriceSize{}, false
	}
	return r.Ex.AvailableToLay[0], true
}

// MarketBook is a point-in-time snapshot of one market.
type MarketBook struct {
	MarketID string   `json:"marketId"`
	Status   string   `json:"status"`
	InPlay   bool     `json:"inplay"`
	Runners  []Runner `json:"runners"`
}

// Runner finds a runner by selection id, or nil.
func (b *MarketBook) Runner(selectionID string) *Runner {
	for i := range b.Runners {
		if b.Runners[i].SelectionID == selectionID {
			return &b.Runners[i]
		}
	}
	return nil
}

// Suspended reports whether the market is not currently accepting bets.
func (b *MarketBook) Suspended() bool {
	return b.Status == MarketStatusSuspended
}

// PlaceResult is the exchange's answer to a bet placement.
type PlaceResult struct {
	Success             bool            `json:"success"`
	BetID               string          `json:"betId"`
	SizeMatched         decimal.Decimal `json:"sizeMatched"`
	AveragePriceMatched decimal.Decimal `json:"averagePriceMatched"`
	Status              string          `json:"status"`
	ErrorCode           string          `json:"errorCode"`
}

// OpenOrder is one unmatched or partially matched bet as the exchange sees it.
type OpenOrder struct {
	BetID         string          `json:"betId"`
	MarketID      string          `json:"marketId"`
	SelectionID   string          `json:"selectionId"`
	Side          string          `json:"side"`
	PriceSize     PriceSize       `json:"priceSize"`
	SizeMatched   decimal.Decimal `json:"sizeMatched"`
	SizeRemaining decimal.Decimal `json:"sizeRemaining"`
	Status        string          `json:"status"`
	PlacedAt      time.Time       `json:"placedDate"`
}

// MatchedBet is a fully matched bet as the exchange sees it.
type MatchedBet struct {
	BetID        string          `json:"betId"`
	MarketID     string          `json:"marketId"`
	SelectionID  string          `json:"selectionId"`
	Side         string          `json:"side"`
	PriceMatched decimal.Decimal `json:"priceMatched"`
	SizeSettled  decimal.Decimal `json:"sizeSettled"`
	Profit       decimal.Decimal `json:"profit"`
	Commission   decimal.Decimal `json:"commission"`
	MatchedAt    time.Time       `json:"matchedDate"`
}

// Liability is the worst-case loss of the bet: the stake for a back bet,
// size x (price - 1) for a lay bet.
func (m *MatchedBet) Liability() decimal.Decimal {
	if m.Side == BetSideLay {
		return m.SizeSettled.Mul(m.PriceMatched.Sub(decimal.NewFromInt(1)))
	}
	return m.SizeSettled
}

// Gateway is the market data and order placement surface of one provider.
type Gateway interface {
	// Name identifies the provider ("betfair", "paper", ...).
	Name() string

	GetMarketBook(ctx context.Context, marketID string) (*MarketBook, error)

	PlaceBackBet(ctx context.Context, marketID, selectionID string, price, size decimal.Decimal) (*PlaceResult, error)
	PlaceLayBet(ctx context.Context, marketID, selectionID string, price, size decimal.Decimal) (*PlaceResult, error)

	// CancelBet cancels the unmatched part of a bet. A zero sizeReduction
	// cancels everything that remains.
	CancelBet(ctx context.Context, betID string, sizeReduction decimal.Decimal) (bool, error)

	// ReplaceBet moves a bet to a new price. The exchange implements this as
	// cancel-then-replace; callers see a single operation.
	ReplaceBet(ctx context.Context, betID string, newPrice decimal.Decimal) (*PlaceResult, error)

	GetOpenOrders(ctx context.Context) ([]OpenOrder, error)
	GetMatchedBets(ctx context.Context) ([]MatchedBet, error)

	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)
}
