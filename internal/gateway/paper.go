package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Paper is an in-memory exchange simulator. Bets placed at or beyond the
// touch are matched immediately up to FillRatio of the requested size; the
// rest stays on the book as an open order. It backs local runs and serves as
// the default provider when no live exchange is configured.
type Paper struct {
	log *zap.Logger

	mu        sync.Mutex
	balance   decimal.Decimal
	fillRatio decimal.Decimal
	books     map[string]*MarketBook
	open      map[string]*OpenOrder
	matched   []MatchedBet
	betSeq    int
}

// NewPaper builds a simulator with the given starting balance. fillRatio in
// (0, 1] is the share of each crossing order that matches immediately.
func NewPaper(startingBalance, fillRatio decimal.Decimal, log *zap.Logger) *Paper {
	if fillRatio.LessThanOrEqual(decimal.Zero) || fillRatio.GreaterThan(decimal.NewFromInt(1)) {
		fillRatio = decimal.NewFromInt(1)
	}
	return &Paper{
		log:       log,
		balance:   startingBalance,
		fillRatio: fillRatio,
		books:     make(map[string]*MarketBook),
		open:      make(map[string]*OpenOrder),
	}
}

func (p *Paper) Name() string { return "paper" }

// SetMarketBook installs or replaces the snapshot returned for a market.
func (p *Paper) SetMarketBook(book *MarketBook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.books[book.MarketID] = book
}

func (p *Paper) GetMarketBook(ctx context.Context, marketID string) (*MarketBook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	book, ok := p.books[marketID]
	if !ok {
		return nil, fmt.Errorf("paper: unknown market %s", marketID)
	}
	copied := *book
	copied.Runners = append([]Runner(nil), book.Runners...)
	return &copied, nil
}

func (p *Paper) PlaceBackBet(ctx context.Context, marketID, selectionID string, price, size decimal.Decimal) (*PlaceResult, error) {
	return p.place(marketID, selectionID, BetSideBack, price, size)
}

func (p *Paper) PlaceLayBet(ctx context.Context, marketID, selectionID string, price, size decimal.Decimal) (*PlaceResult, error) {
	return p.place(marketID, selectionID, BetSideLay, price, size)
}

func (p *Paper) place(marketID, selectionID, side string, price, size decimal.Decimal) (*PlaceResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	book, ok := p.books[marketID]
	if ok && book.Suspended() {
		return &PlaceResult{Success: false, ErrorCode: "MARKET_SUSPENDED"}, nil
	}

	p.betSeq++
	betID := fmt.Sprintf("paper-%d", p.betSeq)

	matched := decimal.Zero
	matchPrice := price
	if crossed, bookPrice := p.crosses(book, selectionID, side, price); crossed {
		matched = size.Mul(p.fillRatio)
		if !bookPrice.IsZero() {
			matchPrice = bookPrice
		}
	}
	remaining := size.Sub(matched)

	if matched.GreaterThan(decimal.Zero) {
		liability := matched
		if side == BetSideLay {
			liability = matched.Mul(matchPrice.Sub(decimal.NewFromInt(1)))
		}
		p.balance = p.balance.Sub(liability)
		p.matched = append(p.matched, MatchedBet{
			BetID:        betID,
			MarketID:     marketID,
			SelectionID:  selectionID,
			Side:         side,
			PriceMatched: matchPrice,
			SizeSettled:  matched,
			MatchedAt:    time.Now(),
		})
	}
	if remaining.GreaterThan(decimal.Zero) {
		p.open[betID] = &OpenOrder{
			BetID:         betID,
			MarketID:      marketID,
			SelectionID:   selectionID,
			Side:          side,
			PriceSize:     PriceSize{Price: price, Size: size},
			SizeMatched:   matched,
			SizeRemaining: remaining,
			Status:        "EXECUTABLE",
			PlacedAt:      time.Now(),
		}
	}

	p.log.Debug("paper: bet placed",
		zap.String("bet_id", betID),
		zap.String("market", marketID),
		zap.String("side", side),
		zap.String("matched", matched.String()))

	status := "EXECUTION_COMPLETE"
	if remaining.GreaterThan(decimal.Zero) {
		status = "EXECUTABLE"
	}
	return &PlaceResult{
		Success:             true,
		BetID:               betID,
		SizeMatched:         matched,
		AveragePriceMatched: matchPrice,
		Status:              status,
	}, nil
}

// crosses reports whether an order at price would trade against the book,
// and the price it would trade at. With no book installed every order
// crosses at its own price.
func (p *Paper) crosses(book *MarketBook, selectionID, side string, price decimal.Decimal) (bool, decimal.Decimal) {
	if book == nil {
		return true, decimal.Zero
	}
	runner := book.Runner(selectionID)
	if runner == nil {
		return true, decimal.Zero
	}
	if side == BetSideBack {
		if best, ok := runner.BestLay(); ok {
			return price.LessThanOrEqual(best.Price), best.Price
		}
	} else {
		if best, ok := runner.BestBack(); ok {
			return price.GreaterThanOrEqual(best.Price), best.Price
		}
	}
	return true, decimal.Zero
}

func (p *Paper) CancelBet(ctx context.Context, betID string, sizeReduction decimal.Decimal) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.open[betID]
	if !ok {
		return false, nil
	}
	if sizeReduction.IsZero() || sizeReduction.GreaterThanOrEqual(order.SizeRemaining) {
		delete(p.open, betID)
	} else {
		order.SizeRemaining = order.SizeRemaining.Sub(sizeReduction)
	}
	return true, nil
}

func (p *Paper) ReplaceBet(ctx context.Context, betID string, newPrice decimal.Decimal) (*PlaceResult, error) {
	p.mu.Lock()
	order, ok := p.open[betID]
	if !ok {
		p.mu.Unlock()
		return &PlaceResult{Success: false, ErrorCode: "BET_TAKEN_OR_LAPSED"}, nil
	}
	marketID, selectionID, side := order.MarketID, order.SelectionID, order.Side
	size := order.SizeRemaining
	delete(p.open, betID)
	p.mu.Unlock()

	return p.place(marketID, selectionID, side, newPrice, size)
}

func (p *Paper) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := make([]OpenOrder, 0, len(p.open))
	for _, o := range p.open {
		orders = append(orders, *o)
	}
	return orders, nil
}

func (p *Paper) GetMatchedBets(ctx context.Context) ([]MatchedBet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MatchedBet(nil), p.matched...), nil
}

func (p *Paper) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

var _ Gateway = (*Paper)(nil)
