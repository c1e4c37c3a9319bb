// Package testutil provides scriptable fakes for package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sportex/tradecore/internal/gateway"
)

// PlaceCall records one placement request seen by the fake.
type PlaceCall struct {
	MarketID    string
	SelectionID string
	Side        string
	Price       decimal.Decimal
	Size        decimal.Decimal
}

// FakeGateway is a scriptable gateway for tests. By default every placement
// fully matches at the requested price; override MatchRatio, PlaceErr or
// PlaceHook to script other behavior.
type FakeGateway struct {
	GatewayName string

	mu sync.Mutex

	// Book returned by GetMarketBook, keyed by market id.
	Books map[string]*gateway.MarketBook
	// BookErr, when set, fails every GetMarketBook call.
	BookErr error

	// MatchRatio scales the matched size of each placement. Nil means 1.
	MatchRatio *decimal.Decimal
	// PlaceErr, when set, fails every placement.
	PlaceErr error
	// PlaceHook, when set, overrides the scripted result per call.
	PlaceHook func(call PlaceCall) (*gateway.PlaceResult, error)

	Balance    decimal.Decimal
	BalanceErr error

	CancelOK  bool
	CancelErr error

	// OpenOrders and MatchedBets script the provider-side order state
	// returned by GetOpenOrders and GetMatchedBets. Both default to empty.
	OpenOrders  []gateway.OpenOrder
	MatchedBets []gateway.MatchedBet
	OrdersErr   error

	Calls       []PlaceCall
	CancelCalls []string

	betSeq int
}

// NewFakeGateway returns a fake that fully matches everything and reports the
// given balance.
func NewFakeGateway(balance decimal.Decimal) *FakeGateway {
	return &FakeGateway{
		GatewayName: "fake",
		Books:       make(map[string]*gateway.MarketBook),
		Balance:     balance,
		CancelOK:    true,
	}
}

func (f *FakeGateway) Name() string {
	if f.GatewayName == "" {
		return "fake"
	}
	return f.GatewayName
}

// SetBook installs the snapshot returned for a market.
func (f *FakeGateway) SetBook(book *gateway.MarketBook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Books[book.MarketID] = book
}

func (f *FakeGateway) GetMarketBook(ctx context.Context, marketID string) (*gateway.MarketBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BookErr != nil {
		return nil, f.BookErr
	}
	book, ok := f.Books[marketID]
	if !ok {
		return nil, fmt.Errorf("no book for market %s", marketID)
	}
	return book, nil
}

func (f *FakeGateway) PlaceBackBet(ctx context.Context, marketID, selectionID string, price, size decimal.Decimal) (*gateway.PlaceResult, error) {
	return f.place(PlaceCall{MarketID: marketID, SelectionID: selectionID, Side: gateway.BetSideBack, Price: price, Size: size})
}

func (f *FakeGateway) PlaceLayBet(ctx context.Context, marketID, selectionID string, price, size decimal.Decimal) (*gateway.PlaceResult, error) {
	return f.place(PlaceCall{MarketID: marketID, SelectionID: selectionID, Side: gateway.BetSideLay, Price: price, Size: size})
}

func (f *FakeGateway) place(call PlaceCall) (*gateway.PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
	if f.PlaceErr != nil {
		return nil, f.PlaceErr
	}
	if f.PlaceHook != nil {
		return f.PlaceHook(call)
	}
	ratio := decimal.NewFromInt(1)
	if f.MatchRatio != nil {
		ratio = *f.MatchRatio
	}
	matched := call.Size.Mul(ratio)
	f.betSeq++
	status := "EXECUTION_COMPLETE"
	if matched.LessThan(call.Size) {
		status = "EXECUTABLE"
	}
	return &gateway.PlaceResult{
		Success:             true,
		BetID:               fmt.Sprintf("fake-%d", f.betSeq),
		SizeMatched:         matched,
		AveragePriceMatched: call.Price,
		Status:              status,
	}, nil
}

func (f *FakeGateway) CancelBet(ctx context.Context, betID string, sizeReduction decimal.Decimal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelCalls = append(f.CancelCalls, betID)
	if f.CancelErr != nil {
		return false, f.CancelErr
	}
	return f.CancelOK, nil
}

func (f *FakeGateway) ReplaceBet(ctx context.Context, betID string, newPrice decimal.Decimal) (*gateway.PlaceResult, error) {
	f.mu.Lock()
	f.betSeq++
	id := fmt.Sprintf("fake-%d", f.betSeq)
	f.mu.Unlock()
	return &gateway.PlaceResult{Success: true, BetID: id, Status: "EXECUTABLE"}, nil
}

func (f *FakeGateway) GetOpenOrders(ctx context.Context) ([]gateway.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OrdersErr != nil {
		return nil, f.OrdersErr
	}
	return append([]gateway.OpenOrder(nil), f.OpenOrders...), nil
}

func (f *FakeGateway) GetMatchedBets(ctx context.Context) ([]gateway.MatchedBet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OrdersErr != nil {
		return nil, f.OrdersErr
	}
	return append([]gateway.MatchedBet(nil), f.MatchedBets...), nil
}

func (f *FakeGateway) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return decimal.Zero, f.BalanceErr
	}
	return f.Balance, nil
}

// PlaceCount returns how many placements the fake has seen.
func (f *FakeGateway) PlaceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// LastCall returns the most recent placement, or false if none happened.
func (f *FakeGateway) LastCall() (PlaceCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Calls) == 0 {
		return PlaceCall{}, false
	}
	return f.Calls[len(f.Calls)-1], true
}

var _ gateway.Gateway = (*FakeGateway)(nil)

// Book builds a one-runner market book with the given best back and lay
// levels. A zero price leaves that side of the ladder empty.
func Book(marketID, selectionID string, bestBack, backSize, bestLay, laySize decimal.Decimal) *gateway.MarketBook {
	runner := gateway.Runner{SelectionID: selectionID, Status: "ACTIVE"}
	if !bestBack.IsZero() {
		runner.Ex.AvailableToBack = []gateway.PriceSize{{Price: bestBack, Size: backSize}}
	}
	if !bestLay.IsZero() {
		runner.Ex.AvailableToLay = []gateway.PriceSize{{Price: bestLay, Size: laySize}}
	}
	return &gateway.MarketBook{
		MarketID: marketID,
		Status:   gateway.MarketStatusOpen,
		Runners:  []gateway.Runner{runner},
	}
}
