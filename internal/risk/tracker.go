package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sportex/tradecore/internal/gateway"
)

// ErrPositionNotFound is returned when a position id is unknown.
var ErrPositionNotFound = errors.New("position not found")

// PositionSideFor maps a bet side ("BACK"/"LAY") to the position direction a
// matched bet of that side opens.
func PositionSideFor(betSide string) PositionSide {
	if betSide == gateway.BetSideLay {
		return PositionShort
	}
	return PositionLong
}

// Tracker intervals.
const (
	defaultPriceRefreshInterval = 5 * time.Second
	defaultReconcileInterval    = 5 * time.Minute
)

// hedgeSkewRatio flags a market for hedging when its most exposed selection
// carries 1.5x the least exposed one.
var hedgeSkewRatio = decimal.NewFromFloat(1.5)

// PositionTracker is the authoritative in-memory ledger of positions,
// per-market exposures and realized P&L. All mutating and reading methods are
// safe for concurrent use; update callbacks run outside the lock.
type PositionTracker struct {
	log      *zap.Logger
	calc     *PositionCalculator
	gateways *gateway.Registry

	mu                 sync.Mutex
	positions          map[uuid.UUID]*Position
	marketPositions    map[string][]uuid.UUID
	selectionPositions map[string][]uuid.UUID
	orderToPosition    map[string]uuid.UUID

	marketExposures map[string]*MarketExposure
	totalExposure   decimal.Decimal

	dailyPnL        decimal.Decimal
	totalCommission decimal.Decimal
	pnlByMarket     map[string]decimal.Decimal
	pnlByStrategy   map[string]decimal.Decimal

	callbackMu      sync.RWMutex
	updateCallbacks []func(PositionChange)

	refreshInterval   time.Duration
	reconcileInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPositionTracker builds a tracker over the given gateway registry.
func NewPositionTracker(calc *PositionCalculator, gateways *gateway.Registry, log *zap.Logger) *PositionTracker {
	return &PositionTracker{
		log:                log,
		calc:               calc,
		gateways:           gateways,
		positions:          make(map[uuid.UUID]*Position),
		marketPositions:    make(map[string][]uuid.UUID),
		selectionPositions: make(map[string][]uuid.UUID),
		orderToPosition:    make(map[string]uuid.UUID),
		marketExposures:    make(map[string]*MarketExposure),
		pnlByMarket:        make(map[string]decimal.Decimal),
		pnlByStrategy:      make(map[string]decimal.Decimal),
		refreshInterval:    defaultPriceRefreshInterval,
		reconcileInterval:  defaultReconcileInterval,
	}
}

// OnUpdate registers a callback invoked after every position change.
func (t *PositionTracker) OnUpdate(fn func(PositionChange)) {
	t.callbackMu.Lock()
	defer t.callbackMu.Unlock()
	t.updateCallbacks = append(t.updateCallbacks, fn)
}

// OpenPosition records a fill. If an open position already exists for the
// (market, selection, side) key it is merged at the size-weighted average
// entry price, otherwise a new position is created. Market exposure is
// recomputed and subscribers notified.
func (t *PositionTracker) OpenPosition(marketID, selectionID string, side PositionSide, price, size decimal.Decimal, orderID, provider, strategy string) *Position {
	t.mu.Lock()

	now := time.Now()
	p := t.findOpenLocked(marketID, selectionID, side)
	changeType := "increased"
	if p != nil {
		totalValue := p.EntryPrice.Mul(p.CurrentSize).Add(price.Mul(size))
		totalSize := p.CurrentSize.Add(size)
		p.EntryPrice = totalValue.Div(totalSize)
		p.EntrySize = p.EntrySize.Add(size)
		p.CurrentSize = totalSize
		p.UpdatedAt = now
	} else {
		changeType = "opened"
		p = &Position{
			ID:          uuid.New(),
			MarketID:    marketID,
			SelectionID: selectionID,
			Provider:    provider,
			Strategy:    strategy,
			Side:        side,
			Status:      PositionOpen,
			CurrentSize: size,
			EntrySize:   size,
			EntryPrice:  price,
			OpenedAt:    now,
			UpdatedAt:   now,
		}
		t.positions[p.ID] = p
		t.marketPositions[marketID] = append(t.marketPositions[marketID], p.ID)
		selKey := marketID + ":" + selectionID
		t.selectionPositions[selKey] = append(t.selectionPositions[selKey], p.ID)
	}

	if orderID != "" {
		t.orderToPosition[orderID] = p.ID
	}
	t.updateMarketExposureLocked(marketID)

	snap := *p
	change := PositionChange{
		Position:   &snap,
		ChangeType: changeType,
		SizeDelta:  size,
		Timestamp:  now,
	}
	t.mu.Unlock()

	t.notify(change)
	return &snap
}

// ClosePosition closes size of the position at price. A zero size closes the
// full remainder; oversized requests are clamped. The closed slice's P&L is
// side-aware, with commission taken from profitable slices only, and the exit
// price tracks the size-weighted average across partial closes.
func (t *PositionTracker) ClosePosition(positionID uuid.UUID, price, size decimal.Decimal, orderID string) (*Position, error) {
	t.mu.Lock()

	p, ok := t.positions[positionID]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}

	closeSize := size
	if closeSize.IsZero() || closeSize.GreaterThan(p.CurrentSize) {
		closeSize = p.CurrentSize
	}

	var gross decimal.Decimal
	if p.Side == PositionLong {
		gross = price.Sub(p.EntryPrice).Mul(closeSize)
	} else {
		gross = p.EntryPrice.Sub(price).Mul(closeSize)
	}
	commission := decimal.Zero
	if gross.IsPositive() {
		commission = gross.Mul(t.calc.CommissionRate())
	}
	netPnL := gross.Sub(commission)

	now := time.Now()
	prevClosed := p.ClosedSize
	p.ClosedSize = p.ClosedSize.Add(closeSize)
	p.CurrentSize = p.CurrentSize.Sub(closeSize)
	p.RealizedPnL = p.RealizedPnL.Add(netPnL)
	p.Commission = p.Commission.Add(commission)
	p.UpdatedAt = now

	if p.ExitPrice.IsZero() {
		p.ExitPrice = price
	} else {
		p.ExitPrice = p.ExitPrice.Mul(prevClosed).Add(price.Mul(closeSize)).Div(p.ClosedSize)
	}

	changeType := "reduced"
	if p.CurrentSize.IsZero() {
		p.Status = PositionClosed
		p.ClosedAt = now
		p.UnrealizedPnL = decimal.Zero
		changeType = "closed"
	} else {
		p.Status = PositionPartiallyClosed
	}

	t.dailyPnL = t.dailyPnL.Add(netPnL)
	t.totalCommission = t.totalCommission.Add(commission)
	t.pnlByMarket[p.MarketID] = t.pnlByMarket[p.MarketID].Add(netPnL)
	if p.Strategy != "" {
		t.pnlByStrategy[p.Strategy] = t.pnlByStrategy[p.Strategy].Add(netPnL)
	}
	if orderID != "" {
		t.orderToPosition[orderID] = p.ID
	}
	t.updateMarketExposureLocked(p.MarketID)

	snap := *p
	change := PositionChange{
		Position:    &snap,
		ChangeType:  changeType,
		SizeDelta:   closeSize.Neg(),
		RealizedPnL: netPnL,
		Timestamp:   now,
	}
	t.mu.Unlock()

	t.notify(change)
	return &snap, nil
}

// UpdatePositionPrice refreshes the unrealized P&L from the latest market
// price. Size is never touched here.
func (t *PositionTracker) UpdatePositionPrice(positionID uuid.UUID, currentPrice decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[positionID]
	if !ok {
		return
	}
	p.CurrentPrice = currentPrice
	if p.CurrentSize.IsPositive() {
		_, unrealized := t.calc.PnL(p, currentPrice, true)
		p.UnrealizedPnL = unrealized
	}
	p.UpdatedAt = time.Now()
}

// GetPosition returns a copy of the position with the given id, or nil.
// Accessors hand out detached copies; the price refresher mutates the
// tracked positions concurrently.
func (t *PositionTracker) GetPosition(positionID uuid.UUID) *Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[positionID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// GetOpenPositions returns a copy of every position not fully closed.
func (t *PositionTracker) GetOpenPositions() []*Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Position
	for _, p := range t.positions {
		if p.Status != PositionClosed {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// GetMarketPositions returns all positions in a market, open or closed.
func (t *PositionTracker) GetMarketPositions(marketID string) []*Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collectLocked(t.marketPositions[marketID])
}

// GetSelectionPositions returns all positions on one selection.
func (t *PositionTracker) GetSelectionPositions(marketID, selectionID string) []*Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collectLocked(t.selectionPositions[marketID+":"+selectionID])
}

// GetNetPosition nets the open positions on a selection into a signed size
// (positive long) and the weighted average price of the dominant direction.
func (t *PositionTracker) GetNetPosition(marketID, selectionID string) (netSize, avgPrice decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	longSize, longValue := decimal.Zero, decimal.Zero
	shortSize, shortValue := decimal.Zero, decimal.Zero
	for _, id := range t.selectionPositions[marketID+":"+selectionID] {
		p, ok := t.positions[id]
		if !ok || p.Status == PositionClosed {
			continue
		}
		value := p.CurrentSize.Mul(p.EntryPrice)
		if p.Side == PositionLong {
			longSize = longSize.Add(p.CurrentSize)
			longValue = longValue.Add(value)
		} else {
			shortSize = shortSize.Add(p.CurrentSize)
			shortValue = shortValue.Add(value)
		}
	}

	netSize = longSize.Sub(shortSize)
	switch {
	case netSize.IsPositive() && longSize.IsPositive():
		avgPrice = longValue.Div(longSize)
	case netSize.IsNegative() && shortSize.IsPositive():
		avgPrice = shortValue.Div(shortSize)
	}
	return netSize, avgPrice
}

// GetMarketExposure returns a copy of the market's exposure, or nil when the
// market holds no positions.
func (t *PositionTracker) GetMarketExposure(marketID string) *MarketExposure {
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.marketExposures[marketID]
	if !ok {
		return nil
	}
	cp := *exp
	cp.BySelection = make(map[string]decimal.Decimal, len(exp.BySelection))
	for k, v := range exp.BySelection {
		cp.BySelection[k] = v
	}
	return &cp
}

// MarketExposures returns a snapshot of every market's exposure.
func (t *PositionTracker) MarketExposures() []MarketExposure {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MarketExposure, 0, len(t.marketExposures))
	for _, exp := range t.marketExposures {
		cp := *exp
		cp.BySelection = make(map[string]decimal.Decimal, len(exp.BySelection))
		for k, v := range exp.BySelection {
			cp.BySelection[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// GetTotalExposure is the sum of every market's max loss.
func (t *PositionTracker) GetTotalExposure() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalExposure
}

// DailyPnL returns today's realized P&L net of commission.
func (t *PositionTracker) DailyPnL() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dailyPnL
}

// ResetDaily zeroes the daily P&L counter, called by the risk manager on
// date rollover.
func (t *PositionTracker) ResetDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dailyPnL = decimal.Zero
}

// GetPnLStatement summarizes realized and unrealized P&L over the trailing
// period, with win-rate statistics over positions opened inside it.
func (t *PositionTracker) GetPnLStatement(period time.Duration) PnLStatement {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	start := now.Add(-period)

	var (
		wins, losses         int
		winTotal, lossTotal  decimal.Decimal
		volume               decimal.Decimal
		realized, unrealized decimal.Decimal
	)
	for _, p := range t.positions {
		realized = realized.Add(p.RealizedPnL)
		unrealized = unrealized.Add(p.UnrealizedPnL)
		if p.OpenedAt.Before(start) {
			continue
		}
		volume = volume.Add(p.EntrySize)
		switch {
		case p.RealizedPnL.IsPositive():
			wins++
			winTotal = winTotal.Add(p.RealizedPnL)
		case p.RealizedPnL.IsNegative():
			losses++
			lossTotal = lossTotal.Add(p.RealizedPnL.Abs())
		}
	}

	stmt := PnLStatement{
		PeriodStart:   start,
		PeriodEnd:     now,
		GrossPnL:      t.dailyPnL.Add(t.totalCommission),
		Commission:    t.totalCommission,
		NetPnL:        t.dailyPnL,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		TradeCount:    wins + losses,
		TotalVolume:   volume,
		ByMarket:      make(map[string]decimal.Decimal, len(t.pnlByMarket)),
		ByStrategy:    make(map[string]decimal.Decimal, len(t.pnlByStrategy)),
	}
	if stmt.TradeCount > 0 {
		stmt.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(stmt.TradeCount))).Mul(hundred)
	}
	if wins > 0 {
		stmt.AverageWin = winTotal.Div(decimal.NewFromInt(int64(wins)))
	}
	if losses > 0 {
		stmt.AverageLoss = lossTotal.Div(decimal.NewFromInt(int64(losses)))
	}
	for k, v := range t.pnlByMarket {
		stmt.ByMarket[k] = v
	}
	for k, v := range t.pnlByStrategy {
		stmt.ByStrategy[k] = v
	}
	return stmt
}

// ReconcileWithProvider compares the provider's open orders and matched bets
// against the local order index and logs any drift. Detected drift is
// surfaced as a warning, never repaired automatically.
func (t *PositionTracker) ReconcileWithProvider(ctx context.Context, provider string) error {
	gw, err := t.gateways.Resolve(provider)
	if err != nil {
		return err
	}

	openOrders, err := gw.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	matchedBets, err := gw.GetMatchedBets(ctx)
	if err != nil {
		return fmt.Errorf("fetch matched bets: %w", err)
	}

	t.mu.Lock()
	var untrackedOrders, untrackedBets []string
	for _, o := range openOrders {
		if _, ok := t.orderToPosition[o.BetID]; !ok {
			untrackedOrders = append(untrackedOrders, o.BetID)
		}
	}
	for _, b := range matchedBets {
		if _, ok := t.orderToPosition[b.BetID]; !ok {
			untrackedBets = append(untrackedBets, b.BetID)
		}
	}
	t.mu.Unlock()

	for _, id := range untrackedOrders {
		t.log.Warn("untracked open order at provider",
			zap.String("provider", gw.Name()),
			zap.String("bet_id", id))
	}
	for _, id := range untrackedBets {
		t.log.Warn("untracked matched bet at provider",
			zap.String("provider", gw.Name()),
			zap.String("bet_id", id))
	}
	return nil
}

// Start launches the price-refresh and reconciliation loops. Both tolerate
// per-iteration failures and stop when Stop is called or ctx ends.
func (t *PositionTracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(2)
	go t.priceRefreshLoop(ctx)
	go t.reconcileLoop(ctx)
}

// Stop terminates the background loops and waits for them to exit.
func (t *PositionTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *PositionTracker) priceRefreshLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refreshPrices(ctx)
		}
	}
}

func (t *PositionTracker) refreshPrices(ctx context.Context) {
	for _, p := range t.GetOpenPositions() {
		gw, err := t.gateways.Resolve(p.Provider)
		if err != nil {
			t.log.Error("price refresh: resolve provider", zap.String("provider", p.Provider), zap.Error(err))
			continue
		}
		book, err := gw.GetMarketBook(ctx, p.MarketID)
		if err != nil {
			t.log.Error("price refresh: market book", zap.String("market_id", p.MarketID), zap.Error(err))
			continue
		}
		runner := book.Runner(p.SelectionID)
		if runner == nil {
			continue
		}
		price := runner.LastPriceTraded
		if price.IsZero() {
			if best, ok := runner.BestBack(); ok {
				price = best.Price
			}
		}
		if !price.IsZero() {
			t.UpdatePositionPrice(p.ID, price)
		}
	}
}

func (t *PositionTracker) reconcileLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range t.gateways.Names() {
				if err := t.ReconcileWithProvider(ctx, name); err != nil {
					t.log.Error("reconciliation failed", zap.String("provider", name), zap.Error(err))
				}
			}
		}
	}
}

func (t *PositionTracker) notify(change PositionChange) {
	t.callbackMu.RLock()
	callbacks := make([]func(PositionChange), len(t.updateCallbacks))
	copy(callbacks, t.updateCallbacks)
	t.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(change)
	}
}

func (t *PositionTracker) findOpenLocked(marketID, selectionID string, side PositionSide) *Position {
	for _, id := range t.selectionPositions[marketID+":"+selectionID] {
		p, ok := t.positions[id]
		if ok && p.Side == side && p.Status != PositionClosed {
			return p
		}
	}
	return nil
}

func (t *PositionTracker) collectLocked(ids []uuid.UUID) []*Position {
	var out []*Position
	for _, id := range ids {
		if p, ok := t.positions[id]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// updateMarketExposureLocked rebuilds the market's exposure from its open
// positions and recomputes the portfolio total.
func (t *PositionTracker) updateMarketExposureLocked(marketID string) {
	ids := t.marketPositions[marketID]

	bySelection := make(map[string]decimal.Decimal)
	netBack, netLay := decimal.Zero, decimal.Zero
	totalStake := decimal.Zero
	openCount := 0

	for _, id := range ids {
		p, ok := t.positions[id]
		if !ok || p.Status == PositionClosed {
			continue
		}
		openCount++
		totalStake = totalStake.Add(p.CurrentSize)

		var exposure decimal.Decimal
		if p.Side == PositionLong {
			exposure = p.CurrentSize
			netBack = netBack.Add(exposure)
		} else {
			exposure = p.EntryPrice.Sub(one).Mul(p.CurrentSize)
			netLay = netLay.Add(exposure)
		}
		bySelection[p.SelectionID] = bySelection[p.SelectionID].Add(exposure)
	}

	if openCount == 0 {
		delete(t.marketExposures, marketID)
		t.recomputeTotalLocked()
		return
	}

	maxLoss := netBack
	if netLay.GreaterThan(maxLoss) {
		maxLoss = netLay
	}
	for _, exp := range bySelection {
		if exp.GreaterThan(maxLoss) {
			maxLoss = exp
		}
	}

	exposure := &MarketExposure{
		MarketID:        marketID,
		NetBackExposure: netBack,
		NetLayLiability: netLay,
		BySelection:     bySelection,
		MaxLoss:         maxLoss,
		PositionCount:   openCount,
		TotalStake:      totalStake,
		UpdatedAt:       time.Now(),
	}

	// Flag the market for hedging when exposure is heavily skewed toward one
	// selection.
	if len(bySelection) > 1 {
		var maxExp, minExp decimal.Decimal
		var minSel string
		first := true
		for sel, exp := range bySelection {
			if first {
				maxExp, minExp, minSel = exp, exp, sel
				first = false
				continue
			}
			if exp.GreaterThan(maxExp) {
				maxExp = exp
			}
			if exp.LessThan(minExp) {
				minExp = exp
				minSel = sel
			}
		}
		if maxExp.GreaterThan(minExp.Mul(hedgeSkewRatio)) {
			exposure.HedgeRequired = true
			exposure.HedgeSelection = minSel
			exposure.HedgeSize = maxExp.Sub(minExp).Div(decimal.NewFromInt(2))
		}
	}

	t.marketExposures[marketID] = exposure
	t.recomputeTotalLocked()
}

func (t *PositionTracker) recomputeTotalLocked() {
	total := decimal.Zero
	for _, exp := range t.marketExposures {
		total = total.Add(exp.MaxLoss)
	}
	t.totalExposure = total
}
