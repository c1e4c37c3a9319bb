package strategy

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sportex/tradecore/internal/gateway"
	"github.com/sportex/tradecore/internal/trading/model"
)

// largeOrderSize: above this, smart routing slices the order.
var largeOrderSize = decimal.NewFromInt(50)

// Smart routes the instruction to whichever strategy suits it: Aggressive for
// market orders, Iceberg for large ones, Aggressive when the top of the book
// can absorb the whole size, Passive otherwise.
type Smart struct {
	log *zap.Logger
}

func NewSmart(log *zap.Logger) *Smart {
	return &Smart{log: log}
}

func (s *Smart) Name() model.StrategyName {
	return model.StrategySmart
}

func (s *Smart) Execute(ctx context.Context, instr *model.TradeInstruction, exec Executor, provider string) *model.ExecutionReport {
	provider = resolveProvider(exec, provider)

	gw, err := exec.Gateways().Resolve(provider)
	if err != nil {
		return model.NewErrorReport(*instr, provider, "provider not available: "+err.Error())
	}

	var chosen Strategy
	switch {
	case instr.OrderType == model.OrderTypeMarket:
		chosen = NewAggressive(s.log)
	case instr.Size.GreaterThan(largeOrderSize):
		chosen = NewIceberg(s.log)
	case s.topOfBookCovers(ctx, gw, instr):
		chosen = NewAggressive(s.log)
	default:
		chosen = NewPassive(s.log)
	}

	s.log.Info("smart router selected strategy",
		zap.String("strategy", string(chosen.Name())),
		zap.String("market_id", instr.MarketID),
		zap.String("size", instr.Size.String()))

	return chosen.Execute(ctx, instr, exec, provider)
}

// topOfBookCovers reports whether the opposite side's best level alone can
// absorb the whole instruction.
func (s *Smart) topOfBookCovers(ctx context.Context, gw gateway.Gateway, instr *model.TradeInstruction) bool {
	book, err := gw.GetMarketBook(ctx, instr.MarketID)
	if err != nil {
		return false
	}
	runner := book.Runner(instr.SelectionID)
	if runner == nil {
		return false
	}
	var best gateway.PriceSize
	var ok bool
	if instr.Side == model.SideBack {
		best, ok = runner.BestLay()
	} else {
		best, ok = runner.BestBack()
	}
	return ok && best.Size.GreaterThanOrEqual(instr.Size)
}
