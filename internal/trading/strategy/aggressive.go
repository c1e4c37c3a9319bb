package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sportex/tradecore/internal/trading/model"
)

// Aggressive crosses the spread for immediate execution: a back bet takes the
// best available lay price, a lay bet takes the best available back price.
type Aggressive struct {
	log *zap.Logger
}

func NewAggressive(log *zap.Logger) *Aggressive {
	return &Aggressive{log: log}
}

func (s *Aggressive) Name() model.StrategyName {
	return model.StrategyAggressive
}

func (s *Aggressive) Execute(ctx context.Context, instr *model.TradeInstruction, exec Executor, provider string) *model.ExecutionReport {
	start := time.Now()
	provider = resolveProvider(exec, provider)

	gw, err := exec.Gateways().Resolve(provider)
	if err != nil {
		return model.NewErrorReport(*instr, provider, "provider not available: "+err.Error())
	}

	price := instr.Price
	book, err := gw.GetMarketBook(ctx, instr.MarketID)
	if err != nil {
		s.log.Warn("market book unavailable, falling back to limit price",
			zap.String("market_id", instr.MarketID), zap.Error(err))
	} else if runner := book.Runner(instr.SelectionID); runner != nil {
		if instr.Side == model.SideBack {
			if best, ok := runner.BestLay(); ok {
				price = best.Price
			}
		} else {
			if best, ok := runner.BestBack(); ok {
				price = best.Price
			}
		}
	}

	crossed := *instr
	crossed.Price = price
	crossed.OrderType = model.OrderTypeLimit

	result, err := exec.PlaceWithProvider(ctx, &crossed, provider)
	if err != nil {
		s.log.Error("aggressive placement failed", zap.Error(err))
		return model.NewErrorReport(*instr, provider, err.Error())
	}
	if !result.Success {
		return model.NewErrorReport(*instr, provider, result.ErrorCode)
	}

	executedPrice := result.AveragePriceMatched
	if executedPrice.IsZero() {
		executedPrice = price
	}
	report := &model.ExecutionReport{
		Instruction:   *instr,
		Provider:      provider,
		BetID:         result.BetID,
		ExecutedSize:  result.SizeMatched,
		ExecutedPrice: executedPrice,
		RemainingSize: instr.Size.Sub(result.SizeMatched),
		SubmittedAt:   start,
		ExecutedAt:    time.Now(),
		Latency:       time.Since(start),
	}
	if result.SizeMatched.Equal(instr.Size) {
		report.Status = model.OrderStatusMatched
	} else {
		report.Status = model.OrderStatusPartiallyMatched
	}
	if result.SizeMatched.IsPositive() {
		report.Fills = append(report.Fills, model.Fill{
			Size:      result.SizeMatched,
			Price:     executedPrice,
			Timestamp: report.ExecutedAt,
		})
	}
	return report
}
