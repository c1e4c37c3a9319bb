package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sportex/tradecore/internal/trading/model"
)

// Passive joins the queue at the best own-side price: a back bet rests at the
// best back price, a lay bet at the best lay price. It may never fill.
type Passive struct {
	log *zap.Logger
}

func NewPassive(log *zap.Logger) *Passive {
	return &Passive{log: log}
}

func (s *Passive) Name() model.StrategyName {
	return model.StrategyPassive
}

func (s *Passive) Execute(ctx context.Context, instr *model.TradeInstruction, exec Executor, provider string) *model.ExecutionReport {
	start := time.Now()
	provider = resolveProvider(exec, provider)

	gw, err := exec.Gateways().Resolve(provider)
	if err != nil {
		return model.NewErrorReport(*instr, provider, "provider not available: "+err.Error())
	}

	price := instr.Price
	if book, err := gw.GetMarketBook(ctx, instr.MarketID); err == nil {
		if runner := book.Runner(instr.SelectionID); runner != nil {
			if instr.Side == model.SideBack {
				if best, ok := runner.BestBack(); ok {
					price = best.Price
				}
			} else {
				if best, ok := runner.BestLay(); ok {
					price = best.Price
				}
			}
		}
	}

	resting := *instr
	resting.Price = price
	resting.OrderType = model.OrderTypeLimit

	result, err := exec.PlaceWithProvider(ctx, &resting, provider)
	if err != nil {
		s.log.Error("passive placement failed", zap.Error(err))
		return model.NewErrorReport(*instr, provider, err.Error())
	}
	if !result.Success {
		return model.NewErrorReport(*instr, provider, result.ErrorCode)
	}

	report := &model.ExecutionReport{
		Instruction:   *instr,
		Provider:      provider,
		BetID:         result.BetID,
		ExecutedSize:  result.SizeMatched,
		RemainingSize: instr.Size.Sub(result.SizeMatched),
		SubmittedAt:   start,
		Latency:       time.Since(start),
	}
	if result.SizeMatched.IsPositive() {
		report.Status = model.OrderStatusPartiallyMatched
		report.ExecutedPrice = price
		report.ExecutedAt = time.Now()
		report.Fills = append(report.Fills, model.Fill{
			Size:      result.SizeMatched,
			Price:     price,
			Timestamp: report.ExecutedAt,
		})
		if result.SizeMatched.Equal(instr.Size) {
			report.Status = model.OrderStatusMatched
		}
	} else {
		report.Status = model.OrderStatusSubmitted
	}
	return report
}
