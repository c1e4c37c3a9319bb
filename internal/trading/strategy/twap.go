package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sportex/tradecore/internal/trading/model"
)

const (
	defaultTWAPDuration = 60 * time.Second
	defaultTWAPSlices   = 6

	// Give up once elapsed time exceeds 1.5x the target duration.
	twapOverrunFactor = 1.5
)

// TWAP spreads an order over a time window in equal slices, each executed
// aggressively, to land near the period's average price.
type TWAP struct {
	log      *zap.Logger
	duration time.Duration
	slices   int
}

func NewTWAP(log *zap.Logger) *TWAP {
	return &TWAP{log: log, duration: defaultTWAPDuration, slices: defaultTWAPSlices}
}

// NewTWAPWith overrides the window and slice count.
func NewTWAPWith(log *zap.Logger, duration time.Duration, slices int) *TWAP {
	return &TWAP{log: log, duration: duration, slices: slices}
}

func (s *TWAP) Name() model.StrategyName {
	return model.StrategyTWAP
}

func (s *TWAP) Execute(ctx context.Context, instr *model.TradeInstruction, exec Executor, provider string) *model.ExecutionReport {
	start := time.Now()
	provider = resolveProvider(exec, provider)

	sliceSize := instr.Size.Div(decimal.NewFromInt(int64(s.slices)))
	sliceInterval := s.duration / time.Duration(s.slices)
	deadline := time.Duration(float64(s.duration) * twapOverrunFactor)
	aggressive := NewAggressive(s.log)

	var (
		fills    []model.Fill
		executed decimal.Decimal
	)

	for i := 0; i < s.slices; i++ {
		if time.Since(start) > deadline {
			s.log.Warn("twap overran its window, stopping",
				zap.Duration("elapsed", time.Since(start)),
				zap.Duration("target", s.duration))
			break
		}

		remaining := instr.Size.Sub(executed)
		size := sliceSize
		if remaining.LessThan(size) {
			size = remaining
		}
		if size.LessThanOrEqual(decimal.Zero) {
			break
		}

		slice := *instr
		slice.Size = size
		slice.OrderType = model.OrderTypeLimit
		slice.Strategy = model.StrategyAggressive
		if instr.ClientRef != "" {
			slice.ClientRef = fmt.Sprintf("%s_twap_%d", instr.ClientRef, i)
		}

		report := aggressive.Execute(ctx, &slice, exec, provider)
		if report.ExecutedSize.IsPositive() {
			executed = executed.Add(report.ExecutedSize)
			fills = append(fills, model.Fill{
				Size:      report.ExecutedSize,
				Price:     report.ExecutedPrice,
				Timestamp: time.Now(),
			})
		}

		if i < s.slices-1 {
			if !sleep(ctx, sliceInterval) {
				break
			}
		}
	}

	return finishSliced(instr, provider, fills, start, "")
}
