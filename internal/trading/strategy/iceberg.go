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
	defaultChunkSize     = 10
	defaultChunkInterval = 5 * time.Second
)

// chunkFillThreshold: a chunk filling under 90% of its requested size means
// the market has moved and further chunks would only chase it.
var chunkFillThreshold = decimal.NewFromFloat(0.9)

// Iceberg hides a large order by submitting it in fixed-size chunks with a
// delay between them.
type Iceberg struct {
	log       *zap.Logger
	chunkSize decimal.Decimal
	interval  time.Duration
}

func NewIceberg(log *zap.Logger) *Iceberg {
	return &Iceberg{
		log:       log,
		chunkSize: decimal.NewFromInt(defaultChunkSize),
		interval:  defaultChunkInterval,
	}
}

// NewIcebergWith overrides chunk size and inter-chunk delay.
func NewIcebergWith(log *zap.Logger, chunkSize decimal.Decimal, interval time.Duration) *Iceberg {
	return &Iceberg{log: log, chunkSize: chunkSize, interval: interval}
}

func (s *Iceberg) Name() model.StrategyName {
	return model.StrategyIceberg
}

func (s *Iceberg) Execute(ctx context.Context, instr *model.TradeInstruction, exec Executor, provider string) *model.ExecutionReport {
	start := time.Now()
	provider = resolveProvider(exec, provider)

	numChunks := int(instr.Size.Div(s.chunkSize).IntPart())
	if !instr.Size.Mod(s.chunkSize).IsZero() {
		numChunks++
	}

	var (
		fills     []model.Fill
		executed  decimal.Decimal
		lastError string
	)

	for i := 0; i < numChunks; i++ {
		remaining := instr.Size.Sub(executed)
		chunkSize := s.chunkSize
		if remaining.LessThan(chunkSize) {
			chunkSize = remaining
		}
		if chunkSize.LessThanOrEqual(decimal.Zero) {
			break
		}

		chunk := *instr
		chunk.Size = chunkSize
		if instr.ClientRef != "" {
			chunk.ClientRef = fmt.Sprintf("%s_chunk_%d", instr.ClientRef, i)
		}

		result, err := exec.PlaceWithProvider(ctx, &chunk, provider)
		switch {
		case err != nil:
			lastError = err.Error()
			s.log.Error("iceberg chunk failed", zap.Int("chunk", i), zap.Error(err))
		case !result.Success:
			lastError = result.ErrorCode
			s.log.Error("iceberg chunk rejected", zap.Int("chunk", i), zap.String("error_code", result.ErrorCode))
		default:
			if result.SizeMatched.IsPositive() {
				executed = executed.Add(result.SizeMatched)
				price := result.AveragePriceMatched
				if price.IsZero() {
					price = instr.Price
				}
				fills = append(fills, model.Fill{
					Size:      result.SizeMatched,
					Price:     price,
					Timestamp: time.Now(),
				})
			}
			if result.SizeMatched.LessThan(chunkSize.Mul(chunkFillThreshold)) {
				s.log.Warn("iceberg chunk underfilled, stopping",
					zap.Int("chunk", i),
					zap.String("matched", result.SizeMatched.String()),
					zap.String("requested", chunkSize.String()))
				return finishSliced(instr, provider, fills, start, lastError)
			}
		}

		if i < numChunks-1 && executed.LessThan(instr.Size) {
			if !sleep(ctx, s.interval) {
				break
			}
		}
	}

	return finishSliced(instr, provider, fills, start, lastError)
}
