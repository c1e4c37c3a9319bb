// Package strategy implements the execution strategies that work an
// instruction into the market: one-shot aggressive/passive placement and the
// slicing strategies built on top of them.
package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sportex/tradecore/internal/gateway"
	"github.com/sportex/tradecore/internal/trading/model"
)

// Executor is the slice of the execution engine strategies place through.
// Placement goes through the engine rather than the gateway directly so every
// child order passes the same ledger bookkeeping.
type Executor interface {
	PlaceWithProvider(ctx context.Context, instr *model.TradeInstruction, provider string) (*gateway.PlaceResult, error)
	Gateways() *gateway.Registry
}

// Strategy works one instruction into the market. Execute never returns an
// error: failures are encoded in the report so the caller always gets the
// executed/remaining accounting.
type Strategy interface {
	Name() model.StrategyName
	Execute(ctx context.Context, instr *model.TradeInstruction, exec Executor, provider string) *model.ExecutionReport
}

// resolveProvider falls back to the primary provider when none was given.
func resolveProvider(exec Executor, provider string) string {
	if provider == "" {
		return exec.Gateways().Primary()
	}
	return provider
}

// sleep waits for d, returning false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// finishSliced assembles the aggregate report of a slicing strategy from its
// child fills. remaining = size - executed holds exactly.
func finishSliced(instr *model.TradeInstruction, provider string, fills []model.Fill, start time.Time, lastError string) *model.ExecutionReport {
	executed := decimal.Zero
	value := decimal.Zero
	for _, f := range fills {
		executed = executed.Add(f.Size)
		value = value.Add(f.Value())
	}

	report := &model.ExecutionReport{
		Instruction:   *instr,
		Provider:      provider,
		ExecutedSize:  executed,
		RemainingSize: instr.Size.Sub(executed),
		Fills:         fills,
		SubmittedAt:   start,
		Latency:       time.Since(start),
	}
	switch {
	case executed.Equal(instr.Size):
		report.Status = model.OrderStatusMatched
	case executed.IsPositive():
		report.Status = model.OrderStatusPartiallyMatched
	default:
		report.Status = model.OrderStatusFailed
		report.ErrorMessage = lastError
	}
	if executed.IsPositive() {
		report.ExecutedPrice = value.Div(executed)
		report.ExecutedAt = time.Now()
	}
	return report
}
