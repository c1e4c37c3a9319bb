package strategy

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sportex/tradecore/internal/trading/model"
)

// Factory hands out strategy instances by name. Strategies are stateless, so
// instances are built once and shared.
type Factory struct {
	mu         sync.RWMutex
	strategies map[model.StrategyName]Strategy
}

// NewFactory registers the five standard strategies.
func NewFactory(log *zap.Logger) *Factory {
	f := &Factory{strategies: make(map[model.StrategyName]Strategy)}
	for _, s := range []Strategy{
		NewAggressive(log),
		NewPassive(log),
		NewIceberg(log),
		NewTWAP(log),
		NewSmart(log),
	} {
		f.Register(s)
	}
	return f
}

// Register adds or replaces a strategy under its name.
func (f *Factory) Register(s Strategy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strategies[s.Name()] = s
}

// Get returns the named strategy. An empty name resolves to Smart.
func (f *Factory) Get(name model.StrategyName) (Strategy, error) {
	if name == "" {
		name = model.StrategySmart
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q not registered", name)
	}
	return s, nil
}

// Names lists the registered strategy names.
func (f *Factory) Names() []model.StrategyName {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]model.StrategyName, 0, len(f.strategies))
	for name := range f.strategies {
		names = append(names, name)
	}
	return names
}
