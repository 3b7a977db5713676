// Package strategy hosts the signal-producing strategies and the engine
// that feeds them market data.
//
// Strategies are pure state machines: OnTick and OnBar never perform I/O
// and return zero or more signals per event. The engine owns all I/O
// (bus consumption, fill feedback, signal handoff) and runs each
// (symbol, strategy) instance on its own goroutine so an instance always
// observes one linear event sequence.
package strategy

import (
	"fmt"
	"sort"

	"flowdesk/pkg/types"
)

// Strategy is the contract every trading strategy implements.
type Strategy interface {
	// Name identifies the strategy in signals, logs, and metrics.
	Name() string
	// Initialize seeds state from recent history before live events flow.
	Initialize(symbol string, history []types.Bar)
	// OnTick reacts to one tick. Must not block or perform I/O.
	OnTick(tick types.Tick) []types.Signal
	// OnBar reacts to one closed bar. Must not block or perform I/O.
	OnBar(bar types.Bar) []types.Signal
}

// FillHandler is implemented by strategies that track their own executions,
// such as the grid's level bookkeeping.
type FillHandler interface {
	OnFill(trade types.Trade)
}

// Factory builds a fresh strategy instance for one symbol.
type Factory func() Strategy

// Registry maps strategy names to factories so new strategies slot in
// without touching existing ones.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Build instantiates the named strategy.
func (r *Registry) Build(name string) (Strategy, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return f(), nil
}

// Names lists registered strategies in stable order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
