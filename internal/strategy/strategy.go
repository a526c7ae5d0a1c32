// Package strategy hosts the trading strategies. A strategy is instantiated
// per instrument, declares the indicators it needs, and turns each newly
// closed candle into a conviction signal in [-3, 3].
//
// Strategies are constructed through the registry so products can name them
// in config, and their parameters carry optimizer ranges.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"wolfinch/internal/indicator"
	"wolfinch/pkg/types"
)

// ParamKind tags a parameter as integer- or float-valued for the optimizer.
type ParamKind int

const (
	ParamInt ParamKind = iota
	ParamFloat
)

// Param describes one tunable strategy parameter with its optimizer range.
type Param struct {
	Name    string
	Default float64
	Min     float64
	Max     float64
	Step    float64
	Kind    ParamKind
}

// Strategy is the contract every trading strategy implements. GenerateSignal
// is called once per newly closed candle, after the instrument's indicator
// subscriptions have been refreshed; series holds the closed candles oldest
// first, current candle last.
type Strategy interface {
	Name() string
	Warmup() int
	Params() []Param
	Indicators() []indicator.Subscription
	GenerateSignal(series []types.Candle, ind *indicator.Engine) types.Signal
}

// Factory builds a strategy bound to one instrument with the given parameter
// overrides (missing keys fall back to defaults).
type Factory func(instrument string, params map[string]float64) Strategy

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a strategy factory under its config name. Called from init
// by each strategy file; duplicate names panic at startup.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	registry[name] = f
}

// New constructs the named strategy for an instrument and checks that every
// indicator it subscribes to is one the engine can compute.
func New(name, instrument string, params map[string]float64) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (known: %v)", name, Names())
	}
	s := f(instrument, params)
	for _, sub := range s.Indicators() {
		if err := indicator.UnknownName(sub.Name); err != nil {
			return nil, fmt.Errorf("strategy %q: %w", name, err)
		}
	}
	return s, nil
}

// Names lists the registered strategy names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// paramOr reads an override or falls back to the default.
func paramOr(params map[string]float64, name string, def float64) float64 {
	if v, ok := params[name]; ok {
		return v
	}
	return def
}

func paramOrInt(params map[string]float64, name string, def int) int {
	if v, ok := params[name]; ok {
		return int(v)
	}
	return def
}
