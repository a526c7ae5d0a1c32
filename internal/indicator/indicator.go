// Package indicator computes technical indicators over candle series and
// keeps the per-instrument computed history that strategies read.
//
// All indicators are pure functions of the series except the supertrend,
// whose band carry-over is held per instrument inside the Engine and cleared
// with ResetState.
package indicator

import (
	"fmt"
	"log/slog"
	"sync"

	"wolfinch/pkg/types"
)

// Params carries indicator tuning by name, e.g. {"period": 14}.
type Params map[string]float64

// Get returns the named parameter or def when absent.
func (p Params) Get(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// GetInt returns the named parameter truncated to int, or def when absent.
func (p Params) GetInt(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(v)
	}
	return def
}

// Value is one indicator output. Scalar carries the primary value;
// multi-output families set the Extra fields listed below.
type Value struct {
	Scalar float64            `json:"scalar"`
	Extra  map[string]float64 `json:"extra,omitempty"`
}

// Extra keys used by the multi-output indicators.
const (
	FieldUpper     = "upper"     // bollinger
	FieldMiddle    = "middle"    // bollinger
	FieldLower     = "lower"     // bollinger
	FieldSignal    = "signal"    // macd
	FieldHistogram = "histogram" // macd
	FieldK         = "k"         // stochastic
	FieldD         = "d"         // stochastic
	FieldDirection = "direction" // supertrend: +1 up, -1 down
	FieldPlusDI    = "plus_di"   // adx
	FieldMinusDI   = "minus_di"  // adx
)

// Subscription declares one indicator a strategy wants computed per closed
// candle. Alias is the strategy-local handle, unique within one instrument.
// History is how many computed values the engine retains (minimum 2, so
// strategies can always compare current against previous).
type Subscription struct {
	Alias   string
	Name    string
	Params  Params
	History int
}

// Engine computes subscribed indicators once per closed candle and retains
// their recent values per instrument.
type Engine struct {
	logger *slog.Logger

	mu     sync.Mutex
	series map[string][]Value          // instrument|alias → computed history
	st     map[string]*supertrendState // instrument|alias → band carry-over
	subs   map[string][]Subscription   // instrument → active subscriptions
}

// NewEngine returns an empty indicator engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger: logger.With("component", "indicator"),
		series: make(map[string][]Value),
		st:     make(map[string]*supertrendState),
		subs:   make(map[string][]Subscription),
	}
}

// Subscribe registers the indicator set for an instrument, replacing any
// previous registration. Called once when a market starts.
func (e *Engine) Subscribe(instrument string, subs []Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	normalized := make([]Subscription, len(subs))
	for i, s := range subs {
		if s.History < 2 {
			s.History = 2
		}
		normalized[i] = s
	}
	e.subs[instrument] = normalized
}

// Refresh computes every subscribed indicator for the instrument against the
// series (whose last element must be the newly closed candle) and appends
// the results to the retained history. Indicators whose window is not yet
// met are skipped; counting starts once enough candles exist.
func (e *Engine) Refresh(instrument string, series []types.Candle) int {
	e.mu.Lock()
	subs := e.subs[instrument]
	e.mu.Unlock()

	computed := 0
	for _, sub := range subs {
		v, ok := e.compute(instrument, sub.Alias, series, sub.Name, sub.Params)
		if !ok {
			continue
		}
		key := instrument + "|" + sub.Alias
		e.mu.Lock()
		hist := append(e.series[key], v)
		if len(hist) > sub.History {
			hist = hist[len(hist)-sub.History:]
		}
		e.series[key] = hist
		e.mu.Unlock()
		computed++
	}
	return computed
}

// Last returns the most recent computed value for the instrument's alias.
func (e *Engine) Last(instrument, alias string) (Value, bool) {
	return e.Back(instrument, alias, 0)
}

// Back returns the value n steps before the most recent one (Back(.., 0) is
// the latest, Back(.., 1) the previous candle's value).
func (e *Engine) Back(instrument, alias string, n int) (Value, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := e.series[instrument+"|"+alias]
	if n < 0 || len(hist) <= n {
		return Value{}, false
	}
	return hist[len(hist)-1-n], true
}

// ResetState drops all retained values and supertrend bands for the
// instrument. Used at market close and restart.
func (e *Engine) ResetState(instrument string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := instrument + "|"
	for k := range e.series {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(e.series, k)
		}
	}
	for k := range e.st {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(e.st, k)
		}
	}
}

// Compute evaluates one indicator against the series without touching the
// retained history. This is the one-shot entry point used by tooling that
// replays stored candles; streaming carry-over state (supertrend) is still
// keyed by instrument and alias.
func (e *Engine) Compute(instrument, alias string, series []types.Candle, name string, p Params) (Value, bool) {
	return e.compute(instrument, alias, series, name, p)
}

// Window returns the minimum series length the named indicator needs. 0
// means the name is unknown.
func Window(name string, p Params) int {
	switch name {
	case "sma", "volume_sma":
		return p.GetInt("period", 20)
	case "ema":
		return p.GetInt("period", 20)
	case "rsi":
		return p.GetInt("period", 14) + 1
	case "macd":
		return p.GetInt("slow", 26) + p.GetInt("signal", 9) - 1
	case "bollinger":
		return p.GetInt("period", 20)
	case "stochastic":
		return p.GetInt("k_period", 14) + p.GetInt("d_period", 3) - 1
	case "atr":
		return p.GetInt("period", 14) + 1
	case "adx":
		return 2 * p.GetInt("period", 14)
	case "supertrend":
		return p.GetInt("period", 10) + 1
	case "vwap":
		return 1
	default:
		return 0
	}
}

func (e *Engine) compute(instrument, alias string, series []types.Candle, name string, p Params) (Value, bool) {
	switch name {
	case "sma":
		v, ok := sma(closes(series), p.GetInt("period", 20))
		return Value{Scalar: v}, ok
	case "volume_sma":
		v, ok := sma(volumes(series), p.GetInt("period", 20))
		return Value{Scalar: v}, ok
	case "ema":
		v, ok := emaLast(closes(series), p.GetInt("period", 20))
		return Value{Scalar: v}, ok
	case "rsi":
		v, ok := rsiWilder(closes(series), p.GetInt("period", 14))
		return Value{Scalar: v}, ok
	case "atr":
		v, ok := atrWilder(series, p.GetInt("period", 14))
		return Value{Scalar: v}, ok
	case "vwap":
		v, ok := vwap(series)
		return Value{Scalar: v}, ok
	case "macd":
		m, s, h, ok := macd(closes(series), p.GetInt("fast", 12), p.GetInt("slow", 26), p.GetInt("signal", 9))
		return Value{Scalar: m, Extra: map[string]float64{FieldSignal: s, FieldHistogram: h}}, ok
	case "bollinger":
		u, m, l, ok := bollinger(closes(series), p.GetInt("period", 20), p.Get("dev", 2))
		return Value{Scalar: m, Extra: map[string]float64{FieldUpper: u, FieldMiddle: m, FieldLower: l}}, ok
	case "stochastic":
		k, d, ok := stochastic(series, p.GetInt("k_period", 14), p.GetInt("d_period", 3))
		return Value{Scalar: k, Extra: map[string]float64{FieldK: k, FieldD: d}}, ok
	case "adx":
		a, plus, minus, ok := adx(series, p.GetInt("period", 14))
		return Value{Scalar: a, Extra: map[string]float64{FieldPlusDI: plus, FieldMinusDI: minus}}, ok
	case "supertrend":
		return e.supertrend(instrument+"|"+alias, series, p.GetInt("period", 10), p.Get("multiplier", 3))
	default:
		e.logger.Warn("unknown indicator", "name", name)
		return Value{}, false
	}
}

// UnknownName reports whether the indicator name is recognized; used by
// config validation before markets start.
func UnknownName(name string) error {
	if Window(name, nil) == 0 {
		return fmt.Errorf("unknown indicator %q", name)
	}
	return nil
}
