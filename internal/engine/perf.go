package engine

import (
	"math"
	"sync"
	"time"
)

// PerfStats is a point-in-time roll-up of one market's completed trades.
type PerfStats struct {
	Trades      int
	Wins        int
	WinRate     float64 // percent
	SharpeRatio float64 // per-trade return mean/σ, 0 with < 2 trades
	MaxDrawdown float64 // deepest peak-to-trough drop of cumulative P&L, >= 0
	TotalPnL    float64
	AvgPnL      float64
	AvgDuration time.Duration
}

// perfTracker accumulates per-trade results for one market. The worker
// records, the supervisor tick and API read. Drawdown runs off the
// cumulative P&L curve so it survives without storing the full history.
type perfTracker struct {
	mu sync.Mutex

	pnls      []float64
	durations time.Duration
	wins      int

	equity float64 // cumulative P&L
	peak   float64 // high-water mark
	maxDD  float64
	sum    float64
	sumSq  float64
}

func newPerfTracker() *perfTracker {
	return &perfTracker{}
}

// record folds one completed round-trip into the statistics.
func (p *perfTracker) record(pnl float64, held time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pnls = append(p.pnls, pnl)
	p.durations += held
	if pnl > 0 {
		p.wins++
	}
	p.sum += pnl
	p.sumSq += pnl * pnl

	p.equity += pnl
	if p.equity > p.peak {
		p.peak = p.equity
	}
	if dd := p.peak - p.equity; dd > p.maxDD {
		p.maxDD = dd
	}
}

// snapshot computes the current statistics.
func (p *perfTracker) snapshot() PerfStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.pnls)
	stats := PerfStats{
		Trades:      n,
		Wins:        p.wins,
		MaxDrawdown: p.maxDD,
		TotalPnL:    p.equity,
	}
	if n == 0 {
		return stats
	}

	stats.WinRate = float64(p.wins) / float64(n) * 100
	stats.AvgPnL = p.sum / float64(n)
	stats.AvgDuration = p.durations / time.Duration(n)

	if n >= 2 {
		mean := p.sum / float64(n)
		variance := (p.sumSq - float64(n)*mean*mean) / float64(n-1)
		if variance > 0 {
			stats.SharpeRatio = mean / math.Sqrt(variance)
		}
	}
	return stats
}

// statsMap formats the snapshot for a performance.snapshots event.
func (s PerfStats) statsMap(key string) map[string]interface{} {
	return map[string]interface{}{
		"symbol":           key,
		"total_trades":     s.Trades,
		"wins":             s.Wins,
		"win_rate":         s.WinRate,
		"sharpe_ratio":     s.SharpeRatio,
		"max_drawdown":     s.MaxDrawdown,
		"total_pnl":        s.TotalPnL,
		"avg_pnl":          s.AvgPnL,
		"avg_duration_sec": s.AvgDuration.Seconds(),
	}
}
