package risk

import (
	"math"
	"sort"
)

// PositionView is a read-only copy of one open position entry.
type PositionView struct {
	Instrument    string  `json:"instrument"`
	Lots          int     `json:"lots"`
	LotSize       int     `json:"lot_size"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Limits echoes the configured caps so a snapshot is self-describing.
type Limits struct {
	MaxDailyLoss        float64 `json:"max_daily_loss"`
	MaxDailyLossPercent float64 `json:"max_daily_loss_percent"`
	MaxPositionSize     int     `json:"max_position_size"`
	MaxOpenPositions    int     `json:"max_open_positions"`
	StartingCapital     float64 `json:"starting_capital"`
}

// Utilization reports how much of each limit the day has consumed.
type Utilization struct {
	LossLimitUsedPct       float64 `json:"loss_limit_used_pct"`
	PositionSlotsUsed      int     `json:"position_slots_used"`
	PositionSlotsAvailable int     `json:"position_slots_available"`
}

// Snapshot is a consistent point-in-time view of the gate.
type Snapshot struct {
	Date          string         `json:"date"`
	RealizedPnL   float64        `json:"realized_pnl"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	TotalPnL      float64        `json:"total_pnl"`
	OpenPositions []PositionView `json:"open_positions"`
	DailyTrades   int            `json:"daily_trades"`
	Blocked       bool           `json:"blocked"`
	BlockReason   string         `json:"block_reason"`
	Limits        Limits         `json:"limits"`
	Utilization   Utilization    `json:"utilization"`
}

// Snapshot returns a copy of the gate's current state. It never exposes the
// live maps, so callers can hold the result as long as they like.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	unrealized := g.state.unrealizedTotal()
	total := g.state.DailyPnL + unrealized

	positions := make([]PositionView, 0, len(g.state.OpenPositions))
	for instrument, pos := range g.state.OpenPositions {
		positions = append(positions, PositionView{
			Instrument:    instrument,
			Lots:          pos.Lots,
			LotSize:       pos.LotSize,
			EntryPrice:    pos.EntryPrice,
			CurrentPrice:  pos.CurrentPrice,
			UnrealizedPnL: pos.UnrealizedPnL,
		})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Instrument < positions[j].Instrument })

	var lossUsed float64
	if g.cfg.MaxDailyLoss > 0 {
		lossUsed = math.Abs(total) / g.cfg.MaxDailyLoss * 100
	}
	slotsAvailable := 0
	if g.cfg.MaxOpenPositions > 0 {
		slotsAvailable = g.cfg.MaxOpenPositions - len(positions)
		if slotsAvailable < 0 {
			slotsAvailable = 0
		}
	}

	return Snapshot{
		Date:          g.state.Date,
		RealizedPnL:   g.state.DailyPnL,
		UnrealizedPnL: unrealized,
		TotalPnL:      total,
		OpenPositions: positions,
		DailyTrades:   len(g.state.DailyTrades),
		Blocked:       g.state.Blocked,
		BlockReason:   g.state.BlockReason,
		Limits: Limits{
			MaxDailyLoss:        g.cfg.MaxDailyLoss,
			MaxDailyLossPercent: g.cfg.MaxDailyLossPercent,
			MaxPositionSize:     g.cfg.MaxPositionSize,
			MaxOpenPositions:    g.cfg.MaxOpenPositions,
			StartingCapital:     g.cfg.StartingCapital,
		},
		Utilization: Utilization{
			LossLimitUsedPct:       lossUsed,
			PositionSlotsUsed:      len(positions),
			PositionSlotsAvailable: slotsAvailable,
		},
	}
}
