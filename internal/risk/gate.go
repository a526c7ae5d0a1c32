// Package risk enforces the account-level trading limits: daily loss caps,
// per-order size caps and the open-position cap. Every order passes through
// the gate before it reaches an exchange adapter, and every fill is reported
// back so the gate's view of the day stays current. State is persisted
// atomically after each mutation so limits hold across restarts.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"wolfinch/internal/config"
	"wolfinch/pkg/types"
)

const dateLayout = "2006-01-02"

// Gate applies the configured risk limits. All methods are safe for
// concurrent use; a single mutex serializes every check and mutation so an
// admit decision always sees a consistent day.
type Gate struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	lotSizes map[string]int

	now func() time.Time
}

// NewGate restores persisted state (resetting daily counters if the stored
// trading date is stale) and returns a ready gate.
func NewGate(cfg config.RiskConfig, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		cfg:      cfg,
		logger:   logger.With("component", "risk"),
		lotSizes: make(map[string]int),
		now:      time.Now,
	}

	st, err := loadState(cfg.StateFile, g.today())
	if err != nil {
		return nil, err
	}
	g.state = st

	g.logger.Info("risk gate ready",
		"date", st.Date,
		"daily_pnl", st.DailyPnL,
		"open_positions", len(st.OpenPositions),
		"blocked", st.Blocked)
	return g, nil
}

// SetLotSize registers the contract size for an instrument. New position
// entries opened for it will compute unrealized P&L per lot of that size.
func (g *Gate) SetLotSize(instrument string, lotSize int) {
	if lotSize < 1 {
		lotSize = 1
	}
	g.mu.Lock()
	g.lotSizes[instrument] = lotSize
	g.mu.Unlock()
}

// Admit decides whether an order may be placed. It returns (true, "OK") or
// (false, reason). Checks run in a fixed order: date rollover, the block
// latch, the daily loss limits (absolute then percent, both of which latch
// the block), the per-order size cap and the open-position cap (which deny
// without latching).
func (g *Gate) Admit(instrument string, side types.Side, lots int, price float64) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked()

	if g.state.Blocked {
		return false, fmt.Sprintf("Trading blocked: %s", g.state.BlockReason)
	}

	total := g.state.DailyPnL + g.state.unrealizedTotal()

	if g.cfg.MaxDailyLoss > 0 && math.Abs(total) >= g.cfg.MaxDailyLoss {
		reason := fmt.Sprintf("Daily loss limit reached: %.2f", math.Abs(total))
		g.blockLocked(reason)
		return false, reason
	}

	if g.cfg.MaxDailyLossPercent > 0 && g.cfg.StartingCapital > 0 {
		pct := math.Abs(total) / g.cfg.StartingCapital * 100
		if pct >= g.cfg.MaxDailyLossPercent {
			reason := fmt.Sprintf("Daily loss %% limit reached: %.2f%%", pct)
			g.blockLocked(reason)
			return false, reason
		}
	}

	if g.cfg.MaxPositionSize > 0 && lots > g.cfg.MaxPositionSize {
		return false, fmt.Sprintf("Position size %d exceeds max %d lots", lots, g.cfg.MaxPositionSize)
	}

	if side == types.Buy && g.cfg.MaxOpenPositions > 0 {
		if _, held := g.state.OpenPositions[instrument]; !held && len(g.state.OpenPositions) >= g.cfg.MaxOpenPositions {
			return false, fmt.Sprintf("Max open positions %d reached", g.cfg.MaxOpenPositions)
		}
	}

	return true, "OK"
}

// RecordTrade registers an executed trade: it joins the daily tally, realized
// P&L is added to the day's total, and the matching position entry is opened,
// averaged up, reduced or removed. Fills are never rejected here; only Admit
// turns orders away.
func (g *Gate) RecordTrade(instrument string, side types.Side, lots int, price, realizedPnL float64, tradeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked()

	g.state.DailyTrades = append(g.state.DailyTrades, TradeRecord{
		TradeID:    tradeID,
		Timestamp:  g.now().UTC(),
		Instrument: instrument,
		Side:       string(side),
		Lots:       lots,
		Price:      price,
		PnL:        realizedPnL,
	})
	g.state.DailyPnL += realizedPnL

	switch side {
	case types.Buy:
		if pos, ok := g.state.OpenPositions[instrument]; ok {
			totalLots := pos.Lots + lots
			if totalLots > 0 {
				pos.EntryPrice = (pos.EntryPrice*float64(pos.Lots) + price*float64(lots)) / float64(totalLots)
			}
			pos.Lots = totalLots
		} else {
			g.state.OpenPositions[instrument] = &PositionEntry{
				Lots:       lots,
				LotSize:    g.lotSizeLocked(instrument),
				EntryPrice: price,
				EntryTime:  g.now().UTC(),
			}
		}
	case types.Sell:
		if pos, ok := g.state.OpenPositions[instrument]; ok {
			pos.Lots -= lots
			if pos.Lots <= 0 {
				delete(g.state.OpenPositions, instrument)
			}
		}
	}

	g.persistLocked()

	g.logger.Info("trade recorded",
		"instrument", instrument,
		"side", side,
		"lots", lots,
		"price", price,
		"realized_pnl", realizedPnL,
		"daily_pnl", g.state.DailyPnL)
}

// UpdateMark refreshes the hot price and unrealized P&L of the matching open
// position. Instruments with no open entry are ignored.
func (g *Gate) UpdateMark(instrument string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pos, ok := g.state.OpenPositions[instrument]
	if !ok {
		return
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = (price - pos.EntryPrice) * float64(pos.Lots) * float64(pos.LotSize)
	g.persistLocked()
}

// ForceUnblock clears the block latch without waiting for the next trading
// day. Intended for the operator API.
func (g *Gate) ForceUnblock() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.state.Blocked {
		return
	}
	g.logger.Warn("block latch cleared by operator", "previous_reason", g.state.BlockReason)
	g.state.Blocked = false
	g.state.BlockReason = ""
	g.persistLocked()
}

// ForceCloseAll drops every open position entry from the gate's book and
// returns the instruments that were held. The caller is responsible for
// actually flattening them on the venue.
func (g *Gate) ForceCloseAll() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.state.OpenPositions) == 0 {
		return nil
	}
	closed := make([]string, 0, len(g.state.OpenPositions))
	for instrument := range g.state.OpenPositions {
		closed = append(closed, instrument)
	}
	sort.Strings(closed)
	g.state.OpenPositions = make(map[string]*PositionEntry)
	g.persistLocked()

	g.logger.Warn("all positions force-closed", "instruments", closed)
	return closed
}

// Blocked reports the block latch and its reason.
func (g *Gate) Blocked() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Blocked, g.state.BlockReason
}

// rolloverLocked resets the daily counters when the trading date has moved
// on. Open positions are retained. Callers hold g.mu.
func (g *Gate) rolloverLocked() {
	today := g.today()
	if g.state.Date == today {
		return
	}
	g.logger.Info("trading date rolled over", "from", g.state.Date, "to", today)
	g.state.resetDaily(today)
	g.persistLocked()
}

// blockLocked latches the block and persists it. Callers hold g.mu.
func (g *Gate) blockLocked(reason string) {
	g.state.Blocked = true
	g.state.BlockReason = reason
	g.persistLocked()
	g.logger.Error("trading blocked", "reason", reason)
}

func (g *Gate) lotSizeLocked(instrument string) int {
	if ls, ok := g.lotSizes[instrument]; ok {
		return ls
	}
	return 1
}

func (g *Gate) persistLocked() {
	if g.cfg.StateFile == "" {
		return
	}
	if err := saveState(g.cfg.StateFile, &g.state); err != nil {
		g.logger.Error("failed to persist risk state", "error", err)
	}
}

func (g *Gate) today() string {
	return g.now().UTC().Format(dateLayout)
}
