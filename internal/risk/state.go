package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PositionEntry is the gate's own view of one open position: enough to
// enforce the open-position cap and track unrealized P&L against marks.
type PositionEntry struct {
	Lots          int       `json:"lots"`
	LotSize       int       `json:"lot_size"`
	EntryPrice    float64   `json:"entry_price"`
	EntryTime     time.Time `json:"entry_time"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
}

// TradeRecord is one executed trade in today's tally.
type TradeRecord struct {
	TradeID    string    `json:"trade_id"`
	Timestamp  time.Time `json:"timestamp"`
	Instrument string    `json:"instrument"`
	Side       string    `json:"side"`
	Lots       int       `json:"lots"`
	Price      float64   `json:"price"`
	PnL        float64   `json:"pnl"`
}

// State is everything the gate persists. One JSON object, rewritten
// atomically after every mutation so a crash never leaves the limits
// half-applied.
type State struct {
	Date          string                    `json:"date"` // trading date, YYYY-MM-DD UTC
	DailyPnL      float64                   `json:"daily_pnl"`
	OpenPositions map[string]*PositionEntry `json:"open_positions"`
	DailyTrades   []TradeRecord             `json:"daily_trades"`
	Blocked       bool                      `json:"blocked"`
	BlockReason   string                    `json:"block_reason"`
	Timestamp     time.Time                 `json:"timestamp"`
}

func newState(date string) State {
	return State{
		Date:          date,
		OpenPositions: make(map[string]*PositionEntry),
	}
}

// saveState atomically persists the state: write to a .tmp file, fsync, then
// rename over the target so the file is never left partial.
func saveState(path string, st *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	st.Timestamp = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write risk state: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write risk state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync risk state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close risk state: %w", err)
	}
	return os.Rename(tmp, path)
}

// loadState restores state from disk. A missing file yields a fresh state
// for the given date. Positions survive restarts; their hot price and
// unrealized P&L are re-derived from the next marks.
func loadState(path, today string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(today), nil
		}
		return State{}, fmt.Errorf("read risk state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("unmarshal risk state: %w", err)
	}
	if st.OpenPositions == nil {
		st.OpenPositions = make(map[string]*PositionEntry)
	}
	for _, pos := range st.OpenPositions {
		pos.CurrentPrice = 0
		pos.UnrealizedPnL = 0
	}
	if st.Date != today {
		st.resetDaily(today)
	}
	return st, nil
}

// resetDaily clears the daily counters and the block latch for a new trading
// day. Open positions are retained.
func (st *State) resetDaily(today string) {
	st.Date = today
	st.DailyPnL = 0
	st.DailyTrades = nil
	st.Blocked = false
	st.BlockReason = ""
}

// unrealizedTotal sums unrealized P&L across open positions.
func (st *State) unrealizedTotal() float64 {
	var sum float64
	for _, pos := range st.OpenPositions {
		sum += pos.UnrealizedPnL
	}
	return sum
}
