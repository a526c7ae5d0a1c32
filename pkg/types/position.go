package types

import "time"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// Position tracks net exposure for one instrument. Sizes are in lots; PnL
// values are in quote currency (lots × lot size × price delta). The market
// worker is the single writer, so no lock lives here; readers get copies.
type Position struct {
	Instrument Instrument   `json:"instrument"`
	Side       PositionSide `json:"side"`
	Lots       int          `json:"lots"`      // always >= 0; 0 means flat
	LotSize    int          `json:"lot_size"`  // venue units per lot, >= 1
	AvgEntry   float64      `json:"avg_entry"` // weighted average entry price
	Realized   float64      `json:"realized"`  // cumulative realized PnL
	Unrealized float64      `json:"unrealized"`
	StopPrice  float64      `json:"stop_price"` // trailing stop, 0 = none
	OpenedAt   time.Time    `json:"opened_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Flat reports whether the position holds no lots.
func (p *Position) Flat() bool { return p.Lots == 0 }

// unitsPerLot guards against zero lot size in PnL math.
func (p *Position) unitsPerLot() float64 {
	if p.LotSize < 1 {
		return 1
	}
	return float64(p.LotSize)
}

// direction is +1 for long, -1 for short exposure.
func (p *Position) direction() float64 {
	if p.Side == Short {
		return -1
	}
	return 1
}

// ApplyFill folds an executed fill into the position and returns the PnL
// realized by this fill (0 when the fill only adds exposure).
//
// A fill on the additive side re-weights the average entry:
//
//	avg = (avg·lots + price·fillLots) / (lots + fillLots)
//
// A fill on the reducing side realizes (price − avg) per unit against the
// closed lots, keeping the remaining lots at the old average. A fill that
// crosses through zero closes the position and opens the remainder on the
// opposite side at the fill price.
func (p *Position) ApplyFill(side Side, lots int, price float64) (realized float64) {
	if lots <= 0 {
		return 0
	}
	now := time.Now().UTC()
	fillSide := Long
	if side == Sell {
		fillSide = Short
	}

	if p.Lots == 0 {
		p.Side = fillSide
		p.Lots = lots
		p.AvgEntry = price
		p.OpenedAt = now
		p.UpdatedAt = now
		return 0
	}

	if fillSide == p.Side {
		total := p.Lots + lots
		p.AvgEntry = (p.AvgEntry*float64(p.Lots) + price*float64(lots)) / float64(total)
		p.Lots = total
		p.UpdatedAt = now
		return 0
	}

	// Reducing side: realize against the average entry.
	closed := lots
	if closed > p.Lots {
		closed = p.Lots
	}
	realized = (price - p.AvgEntry) * p.direction() * float64(closed) * p.unitsPerLot()
	p.Realized += realized
	p.Lots -= closed
	p.UpdatedAt = now

	if p.Lots == 0 {
		remainder := lots - closed
		if remainder > 0 {
			// Crossed through zero: flip to the fill's side.
			p.Side = fillSide
			p.Lots = remainder
			p.AvgEntry = price
			p.OpenedAt = now
		} else {
			p.AvgEntry = 0
			p.StopPrice = 0
			p.Unrealized = 0
		}
	}
	return realized
}

// MarkTo recomputes unrealized PnL at the given mark price and returns it.
func (p *Position) MarkTo(price float64) float64 {
	if p.Lots == 0 {
		p.Unrealized = 0
		return 0
	}
	p.Unrealized = (price - p.AvgEntry) * p.direction() * float64(p.Lots) * p.unitsPerLot()
	return p.Unrealized
}
