package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidTransition is returned when an order is asked to move out of a
// terminal status, or when a fill would exceed the requested size. Callers
// treat it as a hard error: the attempt is logged and dropped, state on disk
// is never mutated.
var ErrInvalidTransition = errors.New("invalid order transition")

// sizeEpsilon absorbs venue rounding when checking filled + remaining
// against the requested size.
const sizeEpsilon = 1e-9

// Order is the canonical order record. The core sizes orders in lots; the
// venue-unit sizes (requested, filled, remaining) are what the adapter
// reported back, so filled + remaining = requested always holds in venue
// units within rounding tolerance.
type Order struct {
	ID         string     `json:"id"`        // venue-assigned order ID
	ClientID   string     `json:"client_id"` // our idempotency key
	Instrument Instrument `json:"instrument"`
	Side       Side       `json:"side"`
	Type       OrderType  `json:"type"`
	Lots       int        `json:"lots"`  // requested size in lots
	Price      float64    `json:"price"` // limit price; 0 for market orders

	Requested float64 `json:"requested"` // requested size, venue units
	Filled    float64 `json:"filled"`    // cumulative filled, venue units
	Remaining float64 `json:"remaining"` // requested - filled

	AvgPrice float64 `json:"avg_price"` // volume-weighted fill price
	Fees     float64 `json:"fees"`      // cumulative fees, quote units

	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Transition applies a status change plus an optional incremental fill.
//
// Legal transitions are open→open (partial fill), open→filled,
// open→canceled, and open→rejected. Any transition out of a terminal status
// returns ErrInvalidTransition and leaves the order untouched, as does a
// negative fill delta, a fill that would push Filled past Requested, or a
// move to filled while size remains outstanding.
//
// fillDelta is the newly filled quantity in venue units since the last
// report; price is the execution price for that delta (0 when no fill);
// fees is the incremental fee charged for the delta.
func (o *Order) Transition(newStatus OrderStatus, fillDelta, price, fees float64) error {
	if o.Status.Terminal() {
		return fmt.Errorf("%w: order %s is %s, cannot move to %s",
			ErrInvalidTransition, o.ID, o.Status, newStatus)
	}
	if fillDelta < 0 {
		return fmt.Errorf("%w: order %s negative fill delta %g",
			ErrInvalidTransition, o.ID, fillDelta)
	}
	filled := o.Filled + fillDelta
	if filled > o.Requested+sizeEpsilon {
		return fmt.Errorf("%w: order %s fill %g exceeds requested %g",
			ErrInvalidTransition, o.ID, filled, o.Requested)
	}
	if newStatus == StatusFilled && o.Requested-filled > sizeEpsilon {
		return fmt.Errorf("%w: order %s marked filled with %g remaining",
			ErrInvalidTransition, o.ID, o.Requested-filled)
	}

	if fillDelta > 0 {
		// Volume-weighted average across all fills so far.
		o.AvgPrice = (o.AvgPrice*o.Filled + price*fillDelta) / filled
	}
	o.Filled = filled
	o.Remaining = o.Requested - filled
	if o.Remaining < 0 {
		o.Remaining = 0
	}
	o.Fees += fees
	o.Status = newStatus
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// CheckSizes verifies the filled + remaining = requested invariant.
func (o *Order) CheckSizes() error {
	if math.Abs(o.Filled+o.Remaining-o.Requested) > sizeEpsilon {
		return fmt.Errorf("order %s size invariant violated: filled %g + remaining %g != requested %g",
			o.ID, o.Filled, o.Remaining, o.Requested)
	}
	return nil
}
