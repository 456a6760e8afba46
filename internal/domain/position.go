package domain

import "time"

// Position represents a gap trade held by the bot. It is owned exclusively by
// the position manager for its symbol and mutated only through the manager's
// state transitions.
type Position struct {
	ID         int64          // Unique identifier for the position (usually from DB)
	Symbol     string         // Trading symbol (e.g., "BTCUSDT")
	EntryPrice float64        // Average fill price of the entry order
	ExitPrice  float64        // Average fill price of the exit order (0 while open)
	Quantity   float64        // Executed position size
	EntryTime  time.Time      // Timestamp when the entry filled
	ExitTime   time.Time      // Timestamp when the exit filled (zero value while open)
	Status     PositionStatus // Current lifecycle state
	PNL        float64        // Profit and loss, set on close

	// Gap that triggered the entry. ReferencePrice is the exit target: the
	// position closes when price crosses back through it.
	ReferencePrice float64
	GapSize        float64
	Direction      GapDirection

	CloseReason CloseReason // Why the position was closed (gap filled, SL, time limit)

	EntryOrderID string // Client order id of the entry order
	ExitOrderID  string // Client order id of the exit order, if submitted
}

// IsOpen reports whether the position still holds exposure on the exchange.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen || p.Status == StatusClosing
}

// IsTerminal reports whether the position reached an end state.
func (p *Position) IsTerminal() bool {
	return p.Status == StatusClosed || p.Status == StatusFailed
}
