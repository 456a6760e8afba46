package domain

import "time"

// Trade represents a completed gap round trip (entry fill through exit fill).
type Trade struct {
	ID          int64       // Unique identifier for the trade (usually from DB)
	PositionID  int64       // Identifier of the position this trade closed
	Symbol      string      // Trading symbol
	EntryPrice  float64     // Price at which the position was entered
	ExitPrice   float64     // Price at which the position was exited
	Quantity    float64     // Size of the position traded
	PNL         float64     // Profit and loss for this trade
	GapSize     float64     // Signed gap fraction that triggered the entry
	EntryTime   time.Time   // Timestamp when the position was entered
	ExitTime    time.Time   // Timestamp when the position was exited
	CloseReason CloseReason // Reason why the position was closed
}
