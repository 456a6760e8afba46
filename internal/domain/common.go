package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// GapDirection indicates which way the price jumped between consecutive candles.
type GapDirection string

const (
	GapUp   GapDirection = "up"
	GapDown GapDirection = "down"
)

// PositionStatus represents the lifecycle state of a trading position.
// A position is created as Pending when the entry order is submitted and
// becomes Open only after a confirmed fill.
type PositionStatus string

const (
	StatusPending PositionStatus = "pending"
	StatusOpen    PositionStatus = "open"
	StatusClosing PositionStatus = "closing"
	StatusClosed  PositionStatus = "closed"
	StatusFailed  PositionStatus = "failed"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonGapFilled CloseReason = "GAP_FILLED"
	CloseReasonStopLoss  CloseReason = "SL"
	CloseReasonTimeLimit CloseReason = "TIME_LIMIT" // max holding duration exceeded
	CloseReasonManual    CloseReason = "MANUAL"
	CloseReasonUnknown   CloseReason = "Unknown"
)
