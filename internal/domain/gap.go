package domain

import "time"

// GapEvent records a qualifying price discontinuity between two consecutive
// candle closes. Events are created by the gap detector and are read-only
// downstream.
type GapEvent struct {
	Symbol         string       // Trading symbol the gap was observed on
	DetectedAt     time.Time    // Open time of the candle that completed the gap
	ReferencePrice float64      // Close of the candle before the gap (the fill target)
	GapSize        float64      // Signed jump as a fraction of ReferencePrice
	Direction      GapDirection // up if the close jumped above the reference, else down
}
