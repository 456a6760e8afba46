package gap

import (
	"context"
	"fmt"
	"math"

	"gaphunter/internal/domain"
	"gaphunter/internal/ports"
)

// Config holds parameters for gap detection.
type Config struct {
	WindowSize int     // rolling candles kept per symbol, must be >= 2
	Threshold  float64 // default relative jump that qualifies as a gap, e.g. 0.05

	// SymbolThresholds overrides Threshold per symbol.
	SymbolThresholds map[string]float64
}

// Detector watches per-symbol candle sequences and surfaces a GapEvent when
// two consecutive closes differ by at least the configured threshold.
//
// Only the most recent unconsumed gap per symbol is surfaced: after an event
// is returned the detector latches for that symbol and stays silent until
// Reset is called (once the triggering position reaches a terminal state).
// This prevents duplicate entries on the same discontinuity.
type Detector struct {
	cfg    Config
	logger ports.Logger

	windows map[string][]*domain.Candle
	latched map[string]bool
}

// New creates a Detector.
func New(cfg Config, logger ports.Logger) (*Detector, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for gap detector")
	}
	if cfg.WindowSize < 2 {
		return nil, fmt.Errorf("window size must be at least 2, got %d", cfg.WindowSize)
	}
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("gap threshold must be positive, got %f", cfg.Threshold)
	}
	for sym, th := range cfg.SymbolThresholds {
		if th <= 0 {
			return nil, fmt.Errorf("gap threshold for %s must be positive, got %f", sym, th)
		}
	}
	return &Detector{
		cfg:     cfg,
		logger:  logger,
		windows: make(map[string][]*domain.Candle),
		latched: make(map[string]bool),
	}, nil
}

// threshold returns the effective threshold for a symbol.
func (d *Detector) threshold(symbol string) float64 {
	if th, ok := d.cfg.SymbolThresholds[symbol]; ok {
		return th
	}
	return d.cfg.Threshold
}

// Observe ingests the next candle for its symbol and returns a GapEvent when
// the candle completes a qualifying discontinuity.
//
// Insufficient history is not an error: the detector simply has no event yet.
// A candle with implausible prices is rejected with ErrDataIntegrity and not
// added to the window.
func (d *Detector) Observe(ctx context.Context, c *domain.Candle) (*domain.GapEvent, error) {
	if c == nil {
		return nil, fmt.Errorf("nil candle: %w", ports.ErrDataIntegrity)
	}
	if !c.IsPlausible() {
		return nil, fmt.Errorf("candle %s @ %s has non-positive prices: %w",
			c.Symbol, c.OpenTime.Format("2006-01-02T15:04:05Z07:00"), ports.ErrDataIntegrity)
	}

	window := append(d.windows[c.Symbol], c)
	if len(window) > d.cfg.WindowSize {
		window = window[len(window)-d.cfg.WindowSize:]
	}
	d.windows[c.Symbol] = window

	if len(window) < 2 {
		return nil, nil
	}
	if d.latched[c.Symbol] {
		return nil, nil
	}

	prev := window[len(window)-2]
	gapSize := (c.Close - prev.Close) / prev.Close
	if math.Abs(gapSize) < d.threshold(c.Symbol) {
		return nil, nil
	}

	direction := domain.GapUp
	if gapSize < 0 {
		direction = domain.GapDown
	}

	ev := &domain.GapEvent{
		Symbol:         c.Symbol,
		DetectedAt:     c.OpenTime,
		ReferencePrice: prev.Close,
		GapSize:        gapSize,
		Direction:      direction,
	}
	d.latched[c.Symbol] = true

	d.logger.Info(ctx, "Gap detected", map[string]interface{}{
		"symbol":         ev.Symbol,
		"direction":      ev.Direction,
		"gapSize":        ev.GapSize,
		"referencePrice": ev.ReferencePrice,
		"close":          c.Close,
	})
	return ev, nil
}

// Reset re-arms detection for a symbol. Called once the position opened on the
// last surfaced gap reaches Closed or Failed.
func (d *Detector) Reset(symbol string) {
	delete(d.latched, symbol)
}

// WindowLen returns the current number of candles held for a symbol.
func (d *Detector) WindowLen(symbol string) int {
	return len(d.windows[symbol])
}
