package position

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gaphunter/internal/domain"
	"gaphunter/internal/ports"
)

// Config holds the entry filter and exit rules for a single symbol.
type Config struct {
	Symbol        string
	Quantity      float64       // order size for entries
	MinGapSize    float64       // minimum |gapSize| accepted by the entry filter (0 = any qualifying gap)
	Direction     string        // "up", "down" or "both" — gap directions the filter accepts
	FillTolerance float64       // fraction of the reference price counting as a gap fill
	StopLossPct   float64       // 0 disables the stop loss exit
	MaxHold       time.Duration // secondary exit bounding capital lock-up
	Cooldown      time.Duration // quiet period after a Closed/Failed exit
}

// Manager drives the position lifecycle for one symbol:
//
//	Idle -> Pending -> Open -> Closing -> Closed -> Idle
//
// with Failed as the terminal error state until an external reset. A Manager
// is owned by its symbol's task and must not be shared across goroutines;
// that single-owner rule is what makes it lock-free.
type Manager struct {
	cfg    Config
	logger ports.Logger

	current  *domain.Position // nil while Idle
	lastExit time.Time        // cooldown stamp from the previous Closed/Failed exit
}

// NewManager creates a Manager for one symbol.
func NewManager(cfg Config, logger ports.Logger) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for position manager")
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if cfg.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %f", cfg.Quantity)
	}
	if cfg.FillTolerance < 0 {
		return nil, fmt.Errorf("fill tolerance cannot be negative, got %f", cfg.FillTolerance)
	}
	if cfg.StopLossPct < 0 || cfg.StopLossPct >= 1 {
		return nil, fmt.Errorf("stop loss must be in [0, 1), got %f", cfg.StopLossPct)
	}
	switch cfg.Direction {
	case "up", "down", "both":
	default:
		return nil, fmt.Errorf("direction must be up, down or both, got %q", cfg.Direction)
	}
	return &Manager{cfg: cfg, logger: logger}, nil
}

// Current returns the position currently occupying the symbol, nil while Idle.
func (m *Manager) Current() *domain.Position {
	return m.current
}

// Idle reports whether a new gap entry may be considered.
func (m *Manager) Idle() bool {
	return m.current == nil
}

// Resume adopts a persisted position after a restart. Only non-closed
// positions may be resumed.
func (m *Manager) Resume(pos *domain.Position) error {
	if pos == nil || pos.Status == domain.StatusClosed {
		return fmt.Errorf("cannot resume a nil or closed position")
	}
	if m.current != nil {
		return fmt.Errorf("symbol %s already holds position %d", m.cfg.Symbol, m.current.ID)
	}
	m.current = pos
	return nil
}

// SeedCooldown stamps the last exit time, used to restore the cooldown window
// across restarts.
func (m *Manager) SeedCooldown(exit time.Time) {
	m.lastExit = exit
}

// OnGap applies the entry filter to a detected gap. When the gap qualifies it
// transitions Idle -> Pending and returns the entry order request; otherwise
// the gap is dropped and nil is returned.
func (m *Manager) OnGap(ctx context.Context, ev *domain.GapEvent, now time.Time) *domain.OrderRequest {
	if m.current != nil {
		// Never consider a new entry while the symbol is occupied.
		return nil
	}
	if !m.lastExit.IsZero() && now.Sub(m.lastExit) < m.cfg.Cooldown {
		m.logger.Debug(ctx, "Gap dropped: cooldown active", map[string]interface{}{
			"symbol": ev.Symbol, "lastExit": m.lastExit, "cooldown": m.cfg.Cooldown.String(),
		})
		return nil
	}
	if abs(ev.GapSize) < m.cfg.MinGapSize {
		m.logger.Debug(ctx, "Gap dropped: below minimum size", map[string]interface{}{
			"symbol": ev.Symbol, "gapSize": ev.GapSize, "minGapSize": m.cfg.MinGapSize,
		})
		return nil
	}
	if m.cfg.Direction != "both" && string(ev.Direction) != m.cfg.Direction {
		m.logger.Debug(ctx, "Gap dropped: direction filtered", map[string]interface{}{
			"symbol": ev.Symbol, "direction": ev.Direction, "filter": m.cfg.Direction,
		})
		return nil
	}

	req := &domain.OrderRequest{
		Symbol:        m.cfg.Symbol,
		Side:          domain.Buy,
		Quantity:      m.cfg.Quantity,
		ClientOrderID: uuid.NewString(),
	}
	m.current = &domain.Position{
		Symbol:         m.cfg.Symbol,
		Quantity:       m.cfg.Quantity,
		Status:         domain.StatusPending,
		ReferencePrice: ev.ReferencePrice,
		GapSize:        ev.GapSize,
		Direction:      ev.Direction,
		EntryOrderID:   req.ClientOrderID,
	}
	m.logger.Info(ctx, "Position pending: entry order issued", map[string]interface{}{
		"symbol": ev.Symbol, "direction": ev.Direction, "gapSize": ev.GapSize,
		"referencePrice": ev.ReferencePrice, "clientOrderID": req.ClientOrderID,
	})
	return req
}

// OnEntryResult resolves the Pending state with the outcome of the entry
// order. A confirmed fill moves the position to Open; a rejected or unfilled
// entry returns the symbol to Idle (the gap is considered missed, the same
// event is never retried). A fatal submission error must instead be routed to
// OnFatal by the caller.
func (m *Manager) OnEntryResult(ctx context.Context, res *domain.OrderResult, now time.Time) error {
	if m.current == nil || m.current.Status != domain.StatusPending {
		return fmt.Errorf("no pending position for symbol %s", m.cfg.Symbol)
	}
	if !res.Filled() {
		status := "unknown"
		if res != nil {
			status = res.Status
		}
		m.logger.Warn(ctx, "Entry not filled, gap missed", map[string]interface{}{
			"symbol": m.cfg.Symbol, "status": status,
		})
		m.current = nil
		m.lastExit = now
		return nil
	}

	m.current.Status = domain.StatusOpen
	m.current.EntryPrice = res.AvgPrice
	m.current.Quantity = res.ExecutedQty // partial fills shrink the position
	m.current.EntryTime = now
	m.logger.Info(ctx, "Position open", map[string]interface{}{
		"symbol": m.cfg.Symbol, "entryPrice": res.AvgPrice, "quantity": res.ExecutedQty,
		"referencePrice": m.current.ReferencePrice,
	})
	return nil
}

// OnCandle evaluates exit rules for an Open position against the latest final
// candle. When an exit condition is satisfied the position transitions
// Open -> Closing and the exit order request is returned.
func (m *Manager) OnCandle(ctx context.Context, c *domain.Candle, now time.Time) *domain.OrderRequest {
	if m.current == nil || m.current.Status != domain.StatusOpen {
		return nil
	}

	reason, ok := m.exitReason(c, now)
	if !ok {
		return nil
	}

	req := &domain.OrderRequest{
		Symbol:        m.cfg.Symbol,
		Side:          domain.Sell,
		Quantity:      m.current.Quantity,
		ClientOrderID: uuid.NewString(),
	}
	m.current.Status = domain.StatusClosing
	m.current.CloseReason = reason
	m.current.ExitOrderID = req.ClientOrderID
	m.logger.Info(ctx, "Position closing: exit order issued", map[string]interface{}{
		"symbol": m.cfg.Symbol, "reason": reason, "close": c.Close,
		"referencePrice": m.current.ReferencePrice, "clientOrderID": req.ClientOrderID,
	})
	return req
}

// exitReason decides whether the open position should be closed now.
func (m *Manager) exitReason(c *domain.Candle, now time.Time) (domain.CloseReason, bool) {
	pos := m.current

	// Gap fill: price crossed back to the reference level from the entry side.
	switch pos.Direction {
	case domain.GapUp:
		if c.Close <= pos.ReferencePrice*(1+m.cfg.FillTolerance) {
			return domain.CloseReasonGapFilled, true
		}
	case domain.GapDown:
		if c.Close >= pos.ReferencePrice*(1-m.cfg.FillTolerance) {
			return domain.CloseReasonGapFilled, true
		}
	}

	if m.cfg.StopLossPct > 0 && c.Close <= pos.EntryPrice*(1-m.cfg.StopLossPct) {
		return domain.CloseReasonStopLoss, true
	}

	if m.cfg.MaxHold > 0 && now.Sub(pos.EntryTime) >= m.cfg.MaxHold {
		return domain.CloseReasonTimeLimit, true
	}

	return "", false
}

// OnExitResult resolves the Closing state with the outcome of the exit order.
// A confirmed fill finishes the round trip: the position becomes Closed and
// the completed trade is returned, with the symbol immediately Idle again
// (cooldown permitting). An unfilled exit keeps the position Closing so the
// caller can retry on the next candle.
func (m *Manager) OnExitResult(ctx context.Context, res *domain.OrderResult, now time.Time) (*domain.Trade, error) {
	if m.current == nil || m.current.Status != domain.StatusClosing {
		return nil, fmt.Errorf("no closing position for symbol %s", m.cfg.Symbol)
	}
	if !res.Filled() {
		m.logger.Warn(ctx, "Exit not filled, position remains closing", map[string]interface{}{
			"symbol": m.cfg.Symbol,
		})
		return nil, nil
	}

	pos := m.current
	pos.Status = domain.StatusClosed
	pos.ExitPrice = res.AvgPrice
	pos.ExitTime = now
	pos.PNL = (pos.ExitPrice - pos.EntryPrice) * pos.Quantity

	trade := &domain.Trade{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   pos.ExitPrice,
		Quantity:    pos.Quantity,
		PNL:         pos.PNL,
		GapSize:     pos.GapSize,
		EntryTime:   pos.EntryTime,
		ExitTime:    pos.ExitTime,
		CloseReason: pos.CloseReason,
	}

	m.logger.Info(ctx, "Position closed", map[string]interface{}{
		"symbol": pos.Symbol, "entryPrice": pos.EntryPrice, "exitPrice": pos.ExitPrice,
		"pnl": pos.PNL, "reason": pos.CloseReason,
	})

	m.current = nil
	m.lastExit = now
	return trade, nil
}

// OnFatal parks the symbol: any unrecoverable executor error moves the
// position to Failed, halting automated trading for the symbol until
// AcknowledgeFailure is called.
func (m *Manager) OnFatal(ctx context.Context, cause error, now time.Time) *domain.Position {
	if m.current == nil {
		// Fatal error outside a position lifecycle (e.g. balance check) still
		// parks the symbol.
		m.current = &domain.Position{
			Symbol: m.cfg.Symbol,
			Status: domain.StatusFailed,
		}
	} else {
		m.current.Status = domain.StatusFailed
	}
	m.lastExit = now
	m.logger.Error(ctx, cause, "Position failed: symbol parked until external reset", map[string]interface{}{
		"symbol": m.cfg.Symbol,
	})
	return m.current
}

// AcknowledgeFailure clears a Failed position after external intervention,
// returning the symbol to Idle.
func (m *Manager) AcknowledgeFailure(now time.Time) error {
	if m.current == nil || m.current.Status != domain.StatusFailed {
		return fmt.Errorf("symbol %s has no failed position to acknowledge", m.cfg.Symbol)
	}
	m.current = nil
	m.lastExit = now
	return nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
