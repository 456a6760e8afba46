package ports

import (
	"context"

	"gaphunter/internal/domain"
)

// PositionRepository defines the interface for storing and retrieving trading
// positions. Positions survive restarts so the bot can resume an open trade
// or honor a parked failed symbol.
type PositionRepository interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update modifies an existing position.
	Update(ctx context.Context, pos *domain.Position) error
	// FindActiveBySymbol retrieves the position currently holding the symbol
	// (any non-terminal status, or failed awaiting acknowledgment).
	// Returns nil, nil if the symbol is idle.
	FindActiveBySymbol(ctx context.Context, symbol string) (*domain.Position, error)
	// FindByID retrieves a position by its unique ID. Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
	// FindAll retrieves all positions, ordered by entry time descending.
	FindAll(ctx context.Context) ([]*domain.Position, error)
}

// TradeRepository defines the interface for storing and retrieving completed
// gap round trips.
type TradeRepository interface {
	// CreateTrade saves a new trade record and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	// FindBySymbol retrieves the most recent trades for a symbol, up to a limit.
	FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error)
	// FindLatestBySymbol returns the most recent trade for the symbol, used to
	// seed the re-entry cooldown across restarts. Returns nil, nil if the
	// symbol has no trades.
	FindLatestBySymbol(ctx context.Context, symbol string) (*domain.Trade, error)
}
