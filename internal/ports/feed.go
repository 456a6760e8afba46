package ports

import (
	"context"

	"gaphunter/internal/domain"
)

// CandleFeed supplies an ordered, deduplicated sequence of final candles per
// symbol. Implementations must guarantee strictly increasing OpenTime per
// symbol and must signal staleness explicitly instead of blocking forever.
type CandleFeed interface {
	// Subscribe starts (or restarts after a disconnect) the candle stream for
	// a symbol.
	Subscribe(ctx context.Context, symbol string) error

	// Next blocks until the next final candle for the symbol is available.
	// Returns ErrFeedStale (wrapped) when no candle arrived within the
	// staleness deadline, ErrFeedClosed when the underlying stream is gone,
	// or the context error on cancellation.
	Next(ctx context.Context, symbol string) (*domain.Candle, error)

	// Close stops all underlying streams.
	Close() error
}
