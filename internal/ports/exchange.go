package ports

import (
	"context"
	"time"

	"gaphunter/internal/domain"
)

// ExchangeClient defines the interface for interacting with a cryptocurrency
// exchange. This abstraction decouples the core bot logic from specific
// exchange implementations.
type ExchangeClient interface {
	// SetServerTime synchronizes the client's time with the server's time.
	SetServerTime(ctx context.Context) error

	// GetServerTime retrieves the current server time from the exchange.
	GetServerTime(ctx context.Context) (time.Time, error)

	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error

	// GetTickerPrice retrieves the last traded price for a given symbol.
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)

	// GetBalance retrieves the free balance for a specific asset (e.g., "USDT").
	GetBalance(ctx context.Context, asset string) (float64, error)

	// PlaceMarketOrder places a market order carrying the caller-generated
	// client order id. The exchange rejects duplicate client order ids, which
	// is what makes retried submissions safe.
	PlaceMarketOrder(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error)

	// GetOrderStatus looks up an order by its client order id. Returns
	// ErrOrderNotFound (wrapped) if the exchange has no record of it.
	GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*domain.OrderResult, error)

	// GetKlines retrieves up to limit historical candles for the symbol.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error)

	// StreamKlines starts a WebSocket stream of candle data. The handler is
	// invoked for every candle update; errHandler for stream errors. Returned
	// channels control the stream: doneCh closes when the stream stops for
	// good, sending on stopCh requests shutdown.
	StreamKlines(ctx context.Context, symbol, interval string, handler func(c *domain.Candle), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}
