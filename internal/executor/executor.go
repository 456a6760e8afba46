package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"gaphunter/internal/domain"
	"gaphunter/internal/ports"
)

// Config holds retry and backoff settings for order submission.
type Config struct {
	MaxAttempts   int           // attempt ceiling for transient failures
	RetryBaseWait time.Duration // first backoff delay
	RetryMaxWait  time.Duration // backoff delay ceiling
}

// Executor submits order requests to the exchange. It enforces the shared
// rate limiter, retries transient failures with exponential backoff, and
// keeps submissions idempotent: after an ambiguous failure the order status
// is queried by client order id before any resubmission, so a retried timeout
// can never double-execute.
type Executor struct {
	cfg      Config
	exchange ports.ExchangeClient
	limiter  *rate.Limiter // nil when rate limiting is disabled
	logger   ports.Logger
}

// New creates an Executor. limiter may be nil to disable rate limiting; when
// set it is shared across all symbol tasks so concurrent symbols split the
// exchange request budget fairly.
func New(cfg Config, exchange ports.ExchangeClient, limiter *rate.Limiter, logger ports.Logger) (*Executor, error) {
	if exchange == nil {
		return nil, fmt.Errorf("exchange client is required for executor")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for executor")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = 500 * time.Millisecond
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 30 * time.Second
	}
	return &Executor{cfg: cfg, exchange: exchange, limiter: limiter, logger: logger}, nil
}

// acquire blocks until the rate limiter grants a request slot. A request
// whose budget is exhausted suspends here instead of erroring.
func (e *Executor) acquire(ctx context.Context, op string) error {
	if e.limiter == nil {
		return nil
	}
	start := time.Now()
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limiter wait: %w: %w", op, ports.ErrContextCanceled, err)
	}
	if waited := time.Since(start); waited > 50*time.Millisecond {
		e.logger.Debug(ctx, "Rate limiter wait", map[string]interface{}{
			"operation": op, "waited": waited.String(),
		})
	}
	return nil
}

// Submit places the order and blocks until it is resolved: filled, confirmed
// rejected, or failed for good. Transient exchange errors are retried up to
// the attempt ceiling; fatal errors are returned immediately without retry.
func (e *Executor) Submit(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	if req == nil || req.ClientOrderID == "" {
		return nil, fmt.Errorf("order request requires a client order id: %w", ports.ErrInvalidRequest)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be positive: %w", ports.ErrInvalidRequest)
	}

	b := &backoff.Backoff{
		Min:    e.cfg.RetryBaseWait,
		Max:    e.cfg.RetryMaxWait,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	submitted := false // true once an attempt may have reached the exchange

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		// If a previous attempt ended ambiguously, the exchange may already
		// hold the order. Reconcile by client order id before resubmitting;
		// resubmission is only safe once the exchange confirms the id is
		// unknown.
		if submitted {
			res, err := e.reconcile(ctx, req)
			switch {
			case err == nil:
				e.logger.Info(ctx, "Order recovered via status query", map[string]interface{}{
					"symbol": req.Symbol, "clientOrderID": req.ClientOrderID, "status": res.Status,
				})
				return res, nil
			case errors.Is(err, ports.ErrOrderNotFound):
				submitted = false
			case ports.IsTransient(err):
				// Order state still unknown; back off and query again.
				lastErr = err
				if attempt == e.cfg.MaxAttempts {
					return nil, fmt.Errorf("submit %s %s: order status unresolved after %d attempts: %w: %w",
						req.Side, req.Symbol, e.cfg.MaxAttempts, ports.ErrOrderStateUnknown, lastErr)
				}
				delay := b.Duration()
				e.logger.Warn(ctx, "Order status unknown, backing off before re-query", map[string]interface{}{
					"symbol": req.Symbol, "clientOrderID": req.ClientOrderID,
					"attempt": attempt, "delay": delay.String(),
				})
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, fmt.Errorf("submit %s %s: %w: %w", req.Side, req.Symbol, ports.ErrContextCanceled, ctx.Err())
				}
				continue
			default:
				return nil, err
			}
		}

		if err := e.acquire(ctx, "PlaceMarketOrder"); err != nil {
			return nil, err
		}

		res, err := e.exchange.PlaceMarketOrder(ctx, req)
		if err == nil {
			e.logger.Info(ctx, "Order submitted", map[string]interface{}{
				"symbol": req.Symbol, "side": req.Side, "quantity": req.Quantity,
				"clientOrderID": req.ClientOrderID, "status": res.Status, "avgPrice": res.AvgPrice,
			})
			return res, nil
		}
		lastErr = err

		if !ports.IsTransient(err) {
			e.logger.Error(ctx, err, "Order failed with non-retryable error", map[string]interface{}{
				"symbol": req.Symbol, "clientOrderID": req.ClientOrderID,
			})
			return nil, fmt.Errorf("submit %s %s: %w", req.Side, req.Symbol, err)
		}
		submitted = ports.IsAmbiguous(err)

		if attempt == e.cfg.MaxAttempts {
			break
		}
		delay := b.Duration()
		e.logger.Warn(ctx, "Transient order error, backing off", map[string]interface{}{
			"symbol": req.Symbol, "clientOrderID": req.ClientOrderID,
			"attempt": attempt, "delay": delay.String(), "error": err.Error(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("submit %s %s: %w: %w", req.Side, req.Symbol, ports.ErrContextCanceled, ctx.Err())
		}
	}

	// One last reconcile: the final attempt may have landed.
	if submitted {
		res, rerr := e.reconcile(ctx, req)
		if rerr == nil {
			return res, nil
		}
		if !errors.Is(rerr, ports.ErrOrderNotFound) {
			// An attempt may have reached the exchange and its fate is unknown.
			return nil, fmt.Errorf("submit %s %s: attempts exhausted (%d): %w: %w",
				req.Side, req.Symbol, e.cfg.MaxAttempts, ports.ErrOrderStateUnknown, lastErr)
		}
	}
	return nil, fmt.Errorf("submit %s %s: attempts exhausted (%d): %w",
		req.Side, req.Symbol, e.cfg.MaxAttempts, lastErr)
}

// reconcile queries the exchange for an order by client order id. An error
// wrapping ErrOrderNotFound means the exchange has no record of the id and a
// resubmission is safe.
func (e *Executor) reconcile(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	if err := e.acquire(ctx, "GetOrderStatus"); err != nil {
		return nil, err
	}
	res, err := e.exchange.GetOrderStatus(ctx, req.Symbol, req.ClientOrderID)
	if err != nil {
		return nil, fmt.Errorf("order status %s: %w", req.ClientOrderID, err)
	}
	return res, nil
}
