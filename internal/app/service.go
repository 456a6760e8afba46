package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"gaphunter/config"
	"gaphunter/internal/domain"
	"gaphunter/internal/gap"
	"gaphunter/internal/ports"
	"gaphunter/internal/position"
)

// OrderSubmitter submits order requests and blocks until they are resolved.
// Implemented by the executor package.
type OrderSubmitter interface {
	Submit(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error)
}

// TradingService orchestrates the gap bot: one task per tracked symbol pulls
// candles from the feed, runs them through the gap detector, drives the
// position state machine and submits the resulting orders.
type TradingService struct {
	cfg       *config.Config
	logger    ports.Logger
	exchange  ports.ExchangeClient
	feed      ports.CandleFeed
	submitter OrderSubmitter
	posRepo   ports.PositionRepository
	tradeRepo ports.TradeRepository
}

// NewTradingService creates a new application service instance.
func NewTradingService(
	cfg *config.Config,
	logger ports.Logger,
	exchange ports.ExchangeClient,
	feed ports.CandleFeed,
	submitter OrderSubmitter,
	posRepo ports.PositionRepository,
	tradeRepo ports.TradeRepository,
) (*TradingService, error) {
	if cfg == nil || logger == nil || exchange == nil || feed == nil || submitter == nil || posRepo == nil || tradeRepo == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol must be configured")
	}
	return &TradingService{
		cfg:       cfg,
		logger:    logger,
		exchange:  exchange,
		feed:      feed,
		submitter: submitter,
		posRepo:   posRepo,
		tradeRepo: tradeRepo,
	}, nil
}

// Start runs the bot until the context is cancelled or a shutdown signal
// arrives. In-flight orders are always resolved before a symbol task stops.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting trading service", map[string]interface{}{
		"symbols": len(s.cfg.Symbols), "interval": s.cfg.Interval,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.exchange.Ping(ctx); err != nil {
		return fmt.Errorf("exchange connectivity check failed: %w", err)
	}
	if err := s.exchange.SetServerTime(ctx); err != nil {
		return fmt.Errorf("failed to set server time: %w", err)
	}

	balance, err := s.exchange.GetBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		return fmt.Errorf("failed to check %s balance: %w", s.cfg.QuoteAsset, err)
	}
	if balance < s.cfg.MinAvailableBalance {
		return fmt.Errorf("available %s balance %.2f below required minimum %.2f: %w",
			s.cfg.QuoteAsset, balance, s.cfg.MinAvailableBalance, ports.ErrInsufficientFunds)
	}
	s.logger.Info(ctx, "Balance check passed", map[string]interface{}{
		"asset": s.cfg.QuoteAsset, "balance": balance,
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range s.cfg.Symbols {
		sc := sc
		g.Go(func() error {
			return s.runSymbol(gctx, sc)
		})
	}

	err = g.Wait()
	if cerr := s.feed.Close(); cerr != nil {
		s.logger.Warn(ctx, "Error closing candle feed", map[string]interface{}{"error": cerr.Error()})
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info(ctx, "Trading service stopped")
	return nil
}

// runSymbol owns one symbol end to end. It is the only goroutine mutating
// this symbol's detector and position state, which keeps the state machine
// race-free without locks. Failures are isolated: the task parks the symbol
// on a fatal error but keeps running, never taking down its siblings.
func (s *TradingService) runSymbol(ctx context.Context, sc config.SymbolConfig) error {
	symbol := sc.Pair

	detector, err := gap.New(gap.Config{
		WindowSize: s.cfg.WindowSize,
		Threshold:  s.cfg.ThresholdFor(sc),
	}, s.logger)
	if err != nil {
		return fmt.Errorf("detector for %s: %w", symbol, err)
	}

	manager, err := position.NewManager(position.Config{
		Symbol:        symbol,
		Quantity:      s.cfg.Quantity,
		Direction:     s.cfg.Direction,
		FillTolerance: s.cfg.FillTolerance,
		StopLossPct:   s.cfg.StopLoss,
		MaxHold:       s.cfg.MaxHoldFor(sc),
		Cooldown:      s.cfg.CooldownFor(sc),
	}, s.logger)
	if err != nil {
		return fmt.Errorf("position manager for %s: %w", symbol, err)
	}

	if err := s.resumeState(ctx, symbol, manager, detector); err != nil {
		return err
	}

	if err := s.subscribeWithRetry(ctx, symbol); err != nil {
		return err
	}

	for {
		candle, err := s.feed.Next(ctx, symbol)
		if err != nil {
			switch {
			case errors.Is(err, ports.ErrContextCanceled) || ctx.Err() != nil:
				s.logger.Info(ctx, "Symbol task stopping", map[string]interface{}{"symbol": symbol})
				return nil
			case errors.Is(err, ports.ErrFeedStale) || errors.Is(err, ports.ErrFeedClosed):
				s.logger.Warn(ctx, "Feed interrupted, reconnecting", map[string]interface{}{
					"symbol": symbol, "error": err.Error(),
				})
				if err := s.subscribeWithRetry(ctx, symbol); err != nil {
					return nil // context cancelled during reconnect
				}
				continue
			default:
				s.logger.Error(ctx, err, "Unexpected feed error", map[string]interface{}{"symbol": symbol})
				continue
			}
		}

		s.processCandle(ctx, candle, sc, manager, detector)
	}
}

// processCandle advances one symbol's state machine by one candle.
func (s *TradingService) processCandle(ctx context.Context, candle *domain.Candle, sc config.SymbolConfig, manager *position.Manager, detector *gap.Detector) {
	symbol := sc.Pair
	now := time.Now().UTC()

	ev, err := detector.Observe(ctx, candle)
	if err != nil {
		// Malformed candle: skip it and keep trading.
		s.logger.Warn(ctx, "Candle rejected", map[string]interface{}{
			"symbol": symbol, "error": err.Error(),
		})
		return
	}

	// Exit path first: an open position is evaluated against every candle.
	if req := manager.OnCandle(ctx, candle, now); req != nil {
		s.resolveExit(ctx, req, manager, detector)
		return
	}

	// Entry path.
	if ev == nil || !manager.Idle() {
		return
	}
	req := manager.OnGap(ctx, ev, now)
	if req == nil {
		// Entry filter dropped the gap; re-arm detection for the next one.
		detector.Reset(symbol)
		return
	}
	s.resolveEntry(ctx, req, manager, detector)
}

// resolveEntry submits a pending entry order and applies its outcome. The
// submission uses a detached context: once an order may have reached the
// exchange it is always resolved, even during shutdown.
func (s *TradingService) resolveEntry(ctx context.Context, req *domain.OrderRequest, manager *position.Manager, detector *gap.Detector) {
	symbol := req.Symbol
	now := time.Now().UTC()

	res, err := s.submitter.Submit(context.WithoutCancel(ctx), req)
	fatal := err != nil && (errors.Is(err, ports.ErrOrderStateUnknown) ||
		(!ports.IsTransient(err) && !errors.Is(err, ports.ErrOrderRejected) && !errors.Is(err, ports.ErrContextCanceled)))
	if fatal {
		// Fatal exchange error (insufficient balance, bad keys) or an order
		// whose fate on the exchange could not be determined: the exposure is
		// no longer accountable, park the symbol until someone looks at it.
		pos := manager.OnFatal(ctx, err, now)
		s.persistFailure(ctx, pos)
		detector.Reset(symbol)
		return
	}
	// A rejected entry or exhausted retries means the gap is missed; the same
	// event is never retried.
	if err := manager.OnEntryResult(ctx, res, now); err != nil {
		s.logger.Error(ctx, err, "Entry result could not be applied", map[string]interface{}{"symbol": symbol})
		return
	}
	pos := manager.Current()
	if pos == nil {
		detector.Reset(symbol)
		return
	}
	id, err := s.posRepo.Create(ctx, pos)
	if err != nil {
		// The exchange position is live; losing the record is not a reason to
		// abandon it. Trade on, flag loudly.
		s.logger.Error(ctx, err, "Failed to persist open position", map[string]interface{}{"symbol": symbol})
		return
	}
	pos.ID = id
}

// resolveExit submits a closing order and applies its outcome.
func (s *TradingService) resolveExit(ctx context.Context, req *domain.OrderRequest, manager *position.Manager, detector *gap.Detector) {
	symbol := req.Symbol
	now := time.Now().UTC()

	pos := manager.Current()
	if pos != nil && pos.ID != 0 {
		if err := s.posRepo.Update(ctx, pos); err != nil {
			s.logger.Error(ctx, err, "Failed to persist closing position", map[string]interface{}{"symbol": symbol})
		}
	}

	res, err := s.submitter.Submit(context.WithoutCancel(ctx), req)
	if err != nil || !res.Filled() {
		if err == nil {
			err = fmt.Errorf("exit order %s not filled: %w", req.ClientOrderID, ports.ErrOrderRejected)
		}
		// A position we cannot close is unrecoverable for automation.
		failed := manager.OnFatal(ctx, err, now)
		s.persistFailure(ctx, failed)
		detector.Reset(symbol)
		return
	}

	trade, err := manager.OnExitResult(ctx, res, now)
	if err != nil {
		s.logger.Error(ctx, err, "Exit result could not be applied", map[string]interface{}{"symbol": symbol})
		return
	}
	if pos != nil && pos.ID != 0 {
		if err := s.posRepo.Update(ctx, pos); err != nil {
			s.logger.Error(ctx, err, "Failed to persist closed position", map[string]interface{}{"symbol": symbol})
		}
	}
	if trade != nil {
		if _, err := s.tradeRepo.CreateTrade(ctx, trade); err != nil {
			s.logger.Error(ctx, err, "Failed to persist trade history", map[string]interface{}{"symbol": symbol})
		}
	}
	detector.Reset(symbol)
}

// persistFailure records a Failed position so the parked symbol survives
// restarts until an operator intervenes.
func (s *TradingService) persistFailure(ctx context.Context, pos *domain.Position) {
	if pos == nil {
		return
	}
	var err error
	if pos.ID == 0 {
		if pos.EntryTime.IsZero() {
			pos.EntryTime = time.Now().UTC()
		}
		_, err = s.posRepo.Create(ctx, pos)
	} else {
		err = s.posRepo.Update(ctx, pos)
	}
	if err != nil {
		s.logger.Error(ctx, err, "Failed to persist failed position", map[string]interface{}{"symbol": pos.Symbol})
	}
}

// resumeState reloads the symbol's persisted position and cooldown stamp so
// a restart continues where the previous run left off.
func (s *TradingService) resumeState(ctx context.Context, symbol string, manager *position.Manager, detector *gap.Detector) error {
	active, err := s.posRepo.FindActiveBySymbol(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to query active position for %s: %w", symbol, err)
	}
	if active != nil {
		if active.Status == domain.StatusClosing {
			if err := s.reconcileClosing(ctx, active); err != nil {
				return err
			}
		}
		if active.Status == domain.StatusClosed {
			// The crash happened after the exit filled but before the record
			// was finalized; the symbol is idle again.
			manager.SeedCooldown(active.ExitTime)
			active = nil
		}
	}
	if active != nil {
		if err := manager.Resume(active); err != nil {
			return fmt.Errorf("failed to resume position for %s: %w", symbol, err)
		}
		fields := map[string]interface{}{
			"symbol": symbol, "positionID": active.ID, "status": active.Status,
			"entryPrice": active.EntryPrice, "referencePrice": active.ReferencePrice,
		}
		if price, perr := s.exchange.GetTickerPrice(ctx, symbol); perr == nil && price > 0 {
			fields["currentPrice"] = price
			fields["unrealizedPNL"] = (price - active.EntryPrice) * active.Quantity
		}
		s.logger.Info(ctx, "Resumed persisted position", fields)
	}

	last, err := s.tradeRepo.FindLatestBySymbol(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to query last trade for %s: %w", symbol, err)
	}
	if last != nil {
		manager.SeedCooldown(last.ExitTime)
	}
	return nil
}

// reconcileClosing settles a position that was mid-exit when the previous run
// stopped. The exchange is the source of truth: a filled exit order finishes
// the round trip here, an order that never arrived reverts the position to
// open so the next candle re-triggers the exit.
func (s *TradingService) reconcileClosing(ctx context.Context, pos *domain.Position) error {
	res, err := s.exchange.GetOrderStatus(ctx, pos.Symbol, pos.ExitOrderID)
	switch {
	case err == nil && res.Filled():
		pos.Status = domain.StatusClosed
		pos.ExitPrice = res.AvgPrice
		if pos.ExitTime.IsZero() {
			pos.ExitTime = res.Timestamp
		}
		pos.PNL = (pos.ExitPrice - pos.EntryPrice) * pos.Quantity
		if err := s.posRepo.Update(ctx, pos); err != nil {
			return fmt.Errorf("failed to finalize reconciled position %d: %w", pos.ID, err)
		}
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
		if _, err := s.tradeRepo.CreateTrade(ctx, trade); err != nil {
			s.logger.Error(ctx, err, "Failed to persist reconciled trade", map[string]interface{}{"symbol": pos.Symbol})
		}
		s.logger.Info(ctx, "Reconciled exit order: position closed", map[string]interface{}{
			"symbol": pos.Symbol, "positionID": pos.ID, "exitPrice": pos.ExitPrice, "pnl": pos.PNL,
		})
		return nil
	case errors.Is(err, ports.ErrOrderNotFound):
		pos.Status = domain.StatusOpen
		pos.ExitOrderID = ""
		pos.CloseReason = ""
		if err := s.posRepo.Update(ctx, pos); err != nil {
			return fmt.Errorf("failed to revert reconciled position %d: %w", pos.ID, err)
		}
		s.logger.Warn(ctx, "Exit order never reached the exchange, position reopened", map[string]interface{}{
			"symbol": pos.Symbol, "positionID": pos.ID,
		})
		return nil
	case err == nil:
		// Order known but not filled: a market order in this state is stuck;
		// leave the position closing and park the symbol for an operator.
		return fmt.Errorf("exit order %s for %s is unresolved on the exchange", pos.ExitOrderID, pos.Symbol)
	default:
		return fmt.Errorf("failed to reconcile exit order for %s: %w", pos.Symbol, err)
	}
}

// subscribeWithRetry keeps trying to (re)connect the candle stream with
// exponential backoff. Open positions are untouched while the feed is down.
// Returns only when subscribed or the context is cancelled.
func (s *TradingService) subscribeWithRetry(ctx context.Context, symbol string) error {
	b := &backoff.Backoff{
		Min:    s.cfg.ReconnectDelay,
		Max:    10 * s.cfg.ReconnectDelay,
		Factor: 2,
		Jitter: true,
	}
	for {
		err := s.feed.Subscribe(ctx, symbol)
		if err == nil {
			return nil
		}
		delay := b.Duration()
		s.logger.Warn(ctx, "Feed subscription failed, retrying", map[string]interface{}{
			"symbol": symbol, "delay": delay.String(), "error": err.Error(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("subscribe %s: %w: %w", symbol, ports.ErrContextCanceled, ctx.Err())
		}
	}
}
