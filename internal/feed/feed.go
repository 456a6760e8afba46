package feed

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gaphunter/internal/domain"
	"gaphunter/internal/ports"
)

// Config holds settings for the candle feed.
type Config struct {
	Interval        string  // candle interval consumed from the exchange (e.g. "1m", "1h")
	StalenessFactor float64 // staleness deadline as a multiple of the interval, default 3
	HistoryLimit    int     // historical candles delivered before live ones, default 0
}

// Feed bridges the exchange kline stream into a blocking per-symbol Next call
// with the consumption contract the core requires: only final candles,
// strictly increasing open times, duplicates dropped, and explicit staleness
// signaling when the stream goes quiet.
type Feed struct {
	cfg      Config
	exchange ports.ExchangeClient
	logger   ports.Logger
	interval time.Duration

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	ch       chan *domain.Candle
	stopCh   chan struct{}
	doneCh   chan struct{}
	lastOpen time.Time // guarded by the single stream handler goroutine
}

// New creates a Feed.
func New(cfg Config, exchange ports.ExchangeClient, logger ports.Logger) (*Feed, error) {
	if exchange == nil {
		return nil, fmt.Errorf("exchange client is required for feed")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for feed")
	}
	interval, err := parseInterval(cfg.Interval)
	if err != nil {
		return nil, err
	}
	if cfg.StalenessFactor <= 0 {
		cfg.StalenessFactor = 3
	}
	return &Feed{
		cfg:      cfg,
		exchange: exchange,
		logger:   logger,
		interval: interval,
		subs:     make(map[string]*subscription),
	}, nil
}

// Subscribe starts (or restarts) the candle stream for a symbol. When a
// history limit is configured the historical candles are delivered through
// Next before live ones, so downstream windows fill without a warm-up wait.
func (f *Feed) Subscribe(ctx context.Context, symbol string) error {
	f.mu.Lock()
	var watermark time.Time
	if old, ok := f.subs[symbol]; ok {
		// Carry the delivery watermark across the reconnect so primed history
		// and stream replays cannot move a symbol's open times backward.
		watermark = old.lastOpen
		f.mu.Unlock()
		old.stop()
		f.mu.Lock()
	}

	sub := &subscription{
		ch:       make(chan *domain.Candle, f.cfg.HistoryLimit+64),
		lastOpen: watermark,
	}
	f.subs[symbol] = sub
	f.mu.Unlock()

	if f.cfg.HistoryLimit > 0 {
		history, err := f.exchange.GetKlines(ctx, symbol, f.cfg.Interval, f.cfg.HistoryLimit)
		if err != nil {
			return fmt.Errorf("prime history for %s: %w", symbol, err)
		}
		for _, c := range history {
			if !c.IsFinal || !c.OpenTime.After(sub.lastOpen) {
				continue
			}
			sub.lastOpen = c.OpenTime
			sub.ch <- c
		}
		f.logger.Info(ctx, "Feed primed with history", map[string]interface{}{
			"symbol": symbol, "interval": f.cfg.Interval, "count": len(history),
		})
	}

	handler := func(c *domain.Candle) {
		if !c.IsFinal {
			return
		}
		// Enforce monotonic open times; the stream replays the current candle
		// on reconnect and those duplicates must not reach the detector.
		if !c.OpenTime.After(sub.lastOpen) {
			return
		}
		sub.lastOpen = c.OpenTime
		select {
		case sub.ch <- c:
		default:
			f.logger.Warn(context.Background(), "Feed buffer full, dropping candle", map[string]interface{}{
				"symbol": symbol, "openTime": c.OpenTime,
			})
		}
	}
	errHandler := func(err error) {
		f.logger.Warn(context.Background(), "Feed stream error", map[string]interface{}{
			"symbol": symbol, "error": err.Error(),
		})
	}

	doneCh, stopCh, err := f.exchange.StreamKlines(ctx, symbol, f.cfg.Interval, handler, errHandler)
	if err != nil {
		return fmt.Errorf("stream %s %s: %w: %w", symbol, f.cfg.Interval, ports.ErrFeedClosed, err)
	}
	sub.doneCh = doneCh
	sub.stopCh = stopCh
	return nil
}

// Next blocks until the next final candle for the symbol arrives. It returns
// ErrFeedStale when nothing arrived within the staleness deadline and
// ErrFeedClosed when the underlying stream has stopped for good.
func (f *Feed) Next(ctx context.Context, symbol string) (*domain.Candle, error) {
	f.mu.Lock()
	sub, ok := f.subs[symbol]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("symbol %s is not subscribed: %w", symbol, ports.ErrFeedClosed)
	}

	deadline := time.Duration(float64(f.interval) * f.cfg.StalenessFactor)
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	// Drain buffered candles (history or backlog) before watching for
	// staleness or closure.
	select {
	case c := <-sub.ch:
		return c, nil
	default:
	}

	select {
	case c := <-sub.ch:
		return c, nil
	case <-timer.C:
		return nil, fmt.Errorf("no candle for %s within %s: %w", symbol, deadline, ports.ErrFeedStale)
	case <-f.done(sub):
		return nil, fmt.Errorf("stream for %s stopped: %w", symbol, ports.ErrFeedClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("next candle for %s: %w: %w", symbol, ports.ErrContextCanceled, ctx.Err())
	}
}

func (f *Feed) done(sub *subscription) <-chan struct{} {
	if sub.doneCh == nil {
		// Subscription never connected; report closure immediately.
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return sub.doneCh
}

// Close stops all symbol streams.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for symbol, sub := range f.subs {
		sub.stop()
		delete(f.subs, symbol)
	}
	return nil
}

func (s *subscription) stop() {
	if s.stopCh == nil {
		return
	}
	select {
	case s.stopCh <- struct{}{}:
	default:
	}
}

// parseInterval converts an exchange interval token into a duration.
func parseInterval(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q: %w", interval, ports.ErrConfigurationError)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q: %w", interval, ports.ErrConfigurationError)
	}
	var unit time.Duration
	switch interval[len(interval)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid interval unit in %q: %w", interval, ports.ErrConfigurationError)
	}
	return time.Duration(n) * unit, nil
}
