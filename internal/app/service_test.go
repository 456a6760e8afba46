package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gaphunter/config"
	"gaphunter/internal/domain"
	"gaphunter/internal/ports"
)

// Mock implementations

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockExchange struct {
	serverTimeErr error
	balance       float64
	balanceErr    error

	mu           sync.Mutex
	orderByID    map[string]*domain.OrderResult
	orderErrByID map[string]error
}

func (m *mockExchange) SetServerTime(ctx context.Context) error { return m.serverTimeErr }
func (m *mockExchange) GetServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}
func (m *mockExchange) Ping(ctx context.Context) error { return nil }
func (m *mockExchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}
func (m *mockExchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	return m.balance, m.balanceErr
}
func (m *mockExchange) PlaceMarketOrder(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	return nil, errors.New("unexpected direct order placement")
}
func (m *mockExchange) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.orderErrByID[clientOrderID]; ok {
		return nil, err
	}
	if res, ok := m.orderByID[clientOrderID]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("order %s: %w", clientOrderID, ports.ErrOrderNotFound)
}
func (m *mockExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error) {
	return nil, nil
}
func (m *mockExchange) StreamKlines(ctx context.Context, symbol, interval string, handler func(c *domain.Candle), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	return make(chan struct{}), make(chan struct{}, 1), nil
}

// mockFeed plays a scripted candle sequence per symbol, then reports
// cancellation so the symbol task winds down cleanly.
type mockFeed struct {
	mu      sync.Mutex
	candles map[string][]*domain.Candle
	idx     map[string]int
}

func newMockFeed() *mockFeed {
	return &mockFeed{candles: make(map[string][]*domain.Candle), idx: make(map[string]int)}
}

func (m *mockFeed) push(symbol string, closes ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	start := len(m.candles[symbol])
	for i, close := range closes {
		t := base.Add(time.Duration(start+i) * time.Hour)
		m.candles[symbol] = append(m.candles[symbol], &domain.Candle{
			OpenTime: t, CloseTime: t.Add(time.Hour),
			Symbol: symbol, Interval: "1h",
			Open: close, High: close, Low: close, Close: close,
			Volume: 1, IsFinal: true,
		})
	}
}

func (m *mockFeed) Subscribe(ctx context.Context, symbol string) error { return nil }

func (m *mockFeed) Next(ctx context.Context, symbol string) (*domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.idx[symbol]
	if i >= len(m.candles[symbol]) {
		return nil, fmt.Errorf("next candle for %s: %w", symbol, ports.ErrContextCanceled)
	}
	m.idx[symbol] = i + 1
	return m.candles[symbol][i], nil
}

func (m *mockFeed) Close() error { return nil }

// mockSubmitter resolves orders via a per-side script: buys and sells can
// succeed, reject, or fail independently.
type mockSubmitter struct {
	mu        sync.Mutex
	buyErr    error
	sellErr   error
	buyPrice  float64
	sellPrice float64
	requests  []*domain.OrderRequest
}

func (m *mockSubmitter) Submit(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	price := m.buyPrice
	err := m.buyErr
	if req.Side == domain.Sell {
		price = m.sellPrice
		err = m.sellErr
	}
	if err != nil {
		return nil, err
	}
	return &domain.OrderResult{
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
		OrderID:       1,
		Side:          req.Side,
		ExecutedQty:   req.Quantity,
		AvgPrice:      price,
		Status:        "FILLED",
		Timestamp:     time.Now().UTC(),
	}, nil
}

// mockRepo is an in-memory PositionRepository + TradeRepository.
type mockRepo struct {
	mu        sync.Mutex
	nextID    int64
	positions map[int64]*domain.Position
	trades    []*domain.Trade

	createErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{nextID: 1, positions: make(map[int64]*domain.Position)}
}

func (m *mockRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	id := m.nextID
	m.nextID++
	cp := *pos
	cp.ID = id
	m.positions[id] = &cp
	return id, nil
}

func (m *mockRepo) Update(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[pos.ID]; !ok {
		return fmt.Errorf("position %d: %w", pos.ID, ports.ErrNotFound)
	}
	cp := *pos
	m.positions[pos.ID] = &cp
	return nil
}

func (m *mockRepo) FindActiveBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.Position
	for _, p := range m.positions {
		if p.Symbol != symbol || p.Status == domain.StatusClosed {
			continue
		}
		if best == nil || p.ID > best.ID {
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *mockRepo) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m *mockRepo) FindAll(ctx context.Context) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRepo) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *trade
	cp.ID = int64(len(m.trades) + 1)
	m.trades = append(m.trades, &cp)
	return cp.ID, nil
}

func (m *mockRepo) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Trade
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if m.trades[i].Symbol == symbol {
			cp := *m.trades[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) FindLatestBySymbol(ctx context.Context, symbol string) (*domain.Trade, error) {
	trades, err := m.FindBySymbol(ctx, symbol, 1)
	if err != nil || len(trades) == 0 {
		return nil, err
	}
	return trades[0], nil
}

func (m *mockRepo) tradeCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tr := range m.trades {
		if tr.Symbol == symbol {
			n++
		}
	}
	return n
}

func (m *mockRepo) statuses(symbol string) []domain.PositionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PositionStatus
	for _, p := range m.positions {
		if p.Symbol == symbol {
			out = append(out, p.Status)
		}
	}
	return out
}

func testServiceConfig(symbols ...string) *config.Config {
	cfg := &config.Config{
		Interval:            "1h",
		Quantity:            0.5,
		GapThreshold:        0.05,
		WindowSize:          10,
		FillTolerance:       0.01,
		Direction:           "up",
		MaxHold:             24 * time.Hour,
		MinAvailableBalance: 100,
		QuoteAsset:          "USDT",
		ReconnectDelay:      time.Millisecond,
	}
	for _, s := range symbols {
		cfg.Symbols = append(cfg.Symbols, config.SymbolConfig{Pair: s, Cooldown: -1})
	}
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, exch *mockExchange, feed *mockFeed, sub OrderSubmitter, repo *mockRepo) *TradingService {
	t.Helper()
	svc, err := NewTradingService(cfg, &mockLogger{}, exch, feed, sub, repo, repo)
	require.NoError(t, err)
	return svc
}

func healthyExchange() *mockExchange {
	return &mockExchange{balance: 1000}
}

func TestNewTradingServiceValidation(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT")
	logger := &mockLogger{}
	exch := healthyExchange()
	feed := newMockFeed()
	sub := &mockSubmitter{}
	repo := newMockRepo()

	_, err := NewTradingService(nil, logger, exch, feed, sub, repo, repo)
	assert.Error(t, err)
	_, err = NewTradingService(cfg, nil, exch, feed, sub, repo, repo)
	assert.Error(t, err)
	_, err = NewTradingService(testServiceConfig(), logger, exch, feed, sub, repo, repo)
	assert.Error(t, err, "at least one symbol required")
	_, err = NewTradingService(cfg, logger, exch, feed, sub, repo, repo)
	assert.NoError(t, err)
}

func TestStartBalanceGuard(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT")
	exch := &mockExchange{balance: 50}
	svc := newTestService(t, cfg, exch, newMockFeed(), &mockSubmitter{}, newMockRepo())

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrInsufficientFunds))
}

func TestStartServerTimeFailure(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT")
	exch := &mockExchange{serverTimeErr: errors.New("clock sync failed")}
	svc := newTestService(t, cfg, exch, newMockFeed(), &mockSubmitter{}, newMockRepo())

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server time")
}

func TestStartFullRoundTrip(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT")
	feed := newMockFeed()
	// Flat, 6% gap up, then a retrace through the reference.
	feed.push("ETHUSDT", 100, 100, 106, 104, 100.5)
	sub := &mockSubmitter{buyPrice: 106, sellPrice: 100.5}
	repo := newMockRepo()
	svc := newTestService(t, cfg, healthyExchange(), feed, sub, repo)

	require.NoError(t, svc.Start(context.Background()))

	// One buy then one sell, both for the configured quantity.
	require.Len(t, sub.requests, 2)
	assert.Equal(t, domain.Buy, sub.requests[0].Side)
	assert.Equal(t, domain.Sell, sub.requests[1].Side)
	assert.Equal(t, 0.5, sub.requests[0].Quantity)

	// The round trip is persisted: one closed position, one trade.
	statuses := repo.statuses("ETHUSDT")
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusClosed, statuses[0])
	require.Equal(t, 1, repo.tradeCount("ETHUSDT"))

	trade, err := repo.FindLatestBySymbol(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, 106.0, trade.EntryPrice)
	assert.Equal(t, 100.5, trade.ExitPrice)
	assert.InDelta(t, (100.5-106.0)*0.5, trade.PNL, 1e-9)
	assert.Equal(t, domain.CloseReasonGapFilled, trade.CloseReason)
}

func TestStartGapBelowThresholdNoOrders(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT")
	feed := newMockFeed()
	feed.push("ETHUSDT", 100, 103, 101, 99)
	sub := &mockSubmitter{}
	repo := newMockRepo()
	svc := newTestService(t, cfg, healthyExchange(), feed, sub, repo)

	require.NoError(t, svc.Start(context.Background()))
	assert.Empty(t, sub.requests)
	assert.Empty(t, repo.statuses("ETHUSDT"))
}

func TestStartRejectedEntryMissesGap(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT")
	feed := newMockFeed()
	// Two separate gaps: the rejected first entry must not block the second.
	feed.push("ETHUSDT", 100, 106, 104, 112)
	sub := &mockSubmitter{buyErr: fmt.Errorf("submit BUY ETHUSDT: %w", ports.ErrOrderRejected)}
	repo := newMockRepo()
	svc := newTestService(t, cfg, healthyExchange(), feed, sub, repo)

	require.NoError(t, svc.Start(context.Background()))

	// Each gap got one entry attempt; the rejections left nothing persisted
	// and the symbol never parked.
	require.Len(t, sub.requests, 2)
	assert.Equal(t, domain.Buy, sub.requests[0].Side)
	assert.Equal(t, domain.Buy, sub.requests[1].Side)
	assert.Empty(t, repo.statuses("ETHUSDT"))
	assert.Zero(t, repo.tradeCount("ETHUSDT"))
}

func TestStartFatalEntryErrorParksSymbol(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT")
	feed := newMockFeed()
	feed.push("ETHUSDT", 100, 106, 104, 112)
	sub := &mockSubmitter{buyErr: fmt.Errorf("submit BUY ETHUSDT: %w", ports.ErrInsufficientFunds)}
	repo := newMockRepo()
	svc := newTestService(t, cfg, healthyExchange(), feed, sub, repo)

	require.NoError(t, svc.Start(context.Background()))

	// One attempt only: the fatal error parks the symbol and the later gap is
	// ignored, with no sell ever attempted.
	require.Len(t, sub.requests, 1)
	statuses := repo.statuses("ETHUSDT")
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusFailed, statuses[0])
	assert.Zero(t, repo.tradeCount("ETHUSDT"))
}

func TestStartUnknownOrderStateParksSymbol(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT")
	feed := newMockFeed()
	feed.push("ETHUSDT", 100, 106, 104, 112)
	// The chain also wraps a transient sentinel, as the executor's unresolved
	// error does; the unknown-state classification must win over it.
	sub := &mockSubmitter{buyErr: fmt.Errorf("submit BUY ETHUSDT: %w: %w",
		ports.ErrOrderStateUnknown, ports.ErrTimeout)}
	repo := newMockRepo()
	svc := newTestService(t, cfg, healthyExchange(), feed, sub, repo)

	require.NoError(t, svc.Start(context.Background()))

	// An order that may hold an untracked fill is not a missed gap: the symbol
	// is parked and the later gap is ignored.
	require.Len(t, sub.requests, 1)
	statuses := repo.statuses("ETHUSDT")
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusFailed, statuses[0])
	assert.Zero(t, repo.tradeCount("ETHUSDT"))
}

func TestStartFailedSellParksSymbolOnly(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT", "BTCUSDT")
	feed := newMockFeed()
	feed.push("ETHUSDT", 100, 106, 100.5, 100, 100) // exit sell will fail
	feed.push("BTCUSDT", 200, 212, 201)             // clean round trip
	repo := newMockRepo()
	// Sells fail only for ETHUSDT; BTCUSDT trades clean.
	svc := newTestService(t, cfg, healthyExchange(), feed, &symbolAwareSubmitter{
		buyPrices:  map[string]float64{"ETHUSDT": 106, "BTCUSDT": 212},
		sellPrices: map[string]float64{"BTCUSDT": 201},
		sellErrs:   map[string]error{"ETHUSDT": fmt.Errorf("submit SELL ETHUSDT: %w", ports.ErrOrderRejected)},
	}, repo)

	require.NoError(t, svc.Start(context.Background()))

	// ETHUSDT is parked failed.
	ethStatuses := repo.statuses("ETHUSDT")
	require.Len(t, ethStatuses, 1)
	assert.Equal(t, domain.StatusFailed, ethStatuses[0])
	assert.Zero(t, repo.tradeCount("ETHUSDT"))

	// BTCUSDT completed its round trip untouched by the sibling failure.
	btcStatuses := repo.statuses("BTCUSDT")
	require.Len(t, btcStatuses, 1)
	assert.Equal(t, domain.StatusClosed, btcStatuses[0])
	assert.Equal(t, 1, repo.tradeCount("BTCUSDT"))
}

type symbolAwareSubmitter struct {
	mu         sync.Mutex
	buyPrices  map[string]float64
	sellPrices map[string]float64
	buyErrs    map[string]error
	sellErrs   map[string]error
}

func (m *symbolAwareSubmitter) Submit(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var price float64
	var err error
	if req.Side == domain.Buy {
		price, err = m.buyPrices[req.Symbol], m.buyErrs[req.Symbol]
	} else {
		price, err = m.sellPrices[req.Symbol], m.sellErrs[req.Symbol]
	}
	if err != nil {
		return nil, err
	}
	return &domain.OrderResult{
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
		OrderID:       1,
		Side:          req.Side,
		ExecutedQty:   req.Quantity,
		AvgPrice:      price,
		Status:        "FILLED",
		Timestamp:     time.Now().UTC(),
	}, nil
}

func TestStartResumesOpenPosition(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT")
	repo := newMockRepo()
	entryTime := time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC)
	_, err := repo.Create(context.Background(), &domain.Position{
		Symbol:         "ETHUSDT",
		EntryPrice:     106,
		Quantity:       0.5,
		ReferencePrice: 100,
		GapSize:        0.06,
		Direction:      domain.GapUp,
		EntryTime:      entryTime,
		Status:         domain.StatusOpen,
		EntryOrderID:   "resumed-entry",
	})
	require.NoError(t, err)

	feed := newMockFeed()
	feed.push("ETHUSDT", 100.5) // retrace arrives right after restart
	sub := &mockSubmitter{sellPrice: 100.5}
	svc := newTestService(t, cfg, healthyExchange(), feed, sub, repo)

	require.NoError(t, svc.Start(context.Background()))

	// The resumed position was closed without a fresh entry.
	require.Len(t, sub.requests, 1)
	assert.Equal(t, domain.Sell, sub.requests[0].Side)
	statuses := repo.statuses("ETHUSDT")
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusClosed, statuses[0])
	assert.Equal(t, 1, repo.tradeCount("ETHUSDT"))
}

func TestStartResumedFailedSymbolStaysParked(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT")
	repo := newMockRepo()
	_, err := repo.Create(context.Background(), &domain.Position{
		Symbol:    "ETHUSDT",
		Status:    domain.StatusFailed,
		EntryTime: time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	feed := newMockFeed()
	feed.push("ETHUSDT", 100, 106, 100.5) // a juicy gap the parked symbol must ignore
	sub := &mockSubmitter{buyPrice: 106}
	svc := newTestService(t, cfg, healthyExchange(), feed, sub, repo)

	require.NoError(t, svc.Start(context.Background()))
	assert.Empty(t, sub.requests, "a parked symbol places no orders")
}

func TestStartReconcilesClosingPosition(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT")
	repo := newMockRepo()
	entryTime := time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC)
	_, err := repo.Create(context.Background(), &domain.Position{
		Symbol:         "ETHUSDT",
		EntryPrice:     106,
		Quantity:       0.5,
		ReferencePrice: 100,
		GapSize:        0.06,
		Direction:      domain.GapUp,
		EntryTime:      entryTime,
		Status:         domain.StatusClosing,
		CloseReason:    domain.CloseReasonGapFilled,
		EntryOrderID:   "resumed-entry",
		ExitOrderID:    "resumed-exit",
	})
	require.NoError(t, err)

	t.Run("exit order filled while down", func(t *testing.T) {
		exch := healthyExchange()
		exch.orderByID = map[string]*domain.OrderResult{
			"resumed-exit": {
				Symbol: "ETHUSDT", ClientOrderID: "resumed-exit", OrderID: 9,
				Side: domain.Sell, ExecutedQty: 0.5, AvgPrice: 100.5,
				Status: "FILLED", Timestamp: entryTime.Add(time.Hour),
			},
		}
		sub := &mockSubmitter{}
		svc := newTestService(t, cfg, exch, newMockFeed(), sub, repo)

		require.NoError(t, svc.Start(context.Background()))
		assert.Empty(t, sub.requests, "no new orders needed")
		statuses := repo.statuses("ETHUSDT")
		require.Len(t, statuses, 1)
		assert.Equal(t, domain.StatusClosed, statuses[0])
		assert.Equal(t, 1, repo.tradeCount("ETHUSDT"))
	})
}

func TestStartReconcileReopensLostExitOrder(t *testing.T) {
	cfg := testServiceConfig("ETHUSDT")
	repo := newMockRepo()
	entryTime := time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC)
	_, err := repo.Create(context.Background(), &domain.Position{
		Symbol:         "ETHUSDT",
		EntryPrice:     106,
		Quantity:       0.5,
		ReferencePrice: 100,
		GapSize:        0.06,
		Direction:      domain.GapUp,
		EntryTime:      entryTime,
		Status:         domain.StatusClosing,
		CloseReason:    domain.CloseReasonGapFilled,
		ExitOrderID:    "never-sent",
	})
	require.NoError(t, err)

	// GetOrderStatus reports not found: the exit never reached the exchange.
	feed := newMockFeed()
	feed.push("ETHUSDT", 100.5)
	sub := &mockSubmitter{sellPrice: 100.5}
	svc := newTestService(t, cfg, healthyExchange(), feed, sub, repo)

	require.NoError(t, svc.Start(context.Background()))

	// The position was reopened and closed again with a fresh exit order.
	require.Len(t, sub.requests, 1)
	assert.Equal(t, domain.Sell, sub.requests[0].Side)
	assert.NotEqual(t, "never-sent", sub.requests[0].ClientOrderID)
	statuses := repo.statuses("ETHUSDT")
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusClosed, statuses[0])
}
