package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"gaphunter/internal/domain"
	"gaphunter/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockExchange scripts PlaceMarketOrder and GetOrderStatus responses per call
// and records every submitted client order id so tests can assert that a
// retried order is never executed twice.
type mockExchange struct {
	placeResults []placeResult
	placeCalls   int
	placedIDs    []string

	statusResults []placeResult
	statusCalls   int
}

type placeResult struct {
	res *domain.OrderResult
	err error
}

func (m *mockExchange) SetServerTime(ctx context.Context) error          { return nil }
func (m *mockExchange) GetServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}
func (m *mockExchange) Ping(ctx context.Context) error { return nil }
func (m *mockExchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}
func (m *mockExchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	return 0, nil
}

func (m *mockExchange) PlaceMarketOrder(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	m.placedIDs = append(m.placedIDs, req.ClientOrderID)
	if m.placeCalls >= len(m.placeResults) {
		return nil, fmt.Errorf("unexpected PlaceMarketOrder call %d", m.placeCalls+1)
	}
	r := m.placeResults[m.placeCalls]
	m.placeCalls++
	return r.res, r.err
}

func (m *mockExchange) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*domain.OrderResult, error) {
	if m.statusCalls >= len(m.statusResults) {
		return nil, fmt.Errorf("unexpected GetOrderStatus call %d", m.statusCalls+1)
	}
	r := m.statusResults[m.statusCalls]
	m.statusCalls++
	return r.res, r.err
}

func (m *mockExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error) {
	return nil, nil
}

func (m *mockExchange) StreamKlines(ctx context.Context, symbol, interval string, handler func(c *domain.Candle), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	return nil, nil, nil
}

func fastConfig() Config {
	return Config{MaxAttempts: 3, RetryBaseWait: time.Millisecond, RetryMaxWait: 5 * time.Millisecond}
}

func testRequest() *domain.OrderRequest {
	return &domain.OrderRequest{
		Symbol:        "ETHUSDT",
		Side:          domain.Buy,
		Quantity:      0.5,
		ClientOrderID: "test-order-1",
	}
}

func filled(id string) *domain.OrderResult {
	return &domain.OrderResult{
		Symbol:        "ETHUSDT",
		ClientOrderID: id,
		OrderID:       1,
		Side:          domain.Buy,
		ExecutedQty:   0.5,
		AvgPrice:      2000,
		Status:        "FILLED",
		Timestamp:     time.Now().UTC(),
	}
}

func TestSubmitValidation(t *testing.T) {
	exch := &mockExchange{}
	e, err := New(fastConfig(), exch, nil, &mockLogger{})
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), nil)
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))

	req := testRequest()
	req.ClientOrderID = ""
	_, err = e.Submit(context.Background(), req)
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))

	req = testRequest()
	req.Quantity = 0
	_, err = e.Submit(context.Background(), req)
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))

	assert.Zero(t, exch.placeCalls, "invalid requests never reach the exchange")
}

func TestSubmitSucceedsFirstAttempt(t *testing.T) {
	req := testRequest()
	exch := &mockExchange{placeResults: []placeResult{{res: filled(req.ClientOrderID)}}}
	e, err := New(fastConfig(), exch, nil, &mockLogger{})
	require.NoError(t, err)

	res, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "FILLED", res.Status)
	assert.Equal(t, 1, exch.placeCalls)
}

func TestSubmitRetriesTransientErrors(t *testing.T) {
	req := testRequest()
	rateLimited := fmt.Errorf("too many requests: %w", ports.ErrRateLimited)
	exch := &mockExchange{placeResults: []placeResult{
		{err: rateLimited},
		{err: rateLimited},
		{res: filled(req.ClientOrderID)},
	}}
	e, err := New(fastConfig(), exch, nil, &mockLogger{})
	require.NoError(t, err)

	res, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "FILLED", res.Status)
	assert.Equal(t, 3, exch.placeCalls)
}

func TestSubmitFatalErrorNoRetry(t *testing.T) {
	req := testRequest()
	exch := &mockExchange{placeResults: []placeResult{
		{err: fmt.Errorf("account has insufficient balance: %w", ports.ErrInsufficientFunds)},
	}}
	e, err := New(fastConfig(), exch, nil, &mockLogger{})
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), req)
	assert.True(t, errors.Is(err, ports.ErrInsufficientFunds))
	assert.Equal(t, 1, exch.placeCalls, "fatal errors are not retried")
}

func TestSubmitExhaustsAttempts(t *testing.T) {
	req := testRequest()
	rateLimited := fmt.Errorf("too many requests: %w", ports.ErrRateLimited)
	exch := &mockExchange{placeResults: []placeResult{
		{err: rateLimited}, {err: rateLimited}, {err: rateLimited},
	}}
	e, err := New(fastConfig(), exch, nil, &mockLogger{})
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), req)
	assert.True(t, errors.Is(err, ports.ErrRateLimited))
	assert.Equal(t, 3, exch.placeCalls)
}

func TestSubmitAmbiguousFailureReconcilesBeforeRetry(t *testing.T) {
	req := testRequest()
	timeout := fmt.Errorf("request timed out: %w", ports.ErrTimeout)

	t.Run("order landed despite the timeout", func(t *testing.T) {
		exch := &mockExchange{
			placeResults:  []placeResult{{err: timeout}},
			statusResults: []placeResult{{res: filled(req.ClientOrderID)}},
		}
		e, err := New(fastConfig(), exch, nil, &mockLogger{})
		require.NoError(t, err)

		res, err := e.Submit(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "FILLED", res.Status)
		assert.Equal(t, 1, exch.placeCalls, "recovered order must not be resubmitted")
	})

	t.Run("order never reached the exchange", func(t *testing.T) {
		notFound := fmt.Errorf("order does not exist: %w", ports.ErrOrderNotFound)
		exch := &mockExchange{
			placeResults:  []placeResult{{err: timeout}, {res: filled(req.ClientOrderID)}},
			statusResults: []placeResult{{err: notFound}},
		}
		e, err := New(fastConfig(), exch, nil, &mockLogger{})
		require.NoError(t, err)

		res, err := e.Submit(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "FILLED", res.Status)
		assert.Equal(t, 2, exch.placeCalls, "resubmission only after the exchange confirms the id is unknown")
		assert.Equal(t, []string{req.ClientOrderID, req.ClientOrderID}, exch.placedIDs,
			"retries reuse the same client order id")
	})

	t.Run("status stays unknown until attempts run out", func(t *testing.T) {
		exch := &mockExchange{
			placeResults:  []placeResult{{err: timeout}},
			statusResults: []placeResult{{err: timeout}, {err: timeout}},
		}
		e, err := New(fastConfig(), exch, nil, &mockLogger{})
		require.NoError(t, err)

		_, err = e.Submit(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ports.ErrOrderStateUnknown))
		assert.Equal(t, 1, exch.placeCalls, "an order with unknown state is never blindly resubmitted")
	})
}

func TestSubmitUnresolvedFinalReconcileReportsUnknownState(t *testing.T) {
	req := testRequest()
	timeout := fmt.Errorf("request timed out: %w", ports.ErrTimeout)
	notFound := fmt.Errorf("order does not exist: %w", ports.ErrOrderNotFound)

	t.Run("final reconcile also fails", func(t *testing.T) {
		exch := &mockExchange{
			placeResults:  []placeResult{{err: timeout}, {err: timeout}, {err: timeout}},
			statusResults: []placeResult{{err: notFound}, {err: notFound}, {err: timeout}},
		}
		e, err := New(fastConfig(), exch, nil, &mockLogger{})
		require.NoError(t, err)

		_, err = e.Submit(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ports.ErrOrderStateUnknown),
			"a possibly-landed order must not be reported as a plain failure")
	})

	t.Run("final reconcile confirms the order never landed", func(t *testing.T) {
		exch := &mockExchange{
			placeResults:  []placeResult{{err: timeout}, {err: timeout}, {err: timeout}},
			statusResults: []placeResult{{err: notFound}, {err: notFound}, {err: notFound}},
		}
		e, err := New(fastConfig(), exch, nil, &mockLogger{})
		require.NoError(t, err)

		_, err = e.Submit(context.Background(), req)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ports.ErrOrderStateUnknown))
		assert.True(t, errors.Is(err, ports.ErrTimeout))
	})
}

func TestSubmitFinalAttemptAmbiguousReconciles(t *testing.T) {
	req := testRequest()
	timeout := fmt.Errorf("request timed out: %w", ports.ErrTimeout)
	notFound := fmt.Errorf("order does not exist: %w", ports.ErrOrderNotFound)
	exch := &mockExchange{
		// Every placement times out; first two reconciles say not found so the
		// loop resubmits, the last reconcile finds the order filled.
		placeResults:  []placeResult{{err: timeout}, {err: timeout}, {err: timeout}},
		statusResults: []placeResult{{err: notFound}, {err: notFound}, {res: filled(req.ClientOrderID)}},
	}
	e, err := New(fastConfig(), exch, nil, &mockLogger{})
	require.NoError(t, err)

	res, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "FILLED", res.Status)
}

func TestSubmitContextCancelledDuringBackoff(t *testing.T) {
	req := testRequest()
	cfg := Config{MaxAttempts: 3, RetryBaseWait: time.Hour, RetryMaxWait: time.Hour}
	exch := &mockExchange{placeResults: []placeResult{
		{err: fmt.Errorf("too many requests: %w", ports.ErrRateLimited)},
	}}
	e, err := New(cfg, exch, nil, &mockLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err = e.Submit(ctx, req)
	assert.True(t, errors.Is(err, ports.ErrContextCanceled))
	assert.Less(t, time.Since(start), time.Second, "cancellation interrupts the backoff sleep")
}

func TestSubmitSharedRateLimiter(t *testing.T) {
	req := testRequest()
	results := make([]placeResult, 5)
	for i := range results {
		results[i] = placeResult{res: filled(req.ClientOrderID)}
	}
	exch := &mockExchange{placeResults: results}

	// Burst of 2, very slow refill: the first two submissions pass instantly,
	// the third has to wait for a token.
	limiter := rate.NewLimiter(rate.Limit(20), 2)
	e, err := New(fastConfig(), exch, limiter, &mockLogger{})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := e.Submit(context.Background(), req)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond,
		"third request waits for the bucket to refill")
}
