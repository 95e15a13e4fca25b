package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotTrader/internal/domain"
	"spotTrader/internal/ports"
)

// Mock implementations
type mockLogger struct {
	mu       sync.Mutex
	infoMsgs []string
	warnMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {}

type placeOutcome struct {
	resp *ports.OrderResponse
	err  error
}

// scriptedExchange replays books and order outcomes in order.
type scriptedExchange struct {
	books    []ports.BookTop
	outcomes []placeOutcome
	getOrder map[string]*ports.OrderResponse

	placed   []ports.OrderRequest
	canceled []string
}

func (s *scriptedExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	s.placed = append(s.placed, req)
	if len(s.outcomes) == 0 {
		return nil, fmt.Errorf("unexpected order %d", len(s.placed))
	}
	o := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return o.resp, o.err
}

func (s *scriptedExchange) CancelOrder(ctx context.Context, symbol, orderID string) (*ports.OrderResponse, error) {
	s.canceled = append(s.canceled, orderID)
	return &ports.OrderResponse{OrderID: orderID, State: domain.OrderStateCanceled}, nil
}

func (s *scriptedExchange) GetOrder(ctx context.Context, symbol, orderID string) (*ports.OrderResponse, error) {
	if r, ok := s.getOrder[orderID]; ok {
		return r, nil
	}
	return nil, ports.ErrOrderNotFound
}

func (s *scriptedExchange) GetBalances(ctx context.Context) ([]ports.Balance, error) { return nil, nil }

func (s *scriptedExchange) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *scriptedExchange) GetBookTop(ctx context.Context, symbol string) (ports.BookTop, error) {
	b := s.books[0]
	if len(s.books) > 1 {
		s.books = s.books[1:]
	}
	return b, nil
}

func (s *scriptedExchange) Symbol(asset string) string     { return asset + "USDT" }
func (s *scriptedExchange) BaseAsset(symbol string) string { return symbol[:len(symbol)-4] }

func book(bid, ask string) ports.BookTop {
	return ports.BookTop{Bid: d(bid), Ask: d(ask)}
}

func filled(id, qty, price string) placeOutcome {
	return placeOutcome{resp: &ports.OrderResponse{OrderID: id, State: domain.OrderStateFilled, ExecutedQty: d(qty), AvgPrice: d(price)}}
}

func expired(id string) placeOutcome {
	return placeOutcome{resp: &ports.OrderResponse{OrderID: id, State: domain.OrderStateExpired}}
}

func testConfig(maxRetry int) Config {
	return Config{SpreadThreshold: 0.0008, MaxRetry: maxRetry, MinNotional: d("5"), QuantityPrecision: 6}
}

func buyReq(notional string) Request {
	return Request{Symbol: "BTCUSDT", Side: domain.Buy, Notional: d(notional), PriceHint: d("10000")}
}

func TestPlaceHybridOrder_TightSpreadGoesMarketOnce(t *testing.T) {
	// spread 0.0005
	ex := &scriptedExchange{
		books:    []ports.BookTop{book("9995", "10000")},
		outcomes: []placeOutcome{filled("1", "0.01", "10000")},
	}
	p := NewPlacer(ex, &mockLogger{})

	res, err := p.PlaceHybridOrder(context.Background(), buyReq("100"), testConfig(3))
	require.NoError(t, err)

	require.Len(t, ex.placed, 1)
	assert.Equal(t, domain.OrderTypeMarket, ex.placed[0].Type)
	assert.True(t, d("100").Equal(ex.placed[0].QuoteAmount))
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.Filled)
	assert.True(t, res.Market)
	assert.Equal(t, domain.OrderStateFilled, res.State)
	assert.True(t, d("10000").Equal(res.Price))
}

func TestPlaceHybridOrder_WideSpreadRetriesThenFallsBack(t *testing.T) {
	// spread 0.002
	ex := &scriptedExchange{
		books:    []ports.BookTop{book("9980", "10000")},
		outcomes: []placeOutcome{expired("1"), expired("2"), filled("3", "0.01", "10000")},
	}
	p := NewPlacer(ex, &mockLogger{})

	res, err := p.PlaceHybridOrder(context.Background(), buyReq("100"), testConfig(2))
	require.NoError(t, err)

	require.Len(t, ex.placed, 3)
	for _, o := range ex.placed[:2] {
		assert.Equal(t, domain.OrderTypeLimit, o.Type)
		assert.Equal(t, domain.TimeInForceIOC, o.TimeInForce)
		assert.True(t, d("9990").Equal(o.Price), "buy one tick inside the ask, got %s", o.Price)
	}
	assert.Equal(t, domain.OrderTypeMarket, ex.placed[2].Type)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []string{"1", "2", "3"}, res.OrderIDs)
	assert.Equal(t, domain.OrderStateFilled, res.State)
}

func TestPlaceHybridOrder_SpreadNarrowsMidway(t *testing.T) {
	ex := &scriptedExchange{
		books:    []ports.BookTop{book("9980", "10000"), book("9995", "10000")},
		outcomes: []placeOutcome{expired("1"), filled("2", "0.01", "10000")},
	}
	p := NewPlacer(ex, &mockLogger{})

	res, err := p.PlaceHybridOrder(context.Background(), buyReq("100"), testConfig(3))
	require.NoError(t, err)
	require.Len(t, ex.placed, 2)
	assert.Equal(t, domain.OrderTypeMarket, ex.placed[1].Type)
	assert.Equal(t, 2, res.Attempts)
}

func TestPlaceHybridOrder_PassiveFillSkipsMarket(t *testing.T) {
	ex := &scriptedExchange{
		books:    []ports.BookTop{book("9980", "10000")},
		outcomes: []placeOutcome{filled("1", "0.010005", "9995")},
	}
	p := NewPlacer(ex, &mockLogger{})

	res, err := p.PlaceHybridOrder(context.Background(), buyReq("100"), testConfig(3))
	require.NoError(t, err)
	assert.Len(t, ex.placed, 1)
	assert.False(t, res.Market)
	assert.Equal(t, domain.OrderStateFilled, res.State)
	assert.True(t, d("9995").Equal(res.Price))
}

func TestPlaceHybridOrder_SellPricesOneTickAboveBid(t *testing.T) {
	ex := &scriptedExchange{
		books:    []ports.BookTop{book("9980", "10000")},
		outcomes: []placeOutcome{expired("1"), filled("2", "0.5", "9980")},
	}
	p := NewPlacer(ex, &mockLogger{})

	req := Request{Symbol: "BTCUSDT", Side: domain.Sell, Quantity: d("0.5")}
	res, err := p.PlaceHybridOrder(context.Background(), req, testConfig(1))
	require.NoError(t, err)
	require.Len(t, ex.placed, 2)
	assert.True(t, d("9985").Equal(ex.placed[0].Price))
	assert.True(t, d("0.5").Equal(ex.placed[1].Quantity))
	assert.True(t, d("0.5").Equal(res.Quantity))
}

func TestPlaceHybridOrder_RestingLimitIsCanceledAndRequeried(t *testing.T) {
	resting := &ports.OrderResponse{OrderID: "7", State: domain.OrderStateNew}
	ex := &scriptedExchange{
		books:    []ports.BookTop{book("9980", "10000")},
		outcomes: []placeOutcome{{resp: resting}},
		getOrder: map[string]*ports.OrderResponse{
			"7": {OrderID: "7", State: domain.OrderStateCanceled, ExecutedQty: d("0.010005"), AvgPrice: d("9995")},
		},
	}
	p := NewPlacer(ex, &mockLogger{})

	res, err := p.PlaceHybridOrder(context.Background(), buyReq("100"), testConfig(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, ex.canceled)
	assert.True(t, res.Filled)
	assert.Len(t, ex.placed, 1, "fill found on re-query means no market fallback")
}

func TestPlaceHybridOrder_MarketAcceptedWithoutFillIsPending(t *testing.T) {
	ex := &scriptedExchange{
		books:    []ports.BookTop{book("9995", "10000")},
		outcomes: []placeOutcome{{resp: &ports.OrderResponse{OrderID: "42", State: domain.OrderStateNew}}},
	}
	p := NewPlacer(ex, &mockLogger{})

	res, err := p.PlaceHybridOrder(context.Background(), buyReq("100"), testConfig(3))
	require.NoError(t, err)
	assert.True(t, res.Pending())
	assert.Equal(t, "42", res.PendingOrderID)
	assert.False(t, res.Filled)
	assert.Equal(t, domain.OrderStateNew, res.State)
}

func TestPlaceHybridOrder_Errors(t *testing.T) {
	tests := []struct {
		name      string
		outcomes  []placeOutcome
		wantErr   error
		wantCalls int
	}{
		{
			name:      "rejection returns immediately",
			outcomes:  []placeOutcome{{err: fmt.Errorf("PlaceOrder failed: %w", ports.ErrMinNotional)}},
			wantErr:   ports.ErrMinNotional,
			wantCalls: 1,
		},
		{
			name: "network errors consume attempts then market",
			outcomes: []placeOutcome{
				{err: ports.ErrTimeout},
				{err: ports.ErrNetwork},
				filled("3", "0.01", "10000"),
			},
			wantCalls: 3,
		},
		{
			name: "network error on fallback surfaces",
			outcomes: []placeOutcome{
				{err: ports.ErrNetwork},
				{err: ports.ErrNetwork},
				{err: ports.ErrRateLimited},
			},
			wantErr:   ports.ErrNetwork,
			wantCalls: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &scriptedExchange{books: []ports.BookTop{book("9980", "10000")}, outcomes: tt.outcomes}
			p := NewPlacer(ex, &mockLogger{})
			res, err := p.PlaceHybridOrder(context.Background(), buyReq("100"), testConfig(2))
			require.NotNil(t, res)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, ex.placed, tt.wantCalls)
			assert.LessOrEqual(t, res.Attempts, 3)
		})
	}
}

func TestPlaceHybridOrder_InvalidRequest(t *testing.T) {
	p := NewPlacer(&scriptedExchange{}, &mockLogger{})
	_, err := p.PlaceHybridOrder(context.Background(), Request{Symbol: "BTCUSDT", Side: domain.Sell}, testConfig(1))
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}
