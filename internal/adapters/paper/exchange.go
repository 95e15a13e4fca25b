// Package paper is an in-memory spot exchange used for dry runs and tests.
//
// Market orders fill immediately against the configured book. Limit orders
// fill when marketable; GTC orders otherwise rest and are matched whenever
// SetPrice moves the market through them.
package paper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spotTrader/internal/domain"
	"spotTrader/internal/ports"
)

type order struct {
	resp        ports.OrderResponse
	quoteAmount decimal.Decimal // quote-sized market buys
	locked      decimal.Decimal // reserved funds while resting
}

// Exchange implements ports.ExchangeClient in memory.
type Exchange struct {
	mu sync.Mutex

	quote       string
	feeRate     decimal.Decimal
	minNotional decimal.Decimal

	balances map[string]*ports.Balance
	prices   map[string]decimal.Decimal
	books    map[string]ports.BookTop
	orders   map[string]*order
	invalid  map[string]bool

	// deferMarket makes market orders for a symbol rest unfilled until FillDeferred.
	deferMarket map[string]bool
	failNext    map[string]error

	placed []ports.OrderRequest
	now    func() time.Time
}

// Config configures a paper exchange.
type Config struct {
	QuoteAsset   string
	QuoteBalance decimal.Decimal
	FeeRate      decimal.Decimal // fraction of quote notional
	MinNotional  decimal.Decimal
}

// New creates a paper exchange funded with cfg.QuoteBalance.
func New(cfg Config) *Exchange {
	quote := strings.ToUpper(cfg.QuoteAsset)
	if quote == "" {
		quote = "USDT"
	}
	e := &Exchange{
		quote:       quote,
		feeRate:     cfg.FeeRate,
		minNotional: cfg.MinNotional,
		balances:    make(map[string]*ports.Balance),
		prices:      make(map[string]decimal.Decimal),
		books:       make(map[string]ports.BookTop),
		orders:      make(map[string]*order),
		invalid:     make(map[string]bool),
		deferMarket: make(map[string]bool),
		failNext:    make(map[string]error),
		now:         time.Now,
	}
	e.balances[quote] = &ports.Balance{Asset: quote, Free: cfg.QuoteBalance}
	return e
}

// --- test and dry-run controls ---

// SetPrice sets the last price and a zero-width book, then matches resting orders.
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.SetBook(symbol, price, price)
}

// SetBook sets bid and ask; the last price becomes the mid. Resting orders are matched.
func (e *Exchange) SetBook(symbol string, bid, ask decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.books[symbol] = ports.BookTop{Bid: bid, Ask: ask}
	e.prices[symbol] = bid.Add(ask).Div(decimal.NewFromInt(2))
	e.matchResting(symbol)
}

// SetBalance overrides the free balance of asset.
func (e *Exchange) SetBalance(asset string, free decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.balance(asset)
	b.Free = free
}

// Delist makes every call for symbol fail with ports.ErrInvalidSymbol.
func (e *Exchange) Delist(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalid[symbol] = true
}

// DeferMarketFills makes market orders for symbol accepted but unfilled.
func (e *Exchange) DeferMarketFills(symbol string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deferMarket[symbol] = on
}

// FailNext makes the next call of method ("PlaceOrder", "GetTickerPrice", ...) return err.
func (e *Exchange) FailNext(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext[method] = err
}

// FillDeferred fills a resting market order at the current book.
func (e *Exchange) FillDeferred(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.resp.State.IsTerminal() {
		return ports.ErrOrderNotFound
	}
	e.unlock(o)
	req := ports.OrderRequest{Symbol: o.resp.Symbol, Side: o.resp.Side, Quantity: o.resp.OrigQuantity, QuoteAmount: o.quoteAmount}
	return e.fill(o, req, e.touch(o.resp.Symbol, o.resp.Side))
}

// Placed returns every order request received, in order.
func (e *Exchange) Placed() []ports.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ports.OrderRequest(nil), e.placed...)
}

// OpenOrders returns the ids of resting orders for symbol.
func (e *Exchange) OpenOrders(symbol string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, o := range e.orders {
		if o.resp.Symbol == symbol && !o.resp.State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// --- ports.ExchangeClient ---

// PlaceOrder simulates order placement.
func (e *Exchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected("PlaceOrder"); err != nil {
		return nil, err
	}
	if e.invalid[req.Symbol] {
		return nil, fmt.Errorf("PlaceOrder %s: %w", req.Symbol, ports.ErrInvalidSymbol)
	}
	e.placed = append(e.placed, req)

	price := e.touch(req.Symbol, req.Side)
	if !price.IsPositive() {
		return nil, fmt.Errorf("PlaceOrder %s: no market: %w", req.Symbol, ports.ErrOrderRejected)
	}
	o := &order{
		quoteAmount: req.QuoteAmount,
		resp: ports.OrderResponse{
			OrderID:       uuid.NewString(),
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			State:         domain.OrderStateNew,
			Price:         req.Price,
			OrigQuantity:  req.Quantity,
			Timestamp:     e.now(),
		},
	}

	notional := req.QuoteAmount
	if notional.IsZero() {
		p := req.Price
		if req.Type == domain.OrderTypeMarket {
			p = price
		}
		notional = req.Quantity.Mul(p)
	}
	if notional.LessThan(e.minNotional) {
		return nil, fmt.Errorf("PlaceOrder %s notional %s: %w", req.Symbol, notional, ports.ErrMinNotional)
	}

	switch req.Type {
	case domain.OrderTypeMarket:
		if err := e.reserve(o, req, price); err != nil {
			return nil, err
		}
		e.orders[o.resp.OrderID] = o
		if e.deferMarket[req.Symbol] {
			resp := o.resp
			return &resp, nil
		}
		e.unlock(o)
		if err := e.fill(o, req, price); err != nil {
			return nil, err
		}
	case domain.OrderTypeLimit:
		if err := e.reserve(o, req, req.Price); err != nil {
			return nil, err
		}
		e.orders[o.resp.OrderID] = o
		if marketable(req.Side, req.Price, price) {
			e.unlock(o)
			if err := e.fill(o, req, req.Price); err != nil {
				return nil, err
			}
		} else if req.TimeInForce == domain.TimeInForceIOC {
			e.unlock(o)
			o.resp.State = domain.OrderStateExpired
		}
	default:
		return nil, fmt.Errorf("PlaceOrder: unsupported type %q: %w", req.Type, ports.ErrInvalidRequest)
	}
	resp := o.resp
	return &resp, nil
}

// CancelOrder cancels a resting order.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (*ports.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected("CancelOrder"); err != nil {
		return nil, err
	}
	o, ok := e.orders[orderID]
	if !ok || o.resp.Symbol != symbol || o.resp.State.IsTerminal() {
		return nil, fmt.Errorf("CancelOrder %s: %w", orderID, ports.ErrOrderNotFound)
	}
	e.unlock(o)
	o.resp.State = domain.OrderStateCanceled
	resp := o.resp
	return &resp, nil
}

// GetOrder returns the current state of an order.
func (e *Exchange) GetOrder(ctx context.Context, symbol, orderID string) (*ports.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := e.orders[orderID]
	if !ok || o.resp.Symbol != symbol {
		return nil, fmt.Errorf("GetOrder %s: %w", orderID, ports.ErrOrderNotFound)
	}
	resp := o.resp
	return &resp, nil
}

// GetBalances returns every non-zero balance.
func (e *Exchange) GetBalances(ctx context.Context) ([]ports.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected("GetBalances"); err != nil {
		return nil, err
	}
	out := make([]ports.Balance, 0, len(e.balances))
	for _, b := range e.balances {
		if b.Total().IsPositive() {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// GetTickerPrice returns the last price.
func (e *Exchange) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected("GetTickerPrice"); err != nil {
		return decimal.Zero, err
	}
	if e.invalid[symbol] {
		return decimal.Zero, fmt.Errorf("GetTickerPrice %s: %w", symbol, ports.ErrInvalidSymbol)
	}
	p, ok := e.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("GetTickerPrice %s: %w", symbol, ports.ErrInvalidSymbol)
	}
	return p, nil
}

// GetBookTop returns the configured book.
func (e *Exchange) GetBookTop(ctx context.Context, symbol string) (ports.BookTop, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected("GetBookTop"); err != nil {
		return ports.BookTop{}, err
	}
	b, ok := e.books[symbol]
	if !ok || e.invalid[symbol] {
		return ports.BookTop{}, fmt.Errorf("GetBookTop %s: %w", symbol, ports.ErrInvalidSymbol)
	}
	return b, nil
}

// Symbol maps a base asset to its quote pair.
func (e *Exchange) Symbol(asset string) string {
	return strings.ToUpper(asset) + e.quote
}

// BaseAsset strips the quote suffix.
func (e *Exchange) BaseAsset(symbol string) string {
	return strings.TrimSuffix(strings.ToUpper(symbol), e.quote)
}

// --- internals, mu held ---

func (e *Exchange) injected(method string) error {
	if err, ok := e.failNext[method]; ok {
		delete(e.failNext, method)
		return err
	}
	return nil
}

func (e *Exchange) balance(asset string) *ports.Balance {
	b, ok := e.balances[asset]
	if !ok {
		b = &ports.Balance{Asset: asset}
		e.balances[asset] = b
	}
	return b
}

// touch is the price a marketable order of side executes at.
func (e *Exchange) touch(symbol string, side domain.OrderSide) decimal.Decimal {
	b, ok := e.books[symbol]
	if !ok {
		return decimal.Zero
	}
	if side == domain.Buy {
		return b.Ask
	}
	return b.Bid
}

func marketable(side domain.OrderSide, limit, touch decimal.Decimal) bool {
	if side == domain.Buy {
		return limit.GreaterThanOrEqual(touch)
	}
	return limit.LessThanOrEqual(touch)
}

// reserve moves the funds an order needs from free to locked.
func (e *Exchange) reserve(o *order, req ports.OrderRequest, price decimal.Decimal) error {
	if req.Side == domain.Buy {
		need := req.QuoteAmount
		if need.IsZero() {
			need = req.Quantity.Mul(price)
		}
		need = need.Add(need.Mul(e.feeRate))
		q := e.balance(e.quote)
		if q.Free.LessThan(need) {
			return fmt.Errorf("PlaceOrder %s needs %s %s: %w", req.Symbol, need, e.quote, ports.ErrInsufficientFunds)
		}
		q.Free = q.Free.Sub(need)
		q.Locked = q.Locked.Add(need)
		o.locked = need
		return nil
	}
	b := e.balance(e.BaseAsset(req.Symbol))
	if b.Free.LessThan(req.Quantity) {
		return fmt.Errorf("PlaceOrder %s needs %s: %w", req.Symbol, req.Quantity, ports.ErrInsufficientFunds)
	}
	b.Free = b.Free.Sub(req.Quantity)
	b.Locked = b.Locked.Add(req.Quantity)
	o.locked = req.Quantity
	return nil
}

func (e *Exchange) unlock(o *order) {
	if !o.locked.IsPositive() {
		return
	}
	asset := e.quote
	if o.resp.Side == domain.Sell {
		asset = e.BaseAsset(o.resp.Symbol)
	}
	b := e.balance(asset)
	b.Locked = b.Locked.Sub(o.locked)
	b.Free = b.Free.Add(o.locked)
	o.locked = decimal.Zero
}

// fill executes the whole order at price.
func (e *Exchange) fill(o *order, req ports.OrderRequest, price decimal.Decimal) error {
	qty := req.Quantity
	if qty.IsZero() {
		qty = req.QuoteAmount.Div(price).RoundFloor(8)
	}
	notional := qty.Mul(price)
	fee := notional.Mul(e.feeRate)
	q := e.balance(e.quote)
	base := e.balance(e.BaseAsset(req.Symbol))
	if req.Side == domain.Buy {
		if q.Free.LessThan(notional.Add(fee)) {
			return fmt.Errorf("fill %s: %w", req.Symbol, ports.ErrInsufficientFunds)
		}
		q.Free = q.Free.Sub(notional).Sub(fee)
		base.Free = base.Free.Add(qty)
	} else {
		if base.Free.LessThan(qty) {
			return fmt.Errorf("fill %s: %w", req.Symbol, ports.ErrInsufficientFunds)
		}
		base.Free = base.Free.Sub(qty)
		q.Free = q.Free.Add(notional).Sub(fee)
	}
	o.locked = decimal.Zero
	o.resp.State = domain.OrderStateFilled
	o.resp.ExecutedQty = qty
	o.resp.AvgPrice = price
	o.resp.Fee = fee
	if o.resp.OrigQuantity.IsZero() {
		o.resp.OrigQuantity = qty
	}
	return nil
}

// matchResting fills GTC limit orders crossed by the current book.
func (e *Exchange) matchResting(symbol string) {
	for _, o := range e.orders {
		if o.resp.Symbol != symbol || o.resp.State.IsTerminal() || o.resp.Type != domain.OrderTypeLimit {
			continue
		}
		if !marketable(o.resp.Side, o.resp.Price, e.touch(symbol, o.resp.Side)) {
			continue
		}
		req := ports.OrderRequest{Symbol: symbol, Side: o.resp.Side, Quantity: o.resp.OrigQuantity}
		e.unlock(o)
		_ = e.fill(o, req, o.resp.Price) // funds were reserved at placement
	}
}
