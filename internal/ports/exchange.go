package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"spotTrader/internal/domain"
)

// OrderRequest describes one order to submit.
// Exactly one of Quantity or QuoteAmount is set for market buys; limit orders always carry Quantity and Price.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	TimeInForce   domain.TimeInForce // limit orders only
	Quantity      decimal.Decimal    // base asset amount
	QuoteAmount   decimal.Decimal    // quote asset amount, market buys only
	Price         decimal.Decimal    // limit orders only
	ClientOrderID string
}

// OrderResponse represents the essential details returned after placing or querying an order.
type OrderResponse struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	State         domain.OrderState
	Price         decimal.Decimal // limit price, zero for market orders
	AvgPrice      decimal.Decimal // average filled price
	OrigQuantity  decimal.Decimal
	ExecutedQty   decimal.Decimal
	Fee           decimal.Decimal // in quote asset
	Timestamp     time.Time
}

// Balance is the holding of one asset.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// BookTop is the best bid and ask of an instrument.
type BookTop struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Spread returns (ask - bid) / ask, or zero for an empty book.
func (b BookTop) Spread() float64 {
	if !b.Ask.IsPositive() {
		return 0
	}
	return b.Ask.Sub(b.Bid).Div(b.Ask).InexactFloat64()
}

// ExchangeClient defines the interface for interacting with a spot exchange.
// Every method must honour ctx cancellation and return errors classified with the sentinels in errors.go.
type ExchangeClient interface {
	// PlaceOrder submits an order. An accepted order with no fill is not an error.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// CancelOrder cancels an open order by its ID.
	CancelOrder(ctx context.Context, symbol, orderID string) (*OrderResponse, error)

	// GetOrder queries the current state of an order.
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderResponse, error)

	// GetBalances returns every non-zero asset balance of the account.
	GetBalances(ctx context.Context) ([]Balance, error)

	// GetTickerPrice retrieves the last traded price for a symbol.
	GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// GetBookTop retrieves the best bid and ask for a symbol.
	GetBookTop(ctx context.Context, symbol string) (BookTop, error)

	// Symbol maps a base asset to the tradable instrument id (e.g. BTC -> BTCUSDT).
	Symbol(asset string) string

	// BaseAsset is the inverse of Symbol.
	BaseAsset(symbol string) string
}
