package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"spotTrader/internal/domain"
	"spotTrader/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"
)

// Client implements the ports.ExchangeClient interface using the go-binance spot API.
type Client struct {
	spotClient *binance.Client
	logger     ports.Logger
	quote      string
	timeout    time.Duration
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	QuoteAsset string
	Timeout    time.Duration // per call
	Logger     ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	quote := strings.ToUpper(cfg.QuoteAsset)
	if quote == "" {
		quote = "USDT"
	}

	return &Client{
		spotClient: client,
		logger:     cfg.Logger,
		quote:      quote,
		timeout:    timeout,
	}, nil
}

// mapAPIError maps Binance spot error codes to ports sentinels.
func mapAPIError(apiErr *common.APIError) error {
	switch apiErr.Code {
	case -1003, -1015: // Too many requests / too many orders
		return ports.ErrRateLimited
	case -1000, -1001, -1006, -1007: // Unknown / disconnected / unexpected response / timeout
		return ports.ErrNetwork
	case -1021: // Timestamp for this request is outside of the recvWindow
		return ports.ErrTimeout
	case -1022, -2014, -2015: // Signature or API-key problems
		return ports.ErrAuthenticationFailed
	case -1121: // Invalid symbol
		return ports.ErrInvalidSymbol
	case -1013: // Filter failure, includes MIN_NOTIONAL / NOTIONAL
		if strings.Contains(strings.ToUpper(apiErr.Message), "NOTIONAL") {
			return ports.ErrMinNotional
		}
		return ports.ErrOrderRejected
	case -2010: // New order rejected
		if strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance") {
			return ports.ErrInsufficientFunds
		}
		return ports.ErrOrderRejected
	case -2011, -2013: // Cancel rejected (unknown order) / order does not exist
		return ports.ErrOrderNotFound
	case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120: // Parameter/Request format errors
		return ports.ErrInvalidRequest
	default:
		return ports.ErrUnknown
	}
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
		mappedErr := mapAPIError(apiErr)
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		if errors.Is(mappedErr, ports.ErrOrderRejected) || errors.Is(mappedErr, ports.ErrOrderNotFound) {
			// Routine outcomes; callers decide how loud to be.
			c.logger.Info(ctx, fmt.Sprintf("%s rejected by exchange", operation), fields)
		} else {
			c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		}
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w", operation, err)
	case errors.As(err, &netErr),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "EOF"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrNetwork, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Symbol maps a base asset to its quote pair.
func (c *Client) Symbol(asset string) string {
	return strings.ToUpper(asset) + c.quote
}

// BaseAsset strips the quote suffix.
func (c *Client) BaseAsset(symbol string) string {
	return strings.TrimSuffix(strings.ToUpper(symbol), c.quote)
}

// GetTickerPrice retrieves the last ticker price for a given symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	op := "GetTickerPrice"
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	prices, err := c.spotClient.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, err, op)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("%s failed: no price for %s: %w", op, symbol, ports.ErrInvalidSymbol)
	}
	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, fmt.Errorf("could not parse price '%s': %w", prices[0].Price, err), op)
	}
	return price, nil
}

// GetBookTop retrieves the best bid and ask.
func (c *Client) GetBookTop(ctx context.Context, symbol string) (ports.BookTop, error) {
	op := "GetBookTop"
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	tickers, err := c.spotClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return ports.BookTop{}, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		return ports.BookTop{}, fmt.Errorf("%s failed: no book for %s: %w", op, symbol, ports.ErrInvalidSymbol)
	}
	bid, err1 := decimal.NewFromString(tickers[0].BidPrice)
	ask, err2 := decimal.NewFromString(tickers[0].AskPrice)
	if err := errors.Join(err1, err2); err != nil {
		return ports.BookTop{}, c.handleError(ctx, fmt.Errorf("could not parse book for %s: %w", symbol, err), op)
	}
	return ports.BookTop{Bid: bid, Ask: ask}, nil
}

// GetBalances returns every non-zero asset balance.
func (c *Client) GetBalances(ctx context.Context) ([]ports.Balance, error) {
	op := "GetBalances"
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	account, err := c.spotClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]ports.Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		free, err1 := decimal.NewFromString(b.Free)
		locked, err2 := decimal.NewFromString(b.Locked)
		if err := errors.Join(err1, err2); err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse balance for %s: %w", b.Asset, err), op)
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, ports.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// PlaceOrder submits a spot order with a FULL response so fills and fees are known.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "PlaceOrder"
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	svc := c.spotClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	switch req.Type {
	case domain.OrderTypeMarket:
		if req.QuoteAmount.IsPositive() {
			svc = svc.QuoteOrderQty(req.QuoteAmount.String())
		} else {
			svc = svc.Quantity(req.Quantity.String())
		}
	case domain.OrderTypeLimit:
		tif := binance.TimeInForceTypeGTC
		if req.TimeInForce == domain.TimeInForceIOC {
			tif = binance.TimeInForceTypeIOC
		}
		svc = svc.TimeInForce(tif).Quantity(req.Quantity.String()).Price(req.Price.String())
	default:
		return nil, fmt.Errorf("%s failed: unsupported order type %q: %w", op, req.Type, ports.ErrInvalidRequest)
	}

	c.logger.Debug(ctx, "Placing order", map[string]interface{}{"symbol": req.Symbol, "side": req.Side, "type": req.Type, "qty": req.Quantity.String(), "quote": req.QuoteAmount.String(), "price": req.Price.String()})
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	resp := translateCreateOrder(res, c.quote)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": req.Symbol, "orderID": resp.OrderID, "state": resp.State, "executed": resp.ExecutedQty.String()})
	return resp, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (*ports.OrderResponse, error) {
	op := "CancelOrder"
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s failed: bad order id %q: %w", op, orderID, ports.ErrInvalidRequest)
	}
	res, err := c.spotClient.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	resp := &ports.OrderResponse{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          domain.OrderSide(res.Side),
		Type:          domain.OrderType(res.Type),
		State:         translateStatus(string(res.Status)),
		Price:         parseDecimal(res.Price),
		OrigQuantity:  parseDecimal(res.OrigQuantity),
		ExecutedQty:   parseDecimal(res.ExecutedQuantity),
		AvgPrice:      avgPrice(res.CummulativeQuoteQuantity, res.ExecutedQuantity),
		Timestamp:     time.UnixMilli(res.TransactTime),
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "state": resp.State})
	return resp, nil
}

// GetOrder queries an order.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (*ports.OrderResponse, error) {
	op := "GetOrder"
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s failed: bad order id %q: %w", op, orderID, ports.ErrInvalidRequest)
	}
	o, err := c.spotClient.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return &ports.OrderResponse{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		Type:          domain.OrderType(o.Type),
		State:         translateStatus(string(o.Status)),
		Price:         parseDecimal(o.Price),
		OrigQuantity:  parseDecimal(o.OrigQuantity),
		ExecutedQty:   parseDecimal(o.ExecutedQuantity),
		AvgPrice:      avgPrice(o.CummulativeQuoteQuantity, o.ExecutedQuantity),
		Timestamp:     time.UnixMilli(o.UpdateTime),
	}, nil
}

// --- Translation Helpers ---

func translateCreateOrder(res *binance.CreateOrderResponse, quote string) *ports.OrderResponse {
	if res == nil {
		return nil
	}
	resp := &ports.OrderResponse{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          domain.OrderSide(res.Side),
		Type:          domain.OrderType(res.Type),
		State:         translateStatus(string(res.Status)),
		Price:         parseDecimal(res.Price),
		OrigQuantity:  parseDecimal(res.OrigQuantity),
		ExecutedQty:   parseDecimal(res.ExecutedQuantity),
		AvgPrice:      avgPrice(res.CummulativeQuoteQuantity, res.ExecutedQuantity),
		Timestamp:     time.UnixMilli(res.TransactTime),
	}
	fills := make([]fill, 0, len(res.Fills))
	for _, f := range res.Fills {
		fills = append(fills, fill{price: f.Price, qty: f.Quantity, commission: f.Commission, asset: f.CommissionAsset})
	}
	resp.Fee = feeInQuote(fills, quote, strings.TrimSuffix(res.Symbol, quote))
	return resp
}

type fill struct {
	price, qty, commission, asset string
}

// feeInQuote converts commissions to the quote asset. Commissions paid in the
// base asset are valued at the fill price; third-asset commissions (e.g. BNB) are ignored.
func feeInQuote(fills []fill, quote, base string) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		c := parseDecimal(f.commission)
		switch f.asset {
		case quote:
			total = total.Add(c)
		case base:
			total = total.Add(c.Mul(parseDecimal(f.price)))
		}
	}
	return total
}

func translateStatus(s string) domain.OrderState {
	switch s {
	case "NEW", "PENDING_NEW":
		return domain.OrderStateNew
	case "PARTIALLY_FILLED":
		return domain.OrderStatePartiallyFilled
	case "FILLED":
		return domain.OrderStateFilled
	case "CANCELED", "PENDING_CANCEL":
		return domain.OrderStateCanceled
	case "REJECTED":
		return domain.OrderStateRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStateExpired
	default:
		return domain.OrderState(s)
	}
}

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func avgPrice(cumQuote, executed string) decimal.Decimal {
	q := parseDecimal(executed)
	if !q.IsPositive() {
		return decimal.Zero
	}
	return parseDecimal(cumQuote).Div(q)
}
