package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spotTrader/internal/domain"
	"spotTrader/internal/ports"
)

// Config controls the hybrid placement policy.
type Config struct {
	SpreadThreshold   float64         // (ask-bid)/ask at or below which a market order is sent directly
	MaxRetry          int             // passive IOC attempts before the market fallback
	MinNotional       decimal.Decimal // remainders below this are not worth another order
	QuantityPrecision int32           // decimal places for base quantities
}

// Request is one buy or sell to execute.
// Buys are sized by Notional (quote), sells by Quantity (base).
type Request struct {
	Symbol    string
	Side      domain.OrderSide
	Notional  decimal.Decimal
	Quantity  decimal.Decimal
	PriceHint decimal.Decimal
}

// Result summarizes every order placed for one request.
type Result struct {
	Filled         bool // some quantity executed
	State          domain.OrderState
	Price          decimal.Decimal // volume weighted fill price
	Quantity       decimal.Decimal // executed base quantity
	QuoteQuantity  decimal.Decimal // executed quote amount
	Fee            decimal.Decimal
	OrderIDs       []string
	Attempts       int  // order calls made
	Market         bool // resolved through a market order
	PendingOrderID string
	// PendingFilled is the part of Quantity already executed by PendingOrderID.
	PendingFilled decimal.Decimal
}

// Pending reports whether an accepted order is still awaiting its fill.
func (r *Result) Pending() bool {
	return r.PendingOrderID != ""
}

func (r *Result) absorb(resp *ports.OrderResponse) {
	if resp == nil || !resp.ExecutedQty.IsPositive() {
		return
	}
	price := resp.AvgPrice
	if !price.IsPositive() {
		price = resp.Price
	}
	r.QuoteQuantity = r.QuoteQuantity.Add(price.Mul(resp.ExecutedQty))
	r.Quantity = r.Quantity.Add(resp.ExecutedQty)
	r.Fee = r.Fee.Add(resp.Fee)
	r.Price = r.QuoteQuantity.Div(r.Quantity)
	r.Filled = true
}

// Placer executes orders with the hybrid passive-then-market policy.
type Placer struct {
	exchange ports.ExchangeClient
	logger   ports.Logger
	newID    func() string
}

// NewPlacer creates a Placer.
func NewPlacer(exchange ports.ExchangeClient, logger ports.Logger) *Placer {
	return &Placer{exchange: exchange, logger: logger, newID: uuid.NewString}
}

// PlaceHybridOrder executes req. A wide spread is worked with up to cfg.MaxRetry
// IOC limit orders one tick inside the touch, re-checking the spread before each;
// any remainder goes to one market order. At most MaxRetry+1 orders are placed.
//
// Rejections return immediately with the sentinel from the exchange adapter.
// Network errors consume an attempt. The returned Result is never nil.
func (p *Placer) PlaceHybridOrder(ctx context.Context, req Request, cfg Config) (*Result, error) {
	op := "PlaceHybridOrder"
	res := &Result{}
	fields := map[string]interface{}{"symbol": req.Symbol, "side": req.Side}

	if err := validateRequest(req); err != nil {
		return res, err
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxRetry; attempt++ {
		if p.remainderDone(req, res, cfg) {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		book, err := p.exchange.GetBookTop(ctx, req.Symbol)
		if err != nil {
			if ports.IsRetryable(err) {
				lastErr = err
				p.logger.Warn(ctx, fmt.Sprintf("%s: book fetch failed, attempt %d consumed", op, attempt+1), fields)
				continue
			}
			return res, err
		}
		spread := book.Spread()
		if spread <= cfg.SpreadThreshold {
			p.logger.Debug(ctx, fmt.Sprintf("%s: spread %.5f within threshold, going market", op, spread), fields)
			break
		}

		orderReq, ok := p.passiveOrder(req, res, book, cfg)
		if !ok {
			break
		}
		res.Attempts++
		resp, err := p.exchange.PlaceOrder(ctx, orderReq)
		if err != nil {
			if ports.IsRetryable(err) {
				lastErr = err
				p.logger.Warn(ctx, fmt.Sprintf("%s: passive order failed, attempt %d consumed", op, attempt+1), fields)
				continue
			}
			p.logger.Info(ctx, fmt.Sprintf("%s: passive order rejected: %v", op, err), fields)
			return res, err
		}
		res.OrderIDs = append(res.OrderIDs, resp.OrderID)

		if !resp.State.IsTerminal() {
			resp = p.cancelAndRequery(ctx, req.Symbol, resp)
		}
		res.absorb(resp)
		p.logger.Debug(ctx, fmt.Sprintf("%s: passive attempt %d executed %s @ %s", op, attempt+1, resp.ExecutedQty, orderReq.Price), fields)
	}

	if p.remainderDone(req, res, cfg) {
		res.State = domain.OrderStateFilled
		return res, nil
	}

	marketReq := p.marketOrder(req, res, cfg)
	res.Attempts++
	res.Market = true
	resp, err := p.exchange.PlaceOrder(ctx, marketReq)
	if err != nil {
		if lastErr != nil && ports.IsRetryable(err) {
			err = fmt.Errorf("%w (previous: %v)", err, lastErr)
		}
		if res.Filled {
			res.State = domain.OrderStatePartiallyFilled
		}
		return res, err
	}
	res.OrderIDs = append(res.OrderIDs, resp.OrderID)
	res.absorb(resp)

	switch {
	case !resp.State.IsTerminal() && !resp.ExecutedQty.IsPositive():
		res.PendingOrderID = resp.OrderID
		res.State = domain.OrderStateNew
		if res.Filled {
			res.State = domain.OrderStatePartiallyFilled
		}
		p.logger.Info(ctx, fmt.Sprintf("%s: market order %s accepted without fill", op, resp.OrderID), fields)
	case !resp.State.IsTerminal():
		res.PendingOrderID = resp.OrderID
		res.PendingFilled = resp.ExecutedQty
		res.State = domain.OrderStatePartiallyFilled
	case res.Filled:
		res.State = domain.OrderStateFilled
		if resp.State != domain.OrderStateFilled {
			res.State = domain.OrderStatePartiallyFilled
		}
	default:
		res.State = resp.State
	}
	return res, nil
}

func validateRequest(req Request) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ports.ErrInvalidRequest)
	}
	switch req.Side {
	case domain.Buy:
		if !req.Notional.IsPositive() {
			return fmt.Errorf("%w: buy notional must be positive", ports.ErrInvalidRequest)
		}
	case domain.Sell:
		if !req.Quantity.IsPositive() {
			return fmt.Errorf("%w: sell quantity must be positive", ports.ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown side %q", ports.ErrInvalidRequest, req.Side)
	}
	return nil
}

// remainderDone reports whether what is left is too small to place.
func (p *Placer) remainderDone(req Request, res *Result, cfg Config) bool {
	if req.Side == domain.Buy {
		left := req.Notional.Sub(res.QuoteQuantity)
		return !left.IsPositive() || (res.Filled && left.LessThan(cfg.MinNotional))
	}
	left := req.Quantity.Sub(res.Quantity)
	if !left.IsPositive() {
		return true
	}
	return res.Filled && left.Mul(res.Price).LessThan(cfg.MinNotional)
}

// passiveOrder builds an IOC limit order one tick inside the spread.
func (p *Placer) passiveOrder(req Request, res *Result, book ports.BookTop, cfg Config) (ports.OrderRequest, bool) {
	out := ports.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          domain.OrderTypeLimit,
		TimeInForce:   domain.TimeInForceIOC,
		ClientOrderID: p.newID(),
	}
	if req.Side == domain.Buy {
		out.Price = RoundToTick(book.Ask.Sub(TickSize(book.Ask)))
		if !out.Price.IsPositive() {
			return out, false
		}
		left := req.Notional.Sub(res.QuoteQuantity)
		out.Quantity = left.Div(out.Price).RoundFloor(cfg.QuantityPrecision)
	} else {
		out.Price = RoundUpToTick(book.Bid.Add(TickSize(book.Bid)))
		out.Quantity = req.Quantity.Sub(res.Quantity).RoundFloor(cfg.QuantityPrecision)
	}
	return out, out.Quantity.IsPositive()
}

func (p *Placer) marketOrder(req Request, res *Result, cfg Config) ports.OrderRequest {
	out := ports.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          domain.OrderTypeMarket,
		ClientOrderID: p.newID(),
	}
	if req.Side == domain.Buy {
		out.QuoteAmount = req.Notional.Sub(res.QuoteQuantity).RoundFloor(2)
	} else {
		out.Quantity = req.Quantity.Sub(res.Quantity).RoundFloor(cfg.QuantityPrecision)
	}
	return out
}

// cancelAndRequery cancels an order that should not be resting and re-reads it
// so a fill racing the cancel is still accounted for.
func (p *Placer) cancelAndRequery(ctx context.Context, symbol string, resp *ports.OrderResponse) *ports.OrderResponse {
	op := "cancelAndRequery"
	if _, err := p.exchange.CancelOrder(ctx, symbol, resp.OrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		p.logger.Warn(ctx, fmt.Sprintf("%s: cancel of resting order %s failed: %v", op, resp.OrderID, err), map[string]interface{}{"symbol": symbol})
	}
	latest, err := p.exchange.GetOrder(ctx, symbol, resp.OrderID)
	if err != nil {
		p.logger.Warn(ctx, fmt.Sprintf("%s: re-query of order %s failed: %v", op, resp.OrderID, err), map[string]interface{}{"symbol": symbol})
		return resp
	}
	return latest
}
