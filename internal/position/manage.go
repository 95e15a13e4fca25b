package position

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"spotTrader/config"
	"spotTrader/internal/domain"
	"spotTrader/internal/execution"
	"spotTrader/internal/ports"
)

// RunManagementCycle applies the exit and sizing rules to every open position:
// take-profit maintenance, pyramiding, averaging down and the trailing stop.
// Positions held longer than MaxHold only evaluate the trailing stop.
func (s *PositionStore) RunManagementCycle(ctx context.Context) error {
	var errs []error
	for _, snap := range s.Snapshot() {
		if !snap.IsOpen() || snap.Frozen {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.manageOne(ctx, snap.Symbol); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", snap.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// TrailingStopTriggered reports whether p has been armed by a peak gain of at
// least startPct and has since pulled back from that peak by stepPct or more.
func TrailingStopTriggered(p *domain.Position, startPct, stepPct float64) bool {
	if !p.EntryPrice.IsPositive() || !p.MaxPriceSeen.IsPositive() || !p.CurrentPrice.IsPositive() {
		return false
	}
	if p.GainPct(p.MaxPriceSeen) < startPct {
		return false
	}
	pullback := p.MaxPriceSeen.Sub(p.CurrentPrice).Div(p.MaxPriceSeen).InexactFloat64() * 100
	return pullback >= stepPct
}

func (s *PositionStore) manageOne(ctx context.Context, symbol string) error {
	op := "manageOne"
	unlock := s.lockSymbol(symbol)
	defer unlock()

	p, ok := s.Get(symbol)
	if !ok || !p.IsOpen() || p.Frozen || !p.CurrentPrice.IsPositive() {
		return nil
	}
	params := s.cfg.Params.Trading()

	if p.TakeProfitOrderID != "" {
		done, err := s.checkTakeProfit(ctx, p)
		if err != nil || done {
			return err
		}
		if p, ok = s.Get(symbol); !ok {
			return nil
		}
		// Target reached: the resting order does the work.
		if p.TakeProfitOrderID != "" && p.CurrentPrice.GreaterThanOrEqual(p.TakeProfitPrice) {
			return nil
		}
	}

	switch {
	case p.CurrentPrice.LessThan(p.EntryPrice) && p.TakeProfitOrderID != "":
		closed, err := s.resetTakeProfit(ctx, p)
		if err != nil || closed {
			return err
		}
		s.cfg.Logger.Debug(ctx, op+": take-profit withdrawn below cost", map[string]interface{}{"symbol": symbol})
	case p.CurrentPrice.GreaterThanOrEqual(p.EntryPrice) && p.TakeProfitOrderID == "":
		if closed, err := s.scheduleTakeProfit(ctx, symbol, params); err != nil || closed {
			return err
		}
	}

	aged := params.MaxHold() > 0 && s.cfg.Now().Sub(p.EntryTimestamp) > params.MaxHold()
	if !aged {
		for _, pyramid := range []bool{true, false} {
			if p, ok = s.Get(symbol); !ok {
				return nil
			}
			closed, err := s.addOn(ctx, p, params, pyramid)
			if err != nil || closed {
				return err
			}
		}
	}

	if p, ok = s.Get(symbol); !ok {
		return nil
	}
	if TrailingStopTriggered(p, params.Exit.TrailStartPct, params.Exit.TrailStepPct) {
		s.cfg.Logger.Info(ctx, op+": trailing stop hit", map[string]interface{}{
			"symbol": symbol, "peak": p.MaxPriceSeen.String(), "price": p.CurrentPrice.String(), "aged": aged,
		})
		_, err := s.exitLocked(ctx, symbol, domain.ExitReasonTrailingStop, decimal.Zero)
		return err
	}
	return nil
}

// addOn buys more of a winning (pyramid) or losing (average down) position.
// Returns true if the position was closed by a take-profit fill found while resetting.
func (s *PositionStore) addOn(ctx context.Context, p *domain.Position, params *config.TradingParams, pyramid bool) (bool, error) {
	op := "averageDown"
	rule, count := params.AverageDown, p.AverageDownCount
	gain := p.GainPct(p.CurrentPrice)
	triggered := gain <= -rule.TriggerPct
	if pyramid {
		op = "pyramid"
		rule, count = params.Pyramid, p.PyramidCount
		triggered = gain >= rule.TriggerPct
	}
	if !rule.Enabled || count >= rule.MaxCount || !triggered || rule.Amount <= 0 {
		return false, nil
	}
	fields := map[string]interface{}{"symbol": p.Symbol, "gainPct": gain, "count": count}
	if gate := s.riskGate(); gate != nil {
		if err := gate.CheckEntry(p.Symbol); err != nil {
			s.cfg.Logger.Debug(ctx, fmt.Sprintf("%s: add skipped: %v", op, err), fields)
			return false, nil
		}
	}

	if closed, err := s.resetTakeProfit(ctx, p); err != nil || closed {
		return closed, err
	}

	res, err := s.cfg.Placer.PlaceHybridOrder(ctx, execution.Request{
		Symbol:    p.Symbol,
		Side:      domain.Buy,
		Notional:  decimal.NewFromFloat(rule.Amount),
		PriceHint: p.CurrentPrice,
	}, ExecutionConfig(params, s.cfg.QuantityPrecision))
	s.cfg.Metrics.ObserveOrder(domain.Buy, orderType(res), err)
	if err != nil && !res.Filled {
		if errors.Is(err, ports.ErrOrderRejected) {
			s.cfg.Logger.Info(ctx, fmt.Sprintf("%s: add rejected: %v", op, err), fields)
			return false, nil
		}
		s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: add failed: %v", op, err), fields)
		return false, err
	}
	if !res.Filled {
		s.cfg.Logger.Warn(ctx, op+": add accepted without fill, left to reconciliation", fields)
		return false, nil
	}

	now := s.cfg.Now()
	if err := s.mutate(ctx, p.Symbol, func(pos *domain.Position) bool {
		pos.AddFill(res.Price, res.Quantity, res.Fee, now)
		pos.ObservePrice(res.Price)
		if pyramid {
			pos.PyramidCount++
		} else {
			pos.AverageDownCount++
		}
		return true
	}); err != nil {
		return false, err
	}
	s.appendOrder(ctx, &domain.OrderLogEntry{
		OrderID:     lastOrderID(res),
		Symbol:      p.Symbol,
		Side:        domain.Buy,
		Quantity:    res.Quantity,
		Price:       res.Price,
		Type:        orderType(res),
		State:       res.State,
		Fee:         res.Fee,
		StrategyTag: p.StrategyTag,
	})
	s.cfg.Logger.Info(ctx, op+": position increased", fields)
	s.cfg.Alerts.SendAlert(ctx, ports.Alert{
		Message:  fmt.Sprintf("%s %s: bought %s @ %s", op, p.Symbol, res.Quantity, res.Price),
		Severity: ports.SeverityInfo,
		Category: ports.CategoryFill,
	})

	updated, ok := s.Get(p.Symbol)
	if ok && updated.CurrentPrice.GreaterThanOrEqual(updated.EntryPrice) {
		return s.scheduleTakeProfit(ctx, p.Symbol, params)
	}
	return false, nil
}

// scheduleTakeProfit places the resting GTC sell at the take-profit price.
// Returns true if it crossed immediately and closed the position.
func (s *PositionStore) scheduleTakeProfit(ctx context.Context, symbol string, params *config.TradingParams) (bool, error) {
	op := "scheduleTakeProfit"
	p, ok := s.Get(symbol)
	if !ok || p.TakeProfitOrderID != "" {
		return false, nil
	}
	price := execution.TakeProfitPrice(p.EntryPrice, params.Exit.TakeProfitPct/100)
	qty := p.Quantity.RoundFloor(s.cfg.QuantityPrecision)
	if !qty.Mul(price).GreaterThanOrEqual(decimal.NewFromFloat(params.Sizing.MinNotional)) {
		s.cfg.Logger.Debug(ctx, op+": position too small for a take-profit order", map[string]interface{}{"symbol": symbol})
		return false, nil
	}

	resp, err := s.cfg.Exchange.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:        symbol,
		Side:          domain.Sell,
		Type:          domain.OrderTypeLimit,
		TimeInForce:   domain.TimeInForceGTC,
		Quantity:      qty,
		Price:         price,
		ClientOrderID: s.newID(),
	})
	s.cfg.Metrics.ObserveOrder(domain.Sell, domain.OrderTypeLimit, err)
	if err != nil {
		if errors.Is(err, ports.ErrOrderRejected) {
			s.cfg.Logger.Info(ctx, fmt.Sprintf("%s: rejected: %v", op, err), map[string]interface{}{"symbol": symbol})
			return false, nil
		}
		return false, fmt.Errorf("%s failed: %w", op, err)
	}
	if err := s.mutate(ctx, symbol, func(pos *domain.Position) bool {
		pos.TakeProfitOrderID = resp.OrderID
		pos.TakeProfitPrice = price
		return true
	}); err != nil {
		return false, err
	}
	s.appendOrder(ctx, &domain.OrderLogEntry{
		OrderID:     resp.OrderID,
		Symbol:      symbol,
		Side:        domain.Sell,
		Quantity:    qty,
		Price:       price,
		Type:        domain.OrderTypeLimit,
		State:       domain.OrderStateNew,
		StrategyTag: p.StrategyTag,
	})
	s.cfg.Logger.Debug(ctx, op+": take-profit resting", map[string]interface{}{
		"symbol": symbol, "price": price.String(), "qty": qty.String(),
	})
	if resp.State == domain.OrderStateFilled {
		_, gone, err := s.settleTakeProfit(ctx, symbol, resp)
		return gone, err
	}
	return false, nil
}

// checkTakeProfit inspects the resting take-profit. done is true when nothing
// else should run for this position in the current cycle.
func (s *PositionStore) checkTakeProfit(ctx context.Context, p *domain.Position) (bool, error) {
	op := "checkTakeProfit"
	resp, err := s.cfg.Exchange.GetOrder(ctx, p.Symbol, p.TakeProfitOrderID)
	if errors.Is(err, ports.ErrOrderNotFound) {
		s.cfg.Logger.Warn(ctx, op+": take-profit order unknown to the exchange, forgetting it", map[string]interface{}{
			"symbol": p.Symbol, "orderID": p.TakeProfitOrderID,
		})
		return false, s.forgetTakeProfit(ctx, p.Symbol)
	}
	if err != nil {
		return false, fmt.Errorf("%s failed: %w", op, err)
	}
	switch {
	case resp.State.IsTerminal() && resp.ExecutedQty.IsPositive():
		_, gone, err := s.settleTakeProfit(ctx, p.Symbol, resp)
		return gone || resp.State == domain.OrderStateFilled, err
	case resp.State.IsTerminal():
		s.cfg.Logger.Info(ctx, op+": take-profit ended without fill", map[string]interface{}{
			"symbol": p.Symbol, "state": resp.State,
		})
		return false, s.forgetTakeProfit(ctx, p.Symbol)
	}
	return false, nil
}

// resetTakeProfit cancels the resting take-profit and verifies it did not fill.
// A fill that raced the cancel is realized; the result reports whether that closed the position.
func (s *PositionStore) resetTakeProfit(ctx context.Context, p *domain.Position) (bool, error) {
	fill, err := s.cancelTakeProfit(ctx, p)
	if err != nil {
		return false, err
	}
	if fill != nil && fill.ExecutedQty.IsPositive() {
		_, gone, err := s.settleTakeProfit(ctx, p.Symbol, fill)
		return gone, err
	}
	return false, nil
}

// cancelTakeProfit cancels then re-reads the take-profit order. The returned
// response carries any quantity that executed before the cancel landed.
func (s *PositionStore) cancelTakeProfit(ctx context.Context, p *domain.Position) (*ports.OrderResponse, error) {
	op := "cancelTakeProfit"
	if p.TakeProfitOrderID == "" {
		return nil, nil
	}
	fields := map[string]interface{}{"symbol": p.Symbol, "orderID": p.TakeProfitOrderID}
	if _, err := s.cfg.Exchange.CancelOrder(ctx, p.Symbol, p.TakeProfitOrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: cancel failed: %v", op, err), fields)
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	resp, err := s.cfg.Exchange.GetOrder(ctx, p.Symbol, p.TakeProfitOrderID)
	if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: verification failed: %v", op, err), fields)
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	if resp != nil && resp.ExecutedQty.IsPositive() {
		return resp, nil
	}
	return resp, s.forgetTakeProfit(ctx, p.Symbol)
}

func (s *PositionStore) forgetTakeProfit(ctx context.Context, symbol string) error {
	err := s.mutate(ctx, symbol, func(p *domain.Position) bool {
		if p.TakeProfitOrderID == "" {
			return false
		}
		p.TakeProfitOrderID = ""
		p.TakeProfitPrice = decimal.Zero
		return true
	})
	if errors.Is(err, ports.ErrNotFound) {
		return nil
	}
	return err
}

// settleTakeProfit realizes the executed part of a take-profit order and
// reports whether the position is now gone.
func (s *PositionStore) settleTakeProfit(ctx context.Context, symbol string, resp *ports.OrderResponse) (*ports.ClosedPosition, bool, error) {
	p, ok := s.Get(symbol)
	if !ok {
		return nil, true, nil
	}
	price := resp.AvgPrice
	if !price.IsPositive() {
		price = resp.Price
	}
	closed, err := s.realize(ctx, symbol, exitFill{
		OrderID:  resp.OrderID,
		Type:     domain.OrderTypeLimit,
		State:    resp.State,
		Quantity: resp.ExecutedQty,
		Price:    price,
		Fee:      resp.Fee,
		Expected: p.TakeProfitPrice,
		Reason:   domain.ExitReasonTakeProfit,
	})
	return closed, !s.HasActive(symbol), err
}
