package position

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"spotTrader/internal/domain"
	"spotTrader/internal/execution"
	"spotTrader/internal/ports"
)

type exitFill struct {
	OrderID  string
	Type     domain.OrderType
	State    domain.OrderState
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	Expected decimal.Decimal // price the exit decision was made at
	Reason   domain.ExitReason
}

// ExecuteExit sells qty of the open position for symbol, or all of it when qty is zero.
func (s *PositionStore) ExecuteExit(ctx context.Context, symbol string, reason domain.ExitReason, qty decimal.Decimal) (*ports.ClosedPosition, error) {
	unlock := s.lockSymbol(symbol)
	defer unlock()
	return s.exitLocked(ctx, symbol, reason, qty)
}

// CloseSymbol sells the whole open position for symbol. No position is not an error.
func (s *PositionStore) CloseSymbol(ctx context.Context, symbol string, reason domain.ExitReason) (*ports.ClosedPosition, error) {
	unlock := s.lockSymbol(symbol)
	defer unlock()
	p, ok := s.Get(symbol)
	if !ok || !p.IsOpen() {
		return nil, nil
	}
	return s.exitLocked(ctx, symbol, reason, decimal.Zero)
}

// CloseAll sells every open position. Failures are collected; the others still close.
func (s *PositionStore) CloseAll(ctx context.Context, reason domain.ExitReason) ([]ports.ClosedPosition, error) {
	var out []ports.ClosedPosition
	var errs []error
	for _, p := range s.Snapshot() {
		if !p.IsOpen() || !p.Quantity.IsPositive() {
			continue
		}
		closed, err := s.CloseSymbol(ctx, p.Symbol, reason)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Symbol, err))
			continue
		}
		if closed != nil {
			out = append(out, *closed)
		}
	}
	return out, errors.Join(errs...)
}

// ExitSymbol handles a manual sell trigger.
func (s *PositionStore) ExitSymbol(ctx context.Context, symbol string) (*ports.ClosedPosition, error) {
	closed, err := s.CloseSymbol(ctx, symbol, domain.ExitReasonManual)
	if err == nil && closed == nil {
		return nil, fmt.Errorf("ExitSymbol failed: %w: no open position for %s", ports.ErrNotFound, symbol)
	}
	return closed, err
}

// Equity is quote cash plus the marked value of tracked positions.
func (s *PositionStore) Equity(ctx context.Context) (float64, error) {
	_, quote, err := s.brokerHoldings(ctx)
	if err != nil {
		return 0, fmt.Errorf("Equity failed: %w", err)
	}
	total := quote
	for _, p := range s.Snapshot() {
		total = total.Add(p.Notional())
	}
	v := total.InexactFloat64()
	s.cfg.Metrics.SetEquity(v)
	return v, nil
}

// exitLocked runs an exit with the symbol lock held.
func (s *PositionStore) exitLocked(ctx context.Context, symbol string, reason domain.ExitReason, qty decimal.Decimal) (*ports.ClosedPosition, error) {
	op := "ExecuteExit"
	p, ok := s.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%s failed: %w: no position for %s", op, ports.ErrNotFound, symbol)
	}
	if p.Frozen {
		return nil, fmt.Errorf("%s failed: %w: %s is frozen", op, ports.ErrInvariantViolation, symbol)
	}
	fields := map[string]interface{}{"symbol": symbol, "reason": reason}

	if p.TakeProfitOrderID != "" {
		fill, err := s.cancelTakeProfit(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("%s failed: %w", op, err)
		}
		if fill != nil && fill.ExecutedQty.IsPositive() {
			closed, gone, err := s.settleTakeProfit(ctx, symbol, fill)
			if err != nil || gone {
				return closed, err
			}
		}
		if p, ok = s.Get(symbol); !ok {
			return nil, nil
		}
	}

	sellQty := p.Quantity
	if qty.IsPositive() && qty.LessThan(sellQty) {
		sellQty = qty
	}
	sellQty = sellQty.RoundFloor(s.cfg.QuantityPrecision)
	expected := p.CurrentPrice
	if !expected.IsPositive() {
		expected = p.EntryPrice
	}
	params := s.cfg.Params.Trading()

	res, err := s.cfg.Placer.PlaceHybridOrder(ctx, execution.Request{
		Symbol:    symbol,
		Side:      domain.Sell,
		Quantity:  sellQty,
		PriceHint: expected,
	}, ExecutionConfig(params, s.cfg.QuantityPrecision))
	s.cfg.Metrics.ObserveOrder(domain.Sell, orderType(res), err)
	if err != nil && !res.Filled {
		if errors.Is(err, ports.ErrMinNotional) {
			return s.dropDust(ctx, symbol, reason, err)
		}
		s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: sell failed: %v", op, err), fields)
		s.cfg.Alerts.SendAlert(ctx, ports.Alert{
			Message:  fmt.Sprintf("exit %s (%s) failed: %v", symbol, reason, err),
			Severity: ports.SeverityWarning,
			Category: ports.CategoryError,
		})
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	if !res.Filled {
		s.cfg.Logger.Warn(ctx, op+": sell accepted without fill", fields)
		return nil, fmt.Errorf("%s failed: %w: sell %s accepted without fill", op, ports.ErrUnknown, res.PendingOrderID)
	}
	if err != nil {
		s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: sell partially filled before error: %v", op, err), fields)
	}

	return s.realize(ctx, symbol, exitFill{
		OrderID:  lastOrderID(res),
		Type:     orderType(res),
		State:    res.State,
		Quantity: res.Quantity,
		Price:    res.Price,
		Fee:      res.Fee,
		Expected: expected,
		Reason:   reason,
	})
}

// realize books an executed sell: quantity, realized PnL net of the sell fee and
// the matching share of the entry fee, slippage, order log and alert.
// Slippage is |fill - expected| / expected, where expected is the price the exit
// decision was made at (the take-profit price for a take-profit fill). It is not
// measured against the entry price, so it reflects execution cost rather than PnL.
func (s *PositionStore) realize(ctx context.Context, symbol string, f exitFill) (*ports.ClosedPosition, error) {
	op := "realize"
	minNotional := s.minNotional()

	s.mu.Lock()
	p, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s failed: %w: no position for %s", op, ports.ErrNotFound, symbol)
	}
	remaining := p.Quantity.Sub(f.Quantity)
	if remaining.IsNegative() {
		p.Frozen = true
		perr := s.persistLocked(ctx)
		held := p.Quantity
		s.mu.Unlock()
		err := fmt.Errorf("%s failed: %w: %s sold %s but held %s", op, ports.ErrInvariantViolation, symbol, f.Quantity, held)
		s.cfg.Logger.Error(ctx, err, op+": position frozen", map[string]interface{}{"symbol": symbol})
		s.cfg.Alerts.SendAlert(ctx, ports.Alert{
			Message:  fmt.Sprintf("%s frozen: sold %s while holding %s; manual review required", symbol, f.Quantity, held),
			Severity: ports.SeverityCritical,
			Category: ports.CategoryError,
		})
		return nil, errors.Join(err, perr)
	}

	feeShare := decimal.Zero
	if p.Quantity.IsPositive() {
		feeShare = p.EntryFee.Mul(f.Quantity).Div(p.Quantity)
	}
	pnl := f.Price.Sub(p.EntryPrice).Mul(f.Quantity).Sub(f.Fee).Sub(feeShare)
	tag := p.StrategyTag
	entryPrice := p.EntryPrice

	closed := !remaining.IsPositive() || remaining.Mul(f.Price).LessThan(minNotional)
	if closed {
		delete(s.positions, symbol)
	} else {
		p.Quantity = remaining
		p.EntryFee = p.EntryFee.Sub(feeShare)
		p.TakeProfitOrderID = ""
		p.TakeProfitPrice = decimal.Zero
	}
	perr := s.persistLocked(ctx)
	observer := s.slippage
	s.mu.Unlock()

	slippage := 0.0
	if f.Expected.IsPositive() {
		slippage = f.Price.Sub(f.Expected).Abs().Div(f.Expected).InexactFloat64() * 100
	}
	if observer != nil {
		observer.RecordSlippage(symbol, slippage)
	}
	s.appendOrder(ctx, &domain.OrderLogEntry{
		OrderID:     f.OrderID,
		Symbol:      symbol,
		Side:        domain.Sell,
		Quantity:    f.Quantity,
		Price:       f.Price,
		Type:        f.Type,
		State:       f.State,
		ExitReason:  f.Reason,
		SlippagePct: slippage,
		Fee:         f.Fee,
		RealizedPnL: pnl,
		StrategyTag: tag,
	})
	s.cfg.Metrics.ObserveExit(f.Reason, slippage)

	status := "reduced"
	if closed {
		status = "closed"
	}
	s.cfg.Logger.Info(ctx, fmt.Sprintf("%s: position %s", op, status), map[string]interface{}{
		"symbol": symbol, "reason": f.Reason, "qty": f.Quantity.String(), "price": f.Price.String(),
		"entry": entryPrice.String(), "pnl": pnl.String(), "slippagePct": slippage,
	})
	s.cfg.Alerts.SendAlert(ctx, ports.Alert{
		Message: fmt.Sprintf("SELL %s %s @ %s (%s): realized %s incl. fees %s",
			symbol, f.Quantity, f.Price, f.Reason, pnl.StringFixed(4), f.Fee.Add(feeShare).StringFixed(4)),
		Severity: ports.SeverityInfo,
		Category: ports.CategoryExit,
	})

	return &ports.ClosedPosition{Symbol: symbol, Quantity: f.Quantity, RealizedPnL: pnl}, perr
}

// dropDust removes a position too small to sell.
func (s *PositionStore) dropDust(ctx context.Context, symbol string, reason domain.ExitReason, cause error) (*ports.ClosedPosition, error) {
	op := "dropDust"
	p, ok := s.Get(symbol)
	if !ok {
		return nil, nil
	}
	if err := s.remove(ctx, symbol); err != nil {
		return nil, err
	}
	s.cfg.Logger.Info(ctx, op+": remainder below minimum notional, position dropped", map[string]interface{}{
		"symbol": symbol, "qty": p.Quantity.String(), "reason": reason, "error": cause.Error(),
	})
	return &ports.ClosedPosition{Symbol: symbol, Quantity: decimal.Zero, RealizedPnL: decimal.Zero}, nil
}
