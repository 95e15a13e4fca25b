package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"spotTrader/internal/domain"
	"spotTrader/internal/ports"
)

// ReconcileWithBroker makes the working set agree with broker balances.
// Untracked holdings above the minimum notional are imported as open; tracked
// quantities follow the broker; tracked open positions whose holding has been
// gone or dust for the zero-balance grace period are closed. Pending flags
// abandoned by a dead process or an entry that never recorded a position are
// cleared, and holdings of symbols with a live flag are not imported because
// their entry is still being recorded. Running it twice without market changes
// is a no-op.
func (s *PositionStore) ReconcileWithBroker(ctx context.Context) error {
	op := "ReconcileWithBroker"
	holdings, _, err := s.brokerHoldings(ctx)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	now := s.cfg.Now()

	var errs []error
	for _, p := range s.Snapshot() {
		if err := s.reconcileTracked(ctx, p.Symbol, holdings[p.Symbol], true, now); err != nil {
			errs = append(errs, err)
		}
	}

	live, err := s.sweepFlags(ctx, now)
	if err != nil {
		// Without the flag list an in-flight entry cannot be told from an untracked holding.
		s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: pending flags unavailable, imports skipped: %v", op, err))
		return errors.Join(append(errs, err)...)
	}

	symbols := make([]string, 0, len(holdings))
	for sym := range holdings {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	minNotional := s.minNotional()
	for _, sym := range symbols {
		if s.HasActive(sym) {
			continue
		}
		if live[sym] {
			s.cfg.Logger.Debug(ctx, op+": holding has an entry in flight, import deferred", map[string]interface{}{"symbol": sym})
			continue
		}
		qty := holdings[sym]
		price, err := s.fetchPrice(ctx, sym)
		if err != nil {
			if errors.Is(err, ports.ErrInvalidSymbol) {
				s.cfg.Logger.Debug(ctx, op+": holding has no tradable market, skipped", map[string]interface{}{"symbol": sym})
				continue
			}
			s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: price unavailable for untracked holding: %v", op, err), map[string]interface{}{"symbol": sym})
			errs = append(errs, err)
			continue
		}
		if !qty.Mul(price).GreaterThan(minNotional) {
			continue
		}
		if err := s.importHolding(ctx, sym, qty, price, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RefreshPrices marks every active position to market, settles pending entries
// and applies the zero-balance rule to open positions.
func (s *PositionStore) RefreshPrices(ctx context.Context) error {
	op := "RefreshPrices"
	positions := s.Snapshot()
	if len(positions) == 0 {
		return nil
	}
	holdings, _, herr := s.brokerHoldings(ctx)
	if herr != nil {
		s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: balances unavailable, zero-balance checks skipped: %v", op, herr))
	}
	now := s.cfg.Now()

	var errs []error
	for _, snap := range positions {
		if err := s.refreshOne(ctx, snap.Symbol, holdings[snap.Symbol], herr == nil, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *PositionStore) refreshOne(ctx context.Context, symbol string, brokerQty decimal.Decimal, balancesKnown bool, now time.Time) error {
	op := "refreshOne"
	unlock := s.lockSymbol(symbol)
	defer unlock()

	price, err := s.fetchPrice(ctx, symbol)
	switch {
	case errors.Is(err, ports.ErrInvalidSymbol):
		return s.dropDelisted(ctx, symbol, err)
	case err != nil:
		s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: ticker unavailable, position kept: %v", op, err), map[string]interface{}{"symbol": symbol})
		return err
	}
	if err := s.mutate(ctx, symbol, func(p *domain.Position) bool {
		p.ObservePrice(price)
		return true
	}); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.reconcileTrackedLocked(ctx, symbol, brokerQty, balancesKnown, now)
}

// fetchPrice reads the ticker, retrying retryable errors with bounded backoff.
func (s *PositionStore) fetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b := &backoff.Backoff{
		Min:    s.cfg.TickerBackoffMin,
		Max:    8 * s.cfg.TickerBackoffMin,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 1; ; attempt++ {
		price, err := s.cfg.Exchange.GetTickerPrice(ctx, symbol)
		if err == nil {
			return price, nil
		}
		if !ports.IsRetryable(err) || attempt >= s.cfg.TickerRetries {
			return decimal.Zero, err
		}
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

// brokerHoldings returns total base quantity per symbol plus the quote balance.
func (s *PositionStore) brokerHoldings(ctx context.Context) (map[string]decimal.Decimal, decimal.Decimal, error) {
	balances, err := s.cfg.Exchange.GetBalances(ctx)
	if err != nil {
		return nil, decimal.Zero, err
	}
	out := make(map[string]decimal.Decimal, len(balances))
	quote := decimal.Zero
	for _, b := range balances {
		total := b.Total()
		if strings.EqualFold(b.Asset, s.cfg.QuoteAsset) {
			quote = total
			continue
		}
		if total.IsPositive() {
			out[s.cfg.Exchange.Symbol(b.Asset)] = total
		}
	}
	return out, quote, nil
}

func (s *PositionStore) reconcileTracked(ctx context.Context, symbol string, brokerQty decimal.Decimal, balancesKnown bool, now time.Time) error {
	unlock := s.lockSymbol(symbol)
	defer unlock()
	return s.reconcileTrackedLocked(ctx, symbol, brokerQty, balancesKnown, now)
}

// reconcileTrackedLocked applies the broker view to one tracked position. The symbol lock is held.
func (s *PositionStore) reconcileTrackedLocked(ctx context.Context, symbol string, brokerQty decimal.Decimal, balancesKnown bool, now time.Time) error {
	op := "reconcileTracked"
	p, ok := s.Get(symbol)
	if !ok || p.Frozen {
		return nil
	}
	if p.Status == domain.StatusPending {
		return s.settlePending(ctx, p, brokerQty, balancesKnown, now)
	}
	if !balancesKnown {
		return nil
	}

	params := s.cfg.Params.Trading()
	minNotional := decimal.NewFromFloat(params.Sizing.MinNotional)
	grace := params.ZeroBalanceGrace()

	expired := false
	err := s.mutate(ctx, symbol, func(p *domain.Position) bool {
		price := p.CurrentPrice
		if !price.IsPositive() {
			price = p.EntryPrice
		}
		present := brokerQty.IsPositive() && brokerQty.Mul(price).GreaterThan(minNotional)
		if present {
			changed := p.ZeroSince != nil
			if !p.Quantity.Equal(brokerQty) {
				s.cfg.Logger.Info(ctx, op+": quantity synced to broker", map[string]interface{}{
					"symbol": symbol, "tracked": p.Quantity.String(), "broker": brokerQty.String(),
				})
				p.Quantity = brokerQty
				changed = true
			}
			p.ZeroSince = nil
			return changed
		}
		changed := false
		if p.ZeroSince == nil {
			t := now
			p.ZeroSince = &t
			changed = true
		}
		// Both the zero reading and the last fill must be older than the grace period.
		if now.Sub(*p.ZeroSince) >= grace && now.Sub(p.LastFillAt) >= grace {
			expired = true
		}
		return changed
	})
	if err != nil || !expired {
		return err
	}

	if p.TakeProfitOrderID != "" {
		// A filled take-profit also empties the balance; account for it as an exit.
		fill, err := s.cancelTakeProfit(ctx, p)
		if err != nil {
			return err
		}
		if fill != nil && fill.ExecutedQty.IsPositive() {
			_, _, err := s.settleTakeProfit(ctx, symbol, fill)
			return err
		}
	}
	if err := s.remove(ctx, symbol); err != nil {
		return err
	}
	s.cfg.Logger.Info(ctx, op+": position closed, broker holding gone", map[string]interface{}{
		"symbol": symbol, "trackedQty": p.Quantity.String(), "brokerQty": brokerQty.String(),
	})
	s.cfg.Metrics.ObserveExit(domain.ExitReasonReconciled, 0)
	s.cfg.Alerts.SendAlert(ctx, ports.Alert{
		Message:  fmt.Sprintf("%s closed by reconciliation: broker holding %s", symbol, brokerQty),
		Severity: ports.SeverityWarning,
		Category: ports.CategoryExit,
	})
	return nil
}

// settlePending resolves a pending entry from its order, falling back to the broker balance.
func (s *PositionStore) settlePending(ctx context.Context, p *domain.Position, brokerQty decimal.Decimal, balancesKnown bool, now time.Time) error {
	op := "settlePending"
	if p.EntryOrderID != "" {
		resp, err := s.cfg.Exchange.GetOrder(ctx, p.Symbol, p.EntryOrderID)
		switch {
		case err == nil:
			return s.applyEntryOrder(ctx, p.Symbol, resp, now)
		case !errors.Is(err, ports.ErrOrderNotFound):
			s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: entry order query failed: %v", op, err), map[string]interface{}{"symbol": p.Symbol})
			return err
		}
	}
	if !balancesKnown {
		return nil
	}
	if brokerQty.IsPositive() {
		err := s.mutate(ctx, p.Symbol, func(p *domain.Position) bool {
			if p.Quantity.IsZero() {
				p.Quantity = brokerQty
				p.EntryPrice = p.CurrentPrice
				p.LastFillAt = now
			}
			p.Status = domain.StatusOpen
			p.EntryOrderID = ""
			p.EntryOrderFilled = decimal.Zero
			return true
		})
		if err != nil {
			return err
		}
		s.clearFlag(ctx, p.Symbol)
		s.cfg.Logger.Info(ctx, op+": pending position promoted from broker balance", map[string]interface{}{
			"symbol": p.Symbol, "qty": brokerQty.String(),
		})
		return nil
	}
	if now.Sub(p.EntryTimestamp) >= s.cfg.Params.Trading().ZeroBalanceGrace() {
		return s.dropFailedEntry(ctx, p.Symbol, domain.OrderStateCanceled)
	}
	return nil
}

// applyEntryOrder folds new executions of a pending entry order into the position.
func (s *PositionStore) applyEntryOrder(ctx context.Context, symbol string, resp *ports.OrderResponse, now time.Time) error {
	op := "applyEntryOrder"
	terminal := resp.State.IsTerminal()
	price := resp.AvgPrice
	if !price.IsPositive() {
		price = resp.Price
	}

	promoted, failed := false, false
	var filledNow decimal.Decimal
	err := s.mutate(ctx, symbol, func(p *domain.Position) bool {
		changed := false
		delta := resp.ExecutedQty.Sub(p.EntryOrderFilled)
		if delta.IsPositive() && price.IsPositive() {
			fee := decimal.Zero
			if resp.ExecutedQty.IsPositive() {
				fee = resp.Fee.Mul(delta).Div(resp.ExecutedQty)
			}
			p.AddFill(price, delta, fee, now)
			p.ObservePrice(price)
			p.EntryOrderFilled = resp.ExecutedQty
			filledNow = delta
			changed = true
		}
		if !terminal {
			return changed
		}
		if p.Quantity.IsPositive() {
			p.Status = domain.StatusOpen
			p.EntryOrderID = ""
			p.EntryOrderFilled = decimal.Zero
			promoted = true
			return true
		}
		failed = true
		return changed
	})
	if err != nil {
		return err
	}
	if failed {
		return s.dropFailedEntry(ctx, symbol, resp.State)
	}
	if filledNow.IsPositive() {
		s.appendOrder(ctx, &domain.OrderLogEntry{
			OrderID:  resp.OrderID,
			Symbol:   symbol,
			Side:     domain.Buy,
			Quantity: filledNow,
			Price:    price,
			Type:     resp.Type,
			State:    resp.State,
			Fee:      resp.Fee,
		})
	}
	if promoted {
		s.clearFlag(ctx, symbol)
		s.cfg.Logger.Info(ctx, op+": pending entry confirmed", map[string]interface{}{
			"symbol": symbol, "orderID": resp.OrderID, "state": resp.State,
		})
		s.cfg.Alerts.SendAlert(ctx, ports.Alert{
			Message:  fmt.Sprintf("BUY %s confirmed: %s @ %s", symbol, resp.ExecutedQty, price),
			Severity: ports.SeverityInfo,
			Category: ports.CategoryFill,
		})
	}
	return nil
}

// dropFailedEntry removes a pending position whose order ended without a fill.
func (s *PositionStore) dropFailedEntry(ctx context.Context, symbol string, state domain.OrderState) error {
	op := "dropFailedEntry"
	p, ok := s.Get(symbol)
	if !ok {
		return nil
	}
	if err := s.remove(ctx, symbol); err != nil {
		return err
	}
	s.clearFlag(ctx, symbol)
	s.appendOrder(ctx, &domain.OrderLogEntry{
		OrderID:     p.EntryOrderID,
		Symbol:      symbol,
		Side:        domain.Buy,
		Type:        domain.OrderTypeMarket,
		State:       state,
		ExitReason:  domain.ExitReasonEntryFailed,
		StrategyTag: p.StrategyTag,
	})
	s.cfg.Logger.Info(ctx, op+": pending entry ended without fill", map[string]interface{}{
		"symbol": symbol, "orderID": p.EntryOrderID, "state": state,
	})
	return nil
}

// dropDelisted removes a position the exchange reports as an invalid instrument.
func (s *PositionStore) dropDelisted(ctx context.Context, symbol string, cause error) error {
	op := "dropDelisted"
	p, ok := s.Get(symbol)
	if !ok {
		return nil
	}
	if err := s.remove(ctx, symbol); err != nil {
		return err
	}
	s.clearFlag(ctx, symbol)
	s.cfg.Logger.Warn(ctx, op+": position removed, instrument invalid", map[string]interface{}{
		"symbol": symbol, "qty": p.Quantity.String(), "error": cause.Error(),
	})
	s.cfg.Metrics.ObserveExit(domain.ExitReasonDelisted, 0)
	s.cfg.Alerts.SendAlert(ctx, ports.Alert{
		Message:  fmt.Sprintf("%s removed: exchange reports the instrument invalid (qty %s)", symbol, p.Quantity),
		Severity: ports.SeverityWarning,
		Category: ports.CategoryExit,
	})
	return nil
}

func (s *PositionStore) importHolding(ctx context.Context, symbol string, qty, price decimal.Decimal, now time.Time) error {
	op := "importHolding"
	unlock := s.lockSymbol(symbol)
	defer unlock()

	p := &domain.Position{
		Symbol:         symbol,
		Status:         domain.StatusOpen,
		Quantity:       qty,
		EntryPrice:     price,
		EntryTimestamp: now,
		Origin:         domain.OriginImported,
		StrategyTag:    domain.ImportedStrategyTag,
		LastFillAt:     now,
	}
	p.ObservePrice(price)

	s.mu.Lock()
	if _, ok := s.positions[symbol]; ok {
		s.mu.Unlock()
		return nil
	}
	s.positions[symbol] = p
	err := s.persistLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.cfg.Logger.Info(ctx, op+": untracked holding imported", map[string]interface{}{
		"symbol": symbol, "qty": qty.String(), "price": price.String(),
	})
	s.cfg.Alerts.SendAlert(ctx, ports.Alert{
		Message:  fmt.Sprintf("imported %s holding %s @ %s", symbol, qty, price),
		Severity: ports.SeverityInfo,
		Category: ports.CategoryFill,
	})
	return nil
}
