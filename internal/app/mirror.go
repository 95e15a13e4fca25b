package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"spotTrader/internal/ports"
)

// BookSource reads the top of book from a live market.
type BookSource interface {
	GetBookTop(ctx context.Context, symbol string) (ports.BookTop, error)
}

// BookSink receives mirrored quotes; the paper exchange implements it.
type BookSink interface {
	SetBook(symbol string, bid, ask decimal.Decimal)
	Delist(symbol string)
}

// MarketMirror copies live quotes into a simulated exchange so dry runs trade
// against real prices.
type MarketMirror struct {
	source BookSource
	sink   BookSink
	logger ports.Logger
}

// NewMarketMirror creates a MarketMirror.
func NewMarketMirror(source BookSource, sink BookSink, logger ports.Logger) *MarketMirror {
	return &MarketMirror{source: source, sink: sink, logger: logger}
}

// Sync refreshes the quotes of symbols. Unknown instruments are delisted in the sink.
func (m *MarketMirror) Sync(ctx context.Context, symbols []string) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, sym := range symbols {
		book, err := m.source.GetBookTop(ctx, sym)
		if errors.Is(err, ports.ErrInvalidSymbol) {
			m.sink.Delist(sym)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		m.sink.SetBook(sym, book.Bid, book.Ask)
	}
	if len(errs) > 0 {
		m.logger.Debug(ctx, "MarketMirror.Sync: some quotes not refreshed", map[string]interface{}{"failed": len(errs)})
	}
	return errors.Join(errs...)
}
