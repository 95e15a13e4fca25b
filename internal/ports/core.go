package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"spotTrader/internal/domain"
)

// RiskGate decides whether a new entry is permitted.
type RiskGate interface {
	// CheckEntry returns an error wrapping ErrRiskBlocked when symbol may not be bought.
	CheckEntry(symbol string) error
}

// SlippageObserver receives realized slippage of every exit.
type SlippageObserver interface {
	RecordSlippage(symbol string, pct float64)
}

// Liquidator force-closes positions on behalf of the risk controller.
type Liquidator interface {
	// CloseAll sells every open position and returns the closed symbols with their realized PnL.
	CloseAll(ctx context.Context, reason domain.ExitReason) ([]ClosedPosition, error)
	// CloseSymbol sells the open position of one symbol, if any.
	CloseSymbol(ctx context.Context, symbol string, reason domain.ExitReason) (*ClosedPosition, error)
	// CountActive counts pending and open positions whose notional exceeds minNotional.
	CountActive(minNotional float64) int
	// Equity returns quote cash plus the marked value of tracked positions.
	Equity(ctx context.Context) (float64, error)
}

// ClosedPosition summarizes one liquidation.
type ClosedPosition struct {
	Symbol      string
	Quantity    decimal.Decimal
	RealizedPnL decimal.Decimal
}
