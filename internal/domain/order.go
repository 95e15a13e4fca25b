package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderLogEntry is one append-only audit record of a placed order.
type OrderLogEntry struct {
	ID          int64 // assigned by the store
	Timestamp   time.Time
	OrderID     string
	Symbol      string
	Side        OrderSide
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Type        OrderType
	State       OrderState
	ExitReason  ExitReason
	SlippagePct float64
	Fee         decimal.Decimal
	RealizedPnL decimal.Decimal
	StrategyTag string
}

// PendingFlag marks a symbol with an order in flight. Shared across processes.
type PendingFlag struct {
	Symbol        string    `json:"symbol"`
	SetAt         time.Time `json:"set_at"`
	OwnerPID      int       `json:"owner_pid"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
}
