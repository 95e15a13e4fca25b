package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType is the execution style requested from the exchange.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce controls how long a limit order may rest on the book.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
)

// OrderState is the normalized lifecycle state of an exchange order.
type OrderState string

const (
	OrderStateNew             OrderState = "NEW"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCanceled        OrderState = "CANCELED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateExpired         OrderState = "EXPIRED"
)

// IsTerminal reports whether the order can no longer change.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected, OrderStateExpired:
		return true
	default:
		return false
	}
}

// ExitReason indicates why (part of) a position was sold.
type ExitReason string

const (
	ExitReasonTakeProfit   ExitReason = "take_profit"
	ExitReasonTrailingStop ExitReason = "trailing_stop"
	ExitReasonManual       ExitReason = "manual"
	ExitReasonRiskPause    ExitReason = "risk_pause"
	ExitReasonRiskHalt     ExitReason = "risk_halt"
	ExitReasonRiskDisable  ExitReason = "risk_disable"
	ExitReasonReconciled   ExitReason = "reconciled"
	ExitReasonDelisted     ExitReason = "delisted"
	ExitReasonEntryFailed  ExitReason = "entry_failed"
	ExitReasonNone         ExitReason = ""
)
