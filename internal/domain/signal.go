package domain

import "github.com/shopspring/decimal"

// Signal is an inbound trade request from an upstream strategy or a manual trigger.
type Signal struct {
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	PriceHint   decimal.Decimal `json:"price_hint"`
	StrategyTag string          `json:"strategy_tag"`
}

// EntryStatus is the outcome category of an entry attempt.
type EntryStatus string

const (
	EntryOpened   EntryStatus = "opened"
	EntryPending  EntryStatus = "pending"
	EntryRejected EntryStatus = "rejected"
	EntryCanceled EntryStatus = "canceled"
	EntryFailed   EntryStatus = "failed"
)

// RejectReason explains why an entry attempt did not place an order.
type RejectReason string

const (
	ReasonNone              RejectReason = ""
	ReasonStartupHold       RejectReason = "startup_hold"
	ReasonAlreadyPending    RejectReason = "already_pending"
	ReasonCapacity          RejectReason = "capacity"
	ReasonRiskBlocked       RejectReason = "risk_blocked"
	ReasonDuplicatePosition RejectReason = "duplicate_position"
	ReasonOrderRejected     RejectReason = "order_rejected"
	ReasonMinNotional       RejectReason = "min_notional"
	ReasonLockFailed        RejectReason = "lock_failed"
	ReasonInvalidSignal     RejectReason = "invalid_signal"
)

// EntryResult is returned by every entry attempt.
type EntryResult struct {
	Status   EntryStatus
	Reason   RejectReason
	Position *Position
	Err      error
}

// Accepted reports whether the attempt resulted in a tracked position.
func (r EntryResult) Accepted() bool {
	return r.Status == EntryOpened || r.Status == EntryPending
}
