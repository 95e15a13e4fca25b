package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus represents the status of a trading position.
type PositionStatus string

const (
	StatusPending PositionStatus = "pending"
	StatusOpen    PositionStatus = "open"
	StatusClosed  PositionStatus = "closed"
)

// PositionOrigin records how the position entered the working set.
type PositionOrigin string

const (
	OriginTrade    PositionOrigin = "trade"
	OriginImported PositionOrigin = "imported"
)

// ImportedStrategyTag is the strategy tag given to positions discovered on the broker.
const ImportedStrategyTag = "imported"

// Position represents one holding tracked by the bot.
type Position struct {
	Symbol           string          `json:"symbol"`
	Status           PositionStatus  `json:"status"`
	EntryPrice       decimal.Decimal `json:"entry_price"` // weighted average cost
	Quantity         decimal.Decimal `json:"quantity"`
	EntryTimestamp   time.Time       `json:"entry_timestamp"`
	Origin           PositionOrigin  `json:"origin"`
	StrategyTag      string          `json:"strategy_tag"`
	PyramidCount     int             `json:"pyramid_count"`
	AverageDownCount int             `json:"average_down_count"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	MaxPriceSeen     decimal.Decimal `json:"max_price_seen"`
	MinPriceSeen     decimal.Decimal `json:"min_price_seen"`
	EntryFee         decimal.Decimal `json:"entry_fee"`

	TakeProfitOrderID string          `json:"take_profit_order_id,omitempty"`
	TakeProfitPrice   decimal.Decimal `json:"take_profit_price"`
	EntryOrderID      string          `json:"entry_order_id,omitempty"`
	EntryOrderFilled  decimal.Decimal `json:"entry_order_filled"` // executed qty of EntryOrderID already counted

	// LastFillAt anchors the zero-balance grace period; it moves on every buy fill.
	LastFillAt time.Time  `json:"last_fill_at"`
	ZeroSince  *time.Time `json:"zero_since,omitempty"`
	Frozen     bool       `json:"frozen,omitempty"`
}

// IsActive reports whether the position is pending or open.
func (p *Position) IsActive() bool {
	return p.Status == StatusPending || p.Status == StatusOpen
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Notional is the mark-to-market value of the position. Falls back to cost when no price was seen.
func (p *Position) Notional() decimal.Decimal {
	price := p.CurrentPrice
	if !price.IsPositive() {
		price = p.EntryPrice
	}
	return price.Mul(p.Quantity)
}

// GainPct is the unrealized return of price against the average cost, in percent.
func (p *Position) GainPct(price decimal.Decimal) float64 {
	if !p.EntryPrice.IsPositive() {
		return 0
	}
	return price.Sub(p.EntryPrice).Div(p.EntryPrice).InexactFloat64() * 100
}

// ObservePrice attaches a new market price and updates the running high/low.
// MaxPriceSeen never decreases.
func (p *Position) ObservePrice(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	p.CurrentPrice = price
	if price.GreaterThan(p.MaxPriceSeen) {
		p.MaxPriceSeen = price
	}
	if p.MinPriceSeen.IsZero() || price.LessThan(p.MinPriceSeen) {
		p.MinPriceSeen = price
	}
}

// AddFill folds a buy fill into the weighted-average entry price.
func (p *Position) AddFill(price, qty, fee decimal.Decimal, at time.Time) {
	total := p.Quantity.Add(qty)
	if total.IsPositive() {
		cost := p.EntryPrice.Mul(p.Quantity).Add(price.Mul(qty))
		p.EntryPrice = cost.Div(total)
	}
	p.Quantity = total
	p.EntryFee = p.EntryFee.Add(fee)
	p.LastFillAt = at
}

// Clone returns a copy safe to hand out of the store.
func (p *Position) Clone() *Position {
	cp := *p
	if p.ZeroSince != nil {
		t := *p.ZeroSince
		cp.ZeroSince = &t
	}
	return &cp
}
