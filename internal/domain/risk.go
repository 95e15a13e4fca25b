package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RiskMode is the global trading permission.
type RiskMode string

const (
	RiskModeActive RiskMode = "ACTIVE"
	RiskModePaused RiskMode = "PAUSED"
	RiskModeHalted RiskMode = "HALTED"
)

// EquityMark holds the account equity observed during one local trading day.
type EquityMark struct {
	Day   string          `json:"day"` // YYYY-MM-DD, local time
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// RiskState is the process-wide risk snapshot. It is mutated only by the risk controller.
type RiskState struct {
	Mode                   RiskMode       `json:"mode"`
	PauseUntil             *time.Time     `json:"pause_until,omitempty"`
	DailyLossPct           float64        `json:"daily_loss_pct"`
	Rolling30dMddPct       float64        `json:"rolling_30d_mdd_pct"`
	MonthlyMddPct          float64        `json:"monthly_mdd_pct"`
	OpenSymbolCount        int            `json:"open_symbol_count"`
	SlippageEventsBySymbol map[string]int `json:"slippage_events_by_symbol"`
	DisabledSymbols        []string       `json:"disabled_symbols"`
	EquityMarks            []EquityMark   `json:"equity_marks"`
	Reason                 string         `json:"reason,omitempty"`
	LastPauseDay           string         `json:"last_pause_day,omitempty"` // at most one daily-loss pause per day
	UpdatedAt              time.Time      `json:"updated_at"`
}

// NewRiskState returns an ACTIVE state with empty counters.
func NewRiskState() *RiskState {
	return &RiskState{
		Mode:                   RiskModeActive,
		SlippageEventsBySymbol: make(map[string]int),
	}
}

// IsDisabled reports whether entries for symbol are blocked.
func (s *RiskState) IsDisabled(symbol string) bool {
	for _, d := range s.DisabledSymbols {
		if d == symbol {
			return true
		}
	}
	return false
}

// Disable adds symbol to the disabled set. Returns false if it was already there.
func (s *RiskState) Disable(symbol string) bool {
	if s.IsDisabled(symbol) {
		return false
	}
	s.DisabledSymbols = append(s.DisabledSymbols, symbol)
	sort.Strings(s.DisabledSymbols)
	return true
}

// Clone returns a deep copy.
func (s *RiskState) Clone() *RiskState {
	cp := *s
	if s.PauseUntil != nil {
		t := *s.PauseUntil
		cp.PauseUntil = &t
	}
	cp.SlippageEventsBySymbol = make(map[string]int, len(s.SlippageEventsBySymbol))
	for k, v := range s.SlippageEventsBySymbol {
		cp.SlippageEventsBySymbol[k] = v
	}
	cp.DisabledSymbols = append([]string(nil), s.DisabledSymbols...)
	cp.EquityMarks = append([]EquityMark(nil), s.EquityMarks...)
	return &cp
}
