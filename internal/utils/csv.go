package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"spotTrader/internal/domain"
)

var orderHeader = []string{
	"id", "timestamp", "order_id", "symbol", "side", "quantity", "price", "type", "state",
	"exit_reason", "slippage_pct", "fee", "realized_pnl", "strategy_tag",
}

// WriteOrdersToCSV exports order log rows.
func WriteOrdersToCSV(entries []*domain.OrderLogEntry, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return WriteOrders(file, entries)
}

// WriteOrders writes order log rows as CSV with a header.
func WriteOrders(w io.Writer, entries []*domain.OrderLogEntry) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(orderHeader); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writer.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.OrderID,
			e.Symbol,
			string(e.Side),
			e.Quantity.String(),
			e.Price.String(),
			string(e.Type),
			string(e.State),
			string(e.ExitReason),
			strconv.FormatFloat(e.SlippagePct, 'f', -1, 64),
			e.Fee.String(),
			e.RealizedPnL.String(),
			e.StrategyTag,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadOrdersFromCSV loads rows written by WriteOrdersToCSV.
func ReadOrdersFromCSV(filename string) ([]*domain.OrderLogEntry, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadOrders(file)
}

// ReadOrders parses order log CSV produced by WriteOrders.
func ReadOrders(r io.Reader) ([]*domain.OrderLogEntry, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	out := make([]*domain.OrderLogEntry, 0, len(records)-1)
	for i, rec := range records[1:] {
		e, err := parseOrder(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+2, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func parseOrder(rec []string) (*domain.OrderLogEntry, error) {
	if len(rec) != len(orderHeader) {
		return nil, fmt.Errorf("expected %d fields, got %d", len(orderHeader), len(rec))
	}
	id, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, rec[1])
	if err != nil {
		return nil, err
	}
	slippage, err := strconv.ParseFloat(rec[10], 64)
	if err != nil {
		return nil, err
	}
	var decs [4]decimal.Decimal
	for i, idx := range []int{5, 6, 11, 12} {
		if decs[i], err = decimal.NewFromString(rec[idx]); err != nil {
			return nil, fmt.Errorf("%s: %w", orderHeader[idx], err)
		}
	}
	return &domain.OrderLogEntry{
		ID:          id,
		Timestamp:   ts,
		OrderID:     rec[2],
		Symbol:      rec[3],
		Side:        domain.OrderSide(rec[4]),
		Quantity:    decs[0],
		Price:       decs[1],
		Type:        domain.OrderType(rec[7]),
		State:       domain.OrderState(rec[8]),
		ExitReason:  domain.ExitReason(rec[9]),
		SlippagePct: slippage,
		Fee:         decs[2],
		RealizedPnL: decs[3],
		StrategyTag: rec[13],
	}, nil
}
