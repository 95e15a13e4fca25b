// Command replay lists order log rows between two dates and summarizes the exits.
//
//	replay -from 2026-04-01 -to 2026-05-01 -strategy momentum [-csv out.csv]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"spotTrader/internal/adapters/logger"
	"spotTrader/internal/adapters/sqlite"
	"spotTrader/internal/domain"
	"spotTrader/internal/utils"
)

const dateLayout = "2006-01-02"

func main() {
	now := time.Now()
	fromStr := flag.String("from", now.AddDate(0, 0, -7).Format(dateLayout), "first day, inclusive (YYYY-MM-DD, local time)")
	toStr := flag.String("to", now.Format(dateLayout), "last day, inclusive (YYYY-MM-DD, local time)")
	strategy := flag.String("strategy", "", "only rows with this strategy tag")
	dbPath := flag.String("db", "", "order log path (defaults to DB_PATH, then data/orders.db)")
	csvOut := flag.String("csv", "", "also export the rows to this CSV file")
	flag.Parse()

	from, err := time.ParseInLocation(dateLayout, *fromStr, time.Local)
	if err != nil {
		log.Fatalf("invalid -from: %v", err)
	}
	to, err := time.ParseInLocation(dateLayout, *toStr, time.Local)
	if err != nil {
		log.Fatalf("invalid -to: %v", err)
	}
	to = to.AddDate(0, 0, 1)
	if !from.Before(to) {
		log.Fatalf("-from must not be after -to")
	}

	path := *dbPath
	if path == "" {
		_ = godotenv.Load()
		path = os.Getenv("DB_PATH")
	}
	if path == "" {
		path = filepath.Join("data", "orders.db")
	}

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: path, Logger: logger.New(logger.LevelWarn)})
	if err != nil {
		log.Fatalf("Error opening order log: %v", err)
	}
	defer repo.Close()

	entries, err := repo.ListBetween(context.Background(), from, to, *strategy)
	if err != nil {
		log.Fatalf("Error reading order log: %v", err)
	}
	if len(entries) == 0 {
		log.Println("No orders in range.")
		return
	}

	printOrders(entries)
	printStats(entries)

	if *csvOut != "" {
		if err := utils.WriteOrdersToCSV(entries, *csvOut); err != nil {
			log.Fatalf("Error writing %s: %v", *csvOut, err)
		}
		fmt.Printf("\nExported %d rows to %s\n", len(entries), *csvOut)
	}
}

func printOrders(entries []*domain.OrderLogEntry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Time\tSymbol\tSide\tType\tState\tQty\tPrice\tFee\tPnL\tSlip%\tReason\tStrategy\t")
	for _, e := range entries {
		pnl := ""
		if e.Side == domain.Sell {
			pnl = e.RealizedPnL.StringFixed(4)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%.3f\t%s\t%s\t\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Symbol, e.Side, e.Type, e.State,
			e.Quantity, e.Price.StringFixed(8), e.Fee.StringFixed(6), pnl,
			e.SlippagePct, e.ExitReason, e.StrategyTag,
		)
	}
	w.Flush()
}

func printStats(entries []*domain.OrderLogEntry) {
	stats := utils.CalculateTradeStats(entries)
	fmt.Println("\n## Summary")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Exits\tWinRate\tAvgWin\tAvgLoss\tTotalPnL\tFees\tMaxDD\tAvgSlip%\t")
	fmt.Fprintf(w, "%d\t%.2f\t%s\t%s\t%s\t%s\t%s\t%.3f\t\n",
		stats.TotalTrades,
		stats.WinRate*100,
		stats.AvgWin.StringFixed(4),
		stats.AvgLoss.StringFixed(4),
		stats.TotalPnL.StringFixed(4),
		stats.TotalFees.StringFixed(4),
		stats.MaxDrawdown.StringFixed(4),
		stats.AvgSlippagePct,
	)
	w.Flush()

	fmt.Println("\n## By exit reason")
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Reason\tCount\tTotal PnL\tAvg PnL\t")
	for _, rs := range utils.StatsByExitReason(entries) {
		avg := rs.TotalPnL.Div(decimal.NewFromInt(int64(rs.Count)))
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t\n", rs.Reason, rs.Count, rs.TotalPnL.StringFixed(4), avg.StringFixed(4))
	}
	w.Flush()
}
