package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"spotTrader/internal/domain"
	"spotTrader/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.OrderLog using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/orders.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode so replay tooling can read while the bot writes
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Order log ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates the orders table. Rows are write-once: triggers reject UPDATE and DELETE.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_unix_ns INTEGER NOT NULL,
		order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty TEXT NOT NULL,
		price TEXT NOT NULL,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		exit_reason TEXT NULL,
		slippage_pct REAL NOT NULL DEFAULT 0,
		fee TEXT NOT NULL DEFAULT '0',
		realized_pnl TEXT NOT NULL DEFAULT '0',
		strategy_tag TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_orders_ts ON orders (ts_unix_ns);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol_ts ON orders (symbol, ts_unix_ns);

	CREATE TRIGGER IF NOT EXISTS orders_no_update BEFORE UPDATE ON orders
	BEGIN
		SELECT RAISE(ABORT, 'orders is append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS orders_no_delete BEFORE DELETE ON orders
	BEGIN
		SELECT RAISE(ABORT, 'orders is append-only');
	END;
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// Append saves a new order record and returns its assigned ID.
func (r *Repository) Append(ctx context.Context, e *domain.OrderLogEntry) (int64, error) {
	const query = `
	INSERT INTO orders (ts_unix_ns, order_id, symbol, side, qty, price, type, state,
	                    exit_reason, slippage_pct, fee, realized_pnl, strategy_tag)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var exitReason sql.NullString
	if e.ExitReason != domain.ExitReasonNone {
		exitReason = sql.NullString{String: string(e.ExitReason), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		ts.UnixNano(), e.OrderID, e.Symbol, string(e.Side), e.Quantity.String(), e.Price.String(),
		string(e.Type), string(e.State), exitReason, e.SlippagePct, e.Fee.String(), e.RealizedPnL.String(), e.StrategyTag)
	if err != nil {
		return 0, fmt.Errorf("failed to insert order %s for symbol %s: %w: %w", e.OrderID, e.Symbol, ports.ErrInsertFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for order %s: %w", e.OrderID, err)
	}
	e.ID = id
	e.Timestamp = ts
	r.logger.Debug(ctx, "Order logged", map[string]interface{}{"rowID": id, "symbol": e.Symbol, "side": e.Side, "state": e.State})
	return id, nil
}

// RealizedPnLSince sums realized PnL of sell rows at or after since.
// Amounts are stored as text and summed as decimals to avoid float drift.
func (r *Repository) RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	const query = `SELECT realized_pnl FROM orders WHERE side = ? AND ts_unix_ns >= ?`

	rows, err := r.db.QueryContext(ctx, query, string(domain.Sell), since.UnixNano())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query realized pnl: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan realized pnl: %w", err)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt realized_pnl value %q: %w", s, err)
		}
		total = total.Add(v)
	}
	if err = rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("error iterating order rows: %w", err)
	}
	return total, nil
}

// ListBetween returns rows with from <= ts < to, oldest first. An empty tag matches all strategies.
func (r *Repository) ListBetween(ctx context.Context, from, to time.Time, strategyTag string) ([]*domain.OrderLogEntry, error) {
	const query = `
	SELECT id, ts_unix_ns, order_id, symbol, side, qty, price, type, state,
	       exit_reason, slippage_pct, fee, realized_pnl, strategy_tag
	FROM orders
	WHERE ts_unix_ns >= ? AND ts_unix_ns < ? AND (? = '' OR strategy_tag = ?)
	ORDER BY ts_unix_ns, id`

	rows, err := r.db.QueryContext(ctx, query, from.UnixNano(), to.UnixNano(), strategyTag, strategyTag)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	entries := make([]*domain.OrderLogEntry, 0)
	for rows.Next() {
		e, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order during ListBetween: %w", err)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	return entries, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanOrder scans a row into a domain.OrderLogEntry struct.
func scanOrder(s scanner) (*domain.OrderLogEntry, error) {
	e := &domain.OrderLogEntry{}
	var (
		ts                   int64
		side, typ, state     string
		qty, price, fee, pnl string
		exitReason           sql.NullString
	)
	err := s.Scan(&e.ID, &ts, &e.OrderID, &e.Symbol, &side, &qty, &price, &typ, &state,
		&exitReason, &e.SlippagePct, &fee, &pnl, &e.StrategyTag)
	if err != nil {
		return nil, err
	}
	e.Timestamp = time.Unix(0, ts)
	e.Side = domain.OrderSide(side)
	e.Type = domain.OrderType(typ)
	e.State = domain.OrderState(state)
	if exitReason.Valid {
		e.ExitReason = domain.ExitReason(exitReason.String)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&e.Quantity, qty}, {&e.Price, price}, {&e.Fee, fee}, {&e.RealizedPnL, pnl}} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("corrupt decimal %q in order %d: %w", f.src, e.ID, err)
		}
		*f.dst = v
	}
	return e, nil
}
