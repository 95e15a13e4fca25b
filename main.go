package main

import (
	"context"
	"flag"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"spotTrader/config"
	"spotTrader/internal/adapters/binanceclient"
	"spotTrader/internal/adapters/filestore"
	"spotTrader/internal/adapters/logger"
	"spotTrader/internal/adapters/paper"
	"spotTrader/internal/adapters/sqlite"
	"spotTrader/internal/app"
	"spotTrader/internal/entry"
	"spotTrader/internal/execution"
	"spotTrader/internal/metrics"
	"spotTrader/internal/notify"
	"spotTrader/internal/ports"
	"spotTrader/internal/position"
	"spotTrader/internal/risk"
)

// paperFeeRate approximates the exchange's default taker fee in dry runs.
var paperFeeRate = decimal.RequireFromString("0.001")

func main() {
	resumeRisk := flag.Bool("resume-risk", false, "return the risk controller to ACTIVE before starting (clears HALTED)")
	flag.Parse()
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}
	docs, err := config.LoadDocuments(cfg.TradingParamsPath, cfg.RiskParamsPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load parameter documents: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "dryRun": cfg.DryRun})

	// 3. Initialize Order Log (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize order log")
		log.Fatalf("FATAL: Failed to initialize order log: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing order log")
		}
	}()

	// 4. Initialize Exchange Client (Binance Adapter, or the paper exchange mirroring it)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		QuoteAsset: cfg.QuoteAsset,
		Timeout:    cfg.ExchangeTimeout,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	var exchange ports.ExchangeClient = binanceClient
	var mirror *app.MarketMirror
	if cfg.DryRun {
		paperEx := paper.New(paper.Config{
			QuoteAsset:   cfg.QuoteAsset,
			QuoteBalance: decimal.NewFromFloat(cfg.PaperQuoteBalance),
			FeeRate:      paperFeeRate,
			MinNotional:  decimal.NewFromFloat(docs.Trading().Sizing.MinNotional),
		})
		exchange = paperEx
		mirror = app.NewMarketMirror(binanceClient, paperEx, appLogger)
		appLogger.Warn(ctx, "DRY RUN: orders go to the paper exchange", map[string]interface{}{"quoteBalance": cfg.PaperQuoteBalance})
	}

	// 5. Alerts and metrics
	senders := []notify.Sender{notify.NewLogSender(appLogger)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		senders = append(senders, notify.NewRedisSender(rdb, cfg.RedisChannel))
		appLogger.Info(ctx, "Redis alert publishing enabled", map[string]interface{}{"addr": cfg.RedisAddr, "channel": cfg.RedisChannel})
	}
	dispatcher := notify.NewDispatcher(senders, 256, appLogger)
	appMetrics := metrics.New()

	// 6. Durable documents
	files := filestore.New(filestore.Config{
		LockRetries:    cfg.LockRetries,
		LockRetryDelay: cfg.LockRetryDelay,
		Logger:         appLogger,
	})
	flags := files.NewPendingFlags(cfg.PendingFlagsPath)

	// 7. Core components
	placer := execution.NewPlacer(exchange, appLogger)
	store, err := position.NewPositionStore(position.Config{
		Exchange:   exchange,
		Placer:     placer,
		Snapshots:  files.NewPositionSnapshots(cfg.PositionsPath),
		Flags:      flags,
		OrderLog:   repo,
		Alerts:     dispatcher,
		Params:     docs,
		Logger:     appLogger,
		Metrics:    appMetrics,
		QuoteAsset: cfg.QuoteAsset,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize position store: %v", err)
	}
	if err := store.Load(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to load positions")
		log.Fatalf("FATAL: Failed to load positions: %v", err)
	}

	riskCtl, err := risk.NewRiskController(risk.Config{
		Params:     docs,
		Store:      files.NewRiskStateFile(cfg.RiskStatePath),
		OrderLog:   repo,
		Liquidator: store,
		Alerts:     dispatcher,
		Logger:     appLogger,
		Metrics:    appMetrics,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize risk controller: %v", err)
	}
	if err := riskCtl.Load(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to load risk state")
		log.Fatalf("FATAL: Failed to load risk state: %v", err)
	}
	if *resumeRisk {
		if err := riskCtl.Resume(ctx); err != nil {
			log.Fatalf("FATAL: Failed to resume risk controller: %v", err)
		}
	}
	store.SetSlippageObserver(riskCtl)
	store.SetRiskGate(riskCtl)

	coordinator, err := entry.NewCoordinator(entry.Config{
		Params:      docs,
		Flags:       flags,
		Risk:        riskCtl,
		Positions:   store,
		Placer:      placer,
		Alerts:      dispatcher,
		Logger:      appLogger,
		Metrics:     appMetrics,
		StartupHold: cfg.StartupHold,
		MaxSymbols:  docs.Risk().MaxSymbols,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize entry coordinator: %v", err)
	}
	riskCtl.OnReload(func(p *config.RiskParams) { coordinator.SetMaxSymbols(p.MaxSymbols) })

	// 8. Initialize Application Service
	tradingService, err := app.NewTradingService(app.Config{
		Signals:            files.NewSignalInbox(cfg.SignalInboxPath),
		Entry:              coordinator,
		Positions:          store,
		Risk:               riskCtl,
		Params:             docs,
		Alerts:             dispatcher,
		Logger:             appLogger,
		Metrics:            appMetrics,
		Mirror:             mirror,
		Runners:            []app.Runner{dispatcher},
		MetricsAddr:        cfg.MetricsAddr,
		ManagementInterval: cfg.ManagementInterval,
		RiskInterval:       cfg.RiskInterval,
		ReconcileInterval:  cfg.ReconcileInterval,
		SignalPollInterval: cfg.SignalPollInterval,
		IntakeConcurrency:  cfg.IntakeConcurrency,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}

	// 9. Start the Service
	if err := tradingService.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}
