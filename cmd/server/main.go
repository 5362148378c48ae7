/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load TOML config
  2. Build zap logger at the configured level
  3. Initialize SQLite store
  4. Wire service, accrual runner, reconciler, and queue
  5. Start the accrual scheduler and queue workers
  6. Start HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  TOML config file path (default: ledger.toml; missing file = defaults)
  -addr    HTTP listen address (overrides config)
  -db      SQLite database path (overrides config)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, drain the queue workers
  4. Close database connection
  5. Exit
*/
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/maktab/ledger-engine/api"
	"github.com/maktab/ledger-engine/config"
	"github.com/maktab/ledger-engine/ledger"
	"github.com/maktab/ledger-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "ledger.toml", "TOML config file path")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := buildLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Wire the engine
	svc := ledger.NewService(store, logger)
	svc.Metrics = ledger.NewMetrics()

	salaries := make(ledger.StaticSalaries, 0, len(cfg.Accrual.Salaries))
	for _, s := range cfg.Accrual.Salaries {
		salaries = append(salaries, ledger.SalariedAccount{
			AccountID:     ledger.AccountID(s.AccountID),
			MonthlySalary: s.MonthlySalary,
		})
	}
	runner := ledger.NewAccrualRunner(svc, salaries, logger)
	reconciler := ledger.NewReconciler(svc, logger)

	queueCfg := ledger.DefaultQueueConfig()
	if cfg.Queue.Workers > 0 {
		queueCfg.Workers = cfg.Queue.Workers
	}
	if cfg.Queue.Buffer > 0 {
		queueCfg.Buffer = cfg.Queue.Buffer
	}
	queue := ledger.NewQueue(svc, queueCfg, logger)
	queue.Start(context.Background())
	defer queue.Stop()

	// Scheduler
	scheduler := api.NewAccrualScheduler(runner, logger)
	scheduler.Enabled = cfg.Accrual.Enabled
	if interval := cfg.Accrual.CheckInterval.Duration(); interval > 0 {
		scheduler.CheckInterval = interval
	}
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP layer
	handler := api.NewHandler(svc, runner, reconciler, queue, logger)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("db", cfg.Database.Path))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return cfg.Build()
}
