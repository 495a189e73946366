/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env file, environment, then flags)
  2. Initialize SQLite store
  3. Seed rules from COMMISSION_RULES_FILE into an empty store
  4. Create engine, handler and payment scheduler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides COMMISSION_PORT)
  -db      SQLite database path (overrides COMMISSION_DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the payment scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/commissions.db"

  # Run with in-memory database and the scheduler on
  COMMISSION_SCHEDULER_ENABLED=true ./server -db=":memory:"

ENVIRONMENT:
  See config/config.go for the full list of COMMISSION_* variables.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.DBPath = *dbPath

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// Amounts go out as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	engine := commission.NewEngine(store, commission.Options{DefaultCurrency: cfg.DefaultCurrency})

	if cfg.RulesFile != "" {
		if err := seedRules(context.Background(), engine, cfg.RulesFile, logger); err != nil {
			return err
		}
	}

	// Initialize handler
	handler := api.NewHandler(store, engine, logger)

	scheduler := handler.Scheduler
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.Interval = cfg.SchedulerInterval
	scheduler.Frequency = cfg.BatchFrequency
	scheduler.Concurrency = cfg.BatchConcurrency
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Port)),
			slog.String("db", cfg.DBPath),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// seedRules loads a rules file into a store that has no rules yet.
// Rule ids are assigned on creation, so seeding twice would duplicate.
func seedRules(ctx context.Context, engine *commission.Engine, path string, logger *slog.Logger) error {
	existing, err := engine.ListRules(ctx, commission.RuleFilter{})
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if len(existing) > 0 {
		logger.Info("rules already present, skipping seed", slog.Int("rules", len(existing)))
		return nil
	}

	rules, err := factory.LoadRulesFile(path)
	if err != nil {
		return fmt.Errorf("load rules file: %w", err)
	}

	for _, rj := range rules {
		rule, err := factory.FromJSON(rj)
		if err != nil {
			return fmt.Errorf("rule %q: %w", rj.Name, err)
		}
		if rj.IsActive() {
			_, err = engine.CreateRule(ctx, rule)
		} else {
			_, err = engine.Rules.CreateInactive(ctx, rule)
		}
		if err != nil {
			return fmt.Errorf("rule %q: %w", rj.Name, err)
		}
	}
	logger.Info("rules seeded", slog.String("file", path), slog.Int("rules", len(rules)))
	return nil
}
