/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment), then command-line flags
  2. Configure logging
  3. Initialize SQLite store
  4. Choose the recompute lock (in-process, or Redis when REDIS_ADDR is set)
  5. Build engines, handler and router
  6. Start the day-boundary sweep scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port    HTTP server port (default: from ADDRESS, 8080)
  -db      SQLite database path (default: from DB_PATH, commission.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and database connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/commission.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Multiple instances sharing recompute locks
  REDIS_ADDR=localhost:6379 ./server -port=3000

ENVIRONMENT:
  See config/config.go for every variable and its default.

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

	"golang.org/x/time/rate"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/lock"
	"github.com/warp/commission-engine/metrics"
	"github.com/warp/commission-engine/pkg/logging"
	"github.com/warp/commission-engine/store/sqlite"
	"github.com/warp/commission-engine/worktime"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides ADDRESS)")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	addr := cfg.Address
	if *port != 0 {
		addr = fmt.Sprintf(":%d", *port)
	}

	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	log := slog.Default()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	goalRate, err := cfg.GoalRate()
	if err != nil {
		return err
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Recompute lock
	var locker lock.Locker = lock.NewKeyed()
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := lock.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			return err
		}
		defer client.Close()
		redisLock := lock.NewRedis(client, cfg.LockTTL)
		redisLock.Log = log
		locker = redisLock
		log.Info("using redis recompute lock", "addr", cfg.RedisAddr, "ttl", cfg.LockTTL)
	}

	m := metrics.New()

	// Engines
	ce := commission.NewEngine(store)
	ce.Locks = locker
	ce.Log = log
	ce.Metrics = m
	ce.DefaultLocation = loc
	ce.MaxAttempts = cfg.RecomputeMaxAttempts
	ce.RetryBackoff = cfg.RecomputeRetryBackoff

	we := worktime.NewEngine(store)
	we.Locks = locker
	we.Log = log
	we.Metrics = m
	we.DefaultLocation = loc

	// Initialize handler
	handler := api.NewHandler(store, ce, we)
	handler.Log = log
	handler.GoalDefaults.TargetAmount = generic.Money(cfg.GoalDefaultTarget)
	handler.GoalDefaults.CommissionRate = goalRate

	sweeper := handler.Sweeper
	sweeper.Interval = cfg.SweepInterval
	sweeper.Enabled = cfg.SweepEnabled
	sweeper.Log = log
	sweeper.Start()
	defer sweeper.Stop()

	// Create router
	var limiter *rate.Limiter
	if cfg.ApprovalRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ApprovalRateLimit), cfg.ApprovalRateBurst)
	}
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins:  cfg.Origins(),
		ApprovalLimiter: limiter,
		Metrics:         m.Handler(),
	})

	// Create server
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", addr, "db", *dbPath, "timezone", loc.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	log.Info("shutting down server")
	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
