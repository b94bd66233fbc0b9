/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the society billing server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env / environment, then apply command-line flags
  2. Build the zap logger and register metrics
  3. Initialize SQLite store (schema auto-migrated)
  4. Pick the tenant policy source (YAML file or tenant_configs table)
  5. Create engine, API handler and router
  6. Start the cycle scheduler and the HTTP server
  7. Wait for a signal and shut down gracefully

COMMAND-LINE FLAGS (override the environment):
  -port       HTTP server port (PORT, default: 8080)
  -db         SQLite database path (DB_PATH, default: society.db)
              Use ":memory:" for in-memory database
  -tenants    YAML tenant policy file (TENANTS_FILE)
  -env        .env file to load
  -dev        Human-readable development logging (DEBUG=true)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running check)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database and a tenants file
  ./server -db="./data/society.db" -tenants="./tenants.yaml"

  # Run with in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment variables
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/society-ledger/api"
	"github.com/warp/society-ledger/billing"
	"github.com/warp/society-ledger/config"
	"github.com/warp/society-ledger/logger"
	"github.com/warp/society-ledger/metrics"
	"github.com/warp/society-ledger/store/sqlite"
)

const serviceName = "society-ledger"

func main() {
	// Flags
	envPath := flag.String("env", "", ".env file to load")
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	tenantsFile := flag.String("tenants", "", "YAML tenant policy file (overrides TENANTS_FILE)")
	dev := flag.Bool("dev", false, "development logging")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *tenantsFile != "" {
		cfg.TenantsFile = *tenantsFile
	}
	if *dev {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var zl *zap.Logger
	if cfg.Debug {
		zl, err = logger.NewDevelopment(serviceName)
	} else {
		zl, err = logger.New(serviceName, cfg.LogLevel)
	}
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	metrics.Init()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		zl.Fatal("failed to initialize database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer store.Close()

	// Tenant policies: a YAML file wins over the database table
	var configs billing.ConfigLister = store
	if cfg.TenantsFile != "" {
		provider, err := config.LoadTenants(cfg.TenantsFile)
		if err != nil {
			zl.Fatal("failed to load tenants file", zap.String("path", cfg.TenantsFile), zap.Error(err))
		}
		configs = provider
		zl.Info("tenant policies loaded from file", zap.String("path", cfg.TenantsFile))
	}

	engine := billing.NewEngine(store, configs, store, zl)
	handler := api.NewHandler(engine, store, zl)
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	scheduler := api.NewCycleScheduler(engine, configs, zl)
	scheduler.CheckInterval = cfg.SchedulerInterval
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // a cycle over a large society can take a while
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		zl.Info("server starting", zap.Int("port", cfg.Port), zap.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zl.Error("server forced to shutdown", zap.Error(err))
		return
	}

	zl.Info("server stopped")
}
