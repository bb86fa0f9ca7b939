package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/timour/order-saga/clients"
	"github.com/timour/order-saga/common/config"
	"github.com/timour/order-saga/common/metrics"
	"github.com/timour/order-saga/common/tracing"
	"github.com/timour/order-saga/discovery"
	"github.com/timour/order-saga/discovery/consul"
	"github.com/timour/order-saga/ledger"
	"github.com/timour/order-saga/migrations"
	"github.com/timour/order-saga/outbox"
)

var (
	serviceName = "gateway"
	httpAddr    = config.GetEnv("HTTP_ADDR", "localhost:8081")
	consulAddr  = config.GetEnv("CONSUL_ADDR", "")
	// PostgreSQL connection details
	postgresHost = config.GetEnv("POSTGRES_HOST", "localhost")
	postgresPort = config.GetEnv("POSTGRES_PORT", "5432")
	postgresUser = config.GetEnv("POSTGRES_USER", "saga")
	postgresPass = config.GetEnv("POSTGRES_PASSWORD", "saga123")
	postgresDB   = config.GetEnv("POSTGRES_DB", "saga")
	// Redis idempotency cache; empty disables it
	redisAddr = config.GetEnv("REDIS_ADDR", "")
	cacheTTL  = config.GetEnvDuration("IDEMPOTENCY_CACHE_TTL", 15*time.Minute)
	// Leaf services
	inventoryURL = config.GetEnv("INVENTORY_SERVICE_URL", "")
	paymentsURL  = config.GetEnv("PAYMENTS_SERVICE_URL", "")
)

func main() {
	zl, _ := zap.NewProduction()
	defer zl.Sync()
	zap.ReplaceGlobals(zl)
	logger := zl.Sugar()

	shutdownTracer, err := tracing.InitTracer(serviceName)
	if err != nil {
		logger.Fatalw("failed to initialize tracer", "error", err)
	}
	defer shutdownTracer()

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPass, postgresHost, postgresPort, postgresDB)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Fatalw("failed to open postgres", "error", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalw("failed to ping postgres", "error", err)
	}
	logger.Infow("connected to postgres", "database", postgresDB)

	if config.GetEnv("AUTO_MIGRATE", "true") == "true" {
		if err := migrations.Apply(context.Background(), db); err != nil {
			logger.Fatalw("failed to apply schema", "error", err)
		}
	}

	var cache *acceptanceCache
	if redisAddr != "" {
		cache, err = newAcceptanceCache(redisAddr, cacheTTL)
		if err != nil {
			logger.Fatalw("failed to connect to redis", "error", err)
		}
		defer cache.Close()
		logger.Infow("connected to redis", "addr", redisAddr, "ttl", cacheTTL)
	} else {
		logger.Info("redis address not provided, idempotency cache disabled")
	}

	registry, err := createRegistry(consulAddr, logger)
	if err != nil {
		logger.Fatalw("failed to create registry", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inventoryBase, err := resolveURL(ctx, registry, inventoryURL, "inventory")
	if err != nil {
		logger.Fatalw("failed to resolve inventory service", "error", err)
	}
	paymentsBase, err := resolveURL(ctx, registry, paymentsURL, "payments")
	if err != nil {
		logger.Fatalw("failed to resolve payments service", "error", err)
	}

	clientMetrics := metrics.NewClientMetrics(serviceName)
	inventoryClient := clients.NewInventoryClient(inventoryBase, clientMetrics)
	paymentsClient := clients.NewPaymentsClient(paymentsBase, clientMetrics)

	svc := NewService(db, ledger.NewStore(db), outbox.NewStore(db),
		inventoryClient, paymentsClient, cache, logger)

	app := NewApp(httpAddr, registry, svc, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("error during shutdown", "error", err)
		}
		cancel()
	}()

	if err := app.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalw("failed to start app", "error", err)
	}
}

func createRegistry(addr string, logger *zap.SugaredLogger) (discovery.Registry, error) {
	if addr == "" {
		logger.Info("consul address not provided, service discovery disabled")
		return nil, nil
	}
	return consul.NewRegistry(addr)
}

func resolveURL(ctx context.Context, registry discovery.Registry, configured, service string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if registry == nil {
		return "", fmt.Errorf("no URL configured for %s service and discovery is disabled", service)
	}
	return discovery.ServiceURL(ctx, registry, service)
}
