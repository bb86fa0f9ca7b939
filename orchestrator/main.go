package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"

	"github.com/timour/order-saga/common/config"
	"github.com/timour/order-saga/common/logger"
	"github.com/timour/order-saga/common/tracing"
	"github.com/timour/order-saga/migrations"
	"github.com/timour/order-saga/outbox"
)

func main() {
	cfg := Config{
		ServiceName:  config.GetEnv("SERVICE_NAME", "orchestrator"),
		InstanceID:   config.GetEnv("INSTANCE_ID", "orchestrator-1"),
		MetricsAddr:  config.GetEnv("METRICS_ADDR", "localhost:9100"),
		ConsulAddr:   config.GetEnv("CONSUL_ADDR", ""),
		AMQPUser:     config.GetEnv("AMQP_USER", "guest"),
		AMQPPass:     config.GetEnv("AMQP_PASS", "guest"),
		AMQPHost:     config.GetEnv("AMQP_HOST", ""),
		AMQPPort:     config.GetEnv("AMQP_PORT", "5672"),
		OrdersURL:    config.GetEnv("ORDERS_SERVICE_URL", ""),
		InventoryURL: config.GetEnv("INVENTORY_SERVICE_URL", ""),
		PaymentsURL:  config.GetEnv("PAYMENTS_SERVICE_URL", ""),
		DSN:          postgresDSN(),
		PollInterval: time.Duration(config.GetEnvInt("POLL_INTERVAL_MS", 5000)) * time.Millisecond,
		BatchSize:    config.GetEnvInt("OUTBOX_BATCH_SIZE", 10),
		Retry: outbox.RetryPolicy{
			BaseDelay:   time.Duration(config.GetEnvInt("RETRY_BASE_DELAY_MS", 1000)) * time.Millisecond,
			Multiplier:  config.GetEnvFloat("RETRY_BACKOFF_MULTIPLIER", 4),
			MaxAttempts: config.GetEnvInt("MAX_RETRY_ATTEMPTS", 5),
		},
	}

	log := logger.NewLogger(cfg.ServiceName)
	log.Info("starting service",
		slog.String("instance_id", cfg.InstanceID),
		slog.String("metrics_addr", cfg.MetricsAddr),
	)

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName)
	if err != nil {
		log.Error("failed to initialize tracer", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdownTracer()

	db, err := connectPostgres(cfg.DSN)
	if err != nil {
		log.Error("failed to connect to postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if config.GetEnv("AUTO_MIGRATE", "true") == "true" {
		if err := migrations.Apply(context.Background(), db); err != nil {
			log.Error("failed to apply schema", slog.Any("error", err))
			os.Exit(1)
		}
	}

	app, err := NewApp(cfg, db)
	if err != nil {
		log.Error("failed to create app", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("received shutdown signal")
		cancel()
	}()

	if err := app.Start(ctx); err != nil {
		log.Error("failed to start app", slog.Any("error", err))
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error("error during shutdown", slog.Any("error", err))
	}
}

func postgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		config.GetEnv("POSTGRES_USER", "saga"),
		config.GetEnv("POSTGRES_PASSWORD", "saga123"),
		config.GetEnv("POSTGRES_HOST", "localhost"),
		config.GetEnv("POSTGRES_PORT", "5432"),
		config.GetEnv("POSTGRES_DB", "saga"),
	)
}

func connectPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}
