package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/timour/order-saga/clients"
	"github.com/timour/order-saga/common/broker"
	"github.com/timour/order-saga/common/logger"
	"github.com/timour/order-saga/common/metrics"
	"github.com/timour/order-saga/discovery"
	"github.com/timour/order-saga/discovery/consul"
	"github.com/timour/order-saga/ledger"
	"github.com/timour/order-saga/orchestrator/saga"
	"github.com/timour/order-saga/outbox"
)

type Config struct {
	ServiceName  string
	InstanceID   string
	MetricsAddr  string
	ConsulAddr   string
	AMQPUser     string
	AMQPPass     string
	AMQPHost     string
	AMQPPort     string
	OrdersURL    string
	InventoryURL string
	PaymentsURL  string
	DSN          string
	PollInterval time.Duration
	BatchSize    int
	Retry        outbox.RetryPolicy
}

// App wires the orchestrator worker: the notification listener and the
// poll ticker both wake one run loop, which drains due outbox events
// through the processor.
type App struct {
	config        Config
	logger        *slog.Logger
	registry      discovery.Registry
	registration  *discovery.ServiceRegistration
	channel       *amqp.Channel
	closeRabbitMQ func() error
	metricsServer *http.Server
	listener      *Listener
	processor     *Processor
}

func NewApp(config Config, db *sql.DB) (*App, error) {
	log := logger.NewLogger(config.ServiceName)

	registry, err := createRegistry(config.ConsulAddr, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		config:   config,
		logger:   log,
		registry: registry,
	}

	var publisher TerminalPublisher
	if config.AMQPHost != "" {
		ch, closeFn, err := broker.Connect(config.AMQPUser, config.AMQPPass, config.AMQPHost, config.AMQPPort)
		if err != nil {
			return nil, err
		}
		a.channel = ch
		a.closeRabbitMQ = closeFn
		publisher = &amqpPublisher{ch: ch}
		log.Info("rabbitmq connected", slog.String("host", config.AMQPHost))
	} else {
		log.Info("amqp host not provided, terminal event publishing disabled")
	}

	ordersURL, err := a.resolveURL(config.OrdersURL, "orders")
	if err != nil {
		return nil, err
	}
	inventoryURL, err := a.resolveURL(config.InventoryURL, "inventory")
	if err != nil {
		return nil, err
	}
	paymentsURL, err := a.resolveURL(config.PaymentsURL, "payments")
	if err != nil {
		return nil, err
	}

	clientMetrics := metrics.NewClientMetrics(config.ServiceName)
	sagaMetrics := metrics.NewSagaMetrics(config.ServiceName)

	ordersClient := clients.NewOrdersClient(ordersURL, clientMetrics)
	inventoryClient := clients.NewInventoryClient(inventoryURL, clientMetrics)
	paymentsClient := clients.NewPaymentsClient(paymentsURL, clientMetrics)

	ledgerStore := ledger.NewStore(db)
	outboxStore := outbox.NewStore(db)

	executor := saga.NewExecutor(ledgerStore, ordersClient, inventoryClient, paymentsClient, log)
	compensator := saga.NewCompensator(ordersClient, inventoryClient, paymentsClient, log)

	a.processor = NewProcessor(db, ledgerStore, outboxStore, executor, compensator,
		config.Retry, config.BatchSize, publisher, log, sagaMetrics)
	a.listener = NewListener(config.DSN, log)

	return a, nil
}

// Start registers the instance, starts the metrics server and the
// notification listener, and runs the claim loop until ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	if a.registry != nil {
		registration, err := discovery.RegisterService(
			ctx,
			a.registry,
			a.config.InstanceID,
			a.config.ServiceName,
			a.config.MetricsAddr,
		)
		if err != nil {
			return err
		}
		a.registration = registration
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:    a.config.MetricsAddr,
		Handler: metricsMux,
	}
	go func() {
		a.logger.Info("starting metrics server", slog.String("addr", a.config.MetricsAddr))
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", slog.Any("error", err))
		}
	}()

	if err := a.listener.Listen(); err != nil {
		return err
	}
	go a.listener.Run(ctx)

	a.logger.Info("orchestrator started",
		slog.Duration("poll_interval", a.config.PollInterval),
		slog.Int("batch_size", a.config.BatchSize),
	)

	a.runLoop(ctx)
	return nil
}

// runLoop serializes claim cycles: one cycle at a time per worker, woken
// by either a notification or the poll ticker. Mutual exclusion across
// workers comes solely from the row lease.
func (a *App) runLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.listener.Wake():
		}
		a.drain(ctx)
	}
}

// drain claims again immediately after a full batch, so a backlog clears
// faster than one batch per poll interval.
func (a *App) drain(ctx context.Context) {
	for {
		claimed, err := a.processor.RunCycle(ctx)
		if err != nil {
			// Transient infrastructure failure: the events stay PENDING and
			// the next wake retries.
			a.logger.Error("claim cycle failed", slog.Any("error", err))
			return
		}
		if claimed < a.config.BatchSize {
			return
		}
	}
}

// Shutdown releases resources after the run loop has stopped. The in-flight
// cycle was bounded by the claim transaction, so by now every unfinished
// event is PENDING again.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down gracefully")

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("error shutting down metrics server", slog.Any("error", err))
		}
	}

	if err := a.listener.Close(); err != nil {
		a.logger.Error("error closing notification listener", slog.Any("error", err))
	}

	if a.closeRabbitMQ != nil {
		if err := a.closeRabbitMQ(); err != nil {
			a.logger.Error("error closing rabbitmq", slog.Any("error", err))
		}
	}

	if a.registration != nil {
		return a.registration.Deregister(ctx)
	}
	return nil
}

// resolveURL prefers the configured base URL and falls back to a one-time
// registry lookup when consul is available.
func (a *App) resolveURL(configured, serviceName string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if a.registry == nil {
		return "", &missingServiceURLError{service: serviceName}
	}
	return discovery.ServiceURL(context.Background(), a.registry, serviceName)
}

type missingServiceURLError struct {
	service string
}

func (e *missingServiceURLError) Error() string {
	return "no URL configured for " + e.service + " service and discovery is disabled"
}

func createRegistry(addr string, log *slog.Logger) (discovery.Registry, error) {
	if addr == "" {
		log.Info("consul address not provided, service discovery disabled")
		return nil, nil
	}
	return consul.NewRegistry(addr)
}

// amqpPublisher publishes terminal events through the shared broker
// channel.
type amqpPublisher struct {
	ch *amqp.Channel
}

func (p *amqpPublisher) Publish(ctx context.Context, event string, payload any) error {
	return broker.PublishJSON(ctx, p.ch, event, payload)
}
