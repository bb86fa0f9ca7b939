package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/timour/order-saga/common/metrics"
	"github.com/timour/order-saga/discovery"
)

// App owns the gateway's HTTP server and its registration lifecycle.
type App struct {
	httpAddr     string
	registry     discovery.Registry
	registration *discovery.ServiceRegistration
	httpServer   *http.Server
	logger       *zap.SugaredLogger
	metrics      *metrics.HTTPMetrics
}

func NewApp(httpAddr string, registry discovery.Registry, svc Service, logger *zap.SugaredLogger) *App {
	a := &App{
		httpAddr: httpAddr,
		registry: registry,
		logger:   logger,
		metrics:  metrics.NewHTTPMetrics(serviceName),
	}

	mux := http.NewServeMux()
	NewHandler(svc, logger).registerRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpServer = &http.Server{
		Addr:    httpAddr,
		Handler: a.metricsMiddleware(mux),
	}

	return a
}

func (a *App) Start(ctx context.Context) error {
	if a.registry != nil {
		registration, err := discovery.RegisterService(
			ctx,
			a.registry,
			discovery.GenerateInstanceID(serviceName),
			serviceName,
			a.httpAddr,
		)
		if err != nil {
			return err
		}
		a.registration = registration
	}

	a.logger.Infow("starting http server", "addr", a.httpAddr)
	return a.httpServer.ListenAndServe()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down gracefully")

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Errorw("http server shutdown error", "error", err)
		}
	}

	if a.registration != nil {
		return a.registration.Deregister(ctx)
	}
	return nil
}

// metricsMiddleware records request counts and latency per method and
// path, skipping the scrape endpoint itself.
func (a *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		recorder := &responseRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		a.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(recorder.statusCode), time.Since(start))
	})
}

// responseRecorder wraps http.ResponseWriter to capture the status code.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
