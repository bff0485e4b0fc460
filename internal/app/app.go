package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mZeeshan-IQBAL/shopme/internal/catalog"
	"github.com/mZeeshan-IQBAL/shopme/internal/checkout"
	"github.com/mZeeshan-IQBAL/shopme/internal/config"
	"github.com/mZeeshan-IQBAL/shopme/internal/event"
	handler "github.com/mZeeshan-IQBAL/shopme/internal/handler/http"
	"github.com/mZeeshan-IQBAL/shopme/internal/service"
	"github.com/mZeeshan-IQBAL/shopme/internal/session"
	"github.com/mZeeshan-IQBAL/shopme/pkg/health"
	"github.com/mZeeshan-IQBAL/shopme/pkg/httpclient"
	pkgkafka "github.com/mZeeshan-IQBAL/shopme/pkg/kafka"
	"github.com/mZeeshan-IQBAL/shopme/pkg/middleware"
	"github.com/mZeeshan-IQBAL/shopme/pkg/tracing"
)

// App wires together all dependencies and runs the storefront service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	sessions       *session.Registry
	producer       *pkgkafka.Producer
	publisher      *event.Publisher
	httpServer     *http.Server
	streamsClosed  <-chan struct{}
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "storefront",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampling,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Catalog reads retry and sit behind a circuit breaker.
	catalogClient := httpclient.New(httpclient.Config{
		Timeout:         cfg.BackendTimeout(),
		MaxRetries:      2,
		RetryWaitMin:    250 * time.Millisecond,
		RetryWaitMax:    2 * time.Second,
		MaxConnsPerHost: 100,
	})
	cbClient := httpclient.NewCircuitBreakerClient(catalogClient, httpclient.DefaultCircuitBreakerConfig("storefront-catalog"), logger)

	// Orders are never retried automatically.
	orderClient := httpclient.New(httpclient.Config{
		Timeout:         cfg.BackendTimeout(),
		MaxRetries:      0,
		MaxConnsPerHost: 100,
	})

	// Events are optional; without Kafka the cart and checkout work unchanged.
	var (
		producer     *pkgkafka.Producer
		publisher    *event.Publisher
		orderEvents  checkout.EventPublisher
		sessionHooks []session.Option
	)
	if cfg.KafkaEnabled {
		producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		publisher = event.NewPublisher(producer, logger, cfg.EventQueueSize)
		publisher.Start()
		orderEvents = publisher
		sessionHooks = append(sessionHooks, session.WithHook(publisher.Attach))
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}

	// Build the dependency graph.
	sessions := session.NewRegistry(cfg.SessionIdleTimeout(), logger, sessionHooks...)
	cartService := service.NewCartService(sessions, logger)
	checkoutService := checkout.NewService(cfg.BackendURL, orderClient, orderEvents, logger)
	products := catalog.NewClient(cfg.BackendURL, cbClient)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("backend", func(ctx context.Context) error {
		return pingBackend(ctx, orderClient, cfg.BackendURL)
	})
	if producer != nil {
		healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
			return producer.Ping(ctx)
		})
	}

	cors := middleware.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.CORSAllowedOrigins
	cors.Environment = cfg.Environment

	// Event streams never finish on their own; they are closed as soon as
	// shutdown starts so the drain only waits for regular requests.
	closing := make(chan struct{})
	var closeOnce sync.Once

	// HTTP router.
	router := handler.NewRouter(handler.Dependencies{
		Sessions:   sessions,
		Carts:      cartService,
		Checkout:   checkoutService,
		Catalog:    products,
		Health:     healthHandler,
		Logger:     logger,
		CORS:       cors,
		PprofCIDRs: cfg.PprofAllowedCIDRs,
		Closing:    closing,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.BackendTimeout() + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(func() {
		closeOnce.Do(func() { close(closing) })
	})

	return &App{
		cfg:            cfg,
		logger:         logger,
		sessions:       sessions,
		producer:       producer,
		publisher:      publisher,
		httpServer:     httpServer,
		streamsClosed:  closing,
		tracerShutdown: tracerShutdown,
	}, nil
}

// pingBackend reports whether the backend answers HTTP at all. Any status
// counts as reachable.
func pingBackend(ctx context.Context, doer httpclient.Doer, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := doer.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	return resp.Body.Close()
}

// Run starts the session janitor and the HTTP server and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go a.sessions.Run(janitorCtx, a.cfg.SessionSweepInterval())

	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return errors.Join(err, a.Shutdown())
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in order:
// 1. HTTP server (close event streams, drain requests)
// 2. Event publisher (flush queued cart events)
// 3. Tracer
// 4. Kafka producer
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Whatever is still running after the drain budget is closed.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		if err := a.httpServer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	// 2. Publish what the cart observers already queued.
	if a.publisher != nil {
		pubCtx, pubCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer pubCancel()
		if err := a.publisher.Close(pubCtx); err != nil {
			a.logger.Error("event publisher close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 3. Flush pending spans.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 4. Close Kafka producer.
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	a.logger.Info("application shutdown complete",
		slog.Int("sessions_dropped", a.sessions.Count()),
	)
	return errors.Join(errs...)
}
