package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"licensegate/internal/cache"
	"licensegate/internal/config"
	apierrors "licensegate/internal/errors"
	"licensegate/internal/events"
	"licensegate/internal/geo"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	customMiddleware "licensegate/internal/middleware"
	"licensegate/internal/services"
	"licensegate/internal/store/memory"
	"licensegate/internal/store/postgres"
	handlers "licensegate/internal/transport/http"
	"licensegate/pkg/contracts"
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Engine        *license.Engine
	Services      *ServiceContainer

	errorHandler *apierrors.ErrorHandler
	store        license.Store
	audit        *license.AuditLogger
	planCache    *license.PlanCache
	memAttempts  *license.MemoryAttemptLimiter
	proxyTrust   *customMiddleware.ProxyTrust
	publisher    *events.Publisher
	redis        *redis.Client
	db           *gorm.DB
	consul       *consulapi.Client
}

// ServiceContainer holds all application services
type ServiceContainer struct {
	License services.LicenseService
	Health  *services.HealthService
}

// NewApplication loads configuration and the logger, then builds the application
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return NewApplicationWithConfig(context.Background(), cfg, logger)
}

// NewApplicationWithConfig builds the application from an already loaded configuration.
// Anything opened before a failure is released before returning the error.
func NewApplicationWithConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.InfoContext(ctx, "Application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.Version),
		slog.String("store", cfg.Database.Driver))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		errorHandler:  apierrors.NewErrorHandler(logger, false),
	}

	if err := app.initializeServices(ctx); err != nil {
		app.release(ctx)
		return nil, err
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices wires store, limiter, events and engine into the services
func (a *Application) initializeServices(ctx context.Context) error {
	cfg := a.Config

	metrics, err := license.InitializeMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize license metrics: %w", err)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.store = store

	hasher, err := license.NewHasher(cfg.License.HashAlgorithm, cfg.License.HashPepper)
	if err != nil {
		return fmt.Errorf("failed to create key hasher: %w", err)
	}

	verifier, err := license.NewVerifier(cfg.License.TrustedIssuerKeys)
	if err != nil {
		return fmt.Errorf("failed to load trusted issuer keys: %w", err)
	}

	resolver, err := a.buildGeoResolver()
	if err != nil {
		return err
	}

	countryHeaders := append(append([]string{}, geo.DefaultHeaders...), cfg.License.GeoHeaders...)
	a.proxyTrust, err = customMiddleware.NewProxyTrust(cfg.Security.TrustedProxies, countryHeaders)
	if err != nil {
		return fmt.Errorf("failed to load trusted proxies: %w", err)
	}
	if len(cfg.License.GeoHeaders) > 0 && len(cfg.Security.TrustedProxies) == 0 {
		a.Logger.Warn("Geo headers configured without trusted proxies; they will be ignored")
	}

	var publisher license.EventPublisher
	if cfg.NATS.Enabled {
		a.publisher, err = events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publisher = a.publisher
	}

	a.audit = license.NewAuditLogger(store, publisher, metrics, license.AuditOptions{
		Workers:      cfg.License.AuditWorkers,
		QueueSize:    cfg.License.AuditQueueSize,
		WriteTimeout: cfg.License.AuditWriteTimeout,
	}, a.Logger)

	a.planCache = license.NewPlanCache(cfg.License.PlanCacheTTL, cfg.License.PlanCacheSize)

	a.Engine = license.NewEngine(store, license.Options{
		Hasher:    hasher,
		Verifier:  verifier,
		Geo:       resolver,
		PlanCache: a.planCache,
		Metrics:   metrics,
		Audit:     a.audit,
	}, a.Logger)

	attempts, err := a.buildAttemptLimiter(ctx)
	if err != nil {
		return err
	}

	health := services.NewHealthService(contracts.Version, a.Logger)
	health.SetProbeTimeout(cfg.Server.RequestTimeout / 2)
	health.Register("store", a.Engine.Ping, true)
	if a.redis != nil {
		health.Register("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}, false)
	}
	if a.publisher != nil {
		health.Register("nats", a.publisher.Check, false)
	}
	health.RegisterStats("plan_cache", a.planCache.GetStats)
	if a.memAttempts != nil {
		health.RegisterStats("attempt_limiter", a.memAttempts.GetStats)
	}

	a.Services = &ServiceContainer{
		License: services.NewLicenseService(a.Engine, services.LicenseServiceOptions{
			Attempts:  attempts,
			Validator: customMiddleware.NewValidator(a.Logger),
			Metrics:   metrics,
		}, a.Logger),
		Health: health,
	}

	a.Logger.InfoContext(ctx, "Services initialized",
		slog.String("hash_algorithm", cfg.License.HashAlgorithm),
		slog.Int("trusted_issuers", len(cfg.License.TrustedIssuerKeys)),
		slog.Bool("attempt_limiter", attempts != nil),
		slog.Bool("audit_async", a.audit.Async()),
		slog.Bool("nats", a.publisher != nil))
	return nil
}

func (a *Application) openStore(ctx context.Context) (license.Store, error) {
	dbCfg := a.Config.Database
	if dbCfg.Driver != config.DatabaseDriverPostgres {
		return memory.New(), nil
	}

	db, err := postgres.Connect(ctx, dbCfg.URL, postgres.PoolOptions{
		MaxOpenConns:    dbCfg.MaxOpenConns,
		MaxIdleConns:    dbCfg.MaxIdleConns,
		ConnMaxLifetime: dbCfg.ConnMaxLifetime,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open license store: %w", err)
	}
	a.db = db

	if dbCfg.AutoMigrate {
		if err := postgres.RunMigrations(ctx, db, a.Logger); err != nil {
			return nil, fmt.Errorf("failed to migrate license store: %w", err)
		}
	}
	return postgres.New(db), nil
}

// buildGeoResolver reads edge country headers first, then the CIDR table.
// Country headers only survive ProxyTrust for requests from trusted proxies.
func (a *Application) buildGeoResolver() (license.CountryResolver, error) {
	chain := geo.Chain{}
	if len(a.Config.License.GeoHeaders) > 0 {
		chain = append(chain, geo.NewHeaderResolver(a.Config.License.GeoHeaders...))
	}
	if path := a.Config.License.GeoTablePath; path != "" {
		table, err := geo.LoadCIDRResolver(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load geo table %s: %w", path, err)
		}
		a.Logger.Info("Geo table loaded",
			slog.String("path", path),
			slog.Int("ranges", table.Len()))
		chain = append(chain, table)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

// buildAttemptLimiter returns nil when lockout is disabled
func (a *Application) buildAttemptLimiter(ctx context.Context) (license.AttemptLimiter, error) {
	attempts := a.Config.Security.Attempts
	if !attempts.Enabled {
		return nil, nil
	}

	policy := license.AttemptPolicy{
		MaxFailures:  attempts.MaxFailures,
		Window:       attempts.Window,
		LockDuration: attempts.LockDuration,
	}

	if attempts.Backend == config.AttemptBackendRedis {
		client, err := cache.Connect(ctx, a.Config.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client
		return cache.NewRedisAttemptLimiter(client, policy, a.Logger), nil
	}

	a.memAttempts = license.NewMemoryAttemptLimiter(policy, a.Logger)
	return a.memAttempts, nil
}

func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// RequestID → ProxyTrust → OTel → Logger → Recoverer → SecurityHeaders → CORS → RateLimiter
	r.Use(customMiddleware.RequestID)
	r.Use(a.proxyTrust.Handler)

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
	} else {
		r.Use(otelMiddleware.Handler)
	}

	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.errorHandler))
	r.Use(customMiddleware.SecurityHeaders)

	if a.Config.Security.EnableCORS {
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins: a.Config.Security.AllowedOrigins,
			MaxAge:         300,
			Logger:         a.Logger,
		}))
	}

	if a.Config.Security.RateLimit.Enabled {
		r.Use(customMiddleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		).Handler)
	}

	r.NotFound(a.errorHandler.NotFound)
	r.MethodNotAllowed(a.errorHandler.MethodNotAllowed)

	a.setupAPIRoutes(r)

	r.Method(http.MethodGet, "/metrics", handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP, a.errorHandler))

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout))

		healthHandler := handlers.NewHealthHandler(a.Services.Health, a.Logger)
		r.Mount("/health", healthHandler.Routes())
		r.Get("/version", healthHandler.Version)

		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.BodyLimit(a.Config.Server.MaxBodyBytes))

			licenseHandler := handlers.NewLicenseHandler(
				a.Services.License,
				customMiddleware.NewValidator(a.Logger),
				a.errorHandler,
				a.Logger,
			)
			r.Mount("/license", licenseHandler.Routes())
		})
	})
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Address(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(a.Logger.Handler(), slog.LevelWarn),
	}
}

// Start starts serving and registers with Consul when enabled
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", config.AppName),
		slog.String("version", contracts.GetFullVersionString()),
		slog.String("address", a.Server.Addr),
		slog.String("level", a.Config.Logging.Level))

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if a.Config.Consul.Enabled {
		client, err := registerWithConsul(a.Config, a.Logger)
		if err != nil {
			// serving without discovery is preferable to not serving
			a.Logger.WarnContext(ctx, "Failed to register with Consul", slog.String("error", err.Error()))
		} else {
			a.consul = client
		}
	}

	a.Logger.InfoContext(ctx, "Application started successfully", slog.String("address", a.Server.Addr))
	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	deregisterFromConsul(a.consul, a.Config, a.Logger)
	a.consul = nil

	var shutdownErr error
	if a.Server != nil {
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	a.release(shutdownCtx)

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return shutdownErr
}

// release closes background workers and connections. The audit queue drains before
// the store and publisher it writes to are closed.
func (a *Application) release(ctx context.Context) {
	if a.audit != nil {
		if err := a.audit.Close(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Audit queue did not drain", slog.String("error", err.Error()))
		}
	}
	if a.planCache != nil {
		a.planCache.Stop()
	}
	if a.memAttempts != nil {
		a.memAttempts.Stop()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing redis", slog.String("error", err.Error()))
		}
	}
	if a.db != nil {
		if err := postgres.Close(a.db); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing database", slog.String("error", err.Error()))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case sig := <-sigChan:
		a.Logger.InfoContext(ctx, "Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		a.Logger.WarnContext(ctx, "Server stopped unexpectedly")
	}

	// Stop gets a fresh context; ctx may already be cancelled
	return a.Stop(context.Background())
}

// startupProbeTimeout bounds the readiness check run by cmd before serving
const startupProbeTimeout = 5 * time.Second

// CheckReadiness runs the readiness probes once and logs the outcome
func (a *Application) CheckReadiness(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
	defer cancel()

	resp, ready := a.Services.Health.Readiness(ctx)
	a.Logger.InfoContext(ctx, "Startup readiness",
		slog.String("status", resp.Status),
		slog.Bool("ready", ready))
	return ready
}
