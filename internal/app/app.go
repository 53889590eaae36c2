package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prperemyshlev/social-connections/internal/adapter"
	"github.com/prperemyshlev/social-connections/internal/config"
	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/internal/events"
	"github.com/prperemyshlev/social-connections/internal/handler"
	"github.com/prperemyshlev/social-connections/internal/repository"
	"github.com/prperemyshlev/social-connections/internal/service"
	"github.com/prperemyshlev/social-connections/internal/utils"
	"github.com/prperemyshlev/social-connections/pkg/observability"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	infra     Infrastructure
	config    *config.Config
	router    *gin.Engine
	server    *http.Server
	bus       *events.Bus
	scheduler *service.RefreshScheduler
	wg        sync.WaitGroup
}

// Services exposes the wired components to in-process consumers and tests
type Services struct {
	Adapters      *adapter.Registry
	Store         *service.TokenStore
	Registry      service.ConnectionRegistry
	Authorization service.AuthorizationService
	Disconnect    service.DisconnectService
	Scheduler     *service.RefreshScheduler
	Limiter       *service.RateLimitController
}

type routeDeps struct {
	connections *handler.ConnectionHandler
	validator   *utils.JWTValidator
	ingress     service.RateLimitBackend
	health      *HealthChecker
	metrics     http.Handler
	logger      *zap.Logger
}

func NewApp(infra Infrastructure, cfg *config.Config) (*App, error) {
	a, _, err := newApp(infra, cfg, time.Now)
	return a, err
}

// NewAppWithServices is NewApp that also returns the wired services. clock
// drives every time decision of the connection lifecycle.
func NewAppWithServices(infra Infrastructure, cfg *config.Config, clock service.Clock) (*App, *Services, error) {
	return newApp(infra, cfg, clock)
}

func newApp(infra Infrastructure, cfg *config.Config, clock service.Clock) (*App, *Services, error) {
	logger := infra.Logger()

	cipher, err := utils.NewTokenCipher(infra.EncryptionKey())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize token cipher: %w", err)
	}

	instruments, err := observability.NewInstruments(infra.MeterProvider())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	repos := repository.NewRepositories(infra.Postgres(), infra.Redis(), cipher)
	adapters := adapter.NewRegistryFromConfig(cfg.Platforms, cfg.OAuth.RequestTimeout.Duration)

	var backend service.RateLimitBackend
	switch strings.ToLower(cfg.RateLimit.Backend) {
	case "memory":
		backend = service.NewMemoryRateLimiter(clock)
	default:
		backend = service.NewRedisRateLimiter(infra.Redis(), clock)
	}
	limiter := service.NewRateLimitController(backend, service.RateLimitPolicy{
		DefaultLimit:   cfg.RateLimit.DefaultLimit,
		Window:         cfg.RateLimit.Window.Duration,
		PlatformLimits: cfg.RateLimit.PlatformLimits,
		PerAccount:     cfg.RateLimit.PerAccount,
	}, instruments, logger)

	bus := events.NewBus(logger)
	publishers := events.Multi{bus, events.NewRedisPublisher(infra.Redis(), cfg.Events.RedisChannelPrefix)}
	if k := infra.Kafka(); k != nil {
		publishers = append(publishers, k)
	}

	store := service.NewTokenStore(service.TokenStoreDeps{
		Repo:      repos.Connection,
		Adapters:  adapters,
		Limiter:   limiter,
		Locker:    newLocker(infra, cfg.Refresh),
		Publisher: publishers,
		Policy: domain.RefreshPolicy{
			Threshold:         cfg.Refresh.Threshold.Duration,
			ThresholdFraction: cfg.Refresh.ThresholdFraction,
			BackoffBase:       cfg.Refresh.BackoffBase.Duration,
			BackoffMax:        cfg.Refresh.BackoffMax.Duration,
			Jitter:            cfg.Refresh.Jitter,
			MaxRetries:        cfg.Refresh.MaxRetries,
			DefaultLifetime:   cfg.Refresh.DefaultLifetime.Duration,
		},
		Metrics: instruments,
		Logger:  logger,
		Clock:   clock,
	})

	services := &Services{
		Adapters: adapters,
		Store:    store,
		Registry: service.NewConnectionRegistry(store, bus, logger),
		Authorization: service.NewAuthorizationService(service.AuthorizationServiceDeps{
			Adapters:        adapters,
			Requests:        repos.AuthorizationRequest,
			Store:           store,
			Limiter:         limiter,
			CallbackBaseURL: cfg.OAuth.CallbackBaseURL,
			StateTTL:        cfg.OAuth.StateTTL.Duration,
			LockWait:        cfg.Refresh.DisconnectWait.Duration,
			Metrics:         instruments,
			Logger:          logger,
			Clock:           clock,
		}),
		Disconnect: service.NewDisconnectService(store, cfg.Refresh.DisconnectWait.Duration, logger),
		Scheduler: service.NewRefreshScheduler(store,
			cfg.Refresh.SweepInterval.Duration,
			cfg.Refresh.BatchSize,
			cfg.Refresh.Concurrency,
			logger,
		),
		Limiter: limiter,
	}

	connectionHandler := handler.NewConnectionHandler(
		services.Authorization,
		services.Registry,
		store,
		services.Disconnect,
		limiter,
		logger,
	)

	router := gin.Default()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, nil, fmt.Errorf("invalid SERVER_TRUSTED_PROXIES: %w", err)
	}
	router.Use(otelgin.Middleware(serviceName))
	router.Use(handler.LoggerMiddleware(logger))
	router.Use(handler.CORSMiddleware(cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders))

	setupRoutes(router, cfg, routeDeps{
		connections: connectionHandler,
		validator:   utils.NewJWTValidator(cfg.Auth.JWTSecret),
		ingress:     backend,
		health:      NewHealthChecker(infra, adapters.Platforms(), services.Scheduler, clock),
		metrics:     infra.MetricsHandler(),
		logger:      logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	adapterNames := make([]string, 0)
	for _, p := range adapters.Platforms() {
		adapterNames = append(adapterNames, string(p))
	}
	logger.Info("Platform adapters configured", zap.Strings("platforms", adapterNames))

	return &App{
		infra:     infra,
		config:    cfg,
		router:    router,
		server:    srv,
		bus:       bus,
		scheduler: services.Scheduler,
	}, services, nil
}

func newLocker(infra Infrastructure, cfg config.RefreshConfig) service.Locker {
	if strings.EqualFold(cfg.LockBackend, "memory") {
		infra.Logger().Warn("Connection locks are process-local; run a single instance")
		return service.NewMemoryLocker()
	}
	return service.NewRedisLocker(infra.Redis(), cfg.LockTTL.Duration)
}

func (a *App) Router() *gin.Engine {
	return a.router
}

func setupRoutes(router *gin.Engine, cfg *config.Config, deps routeDeps) {
	router.GET("/metrics", observability.PrometheusHandler(deps.metrics))
	router.GET("/health", deps.health.Handler)

	ingress := handler.RateLimitMiddleware(
		deps.ingress,
		cfg.Security.IngressRateLimitRequests,
		cfg.Security.IngressRateLimitWindow.Duration,
		handler.UserBasedKey,
		deps.logger,
	)
	callbackLimit := handler.RateLimitMiddleware(
		deps.ingress,
		cfg.Security.IngressRateLimitRequests,
		cfg.Security.IngressRateLimitWindow.Duration,
		handler.IPBasedKey,
		deps.logger,
	)

	h := deps.connections
	api := router.Group("/api/v1")
	{
		api.GET("/callback/:platform", callbackLimit, h.Callback)

		authed := api.Group("", handler.AuthMiddleware(deps.validator))
		{
			authed.POST("/connect/:platform", ingress, h.Connect)

			accounts := authed.Group("/accounts")
			{
				accounts.GET("", h.ListAccounts)
				accounts.GET("/events", h.Events)
				accounts.GET("/:id", h.GetAccount)
				accounts.POST("/:id/refresh", ingress, h.RefreshAccount)
				accounts.DELETE("/:id", h.DeleteAccount)
			}
		}
	}
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)

	schedulerCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.scheduler.Run(schedulerCtx)
	}()

	go func() {
		a.infra.Logger().Info("Application starting",
			zap.String("host", a.config.Server.Host),
			zap.String("port", a.config.Server.Port),
		)

		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.infra.Logger().Error("Server error", zap.Error(err))
			errChan <- err
		}
	}()

	var serverErr error
	select {
	case err := <-errChan:
		a.infra.Logger().Error("Application failed to start", zap.Error(err))
		serverErr = err
	case <-ctx.Done():
		a.infra.Logger().Info("Application stopped by context")
	}

	stopScheduler()
	a.wg.Wait()

	if err := a.Shutdown(); err != nil {
		a.infra.Logger().Error("Shutdown error", zap.Error(err))
		if serverErr != nil {
			return errors.Join(serverErr, err)
		}
		return err
	}

	return serverErr
}

func (a *App) Shutdown() error {
	a.infra.Logger().Info("Application shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Ends open SSE streams so the server can drain
	a.bus.Close()

	errs := make(chan error, 2)

	go func() {
		errs <- a.server.Shutdown(ctx)
	}()

	go func() {
		errs <- a.infra.Shutdown(ctx)
	}()

	err := errors.Join(<-errs, <-errs)
	if err != nil {
		a.infra.Logger().Error("Shutdown failed", zap.Error(err))
		return err
	}

	a.infra.Logger().Info("Application exited successfully")
	return nil
}
