package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/darkspere/agent-router/internal/agent"
	"github.com/darkspere/agent-router/internal/config"
	"github.com/darkspere/agent-router/internal/database"
	"github.com/darkspere/agent-router/internal/events"
	"github.com/darkspere/agent-router/internal/handler"
	"github.com/darkspere/agent-router/internal/jobs"
	"github.com/darkspere/agent-router/internal/middleware"
	"github.com/darkspere/agent-router/internal/observability"
	"github.com/darkspere/agent-router/internal/redis"
	"github.com/darkspere/agent-router/internal/repository"
	"github.com/darkspere/agent-router/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	workerRepo := repository.NewWorkerRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)
	healthRepo := repository.NewHealthRepository(db.DB)
	rateLimitRepo := repository.NewRateLimitRepository(db.DB)
	circuitRepo := repository.NewCircuitRepository(db.DB)
	errorRepo := repository.NewErrorRepository(db.DB)
	failoverRepo := repository.NewFailoverRepository(db.DB)

	broker := events.NewBroker(redisClient)
	defer broker.Close()

	registryService := service.NewRegistryService(workerRepo, healthRepo)
	routerService := service.NewRouterService(
		db, sessionRepo, workerRepo,
		cfg.SessionTokenSecret, cfg.SessionTTL(), cfg.MinHealthScore,
	)
	healthService := service.NewHealthService(
		healthRepo, workerRepo, broker,
		service.HealthWeights{
			Uptime:  cfg.HealthUptimeWeight,
			Latency: cfg.HealthLatencyWeight,
			Failure: cfg.HealthFailureWeight,
		},
		cfg.FailureThreshold, cfg.AutoDisableWorkers,
	)
	retryService := service.NewRetryService(db, errorRepo, cfg.MaxRetries, cfg.RetryBase(), cfg.RetryMaxDelay())
	failoverService := service.NewFailoverService(
		db, sessionRepo, workerRepo, failoverRepo, routerService, retryService, broker,
	)
	healthService.SetFailoverTrigger(failoverService)
	rateLimiterService := service.NewRateLimiterService(
		db, rateLimitRepo, cfg.BlockBase(), cfg.BlockPenaltyMultiplier, cfg.EdgeRateLimitPerMin,
	)
	breakerService := service.NewBreakerService(circuitRepo, cfg.BreakerFailureThreshold, cfg.BreakerTimeoutSeconds)

	agentClient := agent.NewClient(breakerService, cfg.ProbeTimeout())

	workerAuthMiddleware := middleware.NewWorkerAuthMiddleware(workerRepo)
	adminAuthMiddleware := middleware.NewAdminAuthMiddleware(cfg.AdminPasswordHash)
	edgeRateLimitMiddleware := middleware.NewEdgeRateLimitMiddleware(redisClient.Client, cfg.EdgeRateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	routingHandler := handler.NewRoutingHandler(routerService, rateLimiterService, agentClient, retryService)
	workerHandler := handler.NewWorkerHandler(registryService, workerAuthMiddleware, cfg.RegistrationSecret)
	adminHandler := handler.NewAdminHandler(
		registryService, healthService, failoverService,
		rateLimiterService, breakerService, retryService,
		adminAuthMiddleware.Handler,
	)
	eventsHandler := handler.NewEventsHandler(broker)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(edgeRateLimitMiddleware.Handler)
		r.Mount("/workers", workerHandler.Routes())
		r.Mount("/", routingHandler.Routes())
	})

	r.Route("/admin", func(r chi.Router) {
		r.Mount("/", adminHandler.Routes())
		r.With(adminAuthMiddleware.Handler).Get("/events", eventsHandler.ServeHTTP)
	})

	cleanupJob := jobs.NewCleanupJob(
		db, sessionRepo, workerRepo, healthRepo, errorRepo,
		config.CleanupJobInterval, cfg.SessionTTL(),
		config.HealthRecordRetention, config.ResolvedErrorRetention,
	)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	probeJob, err := jobs.NewProbeJob(workerRepo, healthService, agentClient, cfg.ProbeInterval(), cfg.ProbeTimeout())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create probe job")
	}
	probeJob.Start()
	defer probeJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
