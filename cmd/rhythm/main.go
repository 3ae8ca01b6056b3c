package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/rhythm/pkg/activity"
	"github.com/platinummonkey/rhythm/pkg/config"
	"github.com/platinummonkey/rhythm/pkg/mail"
	"github.com/platinummonkey/rhythm/pkg/middleware"
	"github.com/platinummonkey/rhythm/pkg/observability"
	"github.com/platinummonkey/rhythm/pkg/permissions"
	"github.com/platinummonkey/rhythm/pkg/realtime"
	"github.com/platinummonkey/rhythm/pkg/sharing"
	"github.com/platinummonkey/rhythm/pkg/storage/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := postgres.Connect(ctx, postgres.ConnectionConfig{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
		postgres.StartStatsReporter(ctx, db, metrics, 0)
	}

	// Stores
	store, err := sharing.NewStore(db)
	if err != nil {
		logger.WithError(err).Error("failed to initialize sharing store")
		os.Exit(1)
	}
	activityLog, err := activity.NewLog(db)
	if err != nil {
		logger.WithError(err).Error("failed to initialize activity log")
		os.Exit(1)
	}
	sessionStore, err := realtime.NewPostgresSessionStore(db)
	if err != nil {
		logger.WithError(err).Error("failed to initialize session store")
		os.Exit(1)
	}
	sessions, err := middleware.NewDBSessionValidator(db)
	if err != nil {
		logger.WithError(err).Error("failed to initialize session validator")
		os.Exit(1)
	}

	// Permission evaluation with a bounded role cache
	evaluator := permissions.NewSQLEvaluator(db,
		permissions.WithCache(cfg.Sharing.CacheSize, cfg.Sharing.CacheTTL),
		permissions.WithMetrics(metrics))

	// Suspicious-activity detection
	detector := activity.NewDetector(activityLog, activity.Thresholds{
		BruteForceCount:  cfg.Detector.BruteForceCount,
		BruteForceWindow: cfg.Detector.BruteForceWindow,
		IPChurnCount:     cfg.Detector.IPChurnCount,
		IPChurnWindow:    cfg.Detector.IPChurnWindow,
		AutomationCount:  cfg.Detector.AutomationCount,
		AutomationWindow: cfg.Detector.AutomationWindow,
	}, logger)
	detector.SetMetrics(metrics)

	// Outbound mail
	var sender mail.Sender
	if cfg.SMTP.Host != "" {
		sender, err = mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, logger)
		if err != nil {
			logger.WithError(err).Error("failed to initialize SMTP sender")
			os.Exit(1)
		}
	} else {
		logger.Warn("SMTP not configured; invitation emails will be logged only")
		sender = mail.NewLogSender(logger)
	}

	// Sharing services
	tokens := sharing.NewTokenService(store, evaluator, activityLog, logger, metrics)
	workflow := sharing.NewWorkflow(store, tokens, evaluator, activityLog, sender, logger, metrics, cfg.Server.BaseURL)

	// Realtime hub; prefer the Redis transport when configured
	hub := realtime.NewHub(evaluator, sessionStore, activityLog, logger, metrics)
	hub.SetSendTimeout(cfg.Realtime.SendTimeout)

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = postgres.NewRedisClient(ctx, postgres.RedisConfig{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			logger.WithError(err).Warn("redis unavailable; realtime falls back to in-process delivery")
			redisClient = nil
		} else {
			defer redisClient.Close()
			transport, err := realtime.NewRedisTransport(ctx, redisClient, hub, logger)
			if err != nil {
				logger.WithError(err).Warn("redis transport setup failed; using in-process delivery")
			} else {
				hub.UseTransport(transport)
			}
			if metrics != nil {
				postgres.StartRedisStatsReporter(ctx, redisClient, metrics, 0)
			}
		}
	}

	resyncer := realtime.NewResyncer(activityLog, realtime.NewSQLSnapshotSource(db), logger)

	// Router and middleware chain
	router := mux.NewRouter()
	router.Use(middleware.RequestContextMiddleware(logger))
	router.Use(middleware.NewAuthMiddleware(sessions, true).Handler)
	router.Use(middleware.LoggingMiddleware(logger))
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}
	if redisClient != nil {
		// Shared counters so limits hold across replicas
		router.Use(middleware.NewDistributedRateLimitMiddleware(redisClient, logger).Handler)
	} else {
		router.Use(middleware.NewRateLimitMiddleware().Handler)
	}

	sharing.NewHandler(workflow, tokens, store, evaluator, logger).RegisterRoutes(router)
	activity.NewHandler(activityLog, detector, evaluator, logger).RegisterRoutes(router)
	realtime.NewHandler(hub, resyncer, evaluator, logger).RegisterRoutes(router)

	// Background jobs
	jobs := cron.New()
	jobs.AddFunc(cfg.Sharing.CleanupSchedule, func() {
		defer observability.RecoverPanic(logger, "token cleanup job")
		removed, err := tokens.CleanupExpired(ctx, cfg.Sharing.CleanupBatch)
		if err != nil {
			logger.WithError(err).Error("token cleanup failed")
			return
		}
		if removed > 0 {
			logger.WithField("removed", removed).Info("cleaned up expired tokens")
		}
	})
	jobs.AddFunc(cfg.Realtime.SweepSchedule, func() {
		defer observability.RecoverPanic(logger, "idle session sweep")
		if _, err := hub.SweepIdle(ctx, cfg.Realtime.IdleTimeout); err != nil {
			logger.WithError(err).Error("idle session sweep failed")
		}
	})
	jobs.Start()

	// Health and metrics server on its own port
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("rhythm sharing service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			stop()
		}
	}()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.Register(server.Shutdown)
	shutdown.Register(healthServer.Shutdown)
	shutdown.Register(func(context.Context) error {
		jobs.Stop()
		return nil
	})
	shutdown.Register(func(context.Context) error {
		return hub.Close()
	})

	if err := shutdown.Wait(ctx); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
}
