package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"huddle-backend/internal/database"
	callHandler "huddle-backend/internal/handler/http/call"
	wsHandler "huddle-backend/internal/handler/ws"
	"huddle-backend/internal/middleware"
	"huddle-backend/internal/repository/cockroach"
	redisRepo "huddle-backend/internal/repository/redis"
	"huddle-backend/internal/service/call"
	"huddle-backend/internal/service/presence"
	"huddle-backend/internal/service/relay"
	"huddle-backend/internal/timer"
	"huddle-backend/pkg/config"
	"huddle-backend/pkg/constants"
	"huddle-backend/pkg/jwt"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/metrics"
	"huddle-backend/pkg/push"
)

const (
	dbConnectAttempts = 5
	bridgeRetry       = 5 * time.Second
	poolStatsInterval = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 1. JWT
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, cfg.JWT.AccessTokenExpiry)

	// 2. CockroachDB for the call ledger and the user directory
	db, err := database.Connect(ctx, &cfg.Database, dbConnectAttempts, time.Second, 30*time.Second)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()

	historyRepo := cockroach.NewCallHistoryRepository(db.Pool)
	if err := historyRepo.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate call_history", zap.Error(err))
	}
	conversationRepo := cockroach.NewConversationRepository(db.Pool)
	userRepo := cockroach.NewUserRepository(db.Pool)

	// 3. Redis with degraded mode support
	database.InitRedisMetrics()
	redisDB, err := database.NewRedisDB(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisDB.Close()

	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, signaling stays local until it recovers", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, cfg.Redis.HealthCheckInterval)

	directory := redisRepo.NewDirectoryCache(redisDB, conversationRepo)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB)

	// 4. Push for offline invitees and missed calls
	pushProvider, err := push.NewProvider(push.ProviderType(cfg.Push.Provider))
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	pushSvc := push.NewService(pushProvider, pushTokenRepo)

	// 5. Signal transport, relay, presence and the call registry
	hub := wsHandler.NewHub(cfg.Signaling, redisDB)
	relaySvc := relay.New(hub)
	presenceSvc := presence.NewService(presenceRepo, userRepo, relaySvc, nil)

	clk := clock.New()
	registry := call.NewRegistry(call.Deps{
		Directory: directory,
		Ledger:    historyRepo,
		Presence:  presenceSvc,
		Signaler:  relaySvc,
		Notifier:  pushSvc,
		Timers:    timer.NewTable(clk),
		Clock:     clk,
	}, cfg.Call)

	hub.SetDispatcher(wsHandler.NewCallDispatcher(registry, relaySvc, presenceSvc))
	go hub.Run(ctx, bridgeRetry)

	// 6. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)
	go reportPoolStats(ctx, db, appMetrics)

	// 7. Router
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders(cfg.Server.Environment == "production"))
	router.Use(middleware.CORSMiddleware(cfg.Signaling.AllowedOrigins))
	router.Use(middleware.RequestTimeout(constants.RequestTimeout))
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"service":        cfg.Server.ServiceName,
			"redis_degraded": redisDB.IsDegraded(),
			"active_calls":   registry.ActiveCount(),
			"time":           time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)
	startLimiter := middleware.NewRateLimiter(redisDB, "ratelimit:call_start", cfg.RateLimit.CallStarts, cfg.RateLimit.Window)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		v1.GET("/ws/signaling", hub.ServeWS)
		callHandler.NewHandler(registry, historyRepo, pushSvc).RegisterRoutes(v1, startLimiter.Middleware())
	}

	// 8. Serve until a signal arrives
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("signaling", "/v1/ws/signaling"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down call service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

func reportPoolStats(ctx context.Context, db *database.DB, m *metrics.Metrics) {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := db.Pool.Stat()
			m.SetDBConnections(int(stat.AcquiredConns()), int(stat.IdleConns()))
		}
	}
}
