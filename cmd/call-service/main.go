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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storylab-backend/internal/changefeed"
	callHandler "storylab-backend/internal/handler/http/call"
	notificationHandler "storylab-backend/internal/handler/http/notification"
	pushHandler "storylab-backend/internal/handler/http/push"
	wsHandler "storylab-backend/internal/handler/ws"
	"storylab-backend/internal/middleware"
	"storylab-backend/internal/repository/cockroach"
	redisRepo "storylab-backend/internal/repository/redis"
	callService "storylab-backend/internal/service/call"
	notificationService "storylab-backend/internal/service/notification"
	"storylab-backend/internal/signaling"
	"storylab-backend/pkg/cache"
	"storylab-backend/pkg/config"
	"storylab-backend/pkg/constants"
	"storylab-backend/pkg/database"
	"storylab-backend/pkg/jwt"
	"storylab-backend/pkg/logger"
	"storylab-backend/pkg/metrics"
	"storylab-backend/pkg/push"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	if cfg.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. CockroachDB holds call records, user names and notifications
	db, err := database.NewCockroachDB(ctx, &database.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
		MinConns: int32(cfg.Database.MinConns),
	})
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("Connected to CockroachDB", zap.String("host", cfg.Database.Host))

	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	}

	// 2. Redis holds push tokens and carries signaling and call changes
	redisDB, err := database.NewRedisDB(ctx, &database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		return err
	}
	defer redisDB.Close()
	logger.Info("Connected to Redis", zap.String("host", cfg.Redis.Host))

	var bus signaling.Bus
	switch cfg.Call.SignalingBackend {
	case config.SignalingMemory:
		bus = signaling.NewMemoryBus()
	default:
		// The relay itself cannot sit on the ws backend, so ws falls back to Redis here
		bus = signaling.NewRedisBus(redisDB.Client)
	}
	feed := changefeed.New(bus)

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 3. Repositories and services
	callRepo := cockroach.NewCallRepository(db.Pool)
	userRepo := cockroach.NewUserRepository(db.Pool)
	notificationRepo := cockroach.NewNotificationRepository(db.Pool)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)

	pushProvider, err := push.NewProvider(ctx, cfg.Push)
	if err != nil {
		return err
	}
	pushSvc := push.NewService(pushProvider, pushTokenRepo)

	callSvc := callService.NewService(callRepo, feed, appMetrics)

	names := cache.NewNameCache(userRepo, constants.DisplayNameCacheTTL, constants.DisplayNameCacheSize)

	notificationSvc := notificationService.NewService(notificationRepo, names, pushSvc, feed, appMetrics)
	if err := notificationSvc.Start(ctx); err != nil {
		return err
	}
	defer notificationSvc.Dispose()

	// 4. HTTP
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, cfg.JWT.AccessTokenExpiry)
	signalingHub := wsHandler.NewSignalingHub(bus, callSvc, cfg.Server.AllowedOrigins, cfg.Call.MaxSignalingConns, appMetrics)

	callHdlr := callHandler.NewHandler(callSvc)
	notificationHdlr := notificationHandler.NewHandler(notificationSvc)
	pushHdlr := pushHandler.NewHandler(pushSvc)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	auth := middleware.AuthMiddleware(jwtManager)
	limitStore, err := middleware.NewRedisStore(redisDB.Client)
	if err != nil {
		return err
	}
	initiateLimit := middleware.NewRateLimiter(
		limitStore,
		"calls_initiate",
		cfg.Call.InitiateRateLimit,
		time.Minute,
	).Middleware()

	calls := router.Group("/v1/calls")
	calls.Use(auth)
	{
		calls.POST("/initiate", initiateLimit, callHdlr.InitiateCall)
		calls.GET("/history", callHdlr.GetHistory)
		calls.GET("/rooms/:room_id", callHdlr.GetRoom)
		calls.GET("/:id", callHdlr.GetCall)
		calls.POST("/:id/accept", callHdlr.AcceptCall)
		calls.POST("/:id/reject", callHdlr.RejectCall)
		calls.POST("/:id/end", callHdlr.EndCall)

		// WebSocket endpoint for WebRTC signaling
		calls.GET("/ws/signaling", signalingHub.ServeWS)
	}

	notifications := router.Group("/v1/notifications")
	notifications.Use(auth)
	{
		notifications.GET("", notificationHdlr.GetNotifications)
		notifications.GET("/count", notificationHdlr.GetNotificationCount)
		notifications.POST("/read-all", notificationHdlr.MarkAllAsRead)
		notifications.POST("/:id/read", notificationHdlr.MarkAsRead)
	}

	pushTokens := router.Group("/v1/push/tokens")
	pushTokens.Use(auth)
	{
		pushTokens.GET("", pushHdlr.GetTokens)
		pushTokens.POST("", pushHdlr.RegisterToken)
		pushTokens.DELETE("", pushHdlr.UnregisterToken)
	}

	// 5. Serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("signaling_backend", cfg.Call.SignalingBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down call service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
