package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	intDatabase "consultlink-backend/internal/database"
	advisorHandler "consultlink-backend/internal/handler/http/advisor"
	callHandler "consultlink-backend/internal/handler/http/call"
	walletHandler "consultlink-backend/internal/handler/http/wallet"
	wsHandler "consultlink-backend/internal/handler/ws"
	"consultlink-backend/internal/middleware"
	"consultlink-backend/internal/presence"
	"consultlink-backend/internal/repository/cockroach"
	redisRepo "consultlink-backend/internal/repository/redis"
	"consultlink-backend/internal/service/billing"
	"consultlink-backend/internal/service/broker"
	"consultlink-backend/pkg/constants"
	"consultlink-backend/pkg/env"
	"consultlink-backend/pkg/grants"
	"consultlink-backend/pkg/jwt"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	ctx := context.Background()

	// 1. Setup JWT manager for API token validation
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewManager(jwtSecret, constants.AccessTokenExpiry)

	// 2. Setup grant issuer for media room tokens
	grantIssuer, err := grants.NewIssuer(
		env.GetStringFromFile("MEDIA_API_KEY", ""),
		env.GetStringFromFile("MEDIA_API_SECRET", ""),
		constants.GrantTokenTTL,
	)
	if err != nil {
		logger.Fatal("Failed to configure grant issuer", zap.Error(err))
	}

	// 3. Connect to the database with exponential backoff retry
	connString := fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		env.GetString("DB_USER", "root"),
		env.GetStringFromFile("DB_PASSWORD", ""),
		env.GetString("DB_HOST", "localhost"),
		env.GetInt("DB_PORT", 26257),
		env.GetString("DB_NAME", "consultlink"),
		env.GetString("DB_SSL_MODE", "disable"),
	)

	var db *intDatabase.DB

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err = intDatabase.NewDB(ctx, connString, intDatabase.DefaultDBConfig())
	for attempt := 2; err != nil && attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("Database connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		time.Sleep(delay)

		db, err = intDatabase.NewDB(ctx, connString, intDatabase.DefaultDBConfig())
	}
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Connected to database")

	// 4. Connect to Redis for the online-directory mirror
	redisDB, err := intDatabase.NewRedisDB(ctx, &intDatabase.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisDB.Close()
	redisDB.StartHealthCheck(ctx, 10*time.Second)
	logger.Info("Connected to Redis")

	// 5. Repositories
	walletRepo := cockroach.NewWalletRepository(db.Pool)
	advisorRepo := cockroach.NewAdvisorRepository(db.Pool)
	sessionRepo := cockroach.NewSessionRepository(db.Pool)
	directoryRepo := redisRepo.NewDirectoryRepository(redisDB.Client)

	// 6. Metrics
	appMetrics := metrics.NewMetrics("broker-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 7. Core services
	registry := presence.NewRegistry()
	billingSvc := billing.NewService(walletRepo, advisorRepo, appMetrics)
	brokerSvc := broker.NewService(&broker.Config{
		Registry:    registry,
		Timers:      broker.NewTimerManager(),
		Billing:     billingSvc,
		Grants:      grantIssuer,
		Advisors:    advisorRepo,
		Store:       sessionRepo,
		Metrics:     appMetrics,
		GracePeriod: env.GetDuration("DISCONNECT_GRACE_PERIOD", constants.DisconnectGracePeriod),
		InviteTTL:   env.GetDuration("INVITATION_TTL", constants.InvitationTTL),
	})

	// 8. Handlers
	brokerHub := wsHandler.NewBrokerHub(registry, brokerSvc, directoryRepo, appMetrics)
	callHdlr := callHandler.NewHandler(billingSvc, sessionRepo)
	advisorHdlr := advisorHandler.NewHandler(directoryRepo, advisorRepo)
	walletHdlr := walletHandler.NewHandler(walletRepo)

	// 9. Router
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "broker-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(jwtManager))
	{
		api.POST("/calls/precheck", callHdlr.Precheck)
		api.GET("/calls/history", callHdlr.History)
		api.GET("/advisors/online", advisorHdlr.ListOnline)
		api.GET("/wallet", walletHdlr.GetWallet)
		api.GET("/wallet/ledger", walletHdlr.GetLedger)

		// Signaling WebSocket: presence, invites, admission, reconnects
		api.GET("/ws", brokerHub.ServeWS)
	}

	// 10. Start server with graceful shutdown
	port := env.GetString("PORT", "8084")
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		logger.Info("Broker service starting", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down broker service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
