package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tutorhive/backend/config"
	"github.com/tutorhive/backend/internal/auth"
	"github.com/tutorhive/backend/internal/chat"
	"github.com/tutorhive/backend/internal/middleware"
	"github.com/tutorhive/backend/internal/realtime"
	"github.com/tutorhive/backend/internal/sessions"
	"github.com/tutorhive/backend/pkg/database"
	"github.com/tutorhive/backend/pkg/redis"
)

func main() {
	zapCfg := zap.NewProductionConfig()
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	ctx := context.Background()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	var bridge realtime.Bridge
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis connect failed", zap.Error(err))
		}
		defer redisClient.Close()
		bridge = realtime.NewRedisBridge(redisClient, logger)
	} else {
		logger.Info("redis disabled, running single-instance relay")
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	sessionRepo := sessions.NewRepository(pool)
	chatRepo := chat.NewRepository(pool)

	registry := realtime.NewRegistry(sessionRepo, chatRepo, bridge, cfg.Chat.MaxMessageRunes, logger)
	registry.SetPresenceLogger(
		func(sessionID, userID uuid.UUID) {
			if err := sessionRepo.LogJoin(context.Background(), sessionID, userID); err != nil {
				logger.Warn("attendance join log failed", zap.Error(err))
			}
		},
		func(sessionID, userID uuid.UUID, _ time.Time) {
			if err := sessionRepo.LogLeave(context.Background(), sessionID, userID); err != nil {
				logger.Warn("attendance leave log failed", zap.Error(err))
			}
		},
	)

	sessionHandler := sessions.NewHandler(sessionRepo, registry)
	chatHandler := chat.NewHandler(chatRepo, cfg.Chat.HistoryLimit)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Token rides the query string because browser WebSocket clients cannot
	// set headers on the upgrade request.
	router.GET("/ws", realtime.ServeWs(registry, logger, jwtService.Validate))

	api := router.Group("/api/v1")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/sessions", middleware.RequireRole("tutor"), sessionHandler.Create)
		api.GET("/sessions", sessionHandler.List)
		api.GET("/sessions/:id", sessionHandler.GetByID)
		api.POST("/sessions/:id/end", middleware.RequireRole("tutor"), sessionHandler.End)
		api.GET("/sessions/:id/participants", sessionHandler.Participants)
		api.GET("/sessions/:id/attendance", middleware.RequireRole("tutor"), sessionHandler.Attendance)
		api.GET("/sessions/:id/messages", chatHandler.History)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
