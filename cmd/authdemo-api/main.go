package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/authdemo/authdemo-api/internal/handler"
	"github.com/authdemo/authdemo-api/internal/middleware"
	"github.com/authdemo/authdemo-api/internal/models"
	"github.com/authdemo/authdemo-api/internal/repository"
	"github.com/authdemo/authdemo-api/internal/service"
	"github.com/authdemo/authdemo-api/pkg/cache"
	"github.com/authdemo/authdemo-api/pkg/config"
	"github.com/authdemo/authdemo-api/pkg/database"
	"github.com/authdemo/authdemo-api/pkg/logger"
	corsmiddleware "github.com/authdemo/authdemo-api/pkg/middleware/cors"
	reqidmiddleware "github.com/authdemo/authdemo-api/pkg/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	sessionRepo := repository.NewSessionRepository(redisClient, logr)

	validate := validator.New()
	metricsSvc := service.NewMetricsService()
	auditSvc := service.NewAuditService(userRepo, cfg.Audit, logr)
	tokenSvc := service.NewTokenService(tokenRepo, sessionRepo, userRepo, metricsSvc, logr, cfg.JWT)
	authSvc := service.NewAuthService(userRepo, tokenSvc, auditSvc, validate, logr)
	userSvc := service.NewUserService(userRepo, tokenSvc, auditSvc, validate, logr)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditSvc.Start(rootCtx)
	defer auditSvc.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	authHandler := handler.NewAuthHandler(authSvc)
	userHandler := handler.NewUserHandler(userSvc)

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)

		protected := auth.Group("", middleware.JWT(tokenSvc))
		protected.POST("/logout", authHandler.Logout)
		protected.POST("/change-password", authHandler.ChangePassword)
		protected.POST("/change-email", authHandler.ChangeEmail)
		protected.GET("/me", authHandler.Me)
		protected.GET("/sessions", authHandler.Sessions)
	}

	users := api.Group("/users", middleware.JWT(tokenSvc))
	{
		users.GET("", middleware.RequireRoles(models.RoleAdmin), userHandler.List)
		users.POST("", middleware.RequireRoles(models.RoleAdmin), userHandler.Create)
		users.GET("/:id", middleware.RequireSelfOrRoles(models.RoleAdmin), userHandler.Get)
		users.PUT("/:id", middleware.RequireRoles(models.RoleAdmin), userHandler.Update)
		users.POST("/:id/deactivate", middleware.RequireRoles(models.RoleAdmin), userHandler.Deactivate)
		users.GET("/:id/sessions", middleware.RequireRoles(models.RoleAdmin), middleware.Audit(auditSvc, models.AuditActionSessionList, "session"), userHandler.Sessions)
		users.DELETE("/:id/sessions", middleware.RequireRoles(models.RoleAdmin), userHandler.InvalidateSessions)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	logr.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
