package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/config"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/handler"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/middleware"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/redis"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/repository"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/service"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/session"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/storage"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/token"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Database connection
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logrus.WithError(err).Fatal("Failed to ping database")
	}

	if err := runMigrations(db, cfg.MigrationsDir); err != nil {
		logrus.WithError(err).Fatal("Failed to apply migrations")
	}

	redisClient, err := redis.NewClient(redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.RedisDialTimeout,
		ReadTimeout:  cfg.RedisReadTimeout,
		WriteTimeout: cfg.RedisWriteTimeout,
		PoolSize:     cfg.RedisPoolSize,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to redis")
	}
	defer redisClient.Close()

	// Wiring
	tokens := token.NewManager(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	sessions := session.NewManager(redisClient.Client, tokens)
	users := repository.NewUserRepository(db, redisClient.Client)
	messages := repository.NewChannelMessageRepository(db)
	store := storage.NewStore(redisClient.Client, messages, cfg.ChannelCacheSize)

	authService := service.NewAuthService(users, sessions)
	storageService := service.NewStorageService(store, cfg.DirectMessageTTL, cfg.ListenTimeoutMax)

	authHandler := handler.NewAuthHandler(authService)
	storageHandler := handler.NewStorageHandler(storageService)
	wsHandler := handler.NewWSHandler(authService, storageService)

	router := newRouter(authService, authHandler, storageHandler, wsHandler)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logrus.WithField("addr", cfg.ListenAddr).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Shutdown failed")
	}
}

func newRouter(auth middleware.Authenticator, authHandler *handler.AuthHandler, storageHandler *handler.StorageHandler, wsHandler *handler.WSHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.LoggingMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authGroup := router.Group("/v1/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.Refresh)

		authed := authGroup.Group("", middleware.AuthMiddleware(auth))
		authed.POST("/logout", authHandler.Logout)
		authed.GET("/users/me", authHandler.Me)
		authed.GET("/sessions", authHandler.Sessions)
		authed.DELETE("/sessions/:sessionId", authHandler.RevokeSession)
		authed.DELETE("/sessions", authHandler.RevokeOtherSessions)
	}

	storageGroup := router.Group("/v1/storage", middleware.AuthMiddleware(auth))
	{
		storageGroup.POST("/channel/:channel/write", storageHandler.WriteChannel)
		storageGroup.GET("/channel/:channel/listen", storageHandler.ListenChannel)
		storageGroup.POST("/direct/request", storageHandler.SendRequest)
		storageGroup.POST("/direct/response", storageHandler.SendResponse)
		storageGroup.POST("/direct/send", storageHandler.SendDirect)
		storageGroup.GET("/direct/listen", storageHandler.ListenDirect)
	}

	// WebSocket endpoints authenticate inside the upgrade handshake.
	ws := router.Group("/v1/storage/ws")
	{
		ws.GET("/channel/:channel/listen", wsHandler.ListenChannel)
		ws.GET("/direct/listen", wsHandler.ListenDirect)
	}

	return router
}

func runMigrations(db *sql.DB, dir string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
