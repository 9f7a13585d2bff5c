package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitfantasy/nimo-track/internal/config"
	"github.com/bitfantasy/nimo-track/internal/middleware"
	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"github.com/bitfantasy/nimo-track/internal/track/handler"
	"github.com/bitfantasy/nimo-track/internal/track/repository"
	"github.com/bitfantasy/nimo-track/internal/track/service"
	"github.com/bitfantasy/nimo-track/internal/track/sse"
	"github.com/bitfantasy/nimo-track/internal/track/storage"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting nimo-track service",
		zap.String("version", config.GetEnvOrDefault("APP_VERSION", Version)),
		zap.String("build_time", BuildTime),
	)

	if cfg.JWT.Secret == "" {
		zapLogger.Fatal("JWT secret is not configured (JWT_SECRET)")
	}

	// 初始化数据库
	db, err := initDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&entity.Order{},
		&entity.Batch{},
		&entity.MasterCode{},
		&entity.UnitCode{},
		&entity.PreparedCode{},
		&entity.Movement{},
		&entity.ShipmentSession{},
	); err != nil {
		zapLogger.Warn("AutoMigrate track tables warning", zap.Error(err))
	}

	repos := repository.NewRepositories(db)

	// 锁：配置了Redis用分布式锁，否则进程内锁
	var locker service.Locker
	if cfg.Redis.Enabled {
		rdb := initRedis(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			zapLogger.Warn("Redis unavailable, falling back to local lock", zap.Error(err))
			locker = service.NewLocalLocker(cfg.Track.LockWait)
		} else {
			locker = service.NewRedisLocker(rdb, cfg.Track.LockWait)
			zapLogger.Info("Redis lock enabled", zap.String("addr", rdb.Options().Addr))
		}
		cancel()
	} else {
		locker = service.NewLocalLocker(cfg.Track.LockWait)
	}

	services := service.NewServices(repos, locker, cfg.Track, zapLogger)

	// SSE
	hub := sse.NewHub(zapLogger)
	services.SetEventPublisher(hub)

	// 出库清单归档
	store, err := storage.NewManifestStore(cfg.MinIO)
	if err != nil {
		zapLogger.Warn("MinIO init failed, manifests will not be archived", zap.Error(err))
	}
	if store != nil {
		bucketCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.EnsureBucket(bucketCtx); err != nil {
			zapLogger.Warn("MinIO bucket check failed", zap.String("bucket", cfg.MinIO.Bucket), zap.Error(err))
		}
		cancel()
		services.SetManifestArchiver(store)
		zapLogger.Info("Manifest archiving enabled", zap.String("bucket", cfg.MinIO.Bucket))
	}

	handlers := handler.NewHandlers(services, hub, zapLogger)

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/sse"})))

	// 注册路由
	registerRoutes(router, db, handlers, cfg)

	// 创建HTTP服务器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // Disable for SSE long-lived connections
	}

	// 启动服务器
	go func() {
		zapLogger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("Server exited")
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	level := logger.Warn
	switch cfg.LogLevel {
	case "info":
		level = logger.Info
	case "error":
		level = logger.Error
	case "silent":
		level = logger.Silent
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func registerRoutes(r *gin.Engine, db *gorm.DB, h *handler.Handlers, cfg *config.Config) {
	// 健康检查
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 版本信息
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    config.GetEnvOrDefault("APP_VERSION", Version),
			"build_time": BuildTime,
		})
	})

	api := r.Group("/api/v1", middleware.JWTAuth(cfg.JWT.Secret))
	handler.RegisterRoutes(api, h)

	r.NoRoute(func(c *gin.Context) {
		handler.NotFound(c, "Not found")
	})
}
