package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"collabSync/backend/config"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/httpapi/middleware"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/ws"
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func authMiddleware(cfg *config.Config) gin.HandlerFunc {
	switch strings.ToLower(cfg.Auth.Mode) {
	case "jwt":
		return middleware.JWTMiddleware([]byte(cfg.Auth.JWTSecret))
	case "remote":
		return middleware.AuthMiddleware(cfg.Auth.Path)
	default:
		return nil
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)
	logger.Info("config loaded", "port", cfg.Running.Port, "idleTTL", cfg.Collab.IdleTTL, "autoMerge", cfg.Collab.AutoMerge)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === 可选：Redis 在线成员镜像 ===
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	// === 可选：事件下游（Kafka / MySQL 归档）===
	var sinks []collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()
		sinks = append(sinks, collab.NewKafkaSink(producer, cfg.Kafka.Topic))
	}

	var archive handlers.HistoryArchive
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		archiveStore := store.NewArchiveStore(db)
		if err := archiveStore.Migrate(); err != nil {
			log.Fatalf("migrate archive: %v", err)
		}
		sinks = append(sinks, archiveStore)
		archive = archiveStore
	}

	var onCommit collab.CommitHook
	var dispatcher *collab.Dispatcher
	if len(sinks) > 0 {
		// 本地队列 + worker 重试发送
		dispatcher = collab.NewDispatcher(
			collab.NewSemaphoreControl(cfg.Dispatcher.Workers),
			collab.DispatcherOptions{
				QueueSize:      cfg.Dispatcher.QueueSize,
				Workers:        cfg.Dispatcher.Workers,
				MaxRetry:       cfg.Dispatcher.MaxRetry,
				BaseBackoff:    cfg.Dispatcher.BaseBackoff,
				MaxBackoff:     cfg.Dispatcher.MaxBackoff,
				EnqueueTimeout: cfg.Dispatcher.EnqueueTimeout,
				Logger:         logger,
			},
			sinks...,
		)
		onCommit = dispatcher.Hook()
	}

	// === 协作核心 ===
	hub := ws.NewHub(presence, logger)
	registry := collab.NewRegistry(collab.RegistryOptions{
		IdleTTL:         cfg.Collab.IdleTTL,
		HistoryCapacity: cfg.Collab.HistoryCapacity,
		OnCommit:        onCommit,
		Logger:          logger,
	})
	engine := collab.NewEngine(registry, collab.EngineOptions{
		Gateway:           hub,
		NotifyTimeout:     cfg.Collab.NotifyTimeout,
		NotifyConcurrency: cfg.Collab.NotifyConcurrency,
		AutoMerge:         cfg.Collab.AutoMerge,
		Logger:            logger,
	})
	manager := ws.NewManager(hub, engine, collab.NewSemaphoreControl(cfg.Collab.WSConcurrency), logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	corsCfg := cors.DefaultConfig()
	if len(cfg.Running.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.Running.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AddAllowHeaders("Authorization")
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "sessions": registry.Len()})
	})

	// 鉴权可选：jwt 本地校验或调用 auth-service，写入 userId/username
	api := r.Group("/")
	if mw := authMiddleware(cfg); mw != nil {
		api.Use(mw)
	}
	api.GET("/ws/:containerId", manager.WebSocketConnect)
	handlers.NewCollabHandler(engine, archive, logger).Register(api)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("collab server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	// 先停会话（不再产生新事件），再排空事件队列
	engine.Close()
	if dispatcher != nil {
		dispatcher.Close()
	}
	logger.Info("bye")
}
