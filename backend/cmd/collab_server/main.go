package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"collabsync/backend/config"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/httpapi/handlers"
	"collabsync/backend/internal/httpapi/middleware"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Fatalf("auth.jwtSecret is empty")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 一个地址时是单机客户端，多个地址时是集群客户端
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	gdb, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database (gorm): %v", err)
	}
	historyStore, err := store.NewHistoryStore(gdb)
	if err != nil {
		log.Fatalf("Failed to migrate history table: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	// Kafka 本地队列 + worker 重试发送
	kafkaDispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		collab.NewSemaphoreControl(cfg.Kafka.Workers),
		collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
		},
	)
	defer kafkaDispatcher.Close()

	svc := collab.NewInMemoryService(
		cache.NewSnapshotCache(rdb, store.NewSnapshotStore(db)),
		historyStore,
		store.NewDocumentStore(db),
		kafkaDispatcher,
		collab.Options{RingCap: cfg.Collab.RingCap, HistoryRetention: cfg.Collab.HistoryRetention},
	)
	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache)
	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl(cfg.Collab.MaxInflight), cfg.Running.AllowedOrigins)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Running.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	group := r.Group("/collab")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，校验后写入 userId/username
	group.Use(middleware.AuthMiddleware([]byte(cfg.Auth.JWTSecret)))
	group.GET("/ws", manager.WebSocketConnect)
	handlers.NewDocuments(svc, presenceCache).Register(group)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()
	log.Printf("collab server listening on %s", srv.Addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
