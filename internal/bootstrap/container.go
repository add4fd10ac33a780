package bootstrap

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"rag-chat-gateway/internal/config"
	"rag-chat-gateway/internal/controller"
	"rag-chat-gateway/internal/pkg/logger"
	"rag-chat-gateway/internal/pkg/serverutils"
	"rag-chat-gateway/internal/service"
	"rag-chat-gateway/pkg/identity"
	"rag-chat-gateway/pkg/quota"
)

type Container struct {
	// Controllers
	ChatController *controller.ChatController

	// Shared facades (exposed for shutdown and tests)
	Logger   logger.ILogger
	Identity *identity.JWTProvider
	Tracker  *quota.Tracker
}

func NewContainer(cfg *config.Config) *Container {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")

	// 2. Identity
	provider, err := identity.NewJWTProvider(cfg.Identity.JWTSecret, time.Duration(cfg.Identity.TokenTTLMin)*time.Minute)
	if err != nil {
		log.Fatalf("[FATAL] Failed to initialize identity provider: %v", err)
	}

	// 3. Quota Storage based on Config
	var storage quota.Storage
	if cfg.Quota.Backend == "redis" {
		opt, err := redis.ParseURL(cfg.App.RedisURL)
		if err != nil {
			log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
			opt = &redis.Options{
				Addr: cfg.App.RedisURL,
			}
		}
		rdb := redis.NewClient(opt)
		if _, err := rdb.Ping(context.Background()).Result(); err != nil {
			log.Printf("[WARN] Failed to connect to Redis: %v", err)
		}
		storage = quota.NewRedisStorage(rdb)
		log.Printf("[INFO] Using Quota Storage: REDIS")
	} else {
		storage = quota.NewMemoryStorage()
		log.Printf("[INFO] Using Quota Storage: MEMORY")
	}

	tracker := quota.NewTracker(storage, cfg.Quota.AnonDailyLimit, cfg.Quota.AuthDailyLimit, sysLogger)

	// 4. Services
	proxyService := service.NewProxyService(cfg, sysLogger)

	// 5. Controllers
	authMiddleware := serverutils.AuthMiddleware(provider)

	return &Container{
		ChatController: controller.NewChatController(proxyService, tracker, authMiddleware, sysLogger),
		Logger:         sysLogger,
		Identity:       provider,
		Tracker:        tracker,
	}
}
