package main

import (
	"context"
	"log"

	"convosync/config"
	"convosync/internal/events"
	"convosync/internal/feed"
	"convosync/internal/middleware"
	"convosync/internal/observability"
	"convosync/internal/outbox"
	"convosync/internal/presence"
	"convosync/internal/profile"
	"convosync/internal/proxy"
	"convosync/internal/redis"
	"convosync/internal/relay"
	"convosync/internal/repository"
	"convosync/internal/server"
	"convosync/internal/services"
	"convosync/internal/storage"
	"convosync/pkg/database"
	"convosync/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()
	l := logger.New(cfg.AppMode)
	logger.SetGlobalLogger(l)
	defer func() { _ = l.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.New(nil)
	health := map[string]server.HealthCheck{}

	var (
		bus           events.Bus = events.NewMemoryBus()
		presenceStore presence.Store
		limiter       middleware.Limiter
		profileCache  profile.Cache
		accessOpts    = []proxy.Option{proxy.WithLogger(l)}
	)
	if cfg.BusDriver == "redis" {
		client, err := redis.Connect(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer client.Close()

		cache := redis.NewCacheStore(client, redis.DefaultCacheConfig())
		bus = redis.NewBus(client)
		presenceStore = redis.NewPresenceStore(client, 0)
		limiter = redis.NewRateLimiter(client, redis.DefaultRateLimitConfig())
		profileCache = cache
		accessOpts = append(accessOpts, proxy.WithParticipantCache(cache))
		health["redis"] = cache.Ping
	}

	fd := feed.New(bus, feed.WithLogger(l), feed.WithRecorder(metrics))

	var (
		store  repository.Store
		runner *outbox.Runner
	)
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := database.Connect(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()
		if err := repository.InitSchema(ctx, pool); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		pg := repository.NewPostgresStore(pool, uuid.NewString)
		store = pg
		runner = outbox.NewRunner(outbox.DefaultProcessor(cfg, pg.Outbox(), fd,
			outbox.WithLogger(l), outbox.WithRecorder(metrics)))
		runner.Start(ctx)
		health["postgres"] = pool.Ping
	default:
		l.Logger.Warn("using the in-memory store, nothing survives a restart", zap.String("store_driver", cfg.StoreDriver))
		store = repository.NewMemoryStore(fd, repository.WithMemoryLogger(l))
	}

	var presigner services.Presigner
	if cfg.S3Enabled() {
		client, err := storage.NewClient(ctx, storage.S3Config{
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Endpoint:   cfg.S3Endpoint,
			PublicBase: cfg.S3PublicBase,
			PresignTTL: cfg.S3PresignTTL,
		})
		if err != nil {
			log.Fatalf("Failed to configure object storage: %v", err)
		}
		presigner = client
	}

	access := proxy.NewAccessControl(store, accessOpts...)
	tokens := relay.NewIssuer(cfg.RelayAppID, cfg.RelaySecret, cfg.RelayTokenTTL, nil)
	authService := services.NewAuthService(cfg.JWTSecret, cfg.AccessTokenTTL, nil)
	messageService := services.NewMessageService(store, access, nil)

	hub := server.NewHub(server.HubDeps{
		Feed:          fd,
		Bus:           bus,
		Access:        access,
		Conversations: store,
		Reads:         messageService,
		Presence:      presenceStore,
		Metrics:       metrics,
		Logger:        l,
	})
	go hub.Run()

	srv := server.New(cfg, l)
	srv.SetupRoutes(server.Deps{
		Auth:          authService,
		Messages:      messageService,
		Calls:         services.NewCallService(store, access, tokens, nil, l),
		Conversations: services.NewConversationService(store, access),
		Uploads:       services.NewUploadS3Service(presigner, access),
		Profiles:      profile.NewDirectory(store, profileCache, l),
		Limiter:       limiter,
		Metrics:       metrics,
		Hub:           hub,
		Health:        health,
	})

	if err := srv.Start(); err != nil {
		l.Logger.Error("server stopped", zap.Error(err))
	}

	hub.Stop()
	cancel()
	if runner != nil {
		runner.Wait()
	}
}
