// Command loadsim drives two in-process sessions through a message exchange
// and a call against the configured store and bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"convosync/config"
	"convosync/internal/domain/call"
	"convosync/internal/domain/message"
	"convosync/internal/events"
	"convosync/internal/feed"
	"convosync/internal/media"
	"convosync/internal/observability"
	"convosync/internal/outbox"
	"convosync/internal/presence"
	"convosync/internal/profile"
	"convosync/internal/redis"
	"convosync/internal/relay"
	"convosync/internal/repository"
	"convosync/internal/session"
	"convosync/internal/signaling"
	"convosync/pkg/database"
	"convosync/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const conversationID = "seed-direct"

func main() {
	rounds := flag.Int("messages", 20, "Messages alice sends before the call")
	timeout := flag.Duration("timeout", 30*time.Second, "Deadline for each scenario step")
	flag.Parse()

	cfg := config.LoadConfig()
	l := logger.New(cfg.AppMode)
	logger.SetGlobalLogger(l)
	defer func() { _ = l.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.New(nil)

	var (
		bus           events.Bus = events.NewMemoryBus()
		presenceStore presence.Store
		profileCache  profile.Cache
	)
	if cfg.BusDriver == "redis" {
		client, err := redis.Connect(ctx, redis.Config{Host: cfg.RedisHost, Port: cfg.RedisPort, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer client.Close()
		bus = redis.NewBus(client)
		presenceStore = redis.NewPresenceStore(client, 0)
		profileCache = redis.NewCacheStore(client, redis.DefaultCacheConfig())
	}
	fd := feed.New(bus, feed.WithLogger(l), feed.WithRecorder(metrics))

	var store repository.Store
	if cfg.StoreDriver == "postgres" {
		pool, err := database.Connect(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()
		if err := repository.InitSchema(ctx, pool); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		pg := repository.NewPostgresStore(pool, uuid.NewString)
		runner := outbox.NewRunner(outbox.DefaultProcessor(cfg, pg.Outbox(), fd, outbox.WithLogger(l), outbox.WithRecorder(metrics)))
		runner.Start(ctx)
		defer runner.Wait()
		defer cancel()
		store = pg
	} else {
		store = repository.NewMemoryStore(fd, repository.WithMemoryLogger(l))
	}

	seeded, err := database.Seed(ctx, store, database.DefaultSeedConfig())
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	tokens := relay.NewIssuer(cfg.RelayAppID, cfg.RelaySecret, cfg.RelayTokenTTL, nil)
	deps := session.Deps{
		Store:           store,
		Feed:            fd,
		Bus:             bus,
		PresenceStore:   presenceStore,
		Profiles:        profile.NewDirectory(store, profileCache, l),
		Devices:         media.NewSyntheticDevices(),
		Relay:           media.NewLoopbackRelay(tokens),
		Tokens:          tokens,
		Logger:          l,
		Recorder:        metrics,
		RingTimeout:     cfg.CallRingTimeout,
		RemoteLeftGrace: cfg.CallRemoteLeftGrace,
	}

	alice, err := session.New(ctx, seeded.Users[0], deps)
	if err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	defer alice.Close(context.Background())
	bob, err := session.New(ctx, seeded.Users[1], deps)
	if err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	defer bob.Close(context.Background())

	if err := runMessages(ctx, l, alice, bob, *rounds, *timeout); err != nil {
		l.Logger.Error("message scenario failed", zap.Error(err))
		return
	}
	if err := runCall(ctx, l, alice, bob, *timeout); err != nil {
		l.Logger.Error("call scenario failed", zap.Error(err))
		return
	}
	l.Logger.Info("scenarios passed")
}

func runMessages(ctx context.Context, l *logger.Logger, alice, bob *session.Session, rounds int, timeout time.Duration) error {
	ae, err := alice.Open(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("alice open: %w", err)
	}
	be, err := bob.Open(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("bob open: %w", err)
	}
	before := len(be.Messages())

	start := time.Now()
	for i := 0; i < rounds; i++ {
		if _, err := ae.Send(ctx, message.Draft{Content: fmt.Sprintf("load message %d", i+1)}); err != nil {
			return fmt.Errorf("send %d: %w", i+1, err)
		}
	}
	if err := waitFor(ctx, timeout, func() bool { return len(be.Messages()) >= before+rounds }); err != nil {
		return fmt.Errorf("bob saw %d of %d messages: %w", len(be.Messages())-before, rounds, err)
	}
	l.Logger.Info("messages delivered",
		zap.Int("count", rounds), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func runCall(ctx context.Context, l *logger.Logger, alice, bob *session.Session, timeout time.Duration) error {
	start := time.Now()
	if _, err := alice.Calls().StartCall(ctx, conversationID, call.KindVoice); err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	if err := waitFor(ctx, timeout, func() bool { return bob.Calls().Snapshot().State == signaling.StateRinging }); err != nil {
		return fmt.Errorf("bob never rang: %w", err)
	}
	if err := bob.Calls().Answer(ctx); err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	if err := waitFor(ctx, timeout, func() bool { return alice.Calls().Snapshot().State == signaling.StateConnected }); err != nil {
		return fmt.Errorf("alice never connected: %w", err)
	}
	l.Logger.Info("call connected", zap.Duration("setup", time.Since(start)))

	if err := alice.Calls().EndCall(ctx); err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	idle := func() bool {
		return alice.Calls().Snapshot().State == signaling.StateIdle && bob.Calls().Snapshot().State == signaling.StateIdle
	}
	if err := waitFor(ctx, timeout, idle); err != nil {
		return fmt.Errorf("call teardown: %w", err)
	}
	l.Logger.Info("call finished", zap.String("outcome", string(bob.Calls().Snapshot().Outcome)))
	return nil
}

var errTimeout = errors.New("timed out")

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errTimeout
		case <-ticker.C:
		}
	}
	return nil
}
