package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TNortnern/reusable-chat/internal/auth"
	"github.com/TNortnern/reusable-chat/internal/ban"
	"github.com/TNortnern/reusable-chat/internal/channel"
	"github.com/TNortnern/reusable-chat/internal/config"
	"github.com/TNortnern/reusable-chat/internal/messaging"
	"github.com/TNortnern/reusable-chat/internal/metrics"
	"github.com/TNortnern/reusable-chat/internal/presence"
	"github.com/TNortnern/reusable-chat/internal/ratelimit"
	"github.com/TNortnern/reusable-chat/internal/realtime"
	"github.com/TNortnern/reusable-chat/internal/registry"
	"github.com/TNortnern/reusable-chat/internal/store"
	"github.com/TNortnern/reusable-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- Postgres ---
	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	dbCfg := store.DefaultConfig(cfg.Database.URL)
	dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	db, err := store.Open(startCtx, dbCfg)
	cancelStart()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if cfg.Database.RunMigrations {
		if err := store.Migrate(db); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
	}
	directory := store.NewDirectory(db)

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancelPing()

	bans := ban.NewStore(rdb)
	limiter := ratelimit.NewLimiter(rdb)
	presenceStore := presence.NewStore(rdb, cfg.Server.Name)

	// --- Hub ---
	authorizer := channel.NewAuthorizer(directory, directory, directory, cfg.Realtime.LookupTimeout)

	var (
		relay      realtime.Relay
		natsClient *messaging.NATSClient
	)
	if cfg.Clustered() {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = cfg.Server.Name
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		relay = natsClient
	}

	hub := realtime.NewHub(realtime.HubConfig{QueueCapacity: cfg.Realtime.QueueCapacity},
		registry.New(), authorizer, relay)

	var evictor ws.Evictor = ws.LocalEvictor{Hub: hub}
	if natsClient != nil {
		if err := natsClient.SubscribeEvents(func(ev *realtime.Event) { hub.Deliver(ev) }); err != nil {
			log.Fatalf("failed to subscribe to relay: %v", err)
		}
		if err := natsClient.SubscribeEvictions(func(e messaging.Eviction) {
			n := hub.EvictChatUser(e.WorkspaceID, e.ChatUserID, e.Reason)
			log.Printf("[nats] eviction workspace=%s user=%s reason=%s closed=%d", e.WorkspaceID, e.ChatUserID, e.Reason, n)
		}); err != nil {
			log.Fatalf("failed to subscribe to evictions: %v", err)
		}
		evictor = natsClient
	}

	// --- Transport ---
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	}, hub, auth.NewVerifier(cfg.Auth.JWTSecret, 0, cfg.Auth.JWTIssuer), ws.Options{
		Bans:     bans,
		Limiter:  limiter,
		Presence: presenceStore,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Realtime.HeartbeatInterval,
			Timeout:  cfg.Realtime.HeartbeatTimeout,
		},
	})
	server.Handle("/internal/", ws.NewAPI(cfg.Auth.PublishKey, hub, bans, evictor))
	server.Handle("/metrics", metrics.Handler())

	log.Printf("realtime server starting")
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  server_name:     %s", cfg.Server.Name)
	log.Printf("  worker_pool:     %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.Server.MaxConnections)
	log.Printf("  queue_capacity:  %d", cfg.Realtime.QueueCapacity)
	log.Printf("  heartbeat:       %s / %s", cfg.Realtime.HeartbeatInterval, cfg.Realtime.HeartbeatTimeout)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  clustered:       %v", cfg.Clustered())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		log.Printf("shutdown error: %v", err)
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if err := rdb.Close(); err != nil {
		log.Printf("redis close error: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("postgres close error: %v", err)
	}
	log.Printf("realtime server stopped")
}
