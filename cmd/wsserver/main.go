package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/amigochat/realtime/internal/account"
	"github.com/amigochat/realtime/internal/config"
	"github.com/amigochat/realtime/internal/lifecycle"
	"github.com/amigochat/realtime/internal/messaging"
	"github.com/amigochat/realtime/internal/presence"
	"github.com/amigochat/realtime/internal/ratelimit"
	"github.com/amigochat/realtime/internal/router"
	"github.com/amigochat/realtime/internal/session"
	"github.com/amigochat/realtime/internal/storage"
	"github.com/amigochat/realtime/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.WS.StrictIdentity {
		if err := cfg.RequireSecret(); err != nil {
			log.Fatalf("strict identity: %v", err)
		}
	}
	serverConfig := cfg.WS.Server()

	// --- Redis ---
	redisClient, err := storage.OpenRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	sessionStore, err := session.NewStore(redisClient, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to create session store: %v", err)
	}
	limiter := ratelimit.NewLimiter(redisClient)

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsClient, err = messaging.NewNATSClient(cfg.NATS.Client("amigochat-ws-" + cfg.ServerName))
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	log.Printf("AmigoChat WebSocket server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  heartbeat:       %s", serverConfig.Heartbeat.Interval)
	log.Printf("  strict_identity: %v", cfg.WS.StrictIdentity)
	log.Printf("  rate_limit:      %v", cfg.WS.RateLimit)
	log.Printf("  nats_url:        %s", cfg.NATS.URL)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  server_name:     %s", cfg.ServerName)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(serverConfig, sessionStore, dispatcher.Dispatch)

	registry := presence.NewRegistry()
	manager := lifecycle.NewManager(
		registry,
		presence.NewBroadcaster(server),
		router.New(registry, server),
		server,
		lifecycle.Options{StrictIdentity: cfg.WS.StrictIdentity},
	)
	manager.SetMirror(sessionStore)
	if cfg.WS.RateLimit {
		server.SetConnectLimiter(limiter)
		manager.SetLimiter(limiter)
	}
	if cfg.WS.StrictIdentity {
		tokens := account.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, account.NewRedisRevocations(redisClient))
		manager.SetVerifier(tokens)
	}
	if natsClient != nil {
		manager.SetPublisher(natsClient)
	}
	manager.Attach(server, dispatcher)

	// Graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Printf("received signal, initiating graceful shutdown...")
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}

	if err := server.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if natsClient != nil {
		if err := natsClient.Flush(); err != nil {
			log.Printf("nats flush error: %v", err)
		}
		natsClient.Close()
	}

	if err := sessionStore.Close(); err != nil {
		log.Printf("session store close error: %v", err)
	}
}
